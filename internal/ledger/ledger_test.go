package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/db"
	"autoflow/internal/domain"
	"autoflow/internal/ledger"
	"autoflow/internal/migrate"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(conn)
	led.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	led.Events.Now = led.Now
	led.Outbox.Now = led.Now
	ctx := context.Background()
	cfg := config.Default("chain-1")
	cfg.Denoms = []config.DenomConfig{
		{Denom: "uusdc", MaxDebt: 1_000_000, MinBalanceThreshold: 0},
		{Denom: "uatom", MaxDebt: 500_000, MinBalanceThreshold: 0},
	}
	if err := led.Repo.UpsertChainConfig(ctx, nil, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := led.Repo.SeedAcceptedDenoms(ctx, nil, []domain.AcceptedDenom{
		{Denom: "uusdc", MaxDebt: 1_000_000, MinBalanceThreshold: 0},
		{Denom: "uatom", MaxDebt: 500_000, MinBalanceThreshold: 0},
	}); err != nil {
		t.Fatalf("seed denoms: %v", err)
	}
	return testEnv{Ledger: led, Ctx: ctx}
}

func balanceOf(t *testing.T, env testEnv, user, denom string) int64 {
	t.Helper()
	balances, err := env.Ledger.UserBalances(env.Ctx, user)
	if err != nil {
		t.Fatalf("user balances: %v", err)
	}
	for _, b := range balances {
		if b.Denom == denom {
			return b.Amount
		}
	}
	t.Fatalf("denom %s not in balances", denom)
	return 0
}

func TestDepositAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := balanceOf(t, env, "alice", "uusdc"); got != 500 {
		t.Fatalf("balance = %d, want 500", got)
	}
	newBalance, err := env.Ledger.Withdraw(env.Ctx, "alice", "uusdc", 200)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if newBalance != 300 {
		t.Fatalf("new balance = %d, want 300", newBalance)
	}
	transfers, err := env.Ledger.Repo.ListTransfers(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Recipient != "alice" || transfers[0].Amount != 200 {
		t.Fatalf("unexpected transfers: %+v", transfers)
	}
}

func TestDepositRejectsEmptyAndUnknownDenom(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", nil); !errors.Is(err, ledger.ErrNoFundsSent) {
		t.Fatalf("empty deposit: %v", err)
	}
	_, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "doge", Amount: 1}})
	var denomErr ledger.DenomNotAcceptedError
	if !errors.As(err, &denomErr) || denomErr.Denom != "doge" {
		t.Fatalf("unknown denom: %v", err)
	}
	// the whole deposit rolls back, even accepted coins before the bad one
	_, err = env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{
		{Denom: "uusdc", Amount: 100},
		{Denom: "doge", Amount: 1},
	})
	if err == nil {
		t.Fatalf("expected denom error")
	}
	if got := balanceOf(t, env, "alice", "uusdc"); got != 0 {
		t.Fatalf("balance after rollback = %d, want 0", got)
	}
}

func TestWithdrawRejections(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Withdraw(env.Ctx, "alice", "uusdc", 0); !errors.Is(err, ledger.ErrInvalidWithdrawalAmount) {
		t.Fatalf("zero amount: %v", err)
	}
	_, err := env.Ledger.Withdraw(env.Ctx, "alice", "uusdc", 10)
	var insufficient ledger.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("insufficient: %v", err)
	}
	if insufficient.Available != 0 || insufficient.Requested != 10 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
}

// An uncovered charge debits the full demand and credits nothing to the
// accumulators beyond what the balance covered, execution first.
func TestChargeCreatesDebtAndProrates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	batch := []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{
			{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 1000},
			{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 2000},
		},
	}}
	if _, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", batch); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if got := balanceOf(t, env, "alice", "uusdc"); got != -2500 {
		t.Fatalf("balance = %d, want -2500", got)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil {
		t.Fatalf("non-creator fees: %v", err)
	}
	if len(nonCreator.ExecutionFees) != 1 || nonCreator.ExecutionFees[0].Amount != 500 {
		t.Fatalf("execution fees = %+v, want 500uusdc", nonCreator.ExecutionFees)
	}
	carol, err := env.Ledger.CreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("creator fees: %v", err)
	}
	if len(carol) != 0 {
		t.Fatalf("creator fees = %+v, want none", carol)
	}
}

// When the balance covers the execution portion with some left over, the
// remainder goes to the creator and the sum of credits never exceeds what
// the user actually had.
func TestChargeProrationConservation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 1500}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	batch := []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{
			{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 1000},
			{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 2000},
		},
	}}
	if _, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", batch); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if got := balanceOf(t, env, "alice", "uusdc"); got != -1500 {
		t.Fatalf("balance = %d, want -1500", got)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil {
		t.Fatalf("non-creator fees: %v", err)
	}
	if nonCreator.ExecutionFees[0].Amount != 1000 {
		t.Fatalf("execution = %d, want 1000", nonCreator.ExecutionFees[0].Amount)
	}
	carol, err := env.Ledger.CreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("creator fees: %v", err)
	}
	if len(carol) != 1 || carol[0].Amount != 500 {
		t.Fatalf("creator fees = %+v, want 500uusdc", carol)
	}
}

func TestChargeBelowThresholdSignal(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Ledger.Repo.SeedAcceptedDenoms(env.Ctx, nil, []domain.AcceptedDenom{
		{Denom: "uusdc", MaxDebt: 1_000_000, MinBalanceThreshold: 100},
	}); err != nil {
		t.Fatalf("reseed denoms: %v", err)
	}
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 150}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	below, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 49}},
	}})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	// 101 > 100: no signal
	if len(below) != 0 {
		t.Fatalf("unexpected signal at 101: %+v", below)
	}
	below, err = env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 51}},
	}})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	// 50 <= 100: signal fires
	if len(below) != 1 || below[0].User != "alice" || below[0].Denom != "uusdc" {
		t.Fatalf("expected signal at 50, got %+v", below)
	}
}

func TestChargeRequiresWorkflowManager(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "crank", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 1}},
	}})
	var notAuth ledger.NotAuthorizedError
	if !errors.As(err, &notAuth) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if notAuth.Address != "crank" {
		t.Fatalf("rejected address = %q, want crank", notAuth.Address)
	}
}

func TestDistributeRejectsWorkflowManager(t *testing.T) {
	env := newTestEnv(t)
	var notAuth ledger.NotAuthorizedError
	if err := env.Ledger.DistributeNonCreatorFees(env.Ctx, "workflow-manager"); !errors.As(err, &notAuth) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := env.Ledger.DistributeCreatorFees(env.Ctx, "workflow-manager"); !errors.As(err, &notAuth) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestDepositTurnedPositiveSignal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 100}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 300}},
	}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if got := balanceOf(t, env, "alice", "uusdc"); got != -200 {
		t.Fatalf("balance = %d, want -200", got)
	}
	// partial repayment stays negative, no completion event
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 100}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// repayment to exactly zero counts as turned positive
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 100}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	events, err := env.Ledger.Repo.ListEvents(env.Ctx, 0, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	completed := 0
	for _, e := range events {
		if e.Type == "fees.deposit_completed" {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("deposit_completed count = %d, want 1", completed)
	}
}

func TestChargeFromMessageCoins(t *testing.T) {
	env := newTestEnv(t)
	fees := []domain.Fee{
		{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 300},
		{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 200},
	}
	// short payment rejected
	err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 400}})
	var payErr ledger.InvalidPaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("short payment: %v", err)
	}
	// extra denom rejected
	err = env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{
		{Denom: "uusdc", Amount: 500},
		{Denom: "uatom", Amount: 1},
	})
	if !errors.As(err, &payErr) {
		t.Fatalf("extra denom: %v", err)
	}
	if err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("exact payment: %v", err)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil {
		t.Fatalf("non-creator fees: %v", err)
	}
	if nonCreator.ExecutionFees[0].Amount != 300 {
		t.Fatalf("execution = %+v, want 300", nonCreator.ExecutionFees)
	}
	carol, err := env.Ledger.CreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("creator fees: %v", err)
	}
	if len(carol) != 1 || carol[0].Amount != 200 {
		t.Fatalf("creator fees = %+v, want 200uusdc", carol)
	}
}

func TestClaimCreatorFees(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.ClaimCreatorFees(env.Ctx, "carol"); !errors.Is(err, ledger.ErrNoCreatorFeesToClaim) {
		t.Fatalf("empty claim: %v", err)
	}
	fees := []domain.Fee{{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 500}}
	if err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	claimed, err := env.Ledger.ClaimCreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Amount != 500 {
		t.Fatalf("claimed = %+v", claimed)
	}
	// claim is full value, no platform cut
	transfers, err := env.Ledger.Repo.ListTransfers(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Recipient != "carol" || transfers[0].Amount != 500 {
		t.Fatalf("transfers = %+v", transfers)
	}
	if _, err := env.Ledger.ClaimCreatorFees(env.Ctx, "carol"); !errors.Is(err, ledger.ErrNoCreatorFeesToClaim) {
		t.Fatalf("second claim: %v", err)
	}
}

func TestDistributeCreatorFeesSplit(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Ledger.EnableCreatorFeeDistribution(env.Ctx, "carol"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fees := []domain.Fee{{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 500}}
	if err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := env.Ledger.DistributeCreatorFees(env.Ctx, "crank"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	// 500 at 5 pct: 25 platform cut, 475 to carol
	transfers, err := env.Ledger.Repo.ListTransfers(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Recipient != "carol" || transfers[0].Amount != 475 {
		t.Fatalf("transfers = %+v", transfers)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil {
		t.Fatalf("non-creator fees: %v", err)
	}
	if len(nonCreator.DistributionFees) != 1 || nonCreator.DistributionFees[0].Amount != 25 {
		t.Fatalf("distribution fees = %+v, want 25uusdc", nonCreator.DistributionFees)
	}
	carol, err := env.Ledger.CreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("creator fees: %v", err)
	}
	if len(carol) != 0 {
		t.Fatalf("creator fees = %+v, want cleared", carol)
	}
}

func TestDistributeCreatorFeesSkipsUnsubscribed(t *testing.T) {
	env := newTestEnv(t)
	fees := []domain.Fee{{Type: domain.FeeTypeCreator, Creator: "carol", Denom: "uusdc", Amount: 500}}
	if err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	err := env.Ledger.DistributeCreatorFees(env.Ctx, "crank")
	if !errors.Is(err, ledger.ErrNoCreatorFeesToDistribute) {
		t.Fatalf("no subscribers: %v", err)
	}
	carol, err := env.Ledger.CreatorFees(env.Ctx, "carol")
	if err != nil {
		t.Fatalf("creator fees: %v", err)
	}
	if len(carol) != 1 || carol[0].Amount != 500 {
		t.Fatalf("creator fees = %+v, want untouched", carol)
	}
}

func TestDistributeNonCreatorFees(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Ledger.DistributeNonCreatorFees(env.Ctx, "crank"); !errors.Is(err, ledger.ErrNoExecutionFeesToDistribute) {
		t.Fatalf("empty distribute: %v", err)
	}
	if err := env.Ledger.DistributeNonCreatorFees(env.Ctx, "alice"); err == nil {
		t.Fatalf("expected authorization error")
	}
	fees := []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 300}}
	if err := env.Ledger.ChargeFeesFromMessageCoins(env.Ctx, fees, []domain.Coin{{Denom: "uusdc", Amount: 300}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := env.Ledger.DistributeNonCreatorFees(env.Ctx, "crank"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	transfers, err := env.Ledger.Repo.ListTransfers(env.Ctx, 0, 10)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Recipient != "execution-fees" || transfers[0].Amount != 300 {
		t.Fatalf("transfers = %+v", transfers)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil {
		t.Fatalf("non-creator fees: %v", err)
	}
	if len(nonCreator.ExecutionFees) != 0 {
		t.Fatalf("execution fees = %+v, want cleared", nonCreator.ExecutionFees)
	}
}

func TestDebtLimit(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Ledger.Repo.SeedAcceptedDenoms(env.Ctx, nil, []domain.AcceptedDenom{
		{Denom: "uusdc", MaxDebt: 100, MinBalanceThreshold: 0},
	}); err != nil {
		t.Fatalf("reseed denoms: %v", err)
	}
	exceeded, err := env.Ledger.HasExceededDebtLimit(env.Ctx, "alice")
	if err != nil || exceeded {
		t.Fatalf("fresh user: %v %v", exceeded, err)
	}
	if _, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 100}},
	}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	// debt of exactly the cap is still allowed
	exceeded, err = env.Ledger.HasExceededDebtLimit(env.Ctx, "alice")
	if err != nil || exceeded {
		t.Fatalf("at cap: %v %v", exceeded, err)
	}
	if _, err := env.Ledger.ChargeFeesFromUserBalance(env.Ctx, "workflow-manager", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 1}},
	}}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	exceeded, err = env.Ledger.HasExceededDebtLimit(env.Ctx, "alice")
	if err != nil || !exceeded {
		t.Fatalf("over cap: %v %v", exceeded, err)
	}
}

func TestSubscriptionToggle(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.Ledger.IsCreatorSubscribed(env.Ctx, "carol")
	if err != nil || sub {
		t.Fatalf("fresh creator: %v %v", sub, err)
	}
	if err := env.Ledger.EnableCreatorFeeDistribution(env.Ctx, "carol"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	creators, err := env.Ledger.SubscribedCreators(env.Ctx)
	if err != nil || len(creators) != 1 || creators[0] != "carol" {
		t.Fatalf("subscribed = %v %v", creators, err)
	}
	if err := env.Ledger.DisableCreatorFeeDistribution(env.Ctx, "carol"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	creators, err = env.Ledger.SubscribedCreators(env.Ctx)
	if err != nil || len(creators) != 0 {
		t.Fatalf("after disable = %v %v", creators, err)
	}
}
