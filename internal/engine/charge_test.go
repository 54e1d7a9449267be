package engine_test

import (
	"errors"
	"testing"

	"autoflow/internal/domain"
	"autoflow/internal/engine"
)

func seedPaymentConfig(t *testing.T, env testEnv, user, source string, allowance uint64) {
	t.Helper()
	if err := env.Engine.SetUserPaymentConfig(env.Ctx, "owner", domain.PaymentConfig{
		User: user, Allowance: allowance, Source: source,
	}); err != nil {
		t.Fatalf("set payment config: %v", err)
	}
}

func TestPaymentConfigLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetUserPaymentConfig(env.Ctx, "mallory", domain.PaymentConfig{
		User: "alice", Allowance: 100, Source: domain.PaymentSourceWallet,
	}); err == nil {
		t.Fatalf("expected authorization error")
	}
	seedPaymentConfig(t, env, "alice", domain.PaymentSourceWallet, 100)
	pc, err := env.Engine.GetUserPaymentConfig(env.Ctx, "alice")
	if err != nil || pc.Allowance != 100 || pc.Source != domain.PaymentSourceWallet {
		t.Fatalf("payment config = %+v %v", pc, err)
	}
	if err := env.Engine.RemoveUserPaymentConfig(env.Ctx, "owner", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.Engine.GetUserPaymentConfig(env.Ctx, "alice"); !errors.Is(err, engine.ErrNoPaymentConfig) {
		t.Fatalf("after remove: %v", err)
	}
}

func TestSubmitChargesConsumesAllowance(t *testing.T) {
	env := newTestEnv(t)
	seedPaymentConfig(t, env, "alice", domain.PaymentSourcePrepaid, 1000)

	batch := []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 600}},
	}}
	sub, err := env.Engine.SubmitCharges(env.Ctx, "owner", batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.CorrelationID == "" || len(sub.Prepaid) != 1 || len(sub.WalletFees) != 0 {
		t.Fatalf("submission = %+v", sub)
	}
	pc, err := env.Engine.GetUserPaymentConfig(env.Ctx, "alice")
	if err != nil || pc.Allowance != 400 {
		t.Fatalf("allowance = %d %v, want 400", pc.Allowance, err)
	}

	// exceeding the remaining allowance fails and rolls back
	_, err = env.Engine.SubmitCharges(env.Ctx, "owner", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 500}},
	}})
	var exceeded engine.AllowanceExceededError
	if !errors.As(err, &exceeded) || exceeded.Allowance != 400 || exceeded.Requested != 500 {
		t.Fatalf("exceeded = %v", err)
	}
	pc, err = env.Engine.GetUserPaymentConfig(env.Ctx, "alice")
	if err != nil || pc.Allowance != 400 {
		t.Fatalf("allowance after rollback = %d %v", pc.Allowance, err)
	}

	// users without a payment config cannot be charged
	_, err = env.Engine.SubmitCharges(env.Ctx, "owner", []domain.UserFees{{
		User: "bob",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 1}},
	}})
	if !errors.Is(err, engine.ErrNoPaymentConfig) {
		t.Fatalf("no config: %v", err)
	}
}

func TestChargeReplySettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	seedPaymentConfig(t, env, "alice", domain.PaymentSourcePrepaid, 1000)
	sub, err := env.Engine.SubmitCharges(env.Ctx, "owner", []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 100}},
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.Engine.HandleChargeReply(env.Ctx, sub.CorrelationID, true, ""); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := env.Engine.HandleChargeReply(env.Ctx, sub.CorrelationID, true, ""); !errors.Is(err, engine.ErrUnknownCorrelationID) {
		t.Fatalf("second reply: %v", err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 0, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	charged := 0
	for _, e := range events {
		if e.Type == "fee.charged" {
			charged++
		}
	}
	if charged != 1 {
		t.Fatalf("fee.charged count = %d, want 1", charged)
	}
}

// End to end: submit, settle the prepaid portion against the ledger, reply.
func TestChargeFeesPrepaidRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedPaymentConfig(t, env, "alice", domain.PaymentSourcePrepaid, 10_000)
	if _, err := env.Ledger.Deposit(env.Ctx, "alice", []domain.Coin{{Denom: "uusdc", Amount: 500}}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	correlationID, err := env.Engine.ChargeFees(env.Ctx, "owner", env.Ledger, []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "uusdc", Amount: 300}},
	}})
	if err != nil {
		t.Fatalf("charge fees: %v", err)
	}
	if correlationID == "" {
		t.Fatalf("empty correlation id")
	}
	balances, err := env.Ledger.UserBalances(env.Ctx, "alice")
	if err != nil || balances[0].Amount != 200 {
		t.Fatalf("balance = %+v %v, want 200", balances, err)
	}
	nonCreator, err := env.Ledger.GetNonCreatorFees(env.Ctx)
	if err != nil || len(nonCreator.ExecutionFees) != 1 || nonCreator.ExecutionFees[0].Amount != 300 {
		t.Fatalf("execution fees = %+v %v", nonCreator, err)
	}
	// pending rows are gone after the reply
	if err := env.Engine.HandleChargeReply(env.Ctx, correlationID, true, ""); !errors.Is(err, engine.ErrUnknownCorrelationID) {
		t.Fatalf("pending rows survived: %v", err)
	}
}

// A failing settlement still consumes the correlation id and leaves a
// fee.error event behind.
func TestChargeFeesSettlementFailureReportsError(t *testing.T) {
	env := newTestEnv(t)
	seedPaymentConfig(t, env, "alice", domain.PaymentSourcePrepaid, 10_000)
	// prepaid settlement fails on an unaccepted denom
	_, err := env.Engine.ChargeFees(env.Ctx, "owner", env.Ledger, []domain.UserFees{{
		User: "alice",
		Fees: []domain.Fee{{Type: domain.FeeTypeExecution, Denom: "doge", Amount: 100}},
	}})
	if err == nil {
		t.Fatalf("expected settlement error")
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, 0, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Type == "fee.error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no fee.error event recorded")
	}
}
