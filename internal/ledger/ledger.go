package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/domain"
	"autoflow/internal/events"
	"autoflow/internal/outbox"
	"autoflow/internal/repo"
)

// Ledger is the fee-settlement engine: per-user signed balances, fee
// accumulators and the batch charging logic that nets the two. Every entry
// point runs in one transaction; any error rolls back all writes.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Outbox outbox.Recorder
	Now    func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Outbox: outbox.Recorder{DB: db},
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) loadConfig(ctx context.Context, tx *sql.Tx) (*config.Config, error) {
	cfg, err := l.Repo.GetChainConfig(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("load chain config: %w", err)
	}
	return cfg, nil
}

func formatCoins(coins []domain.Coin) string {
	parts := make([]string, 0, len(coins))
	for _, c := range coins {
		parts = append(parts, strconv.FormatUint(c.Amount, 10)+c.Denom)
	}
	return strings.Join(parts, ",")
}

// Deposit credits each attached coin to the sender's balance. A denom whose
// balance turns from negative to non-negative is reported in a
// fees.deposit_completed event.
func (l Ledger) Deposit(ctx context.Context, sender string, funds []domain.Coin) ([]domain.Balance, error) {
	if len(funds) == 0 {
		return nil, ErrNoFundsSent
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var turnedPositive []string
	var updated []domain.Balance
	for _, coin := range funds {
		if _, err := l.Repo.GetAcceptedDenom(ctx, tx, coin.Denom); err != nil {
			if err == repo.ErrNotFound {
				return nil, DenomNotAcceptedError{Denom: coin.Denom}
			}
			return nil, err
		}
		current, err := l.Repo.GetBalance(ctx, tx, sender, coin.Denom)
		if err != nil {
			return nil, err
		}
		if coin.Amount > math.MaxInt64 || current > math.MaxInt64-int64(coin.Amount) {
			return nil, fmt.Errorf("balance overflow for denom %s", coin.Denom)
		}
		newBalance := current + int64(coin.Amount)
		if current < 0 && newBalance >= 0 {
			turnedPositive = append(turnedPositive, coin.Denom)
		}
		if err := l.Repo.SetBalance(ctx, tx, sender, coin.Denom, newBalance); err != nil {
			return nil, err
		}
		updated = append(updated, domain.Balance{Denom: coin.Denom, Amount: newBalance})
	}

	if err := l.Events.Append(ctx, tx, "fees.deposit",
		events.Attr("user", sender),
		events.Attr("funds", formatCoins(funds)),
	); err != nil {
		return nil, err
	}
	if len(turnedPositive) > 0 {
		if err := l.Events.Append(ctx, tx, "fees.deposit_completed",
			events.Attr("user", sender),
			events.Attr("balances_turned_positive", strings.Join(turnedPositive, ",")),
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// Withdraw debits the sender's balance and records one transfer instruction.
func (l Ledger) Withdraw(ctx context.Context, sender, denom string, amount uint64) (int64, error) {
	if amount == 0 {
		return 0, ErrInvalidWithdrawalAmount
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := l.Repo.GetAcceptedDenom(ctx, tx, denom); err != nil {
		if err == repo.ErrNotFound {
			return 0, DenomNotAcceptedError{Denom: denom}
		}
		return 0, err
	}
	current, err := l.Repo.GetBalance(ctx, tx, sender, denom)
	if err != nil {
		return 0, err
	}
	// Signed comparison: a negative balance can never cover a withdrawal.
	if amount > math.MaxInt64 || current < int64(amount) {
		return 0, InsufficientBalanceError{Available: current, Requested: amount}
	}
	newBalance := current - int64(amount)
	if err := l.Repo.SetBalance(ctx, tx, sender, denom, newBalance); err != nil {
		return 0, err
	}
	if err := l.Outbox.Transfer(ctx, tx, sender, denom, amount); err != nil {
		return 0, err
	}
	if err := l.Events.Append(ctx, tx, "fees.withdraw",
		events.Attr("user", sender),
		events.Attr("denom", denom),
		events.Attr("amount", strconv.FormatUint(amount, 10)),
		events.Attr("new_balance", strconv.FormatInt(newBalance, 10)),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// BelowThreshold identifies one (user, denom) pair whose post-charge balance
// fell to or under the denom's minimum threshold.
type BelowThreshold struct {
	User  string `json:"user"`
	Denom string `json:"denom"`
}

type userDenom struct {
	user  string
	denom string
}

// ChargeFeesFromUserBalance nets a batch of fee demands against user
// balances. The full demand is always debited (debt accrues for any
// shortfall); accumulators are only credited with what was actually
// coverable, execution fees first.
func (l Ledger) ChargeFeesFromUserBalance(ctx context.Context, sender string, batch []domain.UserFees) ([]BelowThreshold, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cfg, err := l.loadConfig(ctx, tx)
	if err != nil {
		return nil, err
	}
	if sender != cfg.Roles.WorkflowManager {
		return nil, NotAuthorizedError{Address: sender}
	}

	// First pass: validate and accumulate per-(user, denom) totals.
	executionTotals := map[userDenom]uint64{}
	creatorTotals := map[userDenom]uint64{}
	for _, userFees := range batch {
		for _, fee := range userFees.Fees {
			if _, err := l.Repo.GetAcceptedDenom(ctx, tx, fee.Denom); err != nil {
				if err == repo.ErrNotFound {
					return nil, DenomNotAcceptedError{Denom: fee.Denom}
				}
				return nil, err
			}
			key := userDenom{user: userFees.User, denom: fee.Denom}
			switch fee.Type {
			case domain.FeeTypeExecution:
				if executionTotals[key] > math.MaxUint64-fee.Amount {
					return nil, fmt.Errorf("execution fee overflow for %s/%s", key.user, key.denom)
				}
				executionTotals[key] += fee.Amount
			case domain.FeeTypeCreator:
				if fee.Creator == "" {
					return nil, InvalidCreatorAddressError{Reason: "creator address is required for creator fees"}
				}
				if creatorTotals[key] > math.MaxUint64-fee.Amount {
					return nil, fmt.Errorf("creator fee overflow for %s/%s", key.user, key.denom)
				}
				creatorTotals[key] += fee.Amount
			default:
				return nil, fmt.Errorf("unknown fee type %q", fee.Type)
			}
		}
	}

	keySet := map[userDenom]bool{}
	for k := range executionTotals {
		keySet[k] = true
	}
	for k := range creatorTotals {
		keySet[k] = true
	}
	keys := make([]userDenom, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].denom < keys[j].denom
	})

	var below []BelowThreshold
	for _, key := range keys {
		current, err := l.Repo.GetBalance(ctx, tx, key.user, key.denom)
		if err != nil {
			return nil, err
		}
		executionTotal := executionTotals[key]
		creatorTotal := creatorTotals[key]

		available := uint64(0)
		if current > 0 {
			available = uint64(current)
		}
		executionChargeable := executionTotal
		if executionChargeable > available {
			executionChargeable = available
		}
		remaining := available - executionChargeable
		creatorChargeable := creatorTotal
		if creatorChargeable > remaining {
			creatorChargeable = remaining
		}

		// Debit the full demand regardless of coverage: the shortfall
		// becomes debt.
		if executionTotal > math.MaxUint64-creatorTotal {
			return nil, fmt.Errorf("total fee overflow for %s/%s", key.user, key.denom)
		}
		total := executionTotal + creatorTotal
		if total > math.MaxInt64 {
			return nil, fmt.Errorf("total fee exceeds balance range for %s/%s", key.user, key.denom)
		}
		if current < math.MinInt64+int64(total) {
			return nil, fmt.Errorf("balance underflow for %s/%s", key.user, key.denom)
		}
		newBalance := current - int64(total)
		if err := l.Repo.SetBalance(ctx, tx, key.user, key.denom, newBalance); err != nil {
			return nil, err
		}

		accepted, err := l.Repo.GetAcceptedDenom(ctx, tx, key.denom)
		if err != nil {
			return nil, err
		}
		if newBalance <= accepted.MinBalanceThreshold {
			below = append(below, BelowThreshold{User: key.user, Denom: key.denom})
		}

		if executionChargeable > 0 {
			if err := l.Repo.AddExecutionFee(ctx, tx, key.denom, executionChargeable); err != nil {
				return nil, err
			}
		}
		if creatorChargeable > 0 {
			creator := findCreator(batch, key.user, key.denom)
			if creator == "" {
				return nil, InvalidCreatorAddressError{Reason: "no creator found for charged creator fee"}
			}
			if err := l.Repo.AddCreatorFee(ctx, tx, creator, key.denom, creatorChargeable); err != nil {
				return nil, err
			}
		}
	}

	if err := l.Events.Append(ctx, tx, "fees.charge_from_balance",
		events.Attr("batch_size", strconv.Itoa(len(batch))),
	); err != nil {
		return nil, err
	}
	for _, b := range below {
		if err := l.Events.Append(ctx, tx, "fees.balance_below_threshold",
			events.Attr("user", b.User),
			events.Attr("denom", b.Denom),
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return below, nil
}

// findCreator recovers the creator address for a charged (user, denom) pair
// by rescanning the batch. The first matching creator wins; at most one
// creator per (user, denom) per batch is attributed correctly.
func findCreator(batch []domain.UserFees, user, denom string) string {
	for _, userFees := range batch {
		if userFees.User != user {
			continue
		}
		for _, fee := range userFees.Fees {
			if fee.Denom == denom && fee.Type == domain.FeeTypeCreator {
				return fee.Creator
			}
		}
	}
	return ""
}

// ChargeFeesFromMessageCoins credits accumulators directly from funds
// attached to the call. Attached funds must match the fee demands exactly,
// in both directions; no ledger balance is involved.
func (l Ledger) ChargeFeesFromMessageCoins(ctx context.Context, fees []domain.Fee, attached []domain.Coin) error {
	expected := map[string]uint64{}
	creatorAccum := map[[2]string]uint64{}
	executionAccum := map[string]uint64{}
	for _, fee := range fees {
		if expected[fee.Denom] > math.MaxUint64-fee.Amount {
			return fmt.Errorf("fee total overflow for denom %s", fee.Denom)
		}
		expected[fee.Denom] += fee.Amount
		switch fee.Type {
		case domain.FeeTypeCreator:
			if fee.Creator == "" {
				return InvalidCreatorAddressError{Reason: "creator address is required for creator fees"}
			}
			creatorAccum[[2]string{fee.Creator, fee.Denom}] += fee.Amount
		case domain.FeeTypeExecution:
			executionAccum[fee.Denom] += fee.Amount
		default:
			return fmt.Errorf("unknown fee type %q", fee.Type)
		}
	}

	sent := map[string]uint64{}
	for _, coin := range attached {
		sent[coin.Denom] += coin.Amount
	}
	for denom, want := range expected {
		if sent[denom] != want {
			return InvalidPaymentError{Reason: fmt.Sprintf(
				"incorrect payment for denom %s: expected %d, got %d", denom, want, sent[denom])}
		}
	}
	for denom := range sent {
		if _, ok := expected[denom]; !ok {
			return InvalidPaymentError{Reason: fmt.Sprintf("unexpected denom sent: %s", denom)}
		}
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	creatorKeys := make([][2]string, 0, len(creatorAccum))
	for k := range creatorAccum {
		creatorKeys = append(creatorKeys, k)
	}
	sort.Slice(creatorKeys, func(i, j int) bool {
		if creatorKeys[i][0] != creatorKeys[j][0] {
			return creatorKeys[i][0] < creatorKeys[j][0]
		}
		return creatorKeys[i][1] < creatorKeys[j][1]
	})
	for _, k := range creatorKeys {
		if err := l.Repo.AddCreatorFee(ctx, tx, k[0], k[1], creatorAccum[k]); err != nil {
			return err
		}
	}
	executionDenoms := make([]string, 0, len(executionAccum))
	for d := range executionAccum {
		executionDenoms = append(executionDenoms, d)
	}
	sort.Strings(executionDenoms)
	for _, d := range executionDenoms {
		if err := l.Repo.AddExecutionFee(ctx, tx, d, executionAccum[d]); err != nil {
			return err
		}
	}

	if err := l.Events.Append(ctx, tx, "fees.charge_from_coins",
		events.Attr("fees_count", strconv.Itoa(len(fees))),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimCreatorFees pays the caller their accrued creator fees at full value
// and clears the entries.
func (l Ledger) ClaimCreatorFees(ctx context.Context, sender string) ([]domain.FeeBalance, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	fees, err := l.Repo.ListCreatorFees(ctx, tx, sender)
	if err != nil {
		return nil, err
	}
	if len(fees) == 0 {
		return nil, ErrNoCreatorFeesToClaim
	}
	claimed := make([]domain.Coin, 0, len(fees))
	for _, f := range fees {
		if err := l.Outbox.Transfer(ctx, tx, sender, f.Denom, f.Amount); err != nil {
			return nil, err
		}
		if err := l.Repo.RemoveCreatorFee(ctx, tx, sender, f.Denom); err != nil {
			return nil, err
		}
		claimed = append(claimed, domain.Coin{Denom: f.Denom, Amount: f.Amount})
	}
	if err := l.Events.Append(ctx, tx, "fees.claim_creator",
		events.Attr("creator", sender),
		events.Attr("total_claimed", formatCoins(claimed)),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fees, nil
}

// DistributeNonCreatorFees sends every execution-fee and distribution-fee
// entry to its configured destination and clears the entries. Crank only.
func (l Ledger) DistributeNonCreatorFees(ctx context.Context, sender string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := l.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Crank {
		return NotAuthorizedError{Address: sender}
	}

	executionFees, err := l.Repo.ListExecutionFees(ctx, tx)
	if err != nil {
		return err
	}
	distributionFees, err := l.Repo.ListDistributionFees(ctx, tx)
	if err != nil {
		return err
	}
	if len(executionFees) == 0 && len(distributionFees) == 0 {
		return ErrNoExecutionFeesToDistribute
	}

	var executionOut, distributionOut []domain.Coin
	for _, f := range executionFees {
		if err := l.Outbox.Transfer(ctx, tx, cfg.Fees.ExecutionDestination, f.Denom, f.Amount); err != nil {
			return err
		}
		if err := l.Repo.RemoveExecutionFee(ctx, tx, f.Denom); err != nil {
			return err
		}
		executionOut = append(executionOut, domain.Coin{Denom: f.Denom, Amount: f.Amount})
	}
	for _, f := range distributionFees {
		if err := l.Outbox.Transfer(ctx, tx, cfg.Fees.DistributionDestination, f.Denom, f.Amount); err != nil {
			return err
		}
		if err := l.Repo.RemoveDistributionFee(ctx, tx, f.Denom); err != nil {
			return err
		}
		distributionOut = append(distributionOut, domain.Coin{Denom: f.Denom, Amount: f.Amount})
	}

	if err := l.Events.Append(ctx, tx, "fees.distribute_non_creator",
		events.Attr("execution_destination", cfg.Fees.ExecutionDestination),
		events.Attr("distribution_destination", cfg.Fees.DistributionDestination),
		events.Attr("execution_distributed", formatCoins(executionOut)),
		events.Attr("distribution_distributed", formatCoins(distributionOut)),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DistributeCreatorFees pays subscribed creators their accrued fees minus
// the basis-point platform cut, which accrues into the distribution-fee
// accumulator. Unsubscribed creators are left untouched. Crank only.
func (l Ledger) DistributeCreatorFees(ctx context.Context, sender string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := l.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Crank {
		return NotAuthorizedError{Address: sender}
	}

	creators, err := l.Repo.ListSubscribedCreators(ctx, tx)
	if err != nil {
		return err
	}
	if len(creators) == 0 {
		return ErrNoCreatorFeesToDistribute
	}

	feeRate := cfg.Fees.CreatorDistributionFeeBps
	distributionAccum := map[string]uint64{}
	var totalDistributed []domain.Coin
	type clearKey struct{ creator, denom string }
	var toClear []clearKey

	for _, creator := range creators {
		fees, err := l.Repo.ListCreatorFees(ctx, tx, creator)
		if err != nil {
			return err
		}
		for _, f := range fees {
			if feeRate != 0 && f.Amount > math.MaxUint64/feeRate {
				return fmt.Errorf("distribution fee overflow for %s/%s", creator, f.Denom)
			}
			distributionFee := f.Amount * feeRate / 100
			amountToCreator := f.Amount - distributionFee
			distributionAccum[f.Denom] += distributionFee
			if amountToCreator > 0 {
				if err := l.Outbox.Transfer(ctx, tx, creator, f.Denom, amountToCreator); err != nil {
					return err
				}
				totalDistributed = append(totalDistributed, domain.Coin{Denom: f.Denom, Amount: amountToCreator})
				toClear = append(toClear, clearKey{creator: creator, denom: f.Denom})
			}
		}
	}
	if len(totalDistributed) == 0 {
		return ErrNoCreatorFeesToDistribute
	}

	denoms := make([]string, 0, len(distributionAccum))
	for d := range distributionAccum {
		denoms = append(denoms, d)
	}
	sort.Strings(denoms)
	for _, d := range denoms {
		if distributionAccum[d] == 0 {
			continue
		}
		if err := l.Repo.AddDistributionFee(ctx, tx, d, distributionAccum[d]); err != nil {
			return err
		}
	}
	for _, k := range toClear {
		if err := l.Repo.RemoveCreatorFee(ctx, tx, k.creator, k.denom); err != nil {
			return err
		}
	}

	if err := l.Events.Append(ctx, tx, "fees.distribute_creator",
		events.Attr("distribution_fee_rate", strconv.FormatUint(feeRate, 10)),
		events.Attr("total_distributed", formatCoins(totalDistributed)),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// EnableCreatorFeeDistribution opts the caller into the distribution path.
func (l Ledger) EnableCreatorFeeDistribution(ctx context.Context, sender string) error {
	return l.setSubscription(ctx, sender, true, "fees.subscription_enabled")
}

// DisableCreatorFeeDistribution opts the caller out; accrued fees stay put
// until claimed.
func (l Ledger) DisableCreatorFeeDistribution(ctx context.Context, sender string) error {
	return l.setSubscription(ctx, sender, false, "fees.subscription_disabled")
}

func (l Ledger) setSubscription(ctx context.Context, sender string, subscribed bool, eventType string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.SetCreatorSubscribed(ctx, tx, sender, subscribed); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, eventType, events.Attr("creator", sender)); err != nil {
		return err
	}
	return tx.Commit()
}

// HasExceededDebtLimit reports whether any accepted denom's debt exceeds its
// configured cap for the user. Zero or missing balances are never in debt.
func (l Ledger) HasExceededDebtLimit(ctx context.Context, user string) (bool, error) {
	denoms, err := l.Repo.ListAcceptedDenoms(ctx, nil)
	if err != nil {
		return false, err
	}
	for _, d := range denoms {
		balance, err := l.Repo.GetBalance(ctx, nil, user, d.Denom)
		if err != nil {
			return false, err
		}
		if balance < 0 && uint64(-balance) > d.MaxDebt {
			return true, nil
		}
	}
	return false, nil
}

// UserBalances returns one entry per accepted denom, zero-filled where the
// user has no record.
func (l Ledger) UserBalances(ctx context.Context, user string) ([]domain.Balance, error) {
	denoms, err := l.Repo.ListAcceptedDenoms(ctx, nil)
	if err != nil {
		return nil, err
	}
	balances := make([]domain.Balance, 0, len(denoms))
	for _, d := range denoms {
		amount, err := l.Repo.GetBalance(ctx, nil, user, d.Denom)
		if err != nil {
			return nil, err
		}
		balances = append(balances, domain.Balance{Denom: d.Denom, Amount: amount})
	}
	return balances, nil
}

// CreatorFees returns the caller's non-zero accrued fees.
func (l Ledger) CreatorFees(ctx context.Context, creator string) ([]domain.FeeBalance, error) {
	return l.Repo.ListCreatorFees(ctx, nil, creator)
}

// NonCreatorFees holds the aggregate accumulator totals.
type NonCreatorFees struct {
	ExecutionFees    []domain.FeeBalance `json:"execution_fees"`
	DistributionFees []domain.FeeBalance `json:"distribution_fees"`
}

func (l Ledger) GetNonCreatorFees(ctx context.Context) (NonCreatorFees, error) {
	execution, err := l.Repo.ListExecutionFees(ctx, nil)
	if err != nil {
		return NonCreatorFees{}, err
	}
	distribution, err := l.Repo.ListDistributionFees(ctx, nil)
	if err != nil {
		return NonCreatorFees{}, err
	}
	return NonCreatorFees{ExecutionFees: execution, DistributionFees: distribution}, nil
}

// IsCreatorSubscribed reads the caller's distribution opt-in flag.
func (l Ledger) IsCreatorSubscribed(ctx context.Context, creator string) (bool, error) {
	return l.Repo.IsCreatorSubscribed(ctx, nil, creator)
}

// SubscribedCreators lists every opted-in creator.
func (l Ledger) SubscribedCreators(ctx context.Context) ([]string, error) {
	return l.Repo.ListSubscribedCreators(ctx, nil)
}
