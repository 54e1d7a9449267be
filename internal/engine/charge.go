package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"autoflow/internal/domain"
	"autoflow/internal/events"
	"autoflow/internal/ledger"
	"autoflow/internal/repo"
)

// SetUserPaymentConfig installs or replaces a user's charging allowance.
// Owner only.
func (e Engine) SetUserPaymentConfig(ctx context.Context, sender string, pc domain.PaymentConfig) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Owner {
		return NotAuthorizedError{Address: sender}
	}
	if pc.Source != domain.PaymentSourceWallet && pc.Source != domain.PaymentSourcePrepaid {
		return fmt.Errorf("unknown payment source %q", pc.Source)
	}
	pc.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertPaymentConfig(ctx, tx, pc); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "payment.config_updated",
		events.Attr("user", pc.User),
		events.Attr("source", pc.Source),
		events.Attr("allowance", strconv.FormatUint(pc.Allowance, 10)),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveUserPaymentConfig deletes a user's payment config. Owner only.
func (e Engine) RemoveUserPaymentConfig(ctx context.Context, sender, user string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if sender != cfg.Roles.Owner {
		return NotAuthorizedError{Address: sender}
	}
	if err := e.Repo.DeletePaymentConfig(ctx, tx, user); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "payment.config_removed",
		events.Attr("user", user),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetUserPaymentConfig reads a user's payment config.
func (e Engine) GetUserPaymentConfig(ctx context.Context, user string) (domain.PaymentConfig, error) {
	pc, err := e.Repo.GetPaymentConfig(ctx, nil, user)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.PaymentConfig{}, ErrNoPaymentConfig
		}
		return domain.PaymentConfig{}, err
	}
	return pc, nil
}

// ChargeSubmission is the committed first phase of a manager-side charge:
// allowances have been consumed and pending rows written, but no balance has
// been touched yet. The second phase settles it against the ledger and is a
// separate atomic step correlated by ID.
type ChargeSubmission struct {
	CorrelationID string
	Prepaid       []domain.UserFees
	WalletFees    []domain.Fee
	WalletCoins   []domain.Coin
}

// SubmitCharges runs the first phase: validates each user's payment config,
// consumes allowances, records one pending-charge row per fee, and splits
// the batch by payment source. Owner only.
func (e Engine) SubmitCharges(ctx context.Context, sender string, batch []domain.UserFees) (ChargeSubmission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChargeSubmission{}, err
	}
	defer tx.Rollback()

	cfg, err := e.loadConfig(ctx, tx)
	if err != nil {
		return ChargeSubmission{}, err
	}
	if sender != cfg.Roles.Owner {
		return ChargeSubmission{}, NotAuthorizedError{Address: sender}
	}

	sub := ChargeSubmission{CorrelationID: uuid.NewString()}
	now := e.now().UTC().Format(time.RFC3339)
	var pending []domain.PendingCharge
	walletTotals := map[string]uint64{}

	for _, userFees := range batch {
		pc, err := e.Repo.GetPaymentConfig(ctx, tx, userFees.User)
		if err != nil {
			if err == repo.ErrNotFound {
				return ChargeSubmission{}, ErrNoPaymentConfig
			}
			return ChargeSubmission{}, err
		}
		var total uint64
		for _, fee := range userFees.Fees {
			if total > math.MaxUint64-fee.Amount {
				return ChargeSubmission{}, fmt.Errorf("charge total overflow for user %s", userFees.User)
			}
			total += fee.Amount
			pending = append(pending, domain.PendingCharge{
				CorrelationID: sub.CorrelationID,
				User:          userFees.User,
				Denom:         fee.Denom,
				Amount:        fee.Amount,
				FeeType:       fee.Type,
				CreatedAt:     now,
			})
		}
		if total > pc.Allowance {
			return ChargeSubmission{}, AllowanceExceededError{
				User: userFees.User, Allowance: pc.Allowance, Requested: total,
			}
		}
		pc.Allowance -= total
		if err := e.Repo.UpsertPaymentConfig(ctx, tx, pc); err != nil {
			return ChargeSubmission{}, err
		}

		switch pc.Source {
		case domain.PaymentSourceWallet:
			sub.WalletFees = append(sub.WalletFees, userFees.Fees...)
			for _, fee := range userFees.Fees {
				walletTotals[fee.Denom] += fee.Amount
			}
		case domain.PaymentSourcePrepaid:
			sub.Prepaid = append(sub.Prepaid, userFees)
		}
	}
	for denom, amount := range walletTotals {
		sub.WalletCoins = append(sub.WalletCoins, domain.Coin{Denom: denom, Amount: amount})
	}
	sortCoins(sub.WalletCoins)

	if err := e.Repo.InsertPendingCharges(ctx, tx, pending); err != nil {
		return ChargeSubmission{}, err
	}
	if err := e.Events.Append(ctx, tx, "charge.submitted",
		events.Attr("correlation_id", sub.CorrelationID),
		events.Attr("batch_size", strconv.Itoa(len(batch))),
	); err != nil {
		return ChargeSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChargeSubmission{}, err
	}
	return sub, nil
}

// HandleChargeReply runs the second phase: resolves the stored pending rows
// into fee.charged or fee.error events and removes them. Calling it twice
// for the same id fails, so a reply settles exactly once.
func (e Engine) HandleChargeReply(ctx context.Context, correlationID string, success bool, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pending, err := e.Repo.GetPendingCharges(ctx, tx, correlationID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return ErrUnknownCorrelationID
	}
	if success {
		for _, p := range pending {
			if err := e.Events.Append(ctx, tx, "fee.charged",
				events.Attr("user", p.User),
				events.Attr("denom", p.Denom),
				events.Attr("amount", strconv.FormatUint(p.Amount, 10)),
				events.Attr("fee_type", string(p.FeeType)),
			); err != nil {
				return err
			}
		}
	} else {
		if err := e.Events.Append(ctx, tx, "fee.error",
			events.Attr("correlation_id", correlationID),
			events.Attr("reason", reason),
		); err != nil {
			return err
		}
	}
	if err := e.Repo.DeletePendingCharges(ctx, tx, correlationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ChargeFees drives both phases against the ledger: submit, settle the
// prepaid portion from balances and the wallet portion from attached coins,
// then deliver the reply. Each phase is its own atomic step.
func (e Engine) ChargeFees(ctx context.Context, sender string, led ledger.Ledger, batch []domain.UserFees) (string, error) {
	sub, err := e.SubmitCharges(ctx, sender, batch)
	if err != nil {
		return "", err
	}

	cfg, err := e.Repo.GetChainConfig(ctx, nil)
	if err != nil {
		return sub.CorrelationID, err
	}
	settle := func() error {
		if len(sub.Prepaid) > 0 {
			if _, err := led.ChargeFeesFromUserBalance(ctx, cfg.Roles.WorkflowManager, sub.Prepaid); err != nil {
				return err
			}
		}
		if len(sub.WalletFees) > 0 {
			if err := led.ChargeFeesFromMessageCoins(ctx, sub.WalletFees, sub.WalletCoins); err != nil {
				return err
			}
		}
		return nil
	}
	if err := settle(); err != nil {
		if replyErr := e.HandleChargeReply(ctx, sub.CorrelationID, false, err.Error()); replyErr != nil {
			return sub.CorrelationID, replyErr
		}
		return sub.CorrelationID, err
	}
	return sub.CorrelationID, e.HandleChargeReply(ctx, sub.CorrelationID, true, "")
}

func sortCoins(coins []domain.Coin) {
	sort.Slice(coins, func(i, j int) bool { return coins[i].Denom < coins[j].Denom })
}
