package repo

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"autoflow/internal/domain"
)

// fee accumulator tables keyed by denom only.
const (
	executionFeesTable    = "execution_fees"
	distributionFeesTable = "distribution_fees"
)

func denomFeeQuery(table, verb string) string {
	switch verb {
	case "get":
		return fmt.Sprintf(`SELECT amount FROM %s WHERE denom=?`, table)
	case "set":
		return fmt.Sprintf(`INSERT INTO %s(denom, amount) VALUES (?,?)
ON CONFLICT(denom) DO UPDATE SET amount=excluded.amount`, table)
	case "list":
		return fmt.Sprintf(`SELECT denom, amount FROM %s WHERE amount > 0 ORDER BY denom`, table)
	case "remove":
		return fmt.Sprintf(`DELETE FROM %s WHERE denom=?`, table)
	}
	panic("unknown fee query verb " + verb)
}

func (r Repo) getDenomFee(ctx context.Context, tx *sql.Tx, table, denom string) (uint64, error) {
	row := r.q(tx).QueryRowContext(ctx, denomFeeQuery(table, "get"), denom)
	var amount uint64
	if err := row.Scan(&amount); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

func (r Repo) addDenomFee(ctx context.Context, tx *sql.Tx, table, denom string, amount uint64) error {
	current, err := r.getDenomFee(ctx, tx, table, denom)
	if err != nil {
		return err
	}
	if current > math.MaxUint64-amount {
		return fmt.Errorf("fee accumulator overflow for denom %s", denom)
	}
	_, err = r.q(tx).ExecContext(ctx, denomFeeQuery(table, "set"), denom, current+amount)
	return err
}

func (r Repo) listDenomFees(ctx context.Context, tx *sql.Tx, table string) ([]domain.FeeBalance, error) {
	rows, err := r.q(tx).QueryContext(ctx, denomFeeQuery(table, "list"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeeBalance
	for rows.Next() {
		var f domain.FeeBalance
		if err := rows.Scan(&f.Denom, &f.Amount); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r Repo) AddExecutionFee(ctx context.Context, tx *sql.Tx, denom string, amount uint64) error {
	return r.addDenomFee(ctx, tx, executionFeesTable, denom, amount)
}

func (r Repo) AddDistributionFee(ctx context.Context, tx *sql.Tx, denom string, amount uint64) error {
	return r.addDenomFee(ctx, tx, distributionFeesTable, denom, amount)
}

func (r Repo) ListExecutionFees(ctx context.Context, tx *sql.Tx) ([]domain.FeeBalance, error) {
	return r.listDenomFees(ctx, tx, executionFeesTable)
}

func (r Repo) ListDistributionFees(ctx context.Context, tx *sql.Tx) ([]domain.FeeBalance, error) {
	return r.listDenomFees(ctx, tx, distributionFeesTable)
}

// RemoveExecutionFee deletes the entry for denom (clear-on-distribute).
func (r Repo) RemoveExecutionFee(ctx context.Context, tx *sql.Tx, denom string) error {
	_, err := r.q(tx).ExecContext(ctx, denomFeeQuery(executionFeesTable, "remove"), denom)
	return err
}

func (r Repo) RemoveDistributionFee(ctx context.Context, tx *sql.Tx, denom string) error {
	_, err := r.q(tx).ExecContext(ctx, denomFeeQuery(distributionFeesTable, "remove"), denom)
	return err
}

// AddCreatorFee accrues amount into (creator, denom); overflow is an error.
func (r Repo) AddCreatorFee(ctx context.Context, tx *sql.Tx, creator, denom string, amount uint64) error {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT amount FROM creator_fees WHERE creator=? AND denom=?`, creator, denom)
	var current uint64
	if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
		return err
	}
	if current > math.MaxUint64-amount {
		return fmt.Errorf("creator fee accumulator overflow for %s/%s", creator, denom)
	}
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO creator_fees(creator, denom, amount) VALUES (?,?,?)
ON CONFLICT(creator, denom) DO UPDATE SET amount=excluded.amount`,
		creator, denom, current+amount)
	return err
}

// ListCreatorFees returns the non-zero fee entries for one creator.
func (r Repo) ListCreatorFees(ctx context.Context, tx *sql.Tx, creator string) ([]domain.FeeBalance, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT denom, amount FROM creator_fees WHERE creator=? AND amount > 0 ORDER BY denom`, creator)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeeBalance
	for rows.Next() {
		var f domain.FeeBalance
		if err := rows.Scan(&f.Denom, &f.Amount); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RemoveCreatorFee deletes the (creator, denom) entry (clear-on-claim).
func (r Repo) RemoveCreatorFee(ctx context.Context, tx *sql.Tx, creator, denom string) error {
	_, err := r.q(tx).ExecContext(ctx,
		`DELETE FROM creator_fees WHERE creator=? AND denom=?`, creator, denom)
	return err
}

// SetCreatorSubscribed records the creator's distribution opt-in flag.
func (r Repo) SetCreatorSubscribed(ctx context.Context, tx *sql.Tx, creator string, subscribed bool) error {
	v := 0
	if subscribed {
		v = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO subscribed_creators(creator, subscribed) VALUES (?,?)
ON CONFLICT(creator) DO UPDATE SET subscribed=excluded.subscribed`,
		creator, v)
	return err
}

// IsCreatorSubscribed reads the opt-in flag; missing rows read as false.
func (r Repo) IsCreatorSubscribed(ctx context.Context, tx *sql.Tx, creator string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT subscribed FROM subscribed_creators WHERE creator=?`, creator)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return v != 0, nil
}

// ListSubscribedCreators returns creators with the flag set, in address order.
func (r Repo) ListSubscribedCreators(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT creator FROM subscribed_creators WHERE subscribed=1 ORDER BY creator`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
