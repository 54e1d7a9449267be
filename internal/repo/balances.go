package repo

import (
	"context"
	"database/sql"

	"autoflow/internal/domain"
)

// SeedAcceptedDenoms replaces the accepted-denom set. Called at genesis and
// by the admin denom-update path.
func (r Repo) SeedAcceptedDenoms(ctx context.Context, tx *sql.Tx, denoms []domain.AcceptedDenom) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM accepted_denoms`); err != nil {
		return err
	}
	for _, d := range denoms {
		if _, err := r.q(tx).ExecContext(ctx,
			`INSERT INTO accepted_denoms(denom, max_debt, min_balance_threshold) VALUES (?,?,?)`,
			d.Denom, d.MaxDebt, d.MinBalanceThreshold); err != nil {
			return err
		}
	}
	return nil
}

// GetAcceptedDenom returns the config row for denom or ErrNotFound.
func (r Repo) GetAcceptedDenom(ctx context.Context, tx *sql.Tx, denom string) (domain.AcceptedDenom, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT denom, max_debt, min_balance_threshold FROM accepted_denoms WHERE denom=?`, denom)
	var d domain.AcceptedDenom
	if err := row.Scan(&d.Denom, &d.MaxDebt, &d.MinBalanceThreshold); err != nil {
		if err == sql.ErrNoRows {
			return domain.AcceptedDenom{}, ErrNotFound
		}
		return domain.AcceptedDenom{}, err
	}
	return d, nil
}

// ListAcceptedDenoms returns every accepted denom in denom order.
func (r Repo) ListAcceptedDenoms(ctx context.Context, tx *sql.Tx) ([]domain.AcceptedDenom, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT denom, max_debt, min_balance_threshold FROM accepted_denoms ORDER BY denom`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AcceptedDenom
	for rows.Next() {
		var d domain.AcceptedDenom
		if err := rows.Scan(&d.Denom, &d.MaxDebt, &d.MinBalanceThreshold); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetBalance returns the signed balance for (user, denom); missing rows
// read as zero.
func (r Repo) GetBalance(ctx context.Context, tx *sql.Tx, user, denom string) (int64, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user=? AND denom=?`, user, denom)
	var amount int64
	if err := row.Scan(&amount); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return amount, nil
}

// SetBalance upserts the signed balance for (user, denom).
func (r Repo) SetBalance(ctx context.Context, tx *sql.Tx, user, denom string, amount int64) error {
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO balances(user, denom, amount) VALUES (?,?,?)
ON CONFLICT(user, denom) DO UPDATE SET amount=excluded.amount`,
		user, denom, amount)
	return err
}
