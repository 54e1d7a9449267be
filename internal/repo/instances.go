package repo

import (
	"context"
	"database/sql"

	"autoflow/internal/domain"
)

func scanInstance(row *sql.Row) (domain.Instance, error) {
	var in domain.Instance
	var last sql.NullString
	err := row.Scan(&in.Requester, &in.ID, &in.WorkflowID, &in.State, &last,
		&in.ExecutionType, &in.ExpirationTime, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if last.Valid {
		in.LastExecutedAction = &last.String
	}
	return in, nil
}

const instanceColumns = `requester, id, workflow_id, state, last_executed_action, execution_type, expiration_time, created_at`

// InsertInstance persists a new instance and its bound onchain parameters.
func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	var last any
	if in.LastExecutedAction != nil {
		last = *in.LastExecutedAction
	}
	if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		in.Requester, in.ID, in.WorkflowID, in.State, last,
		in.ExecutionType, in.ExpirationTime, in.CreatedAt); err != nil {
		return err
	}
	for paramID, value := range in.OnchainParams {
		if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO instance_params(requester, instance_id, param_id, value) VALUES (?,?,?,?)`,
			in.Requester, in.ID, paramID, value); err != nil {
			return err
		}
	}
	return nil
}

// GetInstance loads one instance by (requester, id).
func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, requester string, id uint64) (domain.Instance, error) {
	return scanInstance(r.q(tx).QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE requester=? AND id=?`, requester, id))
}

// UpdateInstance writes back state, cursor and expiration.
func (r Repo) UpdateInstance(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	var last any
	if in.LastExecutedAction != nil {
		last = *in.LastExecutedAction
	}
	_, err := r.q(tx).ExecContext(ctx, `
UPDATE instances SET state=?, last_executed_action=?, execution_type=?, expiration_time=?
WHERE requester=? AND id=?`,
		in.State, last, in.ExecutionType, in.ExpirationTime, in.Requester, in.ID)
	return err
}

// DeleteInstance removes the instance and its bound parameters.
func (r Repo) DeleteInstance(ctx context.Context, tx *sql.Tx, requester string, id uint64) error {
	if _, err := r.q(tx).ExecContext(ctx,
		`DELETE FROM instance_params WHERE requester=? AND instance_id=?`, requester, id); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx,
		`DELETE FROM instances WHERE requester=? AND id=?`, requester, id)
	return err
}

// ListInstancesByRequester returns a requester's instances, oldest first.
func (r Repo) ListInstancesByRequester(ctx context.Context, requester string) ([]domain.Instance, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE requester=? ORDER BY id`, requester)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Instance
	for rows.Next() {
		var in domain.Instance
		var last sql.NullString
		if err := rows.Scan(&in.Requester, &in.ID, &in.WorkflowID, &in.State, &last,
			&in.ExecutionType, &in.ExpirationTime, &in.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			in.LastExecutedAction = &last.String
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListInstancesByState returns every (requester, id) pair currently in one
// of the given states. Used by the admin purge path.
func (r Repo) ListInstancesByState(ctx context.Context, tx *sql.Tx, states []string) ([]domain.Instance, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE state IN (?`
	args := []any{states[0]}
	for _, s := range states[1:] {
		query += ",?"
		args = append(args, s)
	}
	query += `) ORDER BY requester, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Instance
	for rows.Next() {
		var in domain.Instance
		var last sql.NullString
		if err := rows.Scan(&in.Requester, &in.ID, &in.WorkflowID, &in.State, &last,
			&in.ExecutionType, &in.ExpirationTime, &in.CreatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			in.LastExecutedAction = &last.String
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetInstanceParams loads the onchain parameters bound at instance creation.
func (r Repo) GetInstanceParams(ctx context.Context, tx *sql.Tx, requester string, id uint64) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT param_id, value FROM instance_params WHERE requester=? AND instance_id=?`, requester, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	params := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		params[k] = v
	}
	return params, rows.Err()
}

// UpsertPaymentConfig stores the per-user charge allowance.
func (r Repo) UpsertPaymentConfig(ctx context.Context, tx *sql.Tx, pc domain.PaymentConfig) error {
	_, err := r.q(tx).ExecContext(ctx, `
INSERT INTO payment_configs(user, allowance, source, updated_at) VALUES (?,?,?,?)
ON CONFLICT(user) DO UPDATE SET allowance=excluded.allowance, source=excluded.source, updated_at=excluded.updated_at`,
		pc.User, pc.Allowance, pc.Source, pc.UpdatedAt)
	return err
}

// GetPaymentConfig loads one user's charge allowance.
func (r Repo) GetPaymentConfig(ctx context.Context, tx *sql.Tx, user string) (domain.PaymentConfig, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT user, allowance, source, updated_at FROM payment_configs WHERE user=?`, user)
	var pc domain.PaymentConfig
	if err := row.Scan(&pc.User, &pc.Allowance, &pc.Source, &pc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.PaymentConfig{}, ErrNotFound
		}
		return domain.PaymentConfig{}, err
	}
	return pc, nil
}

// DeletePaymentConfig removes one user's charge allowance.
func (r Repo) DeletePaymentConfig(ctx context.Context, tx *sql.Tx, user string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM payment_configs WHERE user=?`, user)
	return err
}

// InsertPendingCharges stores the rows correlating an outbound charge with
// its eventual reply.
func (r Repo) InsertPendingCharges(ctx context.Context, tx *sql.Tx, charges []domain.PendingCharge) error {
	for _, pc := range charges {
		if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO pending_charges(correlation_id, user, denom, amount, fee_type, created_at)
VALUES (?,?,?,?,?,?)`,
			pc.CorrelationID, pc.User, pc.Denom, pc.Amount, string(pc.FeeType), pc.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// GetPendingCharges loads the rows for one correlation id, insertion order.
func (r Repo) GetPendingCharges(ctx context.Context, tx *sql.Tx, correlationID string) ([]domain.PendingCharge, error) {
	rows, err := r.q(tx).QueryContext(ctx, `
SELECT correlation_id, user, denom, amount, fee_type, created_at
FROM pending_charges WHERE correlation_id=? ORDER BY id`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PendingCharge
	for rows.Next() {
		var pc domain.PendingCharge
		var ft string
		if err := rows.Scan(&pc.CorrelationID, &pc.User, &pc.Denom, &pc.Amount, &ft, &pc.CreatedAt); err != nil {
			return nil, err
		}
		pc.FeeType = domain.FeeType(ft)
		out = append(out, pc)
	}
	return out, rows.Err()
}

// DeletePendingCharges removes every row for one correlation id.
func (r Repo) DeletePendingCharges(ctx context.Context, tx *sql.Tx, correlationID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM pending_charges WHERE correlation_id=?`, correlationID)
	return err
}
