package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/domain"
)

// Repo is the SQL store for all chain state. Mutating methods take the
// caller's transaction so a failing entry point rolls back every write.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// UpsertChainConfig stores the active chain config as the single config row.
func (r Repo) UpsertChainConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal chain config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `
INSERT INTO chain_config(id, config_json, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		string(data), now)
	return err
}

// GetChainConfig loads the stored chain config.
func (r Repo) GetChainConfig(ctx context.Context, tx *sql.Tx) (*config.Config, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT config_json FROM chain_config WHERE id=1`)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal chain config: %w", err)
	}
	return &cfg, nil
}

// NextCounter increments and returns the named monotonic counter. The first
// value handed out is 1.
func (r Repo) NextCounter(ctx context.Context, tx *sql.Tx, name string) (uint64, error) {
	if _, err := r.q(tx).ExecContext(ctx, `
INSERT INTO counters(name, value) VALUES (?, 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1`, name); err != nil {
		return 0, err
	}
	var v uint64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT value FROM counters WHERE name=?`, name).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// ListEvents returns events with id greater than after, oldest first.
func (r Repo) ListEvents(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, ts, type, attributes FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var attrs string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &attrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal event attributes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// ListTransfers returns recorded transfer instructions, oldest first.
func (r Repo) ListTransfers(ctx context.Context, after int64, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, recipient, denom, amount, created_at FROM transfers WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		if err := rows.Scan(&t.ID, &t.Recipient, &t.Denom, &t.Amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListContractCalls returns recorded delegated calls, oldest first.
func (r Repo) ListContractCalls(ctx context.Context, after int64, limit int) ([]domain.ContractCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, on_behalf_of, contract, message, COALESCE(funds_json,''), created_at FROM contract_calls WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ContractCall
	for rows.Next() {
		var c domain.ContractCall
		var funds string
		if err := rows.Scan(&c.ID, &c.OnBehalfOf, &c.Contract, &c.Message, &funds, &c.CreatedAt); err != nil {
			return nil, err
		}
		if funds != "" {
			if err := json.Unmarshal([]byte(funds), &c.Funds); err != nil {
				return nil, fmt.Errorf("unmarshal call funds: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
