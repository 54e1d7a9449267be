// Package outbox records the outbound effects an entry point produces:
// native transfer instructions and delegated contract calls. Effects are
// written inside the caller's transaction so a failed call emits nothing.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autoflow/internal/domain"
)

type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

func (o Recorder) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Transfer records one native-asset send. One denom per instruction.
func (o Recorder) Transfer(ctx context.Context, tx *sql.Tx, recipient, denom string, amount uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transfers(recipient, denom, amount, created_at) VALUES (?,?,?,?)`,
		recipient, denom, amount, o.now().UTC().Format(time.RFC3339))
	return err
}

// DelegatedCall records one contract call executed on behalf of user via a
// prior authorization grant.
func (o Recorder) DelegatedCall(ctx context.Context, tx *sql.Tx, onBehalfOf, contract, message string, funds []domain.Coin) error {
	var fundsJSON any
	if len(funds) > 0 {
		data, err := json.Marshal(funds)
		if err != nil {
			return fmt.Errorf("marshal call funds: %w", err)
		}
		fundsJSON = string(data)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO contract_calls(on_behalf_of, contract, message, funds_json, created_at) VALUES (?,?,?,?,?)`,
		onBehalfOf, contract, message, fundsJSON, o.now().UTC().Format(time.RFC3339))
	return err
}
