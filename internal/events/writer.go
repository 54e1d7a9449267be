package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autoflow/internal/domain"
)

// Writer appends structured events inside the caller's transaction.
// Attribute order is preserved end to end; it is part of the observable
// contract and tests assert on it.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Attr builds one ordered attribute.
func Attr(key, value string) domain.Attribute {
	return domain.Attribute{Key: key, Value: value}
}

// Append writes one event with its ordered attributes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, attrs ...domain.Attribute) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if attrs == nil {
		attrs = []domain.Attribute{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal event attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts, type, attributes) VALUES (?,?,?)`,
		ts, evtType, string(data))
	return err
}
