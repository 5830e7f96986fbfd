package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Writer enqueues messages inside the caller's transaction.
type Writer struct {
	newID func() uuid.UUID
}

func NewWriter() *Writer {
	return &Writer{newID: uuid.New}
}

// WithIDGenerator overrides message id generation.
func (w *Writer) WithIDGenerator(fn func() uuid.UUID) *Writer {
	w.newID = fn
	return w
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (id, topic, key, payload)
        VALUES ($1, $2, $3, $4::jsonb)
    `, w.newID(), topic, key, string(body)); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	return nil
}
