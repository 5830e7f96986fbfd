package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimPending locks up to limit pending rows, oldest first. Rows held by
// another relay are skipped so several relays can run side by side.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
SELECT id, topic, key, payload, status, attempts, last_attempt, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	return scanMessages(rows)
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2
WHERE id = $1`, id, now); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and parks the row as dead once
// maxAttempts is reached.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, maxAttempts int, now time.Time) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = $3,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1
RETURNING status`, id, maxAttempts, now).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("outbox: mark failed: %w", err)
	}
	return status, nil
}

// List returns messages in a given status, newest first.
func (r *Repository) List(ctx context.Context, q db.Querier, status string, limit int) ([]Message, error) {
	rows, err := q.Query(ctx, `
SELECT id, topic, key, payload, status, attempts, last_attempt, created_at
FROM outbox WHERE status = $1
ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m       Message
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Status, &m.Attempts, &m.LastAttempt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}
