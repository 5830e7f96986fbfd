package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Recovery) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO recovery_requests (id, recipient, amount, eta, scheduled_by, created_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		rec.ID, rec.Recipient.Hex(), db.Numeric(rec.Amount), rec.ETA, rec.ScheduledBy, rec.CreatedAt); err != nil {
		return fmt.Errorf("admin: insert recovery: %w", err)
	}
	return nil
}

// Lock loads a recovery request and holds its row lock.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Recovery, error) {
	var (
		rec       Recovery
		recipient string
		amount    string
	)
	err := tx.QueryRow(ctx, `
SELECT id, recipient, amount::text, eta, scheduled_by, executed_at, created_at
FROM recovery_requests WHERE id = $1
FOR UPDATE`, id).Scan(&rec.ID, &recipient, &amount, &rec.ETA, &rec.ScheduledBy, &rec.ExecutedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Recovery{}, ErrRecoveryNotFound
		}
		return Recovery{}, fmt.Errorf("admin: lock recovery: %w", err)
	}
	rec.Recipient = common.HexToAddress(recipient)
	if rec.Amount, err = db.ParseNumeric(amount); err != nil {
		return Recovery{}, err
	}
	return rec, nil
}

func (r *Repository) MarkExecuted(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE recovery_requests SET executed_at = $2 WHERE id = $1`, id, now); err != nil {
		return fmt.Errorf("admin: mark executed: %w", err)
	}
	return nil
}
