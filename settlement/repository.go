package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"disputeflow/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey reserves key for disputeID inside the active
// transaction. Keys are scoped per dispute.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, disputeID int64, key string) error {
	if key == "" {
		return ErrMissingIdempotencyKey
	}
	// ON CONFLICT keeps the transaction usable after a replay.
	tag, err := tx.Exec(ctx, `
INSERT INTO idempotency (dispute_id, key) VALUES ($1, $2)
ON CONFLICT (dispute_id, key) DO NOTHING`, disputeID, key)
	if err != nil {
		return fmt.Errorf("settlement: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

// Lock creates the pending row on first use and holds its lock until the
// transaction ends.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, disputeID int64, now time.Time) (Record, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO settlements (dispute_id, status, updated_at)
VALUES ($1, 'pending', $2)
ON CONFLICT (dispute_id) DO NOTHING`, disputeID, now); err != nil {
		return Record{}, fmt.Errorf("settlement: ensure row: %w", err)
	}
	rec, err := scanRecord(tx.QueryRow(ctx, selectSQL+` WHERE dispute_id = $1 FOR UPDATE`, disputeID))
	if err != nil {
		return Record{}, fmt.Errorf("settlement: lock: %w", err)
	}
	return rec, nil
}

func (r *Repository) Save(ctx context.Context, tx pgx.Tx, rec Record) error {
	var ref *string
	if rec.ExternalRef != "" {
		ref = &rec.ExternalRef
	}
	if _, err := tx.Exec(ctx, `
UPDATE settlements
SET status = $2, external_ref = $3, bridged_at = $4, confirmed_at = $5, updated_at = $6
WHERE dispute_id = $1`,
		rec.DisputeID, string(rec.Status), ref, rec.BridgedAt, rec.ConfirmedAt, rec.UpdatedAt); err != nil {
		return fmt.Errorf("settlement: save: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, q db.Querier, disputeID int64) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, selectSQL+` WHERE dispute_id = $1`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("settlement: get: %w", err)
	}
	return rec, nil
}

const selectSQL = `SELECT dispute_id, status, COALESCE(external_ref, ''), bridged_at, confirmed_at, updated_at FROM settlements`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.DisputeID, &status, &rec.ExternalRef, &rec.BridgedAt, &rec.ConfirmedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Stage(status)
	return rec, nil
}
