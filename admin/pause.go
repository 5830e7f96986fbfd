package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"disputeflow/db"
	"disputeflow/failure"
)

// ErrProtocolPaused rejects state-mutating calls while the switch is engaged.
var ErrProtocolPaused = failure.New(failure.Unavailable, "admin: protocol paused")

// Switch reads and flips the protocol-wide pause flag.
type Switch struct{}

func NewSwitch() *Switch {
	return &Switch{}
}

// EnsureLive fails with ErrProtocolPaused when paused. Inside a transaction the
// row is share-locked so a concurrent pause waits for in-flight mutations.
func (s *Switch) EnsureLive(ctx context.Context, q db.Querier) error {
	query := `SELECT paused FROM protocol_state WHERE id`
	if _, ok := q.(pgx.Tx); ok {
		query += ` FOR SHARE`
	}
	var paused bool
	if err := q.QueryRow(ctx, query).Scan(&paused); err != nil {
		return fmt.Errorf("admin: read pause state: %w", err)
	}
	if paused {
		return ErrProtocolPaused
	}
	return nil
}

// Paused reports the current flag.
func (s *Switch) Paused(ctx context.Context, q db.Querier) (bool, error) {
	var paused bool
	if err := q.QueryRow(ctx, `SELECT paused FROM protocol_state WHERE id`).Scan(&paused); err != nil {
		return false, fmt.Errorf("admin: read pause state: %w", err)
	}
	return paused, nil
}

// Set writes the flag.
func (s *Switch) Set(ctx context.Context, tx pgx.Tx, paused bool, by string, now time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE protocol_state SET paused = $1, updated_by = $2, updated_at = $3
WHERE id`, paused, by, now); err != nil {
		return fmt.Errorf("admin: set pause: %w", err)
	}
	return nil
}
