package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	db   *Database
	pool *pgxpool.Pool
}

// NewHarness boots or borrows a database (see StartPostgres) and applies the
// embedded migrations. Borrowed databases get a per-run schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	d, err := StartPostgres(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	if d.Shared {
		if err := d.Isolate(ctx); err != nil {
			return nil, err
		}
	}
	pool, err := d.Migrated(ctx, "disputeflow-harness", 64)
	if err != nil {
		_ = d.Terminate(ctx)
		return nil, err
	}
	return &Harness{db: d, pool: pool}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.db.DSN
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	_ = h.db.Terminate(ctx)
}

// Reset truncates mutable tables and reseeds the singleton rows so every epoch
// starts from a clean ledger.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"dispute_events",
		"settlements",
		"licenses",
		"proposals",
		"subsidy_claims",
		"harassment_records",
		"ledger_entries",
		"escrows",
		"recovery_requests",
		"idempotency",
		"disputes",
		"parties",
		"login_challenges",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" RESTART IDENTITY CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE reserves SET balance = 0`); err != nil {
		return fmt.Errorf("reset reserves: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE protocol_state SET paused = FALSE`); err != nil {
		return fmt.Errorf("reset protocol state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
