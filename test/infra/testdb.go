package infra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/db"
)

// TestPool connects to DATABASE_URL and applies the embedded schema. Tests are
// skipped when no database is configured.
func TestPool(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		tb.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 8})
	if err != nil {
		tb.Fatalf("connect pool: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(pool.Close)
	return pool
}

// SeedDispute inserts a bare created dispute so rows with a dispute foreign key
// can be written without going through the state machine.
func SeedDispute(tb testing.TB, pool *pgxpool.Pool, initiator, counterparty string, stakeWei string) int64 {
	tb.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
INSERT INTO disputes (initiator, counterparty, initiator_stake, fallback_license, start_time, stake_deadline)
VALUES ($1, $2, $3::numeric, '{"scope":"test","exclusive":false}'::jsonb, now(), now() + interval '3 days')
RETURNING id`, initiator, counterparty, stakeWei).Scan(&id)
	if err != nil {
		tb.Fatalf("seed dispute: %v", err)
	}
	return id
}
