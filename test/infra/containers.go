package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	pgImage    = "postgres:16-alpine"
	pgDatabase = "disputeflow"
	pgUser     = "disputeflow"
	pgPassword = "disputeflow"
)

// Database is a Postgres instance a test run writes to. It is either a
// container started by this process or an external DSN that is borrowed.
type Database struct {
	DSN string

	// Shared is set for borrowed databases. Runs against them should call
	// Isolate before opening pools.
	Shared bool

	container *postgres.PostgresContainer
	schema    string
}

// StartPostgres borrows overrideDSN or STRESS_TEST_PG_DSN when either is set
// and otherwise starts a throwaway container.
func StartPostgres(ctx context.Context, overrideDSN string) (*Database, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if overrideDSN != "" {
		return &Database{DSN: overrideDSN, Shared: true}, nil
	}

	c, err := postgres.Run(ctx, pgImage,
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("run postgres container: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: c}, nil
}

// Terminate drops the per-run schema and stops the container, if either exists.
func (d *Database) Terminate(ctx context.Context) error {
	if d == nil {
		return nil
	}
	if d.schema != "" {
		conn, err := pgx.Connect(ctx, d.DSN)
		if err != nil {
			return fmt.Errorf("connect for drop: %w", err)
		}
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{d.schema}.Sanitize()+" CASCADE")
		conn.Close(ctx)
		if err != nil {
			return fmt.Errorf("drop schema %s: %w", d.schema, err)
		}
		d.schema = ""
	}
	if d.container != nil {
		return d.container.Terminate(ctx)
	}
	return nil
}
