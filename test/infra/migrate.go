package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/db"
)

// Isolate creates a per-run schema. Pools opened afterwards resolve tables in
// it, and Terminate drops it.
func (d *Database) Isolate(ctx context.Context) error {
	schema := fmt.Sprintf("run_%d", time.Now().UnixNano())
	conn, err := pgx.Connect(ctx, d.DSN)
	if err != nil {
		return fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	d.schema = schema
	return nil
}

// Pool opens a pgx pool whose connections report appName as their
// application_name, so chaos can single out one pool's backends.
func (d *Database) Pool(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(d.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	if d.schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = d.schema
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool %s: %w", appName, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pool %s: %w", appName, err)
	}
	return pool, nil
}

// Migrated opens a pool with Pool and applies the embedded migrations on it.
func (d *Database) Migrated(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	pool, err := d.Pool(ctx, appName, maxConns)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
