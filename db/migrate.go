package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsSQL concatenates the embedded migrations in lexical order.
func MigrationsSQL() (string, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return "", fmt.Errorf("db: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return "", fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Migrate applies the embedded schema. Every statement is idempotent so it is
// safe to run on each boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sql, err := MigrationsSQL()
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire conn: %w", err)
	}
	defer conn.Release()

	// Multi-statement scripts need the simple protocol.
	res := conn.Conn().PgConn().Exec(ctx, sql)
	if _, err := res.ReadAll(); err != nil {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}
