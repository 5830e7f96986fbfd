package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"disputeflow/test/actors"
	"disputeflow/test/chaos"
	"disputeflow/test/infra"
	"disputeflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flParties     = flag.Int("parties", 12, "number of distinct party addresses")
	flSpeed       = flag.Int64("speed", 7200, "protocol seconds per wall-clock second")
)

const actorsApp = "stress-actors"

func seedRNG(seed int64) { rand.Seed(seed) }

func TestDisputeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		database *infra.Database
		err      error
	)
	switch {
	case *flDSN != "" || os.Getenv("STRESS_TEST_PG_DSN") != "":
		database, err = infra.StartPostgres(ctx, *flDSN)
	case dockerAvailable(ctx):
		database, err = infra.StartPostgres(ctx, "")
	default:
		database, err = infra.LocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := database.Terminate(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if database.Shared {
		if err := database.Isolate(ctx); err != nil {
			t.Fatalf("isolate: %v", err)
		}
	}

	// Actors and oracles use separate pools; chaos only kills actor backends.
	pool, err := database.Migrated(ctx, actorsApp, 48)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	oraclePool, err := database.Pool(ctx, "stress-oracles", 4)
	if err != nil {
		t.Fatalf("oracle pool: %v", err)
	}
	defer oraclePool.Close()

	world, err := actors.NewWorld(pool, *flParties, *flSpeed)
	if err != nil {
		t.Fatalf("build world: %v", err)
	}
	if err := world.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Initiator(ctx2, world, stop) })
		g.Go(func() error { return actors.Staker(ctx2, world, stop) })
		g.Go(func() error { return actors.Negotiator(ctx2, world, stop) })
	}
	g.Go(func() error { return actors.Keeper(ctx2, world, stop) })
	g.Go(func() error { return actors.Subsidizer(ctx2, world, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, world, stop) })
	g.Go(func() error { return actors.Pauser(ctx2, world, stop) })
	go chaos.TerminateRandomBackend(ctx2, oraclePool, actorsApp, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, oraclePool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, oraclePool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	if name, row, err := oracles.Run(finalCtx, oraclePool); err != nil {
		t.Fatalf("final oracle error: %v", err)
	} else if name != "" {
		dumpRecent(t, finalCtx, oraclePool)
		t.Fatalf("Oracle %s failed after drain. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("stress done: %d guard rejections, %d infrastructure failures (seed=%d)",
		world.Rejected.Load(), world.Failed.Load(), seed)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, status, outcome, counter_count, proposal_round, updated_at FROM disputes ORDER BY updated_at DESC LIMIT 50`},
		{"dispute_events", `SELECT id, dispute_id, seq, type, created_at FROM dispute_events ORDER BY id DESC LIMIT 50`},
		{"ledger_entries", `SELECT id, dispute_id, party, kind, amount FROM ledger_entries ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
