package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"disputeflow/db"
	"disputeflow/metrics"
)

// Store is the relay's view of the outbox table.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, maxAttempts int, now time.Time) (string, error)
}

type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay drains pending outbox rows to a Publisher. The core never waits on it:
// a failed publish only delays delivery.
type Relay struct {
	pool  db.TxBeginner
	store Store
	pub   Publisher
	opts  RelayOptions
	now   func() time.Time
	log   logrus.FieldLogger
}

func NewRelay(pool db.TxBeginner, store Store, pub Publisher, opts RelayOptions) *Relay {
	if store == nil {
		store = NewRepository()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Relay{
		pool:  pool,
		store: store,
		pub:   pub,
		opts:  opts,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) WithLogger(log logrus.FieldLogger) *Relay {
	r.log = log
	return r
}

// RunOnce publishes one batch and returns how many messages were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.ClaimPending(ctx, tx, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, m := range msgs {
		now := r.now()
		if err := r.pub.Publish(ctx, m); err != nil {
			status, markErr := r.store.MarkFailed(ctx, tx, m.ID, r.opts.MaxAttempts, now)
			if markErr != nil {
				return delivered, markErr
			}
			entry := r.log.WithError(err).WithFields(logrus.Fields{
				"message_id": m.ID.String(),
				"topic":      m.Topic,
				"attempts":   m.Attempts + 1,
			})
			if status == StatusDead {
				metrics.OutboxPublished.WithLabelValues(m.Topic, "dead").Inc()
				entry.Error("outbox: message parked as dead")
			} else {
				metrics.OutboxPublished.WithLabelValues(m.Topic, "error").Inc()
				entry.Warn("outbox: publish failed")
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, m.ID, now); err != nil {
			return delivered, err
		}
		metrics.OutboxPublished.WithLabelValues(m.Topic, "ok").Inc()
		delivered++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return delivered, nil
}

// Run drains the outbox until ctx is cancelled. A full batch is followed by an
// immediate next pass.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		n, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("outbox: relay pass failed")
		}
		if n >= r.opts.BatchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
