package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/failure"
)

var (
	ErrMissingIdempotencyKey = failure.New(failure.Validation, "settlement: missing idempotency key")
	ErrUnknownStage          = failure.New(failure.Validation, "settlement: unknown stage")
	ErrUnknownDispute        = failure.New(failure.NotFound, "settlement: unknown dispute")
	ErrDisputeNotFinal       = failure.New(failure.StateGuard, "settlement: dispute not finalized")
	ErrNotBridged            = failure.New(failure.StateGuard, "settlement: confirmation before bridging")
	ErrNotFound              = failure.New(failure.NotFound, "settlement: no settlement recorded")

	// ErrDuplicateIdempotencyKey signals a replayed callback.
	ErrDuplicateIdempotencyKey = errors.New("settlement: duplicate idempotency key")
)

// Store persists settlement progress.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, disputeID int64, key string) error
	Lock(ctx context.Context, tx pgx.Tx, disputeID int64, now time.Time) (Record, error)
	Save(ctx context.Context, tx pgx.Tx, rec Record) error
	Get(ctx context.Context, q db.Querier, disputeID int64) (Record, error)
}

// DisputeLookup reports whether a dispute is finalized.
type DisputeLookup interface {
	Status(ctx context.Context, q db.Querier, id int64) (dispute.Status, dispute.Outcome, error)
}

// Timeline appends to the dispute's event history.
type Timeline interface {
	AppendEvent(ctx context.Context, tx pgx.Tx, e dispute.Event) error
}

type Deps struct {
	Store    Store
	Disputes DisputeLookup
	Timeline Timeline
	Outbox   dispute.OutboxWriter
}

// Service consumes bridge callbacks. The dispute core never waits on these;
// they only record what the secondary ledger did with a DisputeFinalized event.
type Service struct {
	pool db.Pool
	deps Deps
	now  func() time.Time
	log  logrus.FieldLogger
}

func NewService(pool db.Pool, deps Deps) *Service {
	if deps.Store == nil {
		deps.Store = NewRepository()
	}
	if deps.Disputes == nil || deps.Timeline == nil {
		repo := dispute.NewRepository()
		if deps.Disputes == nil {
			deps.Disputes = repo
		}
		if deps.Timeline == nil {
			deps.Timeline = repo
		}
	}
	return &Service{pool: pool, deps: deps, now: time.Now, log: logrus.StandardLogger()}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

// HandleBridgeEvent applies a bridge callback exactly once per dispute and
// idempotency key. Replays and stale stages are no-ops that return the current record.
func (s *Service) HandleBridgeEvent(ctx context.Context, ev BridgeEvent) (Record, error) {
	if ev.IdempotencyKey == "" {
		return Record{}, ErrMissingIdempotencyKey
	}
	if ev.Stage != StageBridged && ev.Stage != StageConfirmed {
		return Record{}, ErrUnknownStage
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	status, outcome, err := s.deps.Disputes.Status(ctx, tx, ev.DisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return Record{}, ErrUnknownDispute
		}
		return Record{}, err
	}
	if !status.Terminal() {
		return Record{}, ErrDisputeNotFinal
	}

	if err := s.deps.Store.InsertIdempotencyKey(ctx, tx, ev.DisputeID, ev.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			s.log.WithFields(logrus.Fields{
				"dispute_id":      ev.DisputeID,
				"idempotency_key": ev.IdempotencyKey,
			}).Debug("settlement: replayed callback")
			return s.deps.Store.Get(ctx, tx, ev.DisputeID)
		}
		return Record{}, err
	}

	now := s.now()
	rec, err := s.deps.Store.Lock(ctx, tx, ev.DisputeID, now)
	if err != nil {
		return Record{}, err
	}
	if ev.Stage.rank() <= rec.Status.rank() {
		// Stale or repeated stage under a fresh key. Keep the key so the
		// bridge stops retrying it.
		if err := tx.Commit(ctx); err != nil {
			return Record{}, fmt.Errorf("settlement: commit: %w", err)
		}
		return rec, nil
	}
	if ev.Stage == StageConfirmed && rec.Status != StageBridged {
		return Record{}, ErrNotBridged
	}

	rec.Status = ev.Stage
	rec.UpdatedAt = now
	if ev.ExternalRef != "" {
		rec.ExternalRef = ev.ExternalRef
	}
	eventType := EventBridged
	if ev.Stage == StageBridged {
		rec.BridgedAt = &now
	} else {
		rec.ConfirmedAt = &now
		eventType = EventConfirmed
	}
	if err := s.deps.Store.Save(ctx, tx, rec); err != nil {
		return Record{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"stage":        rec.Status,
		"external_ref": rec.ExternalRef,
		"outcome":      outcome,
	})
	if err != nil {
		return Record{}, fmt.Errorf("settlement: marshal timeline payload: %w", err)
	}
	if err := s.deps.Timeline.AppendEvent(ctx, tx, dispute.Event{
		DisputeID: ev.DisputeID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	}); err != nil {
		return Record{}, err
	}
	if s.deps.Outbox != nil {
		if err := s.deps.Outbox.Enqueue(ctx, tx, TopicUpdated, strconv.FormatInt(ev.DisputeID, 10), rec); err != nil {
			return Record{}, fmt.Errorf("settlement: enqueue: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("settlement: commit: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"dispute_id":   ev.DisputeID,
		"stage":        rec.Status,
		"external_ref": rec.ExternalRef,
	}).Info("settlement progressed")
	return rec, nil
}

func (s *Service) Get(ctx context.Context, disputeID int64) (Record, error) {
	return s.deps.Store.Get(ctx, s.pool, disputeID)
}
