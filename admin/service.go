package admin

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"disputeflow/collateral"
	"disputeflow/db"
	"disputeflow/failure"
)

var (
	ErrNotAuthority     = failure.New(failure.Authorization, "admin: caller is not the recovery authority")
	ErrInvalidRecovery  = failure.New(failure.Validation, "admin: recovery needs a recipient and a positive amount")
	ErrRecoveryNotFound = failure.New(failure.NotFound, "admin: recovery not found")
	ErrTimelockActive   = failure.New(failure.StateGuard, "admin: recovery timelock has not elapsed")
	ErrRecoveryExecuted = failure.New(failure.StateGuard, "admin: recovery already executed")
	ErrReentrant        = failure.New(failure.StateGuard, "admin: recovery already in progress")
	ErrRecoveryShort    = failure.New(failure.EconomicGuard, "admin: reserve cannot cover recovery")
)

// RecoveryStore persists recovery requests.
type RecoveryStore interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Recovery) error
	Lock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (Recovery, error)
	MarkExecuted(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error
}

// Reserves is the ledger surface recovery draws on.
type Reserves interface {
	DebitReserve(ctx context.Context, tx pgx.Tx, p collateral.Payment, now time.Time) error
}

// PauseState is the switch as seen by the service.
type PauseState interface {
	Paused(ctx context.Context, q db.Querier) (bool, error)
	Set(ctx context.Context, tx pgx.Tx, paused bool, by string, now time.Time) error
}

type Deps struct {
	Switch   PauseState
	Store    RecoveryStore
	Reserves Reserves
}

// Service is the administrative surface: the pause switch and emergency
// recovery. Only the configured authority may use it.
type Service struct {
	pool      db.Pool
	deps      Deps
	authority string
	minDelay  time.Duration
	executing atomic.Bool
	now       func() time.Time
	newID     func() uuid.UUID
	log       logrus.FieldLogger
}

func NewService(pool db.Pool, deps Deps, authority string, minDelay time.Duration) *Service {
	if deps.Switch == nil {
		deps.Switch = NewSwitch()
	}
	if deps.Store == nil {
		deps.Store = NewRepository()
	}
	if deps.Reserves == nil {
		deps.Reserves = collateral.NewLedger()
	}
	return &Service{
		pool:      pool,
		deps:      deps,
		authority: authority,
		minDelay:  minDelay,
		now:       time.Now,
		newID:     uuid.New,
		log:       logrus.StandardLogger(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() uuid.UUID) *Service {
	s.newID = gen
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

func (s *Service) authorize(caller string) error {
	if s.authority == "" || caller != s.authority {
		return ErrNotAuthority
	}
	return nil
}

// Paused is readable by anyone.
func (s *Service) Paused(ctx context.Context) (bool, error) {
	return s.deps.Switch.Paused(ctx, s.pool)
}

// SetPaused engages or releases the pause switch.
func (s *Service) SetPaused(ctx context.Context, caller string, paused bool) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("admin: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.deps.Switch.Set(ctx, tx, paused, caller, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("admin: commit pause: %w", err)
	}
	s.log.WithFields(logrus.Fields{"paused": paused, "by": caller}).Warn("protocol pause switch changed")
	return nil
}

// ScheduleRecovery queues a reserve withdrawal that unlocks after the minimum delay.
func (s *Service) ScheduleRecovery(ctx context.Context, caller string, recipient common.Address, amount *big.Int) (Recovery, error) {
	if err := s.authorize(caller); err != nil {
		return Recovery{}, err
	}
	if recipient == (common.Address{}) || !collateral.Positive(amount) {
		return Recovery{}, ErrInvalidRecovery
	}

	now := s.now()
	rec := Recovery{
		ID:          s.newID(),
		Recipient:   recipient,
		Amount:      new(big.Int).Set(amount),
		ETA:         now.Add(s.minDelay),
		ScheduledBy: caller,
		CreatedAt:   now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("admin: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.deps.Store.Insert(ctx, tx, rec); err != nil {
		return Recovery{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Recovery{}, fmt.Errorf("admin: commit recovery: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"recovery_id": rec.ID.String(),
		"recipient":   recipient.Hex(),
		"amount":      collateral.FormatEther(amount),
		"eta":         rec.ETA,
	}).Warn("recovery scheduled")
	return rec, nil
}

// ExecuteRecovery pays out a scheduled recovery once its timelock has elapsed.
// Only one execution runs at a time in this process; the row lock and the
// executed_at check make it at-most-once across processes.
func (s *Service) ExecuteRecovery(ctx context.Context, caller string, id uuid.UUID) (Recovery, error) {
	if err := s.authorize(caller); err != nil {
		return Recovery{}, err
	}
	if !s.executing.CompareAndSwap(false, true) {
		return Recovery{}, ErrReentrant
	}
	defer s.executing.Store(false)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("admin: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.deps.Store.Lock(ctx, tx, id)
	if err != nil {
		return Recovery{}, err
	}
	if rec.ExecutedAt != nil {
		return Recovery{}, ErrRecoveryExecuted
	}
	now := s.now()
	if now.Before(rec.ETA) {
		return Recovery{}, ErrTimelockActive
	}

	err = s.deps.Reserves.DebitReserve(ctx, tx, collateral.Payment{
		Reserve: collateral.ReserveProtocol,
		To:      rec.Recipient,
		Kind:    collateral.KindRecovery,
		Amount:  rec.Amount,
	}, now)
	if err != nil {
		if errors.Is(err, collateral.ErrInsufficientReserve) {
			return Recovery{}, ErrRecoveryShort
		}
		return Recovery{}, err
	}
	if err := s.deps.Store.MarkExecuted(ctx, tx, id, now); err != nil {
		return Recovery{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Recovery{}, fmt.Errorf("admin: commit recovery: %w", err)
	}

	rec.ExecutedAt = &now
	s.log.WithFields(logrus.Fields{
		"recovery_id": id.String(),
		"recipient":   rec.Recipient.Hex(),
		"amount":      collateral.FormatEther(rec.Amount),
	}).Warn("recovery executed")
	return rec, nil
}
