package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/failure"
	"disputeflow/metrics"
)

// Enforcer is the part of Service the sweeper drives.
type Enforcer interface {
	DueForTimeout(ctx context.Context, limit int) ([]int64, error)
	EnforceTimeout(ctx context.Context, id int64) (Dispute, error)
}

// Sweeper periodically enforces timeouts on disputes whose deadline passed.
// Enforcement stays permissionless; the sweeper is just a diligent caller.
type Sweeper struct {
	svc      Enforcer
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
}

func NewSweeper(svc Enforcer, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{svc: svc, interval: interval, batch: batch, log: logrus.StandardLogger()}
}

func (s *Sweeper) WithLogger(log logrus.FieldLogger) *Sweeper {
	s.log = log
	return s
}

// RunOnce enforces every due dispute once and reports how many were
// finalized. Disputes finalized concurrently by another caller are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.svc.DueForTimeout(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	enforced := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return enforced, err
		}
		_, err := s.svc.EnforceTimeout(ctx, id)
		switch {
		case err == nil:
			enforced++
			metrics.SweeperEnforced.Inc()
		case errors.Is(err, ErrDisputeFinalized), errors.Is(err, ErrDeadlineNotReached):
		default:
			if kind, ok := failure.KindOf(err); ok && kind == failure.Unavailable {
				return enforced, err
			}
			s.log.WithError(err).WithField("dispute_id", id).Warn("sweeper: enforce timeout failed")
		}
	}
	return enforced, nil
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Debug("sweeper: pass aborted")
		}
		if n > 0 {
			s.log.WithField("enforced", n).Info("sweeper: timeouts enforced")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
