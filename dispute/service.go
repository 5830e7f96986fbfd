package dispute

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"disputeflow/collateral"
	"disputeflow/db"
	"disputeflow/failure"
	"disputeflow/license"
	"disputeflow/metrics"
	"disputeflow/proposal"
)

// Store is the persistence the state machine needs.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Lock(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error)
	Update(ctx context.Context, tx pgx.Tx, d Dispute) error
	Get(ctx context.Context, q db.Querier, id int64) (Dispute, error)
	List(ctx context.Context, q db.Querier, f Filter) ([]Dispute, error)
	Due(ctx context.Context, q db.Querier, now time.Time, limit int) ([]int64, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) error
	Events(ctx context.Context, q db.Querier, id int64) ([]Event, error)
}

// Escrow is the collateral ledger surface used by transitions.
type Escrow interface {
	Deposit(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, amount *big.Int, now time.Time) error
	Disburse(ctx context.Context, tx pgx.Tx, disputeID int64, d collateral.Disbursement, now time.Time) error
	CollectFee(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, amount *big.Int, now time.Time) error
	DebitReserveUpTo(ctx context.Context, tx pgx.Tx, p collateral.Payment, now time.Time) (*big.Int, error)
}

// ProposalChannel verifies and records attested proposals.
type ProposalChannel interface {
	Submit(ctx context.Context, tx pgx.Tx, disputeID int64, round int, contentHash common.Hash, signature []byte, now time.Time) (proposal.Proposal, error)
}

// ScoreRecorder receives harassment deltas.
type ScoreRecorder interface {
	RecordOutcome(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, delta int, now time.Time) error
}

// OutcomeRegistry records the license that binds the parties.
type OutcomeRegistry interface {
	Apply(ctx context.Context, tx pgx.Tx, rec license.Record) error
}

// IdentityChecker is the external identity registry.
type IdentityChecker interface {
	IsVerified(ctx context.Context, party common.Address) (bool, error)
}

// PauseGuard rejects mutations while the protocol is paused.
type PauseGuard interface {
	EnsureLive(ctx context.Context, q db.Querier) error
}

// OutboxWriter enqueues integration events in the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic, key string, payload any) error
}

type Deps struct {
	Store     Store
	Escrow    Escrow
	Proposals ProposalChannel
	Scores    ScoreRecorder
	Outcomes  OutcomeRegistry
	Identity  IdentityChecker
	Guard     PauseGuard
	Outbox    OutboxWriter
}

// Service applies state machine transitions. Every mutating call runs in one
// transaction: lock, check, mutate, transfer, record, commit. Any failure rolls
// the whole call back.
type Service struct {
	pool   db.Pool
	deps   Deps
	params Params
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewService(pool db.Pool, deps Deps, params Params) *Service {
	if deps.Store == nil {
		deps.Store = NewRepository()
	}
	if deps.Escrow == nil {
		deps.Escrow = collateral.NewLedger()
	}
	if deps.Outcomes == nil {
		deps.Outcomes = license.NewRepository()
	}
	return &Service{
		pool:   pool,
		deps:   deps,
		params: params,
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log logrus.FieldLogger) *Service {
	s.log = log
	return s
}

func (s *Service) Params() Params {
	return s.params
}

// InitiateRequest opens a dispute.
type InitiateRequest struct {
	Initiator       common.Address
	Counterparty    common.Address
	Stake           *big.Int
	FallbackLicense license.Terms
	DIDRequired     bool
}

// Initiate validates the request, escrows the initiator's stake and starts the
// stake window.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (Dispute, error) {
	const op = "initiate"
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A paused protocol refuses before any input or collaborator is consulted.
	if err := s.ensureLive(ctx, tx); err != nil {
		return Dispute{}, s.reject(op, err)
	}
	d, err := s.params.Open(Initiation{
		Initiator:       req.Initiator,
		Counterparty:    req.Counterparty,
		Stake:           req.Stake,
		FallbackLicense: req.FallbackLicense,
		DIDRequired:     req.DIDRequired,
	}, now)
	if err != nil {
		return Dispute{}, s.reject(op, err)
	}
	if d.DIDRequired {
		if err := s.requireIdentity(ctx, d.Initiator); err != nil {
			return Dispute{}, s.reject(op, err)
		}
	}
	d, err = s.deps.Store.Insert(ctx, tx, d)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.deps.Escrow.Deposit(ctx, tx, d.ID, d.Initiator, d.InitiatorStake, now); err != nil {
		return Dispute{}, err
	}
	payload := map[string]any{
		"counterparty":   d.Counterparty.Hex(),
		"stake_wei":      d.InitiatorStake.String(),
		"stake_deadline": d.StakeDeadline.UTC(),
		"did_required":   d.DIDRequired,
	}
	if err := s.appendEvent(ctx, tx, d.ID, EventInitiated, actorOf(d.Initiator), payload, now); err != nil {
		return Dispute{}, err
	}
	if err := s.enqueue(ctx, tx, TopicInitiated, d, UpdatedEvent{
		DisputeID: d.ID, Event: EventInitiated, Status: d.Status, Deadline: d.StakeDeadline.UTC(),
	}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit initiate: %w", err)
	}

	metrics.Transitions.WithLabelValues(op, "", string(d.Status)).Inc()
	s.log.WithFields(logrus.Fields{
		"dispute_id":   d.ID,
		"initiator":    d.Initiator.Hex(),
		"counterparty": d.Counterparty.Hex(),
		"stake":        collateral.FormatEther(d.InitiatorStake),
	}).Info("dispute initiated")
	return d, nil
}

// MatchStake escrows the counterparty's matching stake and activates the dispute.
func (s *Service) MatchStake(ctx context.Context, id int64, caller common.Address, amount *big.Int) (Dispute, error) {
	return s.transition(ctx, "match_stake", id, func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error) {
		if err := s.params.MatchStake(d, caller, amount, now); err != nil {
			return outcome{}, err
		}
		if d.DIDRequired {
			if err := s.requireIdentity(ctx, caller); err != nil {
				return outcome{}, err
			}
		}
		if err := s.deps.Escrow.Deposit(ctx, tx, d.ID, caller, amount, now); err != nil {
			return outcome{}, err
		}
		return outcome{
			event: EventStakeMatched,
			actor: caller,
			payload: map[string]any{
				"stake_wei":           amount.String(),
				"resolution_deadline": d.ResolutionDeadline.UTC(),
			},
		}, nil
	})
}

// SubmitProposal records an attested proposal and opens a new round.
func (s *Service) SubmitProposal(ctx context.Context, id int64, contentHash common.Hash, signature []byte) (Dispute, error) {
	return s.transition(ctx, "submit_proposal", id, func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error) {
		if err := s.params.SubmitProposal(d, contentHash, now); err != nil {
			return outcome{}, err
		}
		p, err := s.deps.Proposals.Submit(ctx, tx, d.ID, d.ProposalRound, contentHash, signature, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			event: EventProposalSubmitted,
			actor: p.Attester,
			payload: map[string]any{
				"round":        d.ProposalRound,
				"content_hash": contentHash.Hex(),
			},
		}, nil
	})
}

// AcceptProposal flags the caller's acceptance; the second acceptance resolves
// the dispute.
func (s *Service) AcceptProposal(ctx context.Context, id int64, caller common.Address) (Dispute, error) {
	return s.transition(ctx, "accept_proposal", id, func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error) {
		fin, err := s.params.Accept(d, caller, now)
		if err != nil {
			return outcome{}, err
		}
		event := EventProposalAccepted
		if fin != nil {
			event = EventResolved
		}
		return outcome{
			event: event,
			actor: caller,
			payload: map[string]any{
				"round":         d.ProposalRound,
				"proposal_hash": d.ProposalHash.Hex(),
			},
			fin: fin,
		}, nil
	})
}

// CounterPropose charges the escalating fee, restarts the round and extends the
// deadline within its cap.
func (s *Service) CounterPropose(ctx context.Context, id int64, caller common.Address, fee *big.Int) (Dispute, error) {
	var charged *big.Int
	d, err := s.transition(ctx, "counter_propose", id, func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error) {
		eff, err := s.params.Counter(d, caller, fee, now)
		if err != nil {
			return outcome{}, err
		}
		if err := s.deps.Escrow.CollectFee(ctx, tx, d.ID, caller, eff.Fee, now); err != nil {
			return outcome{}, err
		}
		if err := s.recordScore(ctx, tx, d.ID, eff.Score, now); err != nil {
			return outcome{}, err
		}
		charged = eff.Fee
		return outcome{
			event: EventCounterProposed,
			actor: caller,
			payload: map[string]any{
				"counter":             d.CounterCount,
				"fee_wei":             eff.Fee.String(),
				"required_fee_wei":    eff.Required.String(),
				"extension_secs":      int64(eff.Extension / time.Second),
				"resolution_deadline": d.ResolutionDeadline.UTC(),
			},
		}, nil
	})
	if err == nil {
		metrics.AddEther(metrics.CounterFeesEth, charged)
	}
	return d, err
}

// EnforceTimeout resolves a dispute whose deadline has passed. It is
// permissionless; on a finalized dispute it fails without side effects.
func (s *Service) EnforceTimeout(ctx context.Context, id int64) (Dispute, error) {
	return s.transition(ctx, "enforce_timeout", id, func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error) {
		fin, err := s.params.Timeout(d, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			event:   EventTimedOut,
			payload: map[string]any{"outcome": fin.Outcome},
			fin:     fin,
		}, nil
	})
}

func (s *Service) Get(ctx context.Context, id int64) (Dispute, error) {
	return s.deps.Store.Get(ctx, s.pool, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Dispute, error) {
	return s.deps.Store.List(ctx, s.pool, f)
}

func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	if _, err := s.deps.Store.Get(ctx, s.pool, id); err != nil {
		return nil, err
	}
	return s.deps.Store.Events(ctx, s.pool, id)
}

// DueForTimeout lists disputes whose deadline has passed.
func (s *Service) DueForTimeout(ctx context.Context, limit int) ([]int64, error) {
	return s.deps.Store.Due(ctx, s.pool, s.now(), limit)
}

type outcome struct {
	event   string
	actor   common.Address
	payload map[string]any
	fin     *Finalization
}

type step func(ctx context.Context, tx pgx.Tx, d *Dispute, now time.Time) (outcome, error)

func (s *Service) transition(ctx context.Context, op string, id int64, apply step) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureLive(ctx, tx); err != nil {
		return Dispute{}, s.reject(op, err)
	}
	d, err := s.deps.Store.Lock(ctx, tx, id)
	if err != nil {
		return Dispute{}, s.reject(op, err)
	}
	from := d.Status
	now := s.now()

	res, err := apply(ctx, tx, &d, now)
	if err != nil {
		return Dispute{}, s.reject(op, err)
	}
	d.UpdatedAt = now
	if err := s.deps.Store.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if res.fin != nil {
		if err := s.finalize(ctx, tx, d, res.fin, now); err != nil {
			return Dispute{}, err
		}
	}
	if err := s.appendEvent(ctx, tx, d.ID, res.event, actorOf(res.actor), res.payload, now); err != nil {
		return Dispute{}, err
	}
	if res.fin == nil {
		if err := s.enqueue(ctx, tx, TopicUpdated, d, UpdatedEvent{
			DisputeID: d.ID,
			Event:     res.event,
			Status:    d.Status,
			Round:     d.ProposalRound,
			Counters:  d.CounterCount,
			Deadline:  deadlineOf(d).UTC(),
		}); err != nil {
			return Dispute{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit %s: %w", op, err)
	}

	metrics.Transitions.WithLabelValues(op, string(from), string(d.Status)).Inc()
	fields := logrus.Fields{
		"dispute_id": d.ID,
		"op":         op,
		"from":       from,
		"to":         d.Status,
	}
	if res.fin != nil {
		s.recordFinalization(res.fin)
		fields["outcome"] = res.fin.Outcome
		s.log.WithFields(fields).Info("dispute finalized")
	} else {
		s.log.WithFields(fields).Debug("dispute transition")
	}
	return d, nil
}

// finalize moves the money, reports behavior, binds the outcome and emits
// DisputeFinalized. Incentives are paid from the protocol reserve up to its
// balance; the amount actually paid is written back into fin.
func (s *Service) finalize(ctx context.Context, tx pgx.Tx, d Dispute, fin *Finalization, now time.Time) error {
	for i, p := range fin.Payouts {
		if err := s.deps.Escrow.Disburse(ctx, tx, d.ID, collateral.Disbursement{
			Party:  p.Party,
			Refund: p.Refund,
			Burn:   p.Burn,
		}, now); err != nil {
			return err
		}
		if collateral.Positive(p.Incentive) {
			id := d.ID
			paid, err := s.deps.Escrow.DebitReserveUpTo(ctx, tx, collateral.Payment{
				Reserve:   collateral.ReserveProtocol,
				To:        p.Party,
				Kind:      collateral.KindIncentive,
				DisputeID: &id,
				Amount:    p.Incentive,
			}, now)
			if err != nil {
				return err
			}
			if paid.Cmp(p.Incentive) < 0 {
				s.log.WithFields(logrus.Fields{
					"dispute_id": d.ID,
					"owed":       collateral.FormatEther(p.Incentive),
					"paid":       collateral.FormatEther(paid),
				}).Warn("protocol reserve short for non-participation incentive")
			}
			fin.Payouts[i].Incentive = paid
		}
	}
	for _, sd := range fin.Scores {
		if err := s.recordScore(ctx, tx, d.ID, sd, now); err != nil {
			return err
		}
	}
	if fin.License != nil {
		if err := s.deps.Outcomes.Apply(ctx, tx, *fin.License); err != nil {
			return err
		}
	}
	return s.enqueue(ctx, tx, TopicFinalized, d, newFinalizedEvent(d, fin))
}

func (s *Service) recordFinalization(fin *Finalization) {
	metrics.Finalized.WithLabelValues(string(fin.Outcome)).Inc()
	for _, p := range fin.Payouts {
		metrics.AddEther(metrics.BurnedEth, p.Burn)
		metrics.AddEther(metrics.IncentivesEth, p.Incentive)
	}
}

func (s *Service) recordScore(ctx context.Context, tx pgx.Tx, id int64, sd ScoreDelta, now time.Time) error {
	if s.deps.Scores == nil || sd.Delta == 0 {
		return nil
	}
	return s.deps.Scores.RecordOutcome(ctx, tx, id, sd.Party, sd.Delta, now)
}

func (s *Service) requireIdentity(ctx context.Context, party common.Address) error {
	if s.deps.Identity == nil {
		return ErrIdentityRequired
	}
	ok, err := s.deps.Identity.IsVerified(ctx, party)
	if err != nil {
		return fmt.Errorf("dispute: identity check: %w", err)
	}
	if !ok {
		return ErrIdentityRequired
	}
	return nil
}

func (s *Service) ensureLive(ctx context.Context, tx pgx.Tx) error {
	if s.deps.Guard == nil {
		return nil
	}
	return s.deps.Guard.EnsureLive(ctx, tx)
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, id int64, typ string, actor *string, payload map[string]any, now time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal timeline payload: %w", err)
	}
	return s.deps.Store.AppendEvent(ctx, tx, Event{
		DisputeID: id,
		Type:      typ,
		Actor:     actor,
		Payload:   b,
		CreatedAt: now,
	})
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, d Dispute, payload any) error {
	if s.deps.Outbox == nil {
		return nil
	}
	if err := s.deps.Outbox.Enqueue(ctx, tx, topic, fmt.Sprint(d.ID), payload); err != nil {
		return fmt.Errorf("dispute: enqueue %s: %w", topic, err)
	}
	return nil
}

// reject counts guard failures by kind and passes err through unchanged.
func (s *Service) reject(op string, err error) error {
	if kind, ok := failure.KindOf(err); ok {
		metrics.Rejections.WithLabelValues(op, kind.String()).Inc()
	}
	return err
}
