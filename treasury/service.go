package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"disputeflow/collateral"
	"disputeflow/db"
	"disputeflow/failure"
	"disputeflow/metrics"
)

var (
	ErrCallerMismatch              = failure.New(failure.Authorization, "treasury: caller is not the requester")
	ErrNotParticipant              = failure.New(failure.Authorization, "treasury: requester is not a party to the dispute")
	ErrZeroAmount                  = failure.New(failure.Validation, "treasury: subsidy amount must be positive")
	ErrCapExceeded                 = failure.New(failure.EconomicGuard, "treasury: subsidy cap exceeded")
	ErrInsufficientTreasuryBalance = failure.New(failure.EconomicGuard, "treasury: insufficient treasury balance")
)

// Store is the persistence the service needs.
type Store interface {
	Lock(ctx context.Context, tx pgx.Tx, addr common.Address, now time.Time) (Record, error)
	Save(ctx context.Context, tx pgx.Tx, rec Record) error
	Get(ctx context.Context, q db.Querier, addr common.Address) (Record, bool, error)
	Claimed(ctx context.Context, q db.Querier, requester common.Address, disputeID int64) (*big.Int, *big.Int, error)
	InsertClaim(ctx context.Context, tx pgx.Tx, requester common.Address, disputeID int64, amount *big.Int, now time.Time) error
}

// Reserves is the slice of the collateral ledger the treasury draws on.
type Reserves interface {
	LockReserve(ctx context.Context, tx pgx.Tx, reserve string) (*big.Int, error)
	DebitReserve(ctx context.Context, tx pgx.Tx, p collateral.Payment, now time.Time) error
	ReserveBalance(ctx context.Context, q db.Querier, reserve string) (*big.Int, error)
	Fund(ctx context.Context, tx pgx.Tx, reserve string, from common.Address, amount *big.Int, now time.Time) error
}

// PartyLookup resolves the two parties of a dispute.
type PartyLookup interface {
	Parties(ctx context.Context, q db.Querier, disputeID int64) (common.Address, common.Address, error)
}

// PauseGuard rejects mutations while the protocol is paused.
type PauseGuard interface {
	EnsureLive(ctx context.Context, q db.Querier) error
}

type Deps struct {
	Store    Store
	Reserves Reserves
	Parties  PartyLookup
	Guard    PauseGuard
}

// Service is the harassment and subsidy ledger.
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
	if deps.Reserves == nil {
		deps.Reserves = collateral.NewLedger()
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

// RecordOutcome adjusts a party's score inside the caller's transaction. The
// decayed baseline is persisted together with the delta.
func (s *Service) RecordOutcome(ctx context.Context, tx pgx.Tx, disputeID int64, party common.Address, delta int, now time.Time) error {
	rec, err := s.deps.Store.Lock(ctx, tx, party, now)
	if err != nil {
		return err
	}
	next := s.params.Apply(rec, delta, now)
	if err := s.deps.Store.Save(ctx, tx, next); err != nil {
		return err
	}

	switch {
	case delta > 0:
		metrics.ScoreUpdates.WithLabelValues("up").Inc()
	case delta < 0:
		metrics.ScoreUpdates.WithLabelValues("down").Inc()
	}
	s.log.WithFields(logrus.Fields{
		"dispute_id": disputeID,
		"party":      party.Hex(),
		"delta":      delta,
		"score":      next.Score,
	}).Debug("harassment score updated")
	return nil
}

// Standing is a party's score as stored and as seen at read time.
type Standing struct {
	Address     common.Address
	Stored      int
	Decayed     int
	LastUpdated time.Time
}

// Score reads a party's decayed score. Unknown parties are neutral.
func (s *Service) Score(ctx context.Context, party common.Address) (Standing, error) {
	rec, ok, err := s.deps.Store.Get(ctx, s.pool, party)
	if err != nil {
		return Standing{}, err
	}
	if !ok {
		return Standing{Address: party}, nil
	}
	return Standing{
		Address:     party,
		Stored:      rec.Score,
		Decayed:     s.params.DecayedScore(rec, s.now()),
		LastUpdated: rec.LastUpdated,
	}, nil
}

// SubsidyRequest is processed once and not persisted except as a claim.
type SubsidyRequest struct {
	// Caller is the authenticated party submitting the request.
	Caller    common.Address
	Requester common.Address
	DisputeID int64
	Amount    *big.Int
}

// Grant describes a paid subsidy.
type Grant struct {
	Requester    common.Address
	DisputeID    int64
	Amount       *big.Int
	Caps         Caps
	ReserveAfter *big.Int
}

// RequestSubsidy pays amount from the protocol reserve if it fits within every
// cap. The reserve row is locked before any claim is read so concurrent
// requests are checked against the balance they will actually debit.
func (s *Service) RequestSubsidy(ctx context.Context, req SubsidyRequest) (Grant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("treasury: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureLive(ctx, tx); err != nil {
		return Grant{}, err
	}
	if req.Caller != req.Requester {
		return Grant{}, ErrCallerMismatch
	}
	if !collateral.Positive(req.Amount) {
		return Grant{}, ErrZeroAmount
	}

	initiator, counterparty, err := s.deps.Parties.Parties(ctx, tx, req.DisputeID)
	if err != nil {
		return Grant{}, err
	}
	if req.Requester != initiator && req.Requester != counterparty {
		return Grant{}, ErrNotParticipant
	}

	now := s.now()
	reserve, err := s.deps.Reserves.LockReserve(ctx, tx, collateral.ReserveProtocol)
	if err != nil {
		return Grant{}, err
	}

	score := 0
	if rec, ok, err := s.deps.Store.Get(ctx, tx, req.Requester); err != nil {
		return Grant{}, err
	} else if ok {
		score = s.params.DecayedScore(rec, now)
	}

	claimedForDispute, claimedTotal, err := s.deps.Store.Claimed(ctx, tx, req.Requester, req.DisputeID)
	if err != nil {
		return Grant{}, err
	}

	caps := s.params.Caps(reserve, score, claimedForDispute, claimedTotal)
	if req.Amount.Cmp(caps.Limit()) > 0 {
		return Grant{}, ErrCapExceeded
	}
	if req.Amount.Cmp(reserve) > 0 {
		return Grant{}, ErrInsufficientTreasuryBalance
	}

	disputeID := req.DisputeID
	err = s.deps.Reserves.DebitReserve(ctx, tx, collateral.Payment{
		Reserve:   collateral.ReserveProtocol,
		To:        req.Requester,
		Kind:      collateral.KindSubsidy,
		DisputeID: &disputeID,
		Amount:    req.Amount,
	}, now)
	if err != nil {
		if errors.Is(err, collateral.ErrInsufficientReserve) {
			return Grant{}, ErrInsufficientTreasuryBalance
		}
		return Grant{}, err
	}
	if err := s.deps.Store.InsertClaim(ctx, tx, req.Requester, req.DisputeID, req.Amount, now); err != nil {
		return Grant{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Grant{}, fmt.Errorf("treasury: commit subsidy: %w", err)
	}

	metrics.AddEther(metrics.SubsidiesEth, req.Amount)
	s.log.WithFields(logrus.Fields{
		"dispute_id": req.DisputeID,
		"requester":  req.Requester.Hex(),
		"amount":     collateral.FormatEther(req.Amount),
		"score":      score,
	}).Info("subsidy granted")

	return Grant{
		Requester:    req.Requester,
		DisputeID:    req.DisputeID,
		Amount:       new(big.Int).Set(req.Amount),
		Caps:         caps,
		ReserveAfter: new(big.Int).Sub(reserve, req.Amount),
	}, nil
}

// Balances reports the protocol reserve and burn sink.
type Balances struct {
	Protocol *big.Int
	Burned   *big.Int
}

func (s *Service) Balances(ctx context.Context) (Balances, error) {
	protocol, err := s.deps.Reserves.ReserveBalance(ctx, s.pool, collateral.ReserveProtocol)
	if err != nil {
		return Balances{}, err
	}
	burned, err := s.deps.Reserves.ReserveBalance(ctx, s.pool, collateral.ReserveBurn)
	if err != nil {
		return Balances{}, err
	}
	return Balances{Protocol: protocol, Burned: burned}, nil
}

// Fund tops up the protocol reserve that pays subsidies and non-participation
// incentives.
func (s *Service) Fund(ctx context.Context, from common.Address, amount *big.Int) (Balances, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Balances{}, fmt.Errorf("treasury: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ensureLive(ctx, tx); err != nil {
		return Balances{}, err
	}
	if !collateral.Positive(amount) {
		return Balances{}, ErrZeroAmount
	}
	if err := s.deps.Reserves.Fund(ctx, tx, collateral.ReserveProtocol, from, amount, s.now()); err != nil {
		return Balances{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Balances{}, fmt.Errorf("treasury: commit fund: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"from":   from.Hex(),
		"amount": collateral.FormatEther(amount),
	}).Info("protocol reserve funded")
	return s.Balances(ctx)
}

// ensureLive is checked first in every mutating call so a paused protocol
// answers with the pause error whatever the input.
func (s *Service) ensureLive(ctx context.Context, tx pgx.Tx) error {
	if s.deps.Guard == nil {
		return nil
	}
	return s.deps.Guard.EnsureLive(ctx, tx)
}
