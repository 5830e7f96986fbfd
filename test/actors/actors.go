package actors

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"disputeflow/admin"
	"disputeflow/auth"
	"disputeflow/collateral"
	"disputeflow/dispute"
	"disputeflow/failure"
	"disputeflow/identity"
	"disputeflow/license"
	"disputeflow/outbox"
	"disputeflow/proposal"
	"disputeflow/treasury"
)

// Clock runs protocol time faster than wall time so stake windows and
// resolution deadlines expire within a stress run.
type Clock struct {
	base  time.Time
	start time.Time
	speed int64
}

func NewClock(speed int64) *Clock {
	now := time.Now()
	return &Clock{base: now, start: now, speed: speed}
}

func (c *Clock) Now() time.Time {
	return c.base.Add(time.Duration(int64(time.Since(c.start)) * c.speed))
}

// World is the set of services every actor drives against one database.
type World struct {
	Pool     *pgxpool.Pool
	Clock    *Clock
	Disputes *dispute.Service
	Treasury *treasury.Service
	Admin    *admin.Service
	Identity *identity.Service
	Relay    *outbox.Relay
	Sweeper  *dispute.Sweeper
	Parties  []common.Address
	attester *ecdsa.PrivateKey

	// Rejected counts guard rejections, Failed counts everything else
	// (mostly connections killed by chaos).
	Rejected atomic.Int64
	Failed   atomic.Int64
}

func NewWorld(pool *pgxpool.Pool, parties int, speed int64) (*World, error) {
	attester, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("attester key: %w", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := NewClock(speed)
	guard := admin.NewSwitch()
	writer := outbox.NewWriter()
	repo := dispute.NewRepository()

	w := &World{Pool: pool, Clock: clock, attester: attester}
	w.Identity = identity.NewService(identity.NewRepository(pool))
	w.Treasury = treasury.NewService(pool, treasury.Deps{Parties: repo, Guard: guard}, treasury.DefaultParams()).
		WithClock(clock.Now).WithLogger(log)
	w.Disputes = dispute.NewService(pool, dispute.Deps{
		Store:     repo,
		Proposals: proposal.NewChannel(proposal.ECDSAVerifier{}, crypto.PubkeyToAddress(attester.PublicKey), nil),
		Scores:    w.Treasury,
		Identity:  w.Identity,
		Guard:     guard,
		Outbox:    writer,
	}, dispute.DefaultParams()).WithClock(clock.Now).WithLogger(log)
	w.Admin = admin.NewService(pool, admin.Deps{Switch: guard}, auth.AdminSubject, time.Hour).
		WithClock(clock.Now).WithLogger(log)
	w.Relay = outbox.NewRelay(pool, outbox.NewRepository(), outbox.NewLogPublisher(log), outbox.RelayOptions{BatchSize: 25}).
		WithClock(clock.Now).WithLogger(log)
	w.Sweeper = dispute.NewSweeper(w.Disputes, time.Second, 25).WithLogger(log)

	for i := 0; i < parties; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("party key: %w", err)
		}
		w.Parties = append(w.Parties, crypto.PubkeyToAddress(key.PublicKey))
	}
	return w, nil
}

// Seed funds the protocol reserve and verifies every other party.
func (w *World) Seed(ctx context.Context) error {
	if _, err := w.Treasury.Fund(ctx, w.Parties[0], collateral.MustEther("50")); err != nil {
		return fmt.Errorf("fund reserve: %w", err)
	}
	for i, p := range w.Parties {
		if i%2 == 1 {
			continue
		}
		if _, err := w.Identity.SetVerified(ctx, p, true); err != nil {
			return fmt.Errorf("verify party: %w", err)
		}
	}
	return nil
}

func (w *World) note(err error) {
	if err == nil {
		return
	}
	if _, ok := failure.KindOf(err); ok {
		w.Rejected.Add(1)
		return
	}
	w.Failed.Add(1)
}

func (w *World) randomParty() common.Address {
	return w.Parties[rand.Intn(len(w.Parties))]
}

// loop runs step until ctx ends or stop closes, sleeping between iterations.
func loop(ctx context.Context, stop <-chan struct{}, minSleep, jitter int, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(time.Duration(minSleep+rand.Intn(jitter)) * time.Millisecond)
	}
}

// pick returns a random dispute in status, if any.
func (w *World) pick(ctx context.Context, status dispute.Status) (dispute.Dispute, bool) {
	list, err := w.Disputes.List(ctx, dispute.Filter{Status: &status, Limit: 20, Offset: rand.Intn(3) * 20})
	if err != nil {
		w.note(err)
		return dispute.Dispute{}, false
	}
	if len(list) == 0 {
		return dispute.Dispute{}, false
	}
	return list[rand.Intn(len(list))], true
}

// Initiator opens disputes between random pairs, some of them malformed.
func Initiator(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() {
		from, to := w.randomParty(), w.randomParty()
		stake := big.NewInt(int64(1+rand.Intn(10)) * 1e17)
		if rand.Intn(20) == 0 {
			stake = new(big.Int)
		}
		_, err := w.Disputes.Initiate(ctx, dispute.InitiateRequest{
			Initiator:       from,
			Counterparty:    to,
			Stake:           stake,
			FallbackLicense: license.Terms{Scope: "stress", RoyaltyBps: rand.Intn(1_000)},
			DIDRequired:     rand.Intn(4) == 0,
		})
		w.note(err)
	})
}

// Staker matches stakes, sometimes from the wrong party or with the wrong amount.
func Staker(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() {
		d, ok := w.pick(ctx, dispute.StatusCreated)
		if !ok {
			return
		}
		caller, amount := d.Counterparty, new(big.Int).Set(d.InitiatorStake)
		switch rand.Intn(10) {
		case 0:
			caller = d.Initiator
		case 1:
			amount.Add(amount, big.NewInt(1))
		}
		_, err := w.Disputes.MatchStake(ctx, d.ID, caller, amount)
		w.note(err)
	})
}

// Negotiator submits attested proposals, accepts them and counters.
func Negotiator(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 15, 30, func() {
		d, ok := w.pick(ctx, dispute.StatusActive)
		if !ok {
			return
		}
		party := d.Initiator
		if rand.Intn(2) == 0 {
			party = d.Counterparty
		}
		var err error
		switch rand.Intn(4) {
		case 0:
			var hash common.Hash
			rand.Read(hash[:])
			sig, serr := proposal.Sign(d.ID, hash, w.attester)
			if serr != nil {
				w.Failed.Add(1)
				return
			}
			_, err = w.Disputes.SubmitProposal(ctx, d.ID, hash, sig)
		case 1, 2:
			_, err = w.Disputes.AcceptProposal(ctx, d.ID, party)
		case 3:
			fee := w.Disputes.Params().RequiredCounterFee(d.CounterCount)
			_, err = w.Disputes.CounterPropose(ctx, d.ID, party, fee)
		}
		w.note(err)
	})
}

// Keeper drives the timeout sweeper and also races it with direct calls.
func Keeper(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 100, func() {
		if _, err := w.Sweeper.RunOnce(ctx); err != nil {
			w.note(err)
		}
		if d, ok := w.pick(ctx, dispute.StatusActive); ok {
			_, err := w.Disputes.EnforceTimeout(ctx, d.ID)
			w.note(err)
		}
	})
}

// Subsidizer requests subsidies for disputes the requester is party to.
func Subsidizer(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 40, 60, func() {
		d, ok := w.pick(ctx, dispute.StatusActive)
		if !ok {
			return
		}
		requester := d.Initiator
		if rand.Intn(2) == 0 {
			requester = d.Counterparty
		}
		_, err := w.Treasury.RequestSubsidy(ctx, treasury.SubsidyRequest{
			Caller:    requester,
			Requester: requester,
			DisputeID: d.ID,
			Amount:    big.NewInt(int64(1+rand.Intn(5)) * 1e16),
		})
		w.note(err)
	})
}

// OutboxWorker relays pending messages.
func OutboxWorker(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 50, 50, func() {
		if _, err := w.Relay.RunOnce(ctx); err != nil {
			w.note(err)
		}
	})
}

// Pauser engages the pause switch for short bursts.
func Pauser(ctx context.Context, w *World, stop <-chan struct{}) error {
	return loop(ctx, stop, 1_000, 2_000, func() {
		if err := w.Admin.SetPaused(ctx, auth.AdminSubject, true); err != nil {
			w.note(err)
			return
		}
		time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
		// A cancelled run must not leave the protocol paused.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.note(w.Admin.SetPaused(releaseCtx, auth.AdminSubject, false))
	})
}
