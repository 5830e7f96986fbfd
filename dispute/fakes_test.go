package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"disputeflow/collateral"
	"disputeflow/db"
	"disputeflow/failure"
	"disputeflow/license"
	"disputeflow/proposal"
	"disputeflow/test/pgxfake"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	disputes map[int64]Dispute
	events   []Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{disputes: map[int64]Dispute{}}
}

func (f *fakeStore) Insert(_ context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	f.mu.Lock()
	f.nextID++
	d.ID = f.nextID
	f.mu.Unlock()
	saved := d.Clone()
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.disputes[saved.ID] = saved
	})
	return d, nil
}

func (f *fakeStore) Lock(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error) {
	return f.Get(ctx, tx, id)
}

func (f *fakeStore) Update(_ context.Context, tx pgx.Tx, d Dispute) error {
	saved := d.Clone()
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.disputes[saved.ID] = saved
	})
	return nil
}

func (f *fakeStore) Get(_ context.Context, _ db.Querier, id int64) (Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d.Clone(), nil
}

func (f *fakeStore) List(_ context.Context, _ db.Querier, flt Filter) ([]Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Dispute
	for _, d := range f.disputes {
		if flt.Party != nil && !d.IsParty(*flt.Party) {
			continue
		}
		if flt.Status != nil && d.Status != *flt.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) Due(_ context.Context, _ db.Querier, now time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, d := range f.disputes {
		switch d.Status {
		case StatusCreated, StatusAwaitingStake:
			if now.After(d.StakeDeadline) {
				ids = append(ids, id)
			}
		case StatusActive:
			if now.After(d.ResolutionDeadline) {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, tx pgx.Tx, e Event) error {
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		seq := 0
		for _, ev := range f.events {
			if ev.DisputeID == e.DisputeID {
				seq = ev.Seq
			}
		}
		e.ID = int64(len(f.events) + 1)
		e.Seq = seq + 1
		f.events = append(f.events, e)
	})
	return nil
}

func (f *fakeStore) Events(_ context.Context, _ db.Querier, id int64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.DisputeID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) eventTypes(id int64) []string {
	evs, _ := f.Events(context.Background(), nil, id)
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

type escrowKey struct {
	dispute int64
	party   common.Address
}

type fakeEscrow struct {
	mu       sync.Mutex
	held     map[escrowKey]*big.Int
	released map[escrowKey]bool
	reserves map[string]*big.Int
	paid     map[common.Address]*big.Int
	fees     *big.Int
}

func newFakeEscrow(protocol *big.Int) *fakeEscrow {
	return &fakeEscrow{
		held:     map[escrowKey]*big.Int{},
		released: map[escrowKey]bool{},
		reserves: map[string]*big.Int{
			collateral.ReserveProtocol: new(big.Int).Set(protocol),
			collateral.ReserveBurn:     new(big.Int),
		},
		paid: map[common.Address]*big.Int{},
		fees: new(big.Int),
	}
}

func (f *fakeEscrow) Deposit(_ context.Context, tx pgx.Tx, id int64, party common.Address, amount *big.Int, _ time.Time) error {
	k := escrowKey{id, party}
	f.mu.Lock()
	_, exists := f.held[k]
	f.mu.Unlock()
	if exists {
		return collateral.ErrAlreadyDeposited
	}
	amt := new(big.Int).Set(amount)
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.held[k] = amt
	})
	return nil
}

func (f *fakeEscrow) Disburse(_ context.Context, tx pgx.Tx, id int64, d collateral.Disbursement, _ time.Time) error {
	k := escrowKey{id, d.Party}
	f.mu.Lock()
	held, ok := f.held[k]
	released := f.released[k]
	f.mu.Unlock()
	if !ok {
		return collateral.ErrNothingHeld
	}
	if released {
		return collateral.ErrAlreadyReleased
	}
	if new(big.Int).Add(d.Refund, d.Burn).Cmp(held) != 0 {
		return collateral.ErrSplitMismatch
	}
	refund, burn := new(big.Int).Set(d.Refund), new(big.Int).Set(d.Burn)
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released[k] = true
		f.credit(d.Party, refund)
		f.reserves[collateral.ReserveBurn].Add(f.reserves[collateral.ReserveBurn], burn)
	})
	return nil
}

func (f *fakeEscrow) CollectFee(_ context.Context, tx pgx.Tx, _ int64, _ common.Address, amount *big.Int, _ time.Time) error {
	amt := new(big.Int).Set(amount)
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fees.Add(f.fees, amt)
		f.reserves[collateral.ReserveProtocol].Add(f.reserves[collateral.ReserveProtocol], amt)
	})
	return nil
}

func (f *fakeEscrow) DebitReserveUpTo(_ context.Context, tx pgx.Tx, p collateral.Payment, _ time.Time) (*big.Int, error) {
	f.mu.Lock()
	bal := new(big.Int).Set(f.reserves[p.Reserve])
	f.mu.Unlock()
	paid := new(big.Int).Set(p.Amount)
	if bal.Cmp(paid) < 0 {
		paid = bal
	}
	amt := new(big.Int).Set(paid)
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reserves[p.Reserve].Sub(f.reserves[p.Reserve], amt)
		f.credit(p.To, amt)
	})
	return paid, nil
}

// credit must be called with mu held.
func (f *fakeEscrow) credit(party common.Address, amt *big.Int) {
	cur, ok := f.paid[party]
	if !ok {
		cur = new(big.Int)
		f.paid[party] = cur
	}
	cur.Add(cur, amt)
}

func (f *fakeEscrow) paidTo(party common.Address) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.paid[party]; ok {
		return v.String()
	}
	return "0"
}

func (f *fakeEscrow) reserve(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserves[name].String()
}

func (f *fakeEscrow) isHeld(id int64, party common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[escrowKey{id, party}]
	return ok && !f.released[escrowKey{id, party}]
}

type fakeProposals struct {
	mu     sync.Mutex
	stored []proposal.Proposal
}

func (f *fakeProposals) Insert(_ context.Context, tx pgx.Tx, p proposal.Proposal) error {
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stored = append(f.stored, p)
	})
	return nil
}

type fakeScores struct {
	mu     sync.Mutex
	scores map[common.Address]int
}

func (f *fakeScores) RecordOutcome(_ context.Context, tx pgx.Tx, _ int64, party common.Address, delta int, _ time.Time) error {
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.scores == nil {
			f.scores = map[common.Address]int{}
		}
		f.scores[party] += delta
	})
	return nil
}

func (f *fakeScores) of(party common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scores[party]
}

type fakeOutcomes struct {
	mu      sync.Mutex
	records map[int64]license.Record
}

func (f *fakeOutcomes) Apply(_ context.Context, tx pgx.Tx, rec license.Record) error {
	f.mu.Lock()
	_, exists := f.records[rec.DisputeID]
	f.mu.Unlock()
	if exists {
		return license.ErrAlreadyApplied
	}
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.records == nil {
			f.records = map[int64]license.Record{}
		}
		f.records[rec.DisputeID] = rec
	})
	return nil
}

func (f *fakeOutcomes) get(id int64) (license.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok
}

type fakeIdentity map[common.Address]bool

func (f fakeIdentity) IsVerified(_ context.Context, party common.Address) (bool, error) {
	return f[party], nil
}

var errTestPaused = failure.New(failure.Unavailable, "test: paused")

type fakeGuard struct{ paused bool }

func (f *fakeGuard) EnsureLive(context.Context, db.Querier) error {
	if f.paused {
		return errTestPaused
	}
	return nil
}

type outboxMsg struct {
	topic   string
	key     string
	payload json.RawMessage
}

type fakeOutbox struct {
	mu       sync.Mutex
	msgs     []outboxMsg
	failOn   string
	failWith error
}

func (f *fakeOutbox) Enqueue(_ context.Context, tx pgx.Tx, topic, key string, payload any) error {
	if f.failOn == topic {
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("outbox unavailable")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.msgs = append(f.msgs, outboxMsg{topic, key, b})
	})
	return nil
}

func (f *fakeOutbox) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.topic)
	}
	return out
}

func (f *fakeOutbox) last(topic string) (outboxMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].topic == topic {
			return f.msgs[i], true
		}
	}
	return outboxMsg{}, false
}
