package dispute

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disputeflow/collateral"
	"disputeflow/failure"
	"disputeflow/license"
	"disputeflow/proposal"
	"disputeflow/test/pgxfake"
)

type harness struct {
	pool     *pgxfake.Pool
	store    *fakeStore
	escrow   *fakeEscrow
	props    *fakeProposals
	scores   *fakeScores
	outcomes *fakeOutcomes
	identity fakeIdentity
	guard    *fakeGuard
	outbox   *fakeOutbox
	key      *ecdsa.PrivateKey
	hook     *test.Hook
	now      time.Time
	svc      *Service
}

func newHarness(t *testing.T, protocolReserve string) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	log, hook := test.NewNullLogger()
	h := &harness{
		pool:     &pgxfake.Pool{},
		store:    newFakeStore(),
		escrow:   newFakeEscrow(eth(protocolReserve)),
		props:    &fakeProposals{},
		scores:   &fakeScores{},
		outcomes: &fakeOutcomes{},
		identity: fakeIdentity{},
		guard:    &fakeGuard{},
		outbox:   &fakeOutbox{},
		key:      key,
		hook:     hook,
		now:      t0,
	}
	channel := proposal.NewChannel(proposal.ECDSAVerifier{}, crypto.PubkeyToAddress(key.PublicKey), h.props)
	h.svc = NewService(h.pool, Deps{
		Store:     h.store,
		Escrow:    h.escrow,
		Proposals: channel,
		Scores:    h.scores,
		Outcomes:  h.outcomes,
		Identity:  h.identity,
		Guard:     h.guard,
		Outbox:    h.outbox,
	}, DefaultParams()).
		WithClock(func() time.Time { return h.now }).
		WithLogger(log)
	return h
}

func (h *harness) at(d time.Duration) { h.now = t0.Add(d) }

func (h *harness) initiate(t *testing.T, stake string) Dispute {
	t.Helper()
	d, err := h.svc.Initiate(context.Background(), InitiateRequest{
		Initiator:       initiator,
		Counterparty:    counterparty,
		Stake:           eth(stake),
		FallbackLicense: fallbackTerms(),
	})
	require.NoError(t, err)
	return d
}

func (h *harness) activate(t *testing.T, stake string) Dispute {
	t.Helper()
	d := h.initiate(t, stake)
	h.at(time.Hour)
	d, err := h.svc.MatchStake(context.Background(), d.ID, counterparty, eth(stake))
	require.NoError(t, err)
	return d
}

func (h *harness) propose(t *testing.T, id int64, content string) common.Hash {
	t.Helper()
	hash := crypto.Keccak256Hash([]byte(content))
	sig, err := proposal.Sign(id, hash, h.key)
	require.NoError(t, err)
	_, err = h.svc.SubmitProposal(context.Background(), id, hash, sig)
	require.NoError(t, err)
	return hash
}

func (h *harness) finalizedEvent(t *testing.T) FinalizedEvent {
	t.Helper()
	msg, ok := h.outbox.last(TopicFinalized)
	require.True(t, ok, "no finalized event enqueued")
	var ev FinalizedEvent
	require.NoError(t, json.Unmarshal(msg.payload, &ev))
	return ev
}

func TestInitiateEscrowsStake(t *testing.T) {
	h := newHarness(t, "0")
	d := h.initiate(t, "1")

	assert.Equal(t, int64(1), d.ID)
	assert.Equal(t, StatusCreated, d.Status)
	assert.True(t, d.StakeDeadline.Equal(t0.Add(72*time.Hour)))
	assert.True(t, h.escrow.isHeld(d.ID, initiator))
	assert.False(t, h.escrow.isHeld(d.ID, counterparty))
	assert.Equal(t, []string{EventInitiated}, h.store.eventTypes(d.ID))
	assert.Equal(t, []string{TopicInitiated}, h.outbox.topics())
	assert.True(t, h.pool.Last().Committed)
}

func TestInitiateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, "0")
	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		Initiator:       initiator,
		Counterparty:    counterparty,
		Stake:           eth("1"),
		FallbackLicense: license.Terms{Scope: "all", Exclusive: true},
	})
	require.ErrorIs(t, err, ErrExclusiveFallbackRejected)
	assert.False(t, h.pool.Last().Committed)
	assert.False(t, h.escrow.isHeld(1, initiator))
}

func TestInitiateRequiresVerifiedIdentity(t *testing.T) {
	h := newHarness(t, "0")
	req := InitiateRequest{
		Initiator:       initiator,
		Counterparty:    counterparty,
		Stake:           eth("1"),
		FallbackLicense: fallbackTerms(),
		DIDRequired:     true,
	}
	_, err := h.svc.Initiate(context.Background(), req)
	require.ErrorIs(t, err, ErrIdentityRequired)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.External, kind)

	h.identity[initiator] = true
	d, err := h.svc.Initiate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.DIDRequired)

	h.at(time.Hour)
	_, err = h.svc.MatchStake(context.Background(), d.ID, counterparty, eth("1"))
	require.ErrorIs(t, err, ErrIdentityRequired)
	assert.False(t, h.escrow.isHeld(d.ID, counterparty))

	h.identity[counterparty] = true
	d, err = h.svc.MatchStake(context.Background(), d.ID, counterparty, eth("1"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
}

func TestPausedProtocolRejectsMutations(t *testing.T) {
	h := newHarness(t, "0")
	d := h.initiate(t, "1")
	h.guard.paused = true

	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		Initiator: initiator, Counterparty: counterparty, Stake: eth("1"), FallbackLicense: fallbackTerms(),
	})
	require.ErrorIs(t, err, errTestPaused)

	h.at(time.Hour)
	_, err = h.svc.MatchStake(context.Background(), d.ID, counterparty, eth("1"))
	require.ErrorIs(t, err, errTestPaused)

	got, err := h.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.False(t, h.pool.Last().Committed)
}

func TestPausedInitiateRefusesBeforeValidation(t *testing.T) {
	h := newHarness(t, "0")
	h.guard.paused = true

	cases := map[string]InitiateRequest{
		"unverified identity": {
			Initiator: initiator, Counterparty: counterparty, Stake: eth("1"),
			FallbackLicense: fallbackTerms(), DIDRequired: true,
		},
		"zero stake": {
			Initiator: initiator, Counterparty: counterparty, Stake: new(big.Int),
			FallbackLicense: fallbackTerms(),
		},
		"self dispute": {
			Initiator: initiator, Counterparty: initiator, Stake: eth("1"),
			FallbackLicense: fallbackTerms(),
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Initiate(context.Background(), req)
			require.ErrorIs(t, err, errTestPaused)
			assert.False(t, h.pool.Last().Committed)
		})
	}
	assert.Empty(t, h.store.eventTypes(1))
}

func TestMutualAcceptanceResolves(t *testing.T) {
	h := newHarness(t, "0")
	d := h.activate(t, "1")
	assert.True(t, d.ResolutionDeadline.Equal(t0.Add(time.Hour+168*time.Hour)))

	h.at(2 * time.Hour)
	hash := h.propose(t, d.ID, "license v1")

	d, err := h.svc.AcceptProposal(context.Background(), d.ID, initiator)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
	assert.True(t, d.InitiatorAccepted)

	_, err = h.svc.AcceptProposal(context.Background(), d.ID, initiator)
	require.ErrorIs(t, err, ErrAlreadyAccepted)

	d, err = h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, d.Status)
	assert.Equal(t, OutcomeMutualAcceptance, d.Outcome)

	assert.Equal(t, eth("1").String(), h.escrow.paidTo(initiator))
	assert.Equal(t, eth("1").String(), h.escrow.paidTo(counterparty))
	assert.Equal(t, "0", h.escrow.reserve(collateral.ReserveBurn))
	assert.Equal(t, 10, h.scores.of(initiator))
	assert.Equal(t, 10, h.scores.of(counterparty))

	rec, ok := h.outcomes.get(d.ID)
	require.True(t, ok)
	assert.Equal(t, license.SourceAgreed, rec.Source)
	require.NotNil(t, rec.ProposalHash)
	assert.Equal(t, hash, *rec.ProposalHash)

	ev := h.finalizedEvent(t)
	assert.Equal(t, d.ID, ev.DisputeID)
	assert.Equal(t, OutcomeMutualAcceptance, ev.Outcome)
	require.NotNil(t, ev.License)
	assert.Equal(t, hash.Hex(), ev.License.ProposalHash)
	require.Len(t, ev.Parties, 2)
	assert.Equal(t, eth("1").String(), ev.Parties[0].Refund)
	assert.Equal(t, "0", ev.Parties[0].Burn)

	assert.Equal(t, []string{
		EventInitiated, EventStakeMatched, EventProposalSubmitted, EventProposalAccepted, EventResolved,
	}, h.store.eventTypes(d.ID))
	assert.Equal(t, []string{
		TopicInitiated, TopicUpdated, TopicUpdated, TopicUpdated, TopicFinalized,
	}, h.outbox.topics())

	_, err = h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.ErrorIs(t, err, ErrDisputeFinalized)
	_, err = h.svc.EnforceTimeout(context.Background(), d.ID)
	require.ErrorIs(t, err, ErrDisputeFinalized)
}

func TestCounterThenMutualTimeout(t *testing.T) {
	h := newHarness(t, "0")
	d := h.activate(t, "1")

	h.at(2 * time.Hour)
	h.propose(t, d.ID, "license v1")

	_, err := h.svc.CounterPropose(context.Background(), d.ID, initiator, eth("0.005"))
	require.ErrorIs(t, err, ErrInsufficientCounterFee)

	d, err = h.svc.CounterPropose(context.Background(), d.ID, initiator, eth("0.01"))
	require.NoError(t, err)
	assert.Nil(t, d.ProposalHash)
	assert.Equal(t, 1, d.CounterCount)
	assert.True(t, d.ResolutionDeadline.Equal(t0.Add(193*time.Hour)))

	h.at(3 * time.Hour)
	_, err = h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.ErrorIs(t, err, ErrNoActiveProposal)

	d, err = h.svc.CounterPropose(context.Background(), d.ID, counterparty, eth("0.02"))
	require.NoError(t, err)
	assert.Equal(t, 2, d.CounterCount)
	assert.True(t, d.ResolutionDeadline.Equal(t0.Add(217*time.Hour)))
	assert.Equal(t, eth("0.03").String(), h.escrow.fees.String())
	assert.Equal(t, -5, h.scores.of(initiator))
	assert.Equal(t, -5, h.scores.of(counterparty))

	h.at(217 * time.Hour)
	_, err = h.svc.EnforceTimeout(context.Background(), d.ID)
	require.ErrorIs(t, err, ErrDeadlineNotReached)

	h.at(218 * time.Hour)
	_, err = h.svc.CounterPropose(context.Background(), d.ID, initiator, eth("0.04"))
	require.ErrorIs(t, err, ErrResolutionWindowClosed)

	d, err = h.svc.EnforceTimeout(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, d.Status)
	assert.Equal(t, OutcomeMutualTimeout, d.Outcome)

	assert.Equal(t, eth("0.5").String(), h.escrow.paidTo(initiator))
	assert.Equal(t, eth("0.5").String(), h.escrow.paidTo(counterparty))
	assert.Equal(t, eth("1").String(), h.escrow.reserve(collateral.ReserveBurn))
	assert.Equal(t, eth("0.03").String(), h.escrow.reserve(collateral.ReserveProtocol))
	assert.Equal(t, -25, h.scores.of(initiator))
	assert.Equal(t, -25, h.scores.of(counterparty))

	rec, ok := h.outcomes.get(d.ID)
	require.True(t, ok)
	assert.Equal(t, license.SourceFallback, rec.Source)
	require.NotNil(t, rec.Terms)
	assert.Equal(t, fallbackTerms(), *rec.Terms)

	ev := h.finalizedEvent(t)
	assert.Equal(t, OutcomeMutualTimeout, ev.Outcome)
	require.Len(t, ev.Parties, 2)
	assert.Equal(t, eth("0.5").String(), ev.Parties[1].Burn)
}

func TestNonParticipationIncentiveCappedByReserve(t *testing.T) {
	h := newHarness(t, "0.05")
	d := h.initiate(t, "1")

	h.at(72 * time.Hour)
	_, err := h.svc.EnforceTimeout(context.Background(), d.ID)
	require.ErrorIs(t, err, ErrDeadlineNotReached)

	h.at(73 * time.Hour)
	_, err = h.svc.MatchStake(context.Background(), d.ID, counterparty, eth("1"))
	require.ErrorIs(t, err, ErrStakeWindowClosed)

	d, err = h.svc.EnforceTimeout(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNonParticipation, d.Outcome)

	assert.Equal(t, eth("1.05").String(), h.escrow.paidTo(initiator))
	assert.Equal(t, "0", h.escrow.paidTo(counterparty))
	assert.Equal(t, "0", h.escrow.reserve(collateral.ReserveProtocol))
	assert.Equal(t, 0, h.scores.of(initiator))
	_, ok := h.outcomes.get(d.ID)
	assert.False(t, ok)

	ev := h.finalizedEvent(t)
	assert.Nil(t, ev.License)
	require.Len(t, ev.Parties, 1)
	assert.Equal(t, eth("0.05").String(), ev.Parties[0].Incentive)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestNonParticipationPaysFullIncentive(t *testing.T) {
	h := newHarness(t, "10")
	d := h.initiate(t, "2")
	h.at(73 * time.Hour)

	_, err := h.svc.EnforceTimeout(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, eth("2.2").String(), h.escrow.paidTo(initiator))
	assert.Equal(t, eth("9.8").String(), h.escrow.reserve(collateral.ReserveProtocol))
}

func TestFailedFinalizationRollsBackEverything(t *testing.T) {
	h := newHarness(t, "0")
	d := h.activate(t, "1")
	h.at(2 * time.Hour)
	h.propose(t, d.ID, "license v1")
	_, err := h.svc.AcceptProposal(context.Background(), d.ID, initiator)
	require.NoError(t, err)

	h.outbox.failOn = TopicFinalized
	_, err = h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.Error(t, err)
	assert.True(t, h.pool.Last().RolledBack)
	assert.False(t, h.pool.Last().Committed)

	got, err := h.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.InitiatorAccepted)
	assert.False(t, got.CounterpartyAccepted)
	assert.True(t, h.escrow.isHeld(d.ID, initiator))
	assert.True(t, h.escrow.isHeld(d.ID, counterparty))
	assert.Equal(t, 0, h.scores.of(initiator))
	_, ok := h.outcomes.get(d.ID)
	assert.False(t, ok)

	h.outbox.failOn = ""
	d, err = h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, d.Status)
}

func TestSubmitProposalRejectsBadAttestation(t *testing.T) {
	h := newHarness(t, "0")
	d := h.activate(t, "1")
	h.at(2 * time.Hour)

	hash := crypto.Keccak256Hash([]byte("terms"))
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := proposal.Sign(d.ID, hash, other)
	require.NoError(t, err)

	_, err = h.svc.SubmitProposal(context.Background(), d.ID, hash, sig)
	require.ErrorIs(t, err, proposal.ErrInvalidAttestation)

	got, err := h.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProposalRound)
	assert.Nil(t, got.ProposalHash)
	assert.Empty(t, h.props.stored)

	// A signature bound to another dispute does not carry over.
	sig, err = proposal.Sign(d.ID+1, hash, h.key)
	require.NoError(t, err)
	_, err = h.svc.SubmitProposal(context.Background(), d.ID, hash, sig)
	require.ErrorIs(t, err, proposal.ErrInvalidAttestation)

	h.propose(t, d.ID, "terms")
	got, err = h.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProposalRound)
	require.Len(t, h.props.stored, 1)
	assert.Equal(t, 1, h.props.stored[0].Round)
}

func TestNewProposalClearsAcceptances(t *testing.T) {
	h := newHarness(t, "0")
	d := h.activate(t, "1")
	h.at(2 * time.Hour)
	h.propose(t, d.ID, "v1")
	_, err := h.svc.AcceptProposal(context.Background(), d.ID, counterparty)
	require.NoError(t, err)

	h.propose(t, d.ID, "v2")
	got, err := h.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, got.CounterpartyAccepted)
	assert.Equal(t, 2, got.ProposalRound)
}

func TestUnknownDispute(t *testing.T) {
	h := newHarness(t, "0")
	_, err := h.svc.EnforceTimeout(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Events(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBeginFailureSurfaces(t *testing.T) {
	h := newHarness(t, "0")
	h.pool.BeginErr = errors.New("pool closed")
	_, err := h.svc.EnforceTimeout(context.Background(), 1)
	require.Error(t, err)
	_, ok := failure.KindOf(err)
	assert.False(t, ok)
}

func TestListFiltersByParty(t *testing.T) {
	h := newHarness(t, "0")
	h.initiate(t, "1")
	_, err := h.svc.Initiate(context.Background(), InitiateRequest{
		Initiator: stranger, Counterparty: counterparty, Stake: big.NewInt(5), FallbackLicense: fallbackTerms(),
	})
	require.NoError(t, err)

	party := initiator
	got, err := h.svc.List(context.Background(), Filter{Party: &party})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, initiator, got[0].Initiator)

	party = counterparty
	got, err = h.svc.List(context.Background(), Filter{Party: &party})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
