package dispute

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/collateral"
	"disputeflow/license"
)

// The transitions below are pure: they check guards against a loaded dispute,
// mutate it in memory and describe the money and score movements the service
// must apply in the same transaction. A returned error leaves d untouched.

// Initiation is the input to Open.
type Initiation struct {
	Initiator       common.Address
	Counterparty    common.Address
	Stake           *big.Int
	FallbackLicense license.Terms
	DIDRequired     bool
}

// Payout is one party's share of a finalized dispute.
type Payout struct {
	Party     common.Address
	Refund    *big.Int
	Burn      *big.Int
	Incentive *big.Int
}

// ScoreDelta is a harassment score change for one party.
type ScoreDelta struct {
	Party common.Address
	Delta int
}

// Finalization describes everything a terminal transition settles.
type Finalization struct {
	Outcome Outcome
	Payouts []Payout
	Scores  []ScoreDelta
	// License is the outcome to apply; nil when none binds the parties.
	License *license.Record
}

// CounterEffect describes the side effects of a counter-proposal.
type CounterEffect struct {
	Fee       *big.Int
	Required  *big.Int
	Extension time.Duration
	Score     ScoreDelta
}

// Open validates an initiation and builds the created dispute.
func (p Params) Open(in Initiation, now time.Time) (Dispute, error) {
	if in.Initiator == (common.Address{}) {
		return Dispute{}, ErrInvalidInitiator
	}
	if in.Counterparty == (common.Address{}) || in.Counterparty == in.Initiator {
		return Dispute{}, ErrInvalidCounterparty
	}
	if !collateral.Positive(in.Stake) {
		return Dispute{}, ErrZeroStake
	}
	if in.FallbackLicense.Exclusive {
		return Dispute{}, ErrExclusiveFallbackRejected
	}
	if err := in.FallbackLicense.Validate(); err != nil {
		return Dispute{}, fmt.Errorf("%w: %v", ErrInvalidFallbackLicense, err)
	}

	return Dispute{
		Initiator:         in.Initiator,
		Counterparty:      in.Counterparty,
		InitiatorStake:    new(big.Int).Set(in.Stake),
		CounterpartyStake: new(big.Int),
		Status:            StatusCreated,
		DIDRequired:       in.DIDRequired,
		FallbackLicense:   in.FallbackLicense,
		StartTime:         now,
		StakeDeadline:     now.Add(p.StakeWindow),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// MatchStake activates a created dispute with the counterparty's stake.
func (p Params) MatchStake(d *Dispute, caller common.Address, amount *big.Int, now time.Time) error {
	if d.Status.Terminal() {
		return ErrDisputeFinalized
	}
	if d.Status != StatusCreated && d.Status != StatusAwaitingStake {
		return ErrNotAwaitingStake
	}
	if caller != d.Counterparty {
		return ErrNotCounterparty
	}
	if now.After(d.StakeDeadline) {
		return ErrStakeWindowClosed
	}
	if amount == nil || amount.Cmp(d.InitiatorStake) != 0 {
		return ErrStakeMismatch
	}

	d.CounterpartyStake = new(big.Int).Set(amount)
	d.Status = StatusActive
	d.ResolutionDeadline = now.Add(p.ResolutionTimeout)
	return nil
}

// guardOpenRound rejects round actions outside an active, unexpired dispute.
// Once the resolution deadline passes only a timeout can move the dispute.
func guardOpenRound(d *Dispute, now time.Time) error {
	if d.Status.Terminal() {
		return ErrDisputeFinalized
	}
	if d.Status != StatusActive {
		return ErrNotActive
	}
	if now.After(d.ResolutionDeadline) {
		return ErrResolutionWindowClosed
	}
	return nil
}

// SubmitProposal opens a new round around an attested proposal.
func (p Params) SubmitProposal(d *Dispute, contentHash common.Hash, now time.Time) error {
	if err := guardOpenRound(d, now); err != nil {
		return err
	}
	if contentHash == (common.Hash{}) {
		return ErrEmptyProposal
	}

	h := contentHash
	d.ProposalHash = &h
	d.ProposalRound++
	d.InitiatorAccepted = false
	d.CounterpartyAccepted = false
	return nil
}

// Accept flags the caller's acceptance. When both parties have accepted the
// dispute resolves and both stakes are returned in full.
func (p Params) Accept(d *Dispute, caller common.Address, now time.Time) (*Finalization, error) {
	if err := guardOpenRound(d, now); err != nil {
		return nil, err
	}
	if !d.IsParty(caller) {
		return nil, ErrNotAParty
	}
	if d.ProposalHash == nil {
		return nil, ErrNoActiveProposal
	}

	flag := &d.CounterpartyAccepted
	if caller == d.Initiator {
		flag = &d.InitiatorAccepted
	}
	if *flag {
		return nil, ErrAlreadyAccepted
	}
	*flag = true

	if !d.InitiatorAccepted || !d.CounterpartyAccepted {
		return nil, nil
	}

	d.Status = StatusResolved
	d.Outcome = OutcomeMutualAcceptance
	d.FinalizedAt = &now

	hash := *d.ProposalHash
	fin := &Finalization{
		Outcome: OutcomeMutualAcceptance,
		License: &license.Record{
			DisputeID:    d.ID,
			Source:       license.SourceAgreed,
			ProposalHash: &hash,
			Initiator:    d.Initiator,
			Counterparty: d.Counterparty,
			AppliedAt:    now,
		},
	}
	for _, party := range []common.Address{d.Initiator, d.Counterparty} {
		fin.Payouts = append(fin.Payouts, Payout{
			Party:     party,
			Refund:    new(big.Int).Set(d.StakeOf(party)),
			Burn:      new(big.Int),
			Incentive: new(big.Int),
		})
		bonus := p.AcceptBonus
		if d.CountersBy(party) > 0 {
			bonus = p.AcceptBonusAfterCounter
		}
		fin.Scores = append(fin.Scores, ScoreDelta{Party: party, Delta: bonus})
	}
	return fin, nil
}

// Counter restarts the round at escalating cost. The current proposal is
// retired, acceptances are cleared and the deadline moves out by at most the
// remaining extension budget.
func (p Params) Counter(d *Dispute, caller common.Address, fee *big.Int, now time.Time) (CounterEffect, error) {
	if err := guardOpenRound(d, now); err != nil {
		return CounterEffect{}, err
	}
	if !d.IsParty(caller) {
		return CounterEffect{}, ErrNotAParty
	}
	if d.CounterCount >= p.MaxCounters {
		return CounterEffect{}, ErrMaxCountersReached
	}
	required := p.RequiredCounterFee(d.CounterCount)
	if fee == nil || fee.Cmp(required) < 0 {
		return CounterEffect{}, ErrInsufficientCounterFee
	}

	d.InitiatorAccepted = false
	d.CounterpartyAccepted = false
	d.ProposalHash = nil
	d.CounterCount++
	if caller == d.Initiator {
		d.InitiatorCounters++
	} else {
		d.CounterpartyCounters++
	}

	ext := p.RoundExtension
	if remaining := p.MaxTimeExtension - d.TimeExtension; remaining < ext {
		ext = remaining
	}
	if ext > 0 {
		d.ResolutionDeadline = d.ResolutionDeadline.Add(ext)
		d.TimeExtension += ext
	} else {
		ext = 0
	}

	return CounterEffect{
		Fee:       new(big.Int).Set(fee),
		Required:  required,
		Extension: ext,
		Score:     ScoreDelta{Party: caller, Delta: -p.CounterPenalty * d.CountersBy(caller)},
	}, nil
}

// Timeout resolves a dispute whose deadline has passed. Anyone may trigger it.
func (p Params) Timeout(d *Dispute, now time.Time) (*Finalization, error) {
	switch d.Status {
	case StatusResolved, StatusTimedOut:
		return nil, ErrDisputeFinalized
	case StatusCreated, StatusAwaitingStake:
		if !now.After(d.StakeDeadline) {
			return nil, ErrDeadlineNotReached
		}
		return p.nonParticipation(d, now), nil
	case StatusActive:
		if !now.After(d.ResolutionDeadline) {
			return nil, ErrDeadlineNotReached
		}
		return p.mutualTimeout(d, now), nil
	}
	return nil, fmt.Errorf("dispute: unknown status %q", d.Status)
}

// nonParticipation refunds the initiator and adds the incentive. The
// counterparty never staked and is left untouched.
func (p Params) nonParticipation(d *Dispute, now time.Time) *Finalization {
	d.Status = StatusTimedOut
	d.Outcome = OutcomeNonParticipation
	d.FinalizedAt = &now

	return &Finalization{
		Outcome: OutcomeNonParticipation,
		Payouts: []Payout{{
			Party:     d.Initiator,
			Refund:    new(big.Int).Set(d.InitiatorStake),
			Burn:      new(big.Int),
			Incentive: collateral.Bps(d.InitiatorStake, p.NonParticipationBps),
		}},
	}
}

// mutualTimeout burns a fixed share of each stake, refunds the rest and binds
// the parties to the fallback license.
func (p Params) mutualTimeout(d *Dispute, now time.Time) *Finalization {
	d.Status = StatusTimedOut
	d.Outcome = OutcomeMutualTimeout
	d.FinalizedAt = &now
	d.InitiatorAccepted = false
	d.CounterpartyAccepted = false

	terms := d.FallbackLicense
	fin := &Finalization{
		Outcome: OutcomeMutualTimeout,
		License: &license.Record{
			DisputeID:    d.ID,
			Source:       license.SourceFallback,
			Terms:        &terms,
			Initiator:    d.Initiator,
			Counterparty: d.Counterparty,
			AppliedAt:    now,
		},
	}
	for _, party := range []common.Address{d.Initiator, d.Counterparty} {
		stake := d.StakeOf(party)
		burn := collateral.Bps(stake, p.BurnBps)
		fin.Payouts = append(fin.Payouts, Payout{
			Party:     party,
			Refund:    new(big.Int).Sub(stake, burn),
			Burn:      burn,
			Incentive: new(big.Int),
		})
		// A party that never countered only waited out the deadline.
		if n := d.CountersBy(party); n > 0 {
			penalty := p.TimeoutPenaltyBase + p.TimeoutPenaltyPerCounter*n
			fin.Scores = append(fin.Scores, ScoreDelta{Party: party, Delta: -penalty})
		}
	}
	return fin
}
