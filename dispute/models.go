package dispute

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/license"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusCreated Status = "created"
	// StatusAwaitingStake is part of the persisted enum but no transition
	// enters it; an unmatched dispute stays created until its window closes.
	StatusAwaitingStake Status = "awaiting_stake"
	StatusActive        Status = "active"
	StatusResolved      Status = "resolved"
	StatusTimedOut      Status = "timed_out"
)

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusTimedOut
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingStake, StatusActive, StatusResolved, StatusTimedOut:
		return true
	}
	return false
}

// Outcome names the terminal path a dispute took.
type Outcome string

const (
	OutcomeMutualAcceptance Outcome = "mutual_acceptance"
	OutcomeNonParticipation Outcome = "non_participation"
	OutcomeMutualTimeout    Outcome = "mutual_timeout"
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                   int64
	Initiator            common.Address
	Counterparty         common.Address
	InitiatorStake       *big.Int
	CounterpartyStake    *big.Int
	Status               Status
	Outcome              Outcome
	ProposalHash         *common.Hash
	ProposalRound        int
	CounterCount         int
	InitiatorCounters    int
	CounterpartyCounters int
	InitiatorAccepted    bool
	CounterpartyAccepted bool
	DIDRequired          bool
	FallbackLicense      license.Terms
	StartTime            time.Time
	StakeDeadline        time.Time
	ResolutionDeadline   time.Time
	TimeExtension        time.Duration
	FinalizedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsParty reports whether addr is the initiator or the counterparty.
func (d *Dispute) IsParty(addr common.Address) bool {
	return addr == d.Initiator || addr == d.Counterparty
}

// CountersBy returns how many counter-proposals addr has made.
func (d *Dispute) CountersBy(addr common.Address) int {
	switch addr {
	case d.Initiator:
		return d.InitiatorCounters
	case d.Counterparty:
		return d.CounterpartyCounters
	}
	return 0
}

// StakeOf returns the stake addr has placed.
func (d *Dispute) StakeOf(addr common.Address) *big.Int {
	switch addr {
	case d.Initiator:
		return d.InitiatorStake
	case d.Counterparty:
		return d.CounterpartyStake
	}
	return new(big.Int)
}

// Clone returns a deep copy.
func (d Dispute) Clone() Dispute {
	out := d
	out.InitiatorStake = cloneInt(d.InitiatorStake)
	out.CounterpartyStake = cloneInt(d.CounterpartyStake)
	if d.ProposalHash != nil {
		h := *d.ProposalHash
		out.ProposalHash = &h
	}
	if d.FinalizedAt != nil {
		t := *d.FinalizedAt
		out.FinalizedAt = &t
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Event captures an immutable business event for a dispute.
type Event struct {
	ID        int64
	DisputeID int64
	Seq       int
	Type      string
	Actor     *string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Timeline event types.
const (
	EventInitiated         = "DISPUTE_INITIATED"
	EventStakeMatched      = "STAKE_MATCHED"
	EventProposalSubmitted = "PROPOSAL_SUBMITTED"
	EventProposalAccepted  = "PROPOSAL_ACCEPTED"
	EventCounterProposed   = "COUNTER_PROPOSED"
	EventResolved          = "DISPUTE_RESOLVED"
	EventTimedOut          = "DISPUTE_TIMED_OUT"
)

// Filter narrows List results.
// MaxListLimit is the largest page List returns; larger limits are clamped.
const MaxListLimit = 100

type Filter struct {
	Party  *common.Address
	Status *Status
	Limit  int
	Offset int
}
