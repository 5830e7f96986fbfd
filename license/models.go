package license

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Source records how an outcome came to bind the parties.
type Source string

const (
	// SourceAgreed is the proposal both parties accepted.
	SourceAgreed Source = "agreed"
	// SourceFallback is the default applied on mutual timeout.
	SourceFallback Source = "fallback"
)

var ErrInvalidRoyalty = errors.New("license: royalty must be between 0 and 10000 bps")

// Terms describes a license grant. Disputes carry one as their fallback outcome.
type Terms struct {
	Scope        string `json:"scope"`
	Exclusive    bool   `json:"exclusive"`
	RoyaltyBps   int    `json:"royalty_bps"`
	DurationDays int    `json:"duration_days,omitempty"`
	URI          string `json:"uri,omitempty"`
}

// Validate checks the numeric bounds. Exclusivity is a dispute-level rule.
func (t Terms) Validate() error {
	if t.RoyaltyBps < 0 || t.RoyaltyBps > 10_000 {
		return ErrInvalidRoyalty
	}
	return nil
}

// Record is the binding outcome applied to a finalized dispute.
type Record struct {
	DisputeID    int64
	Source       Source
	ProposalHash *common.Hash
	Terms        *Terms
	Initiator    common.Address
	Counterparty common.Address
	AppliedAt    time.Time
}
