package dispute

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/license"
)

// Outbox topics.
const (
	TopicInitiated = "dispute.initiated"
	TopicUpdated   = "dispute.updated"
	TopicFinalized = "dispute.finalized"
)

// FinalizedEvent is the DisputeFinalized record consumed by the settlement
// bridge. Amounts are wei in decimal strings.
type FinalizedEvent struct {
	DisputeID   int64           `json:"dispute_id"`
	Outcome     Outcome         `json:"outcome"`
	License     *LicenseOutcome `json:"license,omitempty"`
	Parties     []PartyAmounts  `json:"parties"`
	FinalizedAt time.Time       `json:"finalized_at"`
}

type LicenseOutcome struct {
	Source       license.Source `json:"source"`
	ProposalHash string         `json:"proposal_hash,omitempty"`
	Terms        *license.Terms `json:"terms,omitempty"`
}

type PartyAmounts struct {
	Party     string `json:"party"`
	Refund    string `json:"refund_wei"`
	Burn      string `json:"burn_wei"`
	Incentive string `json:"incentive_wei"`
}

// UpdatedEvent announces a non-terminal transition.
type UpdatedEvent struct {
	DisputeID int64     `json:"dispute_id"`
	Event     string    `json:"event"`
	Status    Status    `json:"status"`
	Round     int       `json:"round"`
	Counters  int       `json:"counters"`
	Deadline  time.Time `json:"deadline"`
}

func newFinalizedEvent(d Dispute, fin *Finalization) FinalizedEvent {
	ev := FinalizedEvent{
		DisputeID: d.ID,
		Outcome:   fin.Outcome,
		Parties:   make([]PartyAmounts, 0, len(fin.Payouts)),
	}
	if d.FinalizedAt != nil {
		ev.FinalizedAt = d.FinalizedAt.UTC()
	}
	if fin.License != nil {
		lo := &LicenseOutcome{Source: fin.License.Source, Terms: fin.License.Terms}
		if fin.License.ProposalHash != nil {
			lo.ProposalHash = fin.License.ProposalHash.Hex()
		}
		ev.License = lo
	}
	for _, p := range fin.Payouts {
		ev.Parties = append(ev.Parties, PartyAmounts{
			Party:     p.Party.Hex(),
			Refund:    p.Refund.String(),
			Burn:      p.Burn.String(),
			Incentive: p.Incentive.String(),
		})
	}
	return ev
}

func deadlineOf(d Dispute) time.Time {
	if d.Status == StatusActive {
		return d.ResolutionDeadline
	}
	return d.StakeDeadline
}

func actorOf(addr common.Address) *string {
	if addr == (common.Address{}) {
		return nil
	}
	s := addr.Hex()
	return &s
}
