package settlement

import "time"

// Stage is the bridge's progress on a finalized dispute. Stages only move
// forward: pending, bridged, confirmed.
type Stage string

const (
	StagePending   Stage = "pending"
	StageBridged   Stage = "bridged"
	StageConfirmed Stage = "confirmed"
)

func (s Stage) rank() int {
	switch s {
	case StagePending:
		return 0
	case StageBridged:
		return 1
	case StageConfirmed:
		return 2
	}
	return -1
}

// Record tracks one dispute's settlement on the secondary ledger.
type Record struct {
	DisputeID   int64      `json:"dispute_id"`
	Status      Stage      `json:"status"`
	ExternalRef string     `json:"external_ref,omitempty"`
	BridgedAt   *time.Time `json:"bridged_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BridgeEvent is a normalized callback from the settlement bridge.
type BridgeEvent struct {
	DisputeID      int64
	Stage          Stage
	ExternalRef    string
	IdempotencyKey string
}

// Timeline event types and outbox topic.
const (
	EventBridged   = "SETTLEMENT_BRIDGED"
	EventConfirmed = "SETTLEMENT_CONFIRMED"

	TopicUpdated = "settlement.updated"
)
