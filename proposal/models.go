package proposal

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Proposal is an attested settlement offer for one round of a dispute.
type Proposal struct {
	DisputeID   int64
	Round       int
	ContentHash common.Hash
	Signature   []byte
	Attester    common.Address
	CreatedAt   time.Time
}
