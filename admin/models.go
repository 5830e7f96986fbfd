package admin

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Recovery is an emergency transfer out of the protocol reserve. It becomes
// executable once ETA passes and executes at most once.
type Recovery struct {
	ID          uuid.UUID
	Recipient   common.Address
	Amount      *big.Int
	ETA         time.Time
	ScheduledBy string
	ExecutedAt  *time.Time
	CreatedAt   time.Time
}
