package identity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Profile is what the protocol knows about a party's identity check. The proof
// itself lives with the external registry; only its verdict is stored.
type Profile struct {
	Address    common.Address
	Verified   bool
	VerifiedAt *time.Time
	CreatedAt  time.Time
}
