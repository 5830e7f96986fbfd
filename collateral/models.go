package collateral

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind labels a movement in the ledger.
type Kind string

const (
	KindStake     Kind = "stake"
	KindRefund    Kind = "refund"
	KindBurn      Kind = "burn"
	KindFee       Kind = "fee"
	KindIncentive Kind = "incentive"
	KindSubsidy   Kind = "subsidy"
	KindRecovery  Kind = "recovery"
	KindFunding   Kind = "funding"
)

// Reserve names.
const (
	ReserveProtocol = "protocol"
	ReserveBurn     = "burn"
)

// Entry mirrors the ledger_entries table. Entries are append-only.
type Entry struct {
	ID        int64
	DisputeID *int64
	Party     common.Address
	Kind      Kind
	Amount    *big.Int
	CreatedAt time.Time
}

// Escrow is the value a party holds in custody for one dispute.
type Escrow struct {
	DisputeID   int64
	Party       common.Address
	Amount      *big.Int
	DepositedAt time.Time
	ReleasedAt  *time.Time
}

// Disbursement splits a party's escrow between a refund and the burn sink.
// Refund plus Burn must equal the held amount.
type Disbursement struct {
	Party  common.Address
	Refund *big.Int
	Burn   *big.Int
}
