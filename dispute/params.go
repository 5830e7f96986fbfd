package dispute

import (
	"errors"
	"math/big"
	"time"

	"disputeflow/collateral"
)

// Params are the protocol constants. They are loaded once at startup and never
// change for the life of the process.
type Params struct {
	StakeWindow         time.Duration
	ResolutionTimeout   time.Duration
	RoundExtension      time.Duration
	MaxTimeExtension    time.Duration
	MaxCounters         int
	BaseFee             *big.Int
	BurnBps             int64
	NonParticipationBps int64

	// Harassment deltas reported to the treasury. The timeout penalty
	// applies on mutual timeout only to parties that countered.
	CounterPenalty           int
	TimeoutPenaltyBase       int
	TimeoutPenaltyPerCounter int
	AcceptBonus              int
	AcceptBonusAfterCounter  int
}

func DefaultParams() Params {
	return Params{
		StakeWindow:              72 * time.Hour,
		ResolutionTimeout:        168 * time.Hour,
		RoundExtension:           24 * time.Hour,
		MaxTimeExtension:         72 * time.Hour,
		MaxCounters:              3,
		BaseFee:                  collateral.MustEther("0.01"),
		BurnBps:                  5000,
		NonParticipationBps:      1000,
		CounterPenalty:           5,
		TimeoutPenaltyBase:       10,
		TimeoutPenaltyPerCounter: 10,
		AcceptBonus:              10,
		AcceptBonusAfterCounter:  5,
	}
}

func (p Params) Validate() error {
	if p.StakeWindow <= 0 || p.ResolutionTimeout <= 0 {
		return errors.New("dispute: stake window and resolution timeout must be positive")
	}
	if p.RoundExtension < 0 || p.MaxTimeExtension < 0 {
		return errors.New("dispute: extensions must not be negative")
	}
	if p.MaxCounters < 0 || p.MaxCounters > 62 {
		return errors.New("dispute: max counters out of range")
	}
	if !collateral.Positive(p.BaseFee) {
		return errors.New("dispute: base fee must be positive")
	}
	if p.BurnBps < 0 || p.BurnBps > collateral.BpsDenominator ||
		p.NonParticipationBps < 0 || p.NonParticipationBps > collateral.BpsDenominator {
		return errors.New("dispute: bps out of range")
	}
	return nil
}

// RequiredCounterFee is BaseFee * 2^counterCount.
func (p Params) RequiredCounterFee(counterCount int) *big.Int {
	if counterCount < 0 {
		counterCount = 0
	}
	return new(big.Int).Lsh(p.BaseFee, uint(counterCount))
}
