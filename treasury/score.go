package treasury

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disputeflow/collateral"
)

const (
	MinScore = -100
	MaxScore = 100
)

// Record mirrors the harassment_records table.
type Record struct {
	Address     common.Address
	Score       int
	LastUpdated time.Time
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Params are the treasury constants fixed at deployment.
type Params struct {
	// DecayPerDay is how many points a score moves toward zero per full day.
	DecayPerDay int
	// PerDisputeCap bounds what one requester may draw for a single dispute.
	PerDisputeCap *big.Int
	// PerParticipantCap bounds what one requester may draw in total.
	PerParticipantCap *big.Int
	// DynamicCapBps is the share of the protocol reserve available to a neutral score.
	DynamicCapBps int64
	// ScoreScaleBps scales the dynamic cap by this many bps per score point.
	ScoreScaleBps int64
}

func DefaultParams() Params {
	return Params{
		DecayPerDay:       1,
		PerDisputeCap:     collateral.MustEther("0.5"),
		PerParticipantCap: collateral.MustEther("2"),
		DynamicCapBps:     1000,
		ScoreScaleBps:     50,
	}
}

// DecayedScore applies linear decay toward zero for the full days elapsed
// since the record was last written. It never mutates the record.
func (p Params) DecayedScore(rec Record, now time.Time) int {
	if rec.Score == 0 || p.DecayPerDay <= 0 || !now.After(rec.LastUpdated) {
		return rec.Score
	}
	days := int(now.Sub(rec.LastUpdated) / (24 * time.Hour))
	step := days * p.DecayPerDay
	switch {
	case rec.Score > 0:
		if step >= rec.Score {
			return 0
		}
		return rec.Score - step
	default:
		if step >= -rec.Score {
			return 0
		}
		return rec.Score + step
	}
}

// Apply persists the decayed baseline plus delta.
func (p Params) Apply(rec Record, delta int, now time.Time) Record {
	return Record{
		Address:     rec.Address,
		Score:       Clamp(p.DecayedScore(rec, now) + delta),
		LastUpdated: now,
	}
}

// DynamicCap is DynamicCapBps of the reserve, scaled up for positive scores and
// down for negative ones.
func (p Params) DynamicCap(reserve *big.Int, score int) *big.Int {
	base := collateral.Bps(reserve, p.DynamicCapBps)
	scale := int64(collateral.BpsDenominator) + p.ScoreScaleBps*int64(Clamp(score))
	if scale < 0 {
		scale = 0
	}
	return collateral.Bps(base, scale)
}

// Caps is the set of limits a subsidy request is checked against.
type Caps struct {
	PerDispute     *big.Int
	PerParticipant *big.Int
	Dynamic        *big.Int
}

// Limit is the smallest cap, never negative.
func (c Caps) Limit() *big.Int {
	limit := new(big.Int).Set(c.PerDispute)
	if c.PerParticipant.Cmp(limit) < 0 {
		limit.Set(c.PerParticipant)
	}
	if c.Dynamic.Cmp(limit) < 0 {
		limit.Set(c.Dynamic)
	}
	if limit.Sign() < 0 {
		limit.SetInt64(0)
	}
	return limit
}

// Caps computes the remaining limits given prior claims.
func (p Params) Caps(reserve *big.Int, score int, claimedForDispute, claimedTotal *big.Int) Caps {
	return Caps{
		PerDispute:     new(big.Int).Sub(p.PerDisputeCap, claimedForDispute),
		PerParticipant: new(big.Int).Sub(p.PerParticipantCap, claimedTotal),
		Dynamic:        p.DynamicCap(reserve, score),
	}
}
