package treasury

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"disputeflow/collateral"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, MaxScore, Clamp(250))
	assert.Equal(t, MinScore, Clamp(-101))
	assert.Equal(t, 42, Clamp(42))
}

func TestDecayedScore(t *testing.T) {
	p := DefaultParams()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	cases := []struct {
		name  string
		score int
		after time.Duration
		want  int
	}{
		{"positive partial day", 30, 23 * time.Hour, 30},
		{"positive decays", 30, 5 * day, 25},
		{"positive floors at zero", 3, 10 * day, 0},
		{"negative decays up", -40, 7*day + time.Hour, -33},
		{"negative stops at zero", -2, 30 * day, 0},
		{"zero stays", 0, 100 * day, 0},
		{"clock behind record", 10, -day, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Record{Score: tc.score, LastUpdated: base}
			assert.Equal(t, tc.want, p.DecayedScore(rec, base.Add(tc.after)))
			assert.Equal(t, tc.score, rec.Score, "decay is read-only")
		})
	}
}

func TestApplyPersistsDecayedBaseline(t *testing.T) {
	p := DefaultParams()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * 24 * time.Hour)

	next := p.Apply(Record{Score: -50, LastUpdated: base}, -20, now)
	assert.Equal(t, -60, next.Score)
	assert.True(t, next.LastUpdated.Equal(now))

	assert.Equal(t, MinScore, p.Apply(Record{Score: -95, LastUpdated: now}, -20, now).Score)
	assert.Equal(t, MaxScore, p.Apply(Record{Score: 95, LastUpdated: now}, 20, now).Score)
}

func TestDynamicCapScalesWithScore(t *testing.T) {
	p := DefaultParams()
	reserve := collateral.MustEther("10")

	neutral := p.DynamicCap(reserve, 0)
	assert.Equal(t, collateral.MustEther("1").String(), neutral.String())
	assert.Equal(t, collateral.MustEther("1.5").String(), p.DynamicCap(reserve, 100).String())
	assert.Equal(t, collateral.MustEther("0.5").String(), p.DynamicCap(reserve, -100).String())
	assert.Equal(t, 0, p.DynamicCap(new(big.Int), 100).Sign())
}

func TestCapsLimit(t *testing.T) {
	p := DefaultParams()
	reserve := collateral.MustEther("100")

	caps := p.Caps(reserve, 0, collateral.MustEther("0.2"), collateral.MustEther("0.2"))
	assert.Equal(t, collateral.MustEther("0.3").String(), caps.Limit().String(), "per-dispute remainder binds")

	caps = p.Caps(reserve, 0, new(big.Int), collateral.MustEther("1.9"))
	assert.Equal(t, collateral.MustEther("0.1").String(), caps.Limit().String(), "per-participant remainder binds")

	caps = p.Caps(collateral.MustEther("1"), 0, new(big.Int), new(big.Int))
	assert.Equal(t, collateral.MustEther("0.1").String(), caps.Limit().String(), "dynamic cap binds")

	caps = p.Caps(reserve, 0, collateral.MustEther("0.6"), collateral.MustEther("0.6"))
	assert.Equal(t, 0, caps.Limit().Sign(), "overdrawn caps never go negative")
}
