package collateral

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.01", "10000000000000000"},
		{"0.000000000000000001", "1"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.String(), tc.in)
	}

	_, err := ParseEther("0.0000000000000000001")
	assert.Error(t, err, "sub-wei precision must be rejected")
	_, err = ParseEther("one")
	assert.Error(t, err)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.04", FormatEther(MustEther("0.04")))
	assert.Equal(t, "1", FormatEther(MustEther("1")))
	assert.Equal(t, "0", FormatEther(nil))
}

func TestBps(t *testing.T) {
	stake := MustEther("1")
	assert.Equal(t, MustEther("0.5").String(), Bps(stake, 5000).String())
	assert.Equal(t, MustEther("0.1").String(), Bps(stake, 1000).String())
	assert.Equal(t, 0, Bps(big.NewInt(1), 5000).Sign(), "rounds down")
	assert.Equal(t, 0, Bps(nil, 5000).Sign())
}
