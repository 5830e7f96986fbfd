package collateral

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

var weiPerEther = decimal.New(1, 18)

// ParseEther converts a decimal ether string such as "0.01" into wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("collateral: parse ether %q: %w", s, err)
	}
	wei := d.Mul(weiPerEther)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("collateral: %q has more than 18 decimals", s)
	}
	return wei.BigInt(), nil
}

// MustEther is ParseEther for constants.
func MustEther(s string) *big.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// Bps returns amount * bps / 10000, rounded down.
func Bps(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(BpsDenominator))
}

// Positive reports whether v is strictly greater than zero.
func Positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
