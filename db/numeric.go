package db

import (
	"fmt"
	"math/big"
	"time"
)

// Numeric renders a wei amount for a NUMERIC(78,0) parameter. Pair it with an
// explicit ::numeric cast in SQL.
func Numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseNumeric reads a NUMERIC column selected with ::text.
func ParseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("db: invalid numeric %q", s)
	}
	return v, nil
}

// NullTime maps the zero time to SQL NULL.
func NullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
