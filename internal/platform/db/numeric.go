package db

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Numeric renders a decimal for a `$n::text::numeric` placeholder.
func Numeric(d decimal.Decimal) string {
	return d.String()
}

// Numerics renders decimals for a `$n::text[]::numeric[]` placeholder.
func Numerics(values []decimal.Decimal) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

// ParseNumeric reads a numeric column selected as text.
func ParseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("platform/db: parse numeric %q: %w", s, err)
	}
	return d, nil
}
