// Package money implements exact decimal arithmetic for order totals.
// All amounts are carried as shopspring/decimal values;
// the only place binary float64 appears is at the edges, where a
// client-facing amount is parsed in or rendered out.
package money

import (
	"github.com/shopspring/decimal"
)

// Tolerance is the money-equality slack used throughout the order
// engine: 0.005, i.e. half a cent, to absorb
// rounding residue between independently recomputed totals.
var Tolerance = decimal.NewFromFloat(0.005)

// TwoDP rounds a decimal to 2 places, half-away-from-zero. Running
// sums are kept at 4-decimal precision; TwoDP is applied only at
// snapshot boundaries.
func TwoDP(d decimal.Decimal) decimal.Decimal {
	return d.RoundHalfAwayFromZero(2)
}

// FromFloat converts a client-supplied float64 amount into the 4-decimal
// intermediate precision used for running sums, deferring the 2dp
// rounding to snapshot boundaries.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(4)
}

// Eq reports whether a and b are equal within Tolerance.
func Eq(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// IsSufficient reports whether paid covers total within Tolerance.
func IsSufficient(paid, total decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(total.Sub(Tolerance))
}
