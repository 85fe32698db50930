// Package fixed implements the checked scaled-integer arithmetic used by
// every money calculation in the exchange. Prices and amounts are uint64
// values scaled by PriceScale; fee ratios are basis points over BpsDenom.
// Multiplies widen to 128 bits and divisions floor; any result that does not
// fit back into 64 bits is an error, never a silent wrap.
package fixed

import (
	"errors"
	"math/bits"
)

const (
	// PriceScale is the fixed-point scale for prices and amounts (1e6).
	PriceScale uint64 = 1_000_000
	// BpsDenom is the basis-points denominator for fee and ratio fields.
	BpsDenom uint64 = 10_000
)

// ErrOverflow is returned when a checked operation would exceed 64 bits.
var ErrOverflow = errors.New("fixed: arithmetic overflow")

// MulDiv computes a*b/den with a 128-bit intermediate, flooring the result.
// It fails if den is zero or the quotient does not fit in 64 bits.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		// bits.Div64 panics on quotient overflow; reject it here instead.
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// Add returns a+b, failing on 64-bit overflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing if b exceeds a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Notional converts a base amount at a limit price into quote terms.
func Notional(amountBase, limitPrice uint64) (uint64, error) {
	return MulDiv(amountBase, limitPrice, PriceScale)
}

// Bps takes a basis-points cut of amount, flooring.
func Bps(amount uint64, bps uint16) (uint64, error) {
	return MulDiv(amount, uint64(bps), BpsDenom)
}
