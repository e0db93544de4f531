package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest representable balance, 2^128-1.
var MaxAmount = decimal.NewFromBigInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)), 0)

// ParseAmount parses a base-unit integer amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !IsValidAmount(d) {
		return decimal.Zero, fmt.Errorf("%w: %q is not an unsigned 128-bit integer", ErrInvalidAmount, s)
	}
	return d, nil
}

// IsValidAmount reports whether d is an integer in [0, MaxAmount].
func IsValidAmount(d decimal.Decimal) bool {
	return d.IsInteger() && !d.IsNegative() && d.LessThanOrEqual(MaxAmount)
}

// CheckedAdd returns a+b, or ErrIntegrityFault if the sum leaves the u128 range.
func CheckedAdd(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if !IsValidAmount(sum) {
		return decimal.Zero, fmt.Errorf("%w: %s + %s overflows", ErrIntegrityFault, a, b)
	}
	return sum, nil
}

// CheckedSub returns a-b, or ErrIntegrityFault if the difference would be negative.
func CheckedSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	diff := a.Sub(b)
	if !IsValidAmount(diff) {
		return decimal.Zero, fmt.Errorf("%w: %s - %s underflows", ErrIntegrityFault, a, b)
	}
	return diff, nil
}

// MulDivFloor returns floor(a*b/c) computed on integers, multiplying before dividing.
func MulDivFloor(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if c.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: division by zero", ErrIntegrityFault)
	}
	if !IsValidAmount(a) || !IsValidAmount(b) || !IsValidAmount(c) {
		return decimal.Zero, fmt.Errorf("%w: operands out of range", ErrIntegrityFault)
	}
	prod := new(big.Int).Mul(a.BigInt(), b.BigInt())
	q := new(big.Int).Quo(prod, c.BigInt())
	out := decimal.NewFromBigInt(q, 0)
	if !IsValidAmount(out) {
		return decimal.Zero, fmt.Errorf("%w: %s * %s / %s overflows", ErrIntegrityFault, a, b, c)
	}
	return out, nil
}
