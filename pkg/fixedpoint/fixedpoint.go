// Package fixedpoint provides scaled-integer arithmetic for token amounts.
//
// Amounts are non-negative *big.Int values in the token's smallest unit. Every
// helper allocates its result and never mutates its arguments.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Rounding selects how MulDiv treats a non-zero remainder.
type Rounding int

const (
	// Floor rounds toward zero.
	Floor Rounding = iota
	// Ceil rounds away from zero when anything is left over.
	Ceil
)

func (r Rounding) String() string {
	switch r {
	case Floor:
		return "floor"
	case Ceil:
		return "ceil"
	default:
		return fmt.Sprintf("rounding(%d)", int(r))
	}
}

// BasisPoints is the denominator for ratios expressed in bps.
const BasisPoints = 10_000

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrNegative       = errors.New("fixedpoint: negative operand")
	ErrTooPrecise     = errors.New("fixedpoint: amount has more decimals than the token supports")
	ErrInvalidAmount  = errors.New("fixedpoint: invalid amount")
)

var bps = big.NewInt(BasisPoints)

// MulDiv returns a*b/denominator rounded as requested. The product is computed at
// full precision so nothing is truncated before the single division.
func MulDiv(a, b, denominator *big.Int, r Rounding) (*big.Int, error) {
	if denominator == nil || denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if a.Sign() < 0 || b.Sign() < 0 || denominator.Sign() < 0 {
		return nil, ErrNegative
	}

	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if r == Ceil && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo, nil
}

// MulDivFloor is MulDiv with Floor rounding for callers that already validated
// the denominator. It panics on a zero denominator.
func MulDivFloor(a, b, denominator *big.Int) *big.Int {
	v, err := MulDiv(a, b, denominator, Floor)
	if err != nil {
		panic(err)
	}
	return v
}

// ApplyBps scales amount by ratio/10000 with the given rounding.
func ApplyBps(amount *big.Int, ratio uint64, r Rounding) *big.Int {
	v, _ := MulDiv(amount, new(big.Int).SetUint64(ratio), bps, r)
	return v
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Sum adds up amounts. Nil entries count as zero.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// IsPositive reports whether v is non-nil and strictly greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Copy returns an independent copy of v, mapping nil to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Pow10 returns 10^n.
func Pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseUnits converts a human readable decimal string ("100.5") into the token's
// smallest unit. Inputs with more fractional digits than decimals are rejected
// instead of being truncated.
func ParseUnits(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooPrecise, s, decimals)
	}
	return scaled.BigInt(), nil
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string, decimals int32) *big.Int {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders v (in smallest units) as a decimal string.
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}
