// Package fixed implements exact micro-unit arithmetic for PTS amounts, share
// counts, implied prices and ratios. An Amount is an int64 count of
// millionths; floating point is only produced for display at the API edge.
package fixed

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by an Amount.
const Decimals = 6

// Scale is the number of micro-units in one whole unit.
const Scale int64 = 1_000_000

// BpsDenominator is the basis-point denominator (100% = 10_000 bps).
const BpsDenominator int64 = 10_000

var (
	ErrOverflow      = errors.New("fixed: overflow")
	ErrDivByZero     = errors.New("fixed: division by zero")
	ErrPrecision     = errors.New("fixed: more than 6 decimal places")
	ErrInvalidNumber = errors.New("fixed: invalid number")
)

// Amount is a fixed-point quantity with six implied decimal places.
type Amount int64

const (
	Zero Amount = 0
	One  Amount = Amount(Scale)
)

// Rounding selects the direction of a lossy division.
type Rounding int

const (
	Floor Rounding = iota
	Ceil
)

// FromInt converts a whole number of units. It is intended for constants and
// tests; n must be small enough not to overflow.
func FromInt(n int64) Amount {
	return Amount(n * Scale)
}

// FromMicro wraps a raw micro-unit count.
func FromMicro(m int64) Amount {
	return Amount(m)
}

// Micro returns the raw micro-unit count.
func (a Amount) Micro() int64 {
	return int64(a)
}

// Parse reads a decimal string such as "12.5" or "0.000001".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidNumber
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts an exact decimal. Values carrying more precision than
// an Amount can hold are rejected rather than silently rounded.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecision
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(bi.Int64()), nil
}

// Decimal returns the exact decimal value of a.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Decimals)
}

// String renders a without trailing zeros, e.g. "1.5".
func (a Amount) String() string {
	return a.Decimal().String()
}

// StringFixed renders a with exactly places fractional digits.
func (a Amount) StringFixed(places int32) string {
	return a.Decimal().StringFixed(places)
}

// MarshalText renders a as a decimal string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a decimal string.
func (a *Amount) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalJSON encodes a as a quoted decimal string so no precision is lost in
// JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	return a.UnmarshalText(b)
}

// Float64 is for display only.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b, failing on int64 overflow.
func Add(a, b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a-b, failing on int64 overflow.
func Sub(a, b Amount) (Amount, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, ErrOverflow
	}
	return d, nil
}

// MulDiv computes a*b/c with a 128-bit intermediate and the requested
// rounding (Floor rounds toward negative infinity, Ceil toward positive).
func MulDiv(a, b, c int64, r Rounding) (int64, error) {
	if c == 0 {
		return 0, ErrDivByZero
	}
	if a == math.MinInt64 || b == math.MinInt64 || c == math.MinInt64 {
		return 0, ErrOverflow
	}
	neg := (a < 0) != (b < 0)
	if a == 0 || b == 0 {
		neg = false
	}
	if c < 0 {
		neg = !neg
	}
	ua, ub, uc := abs64(a), abs64(b), abs64(c)

	hi, lo := bits.Mul64(ua, ub)
	if hi >= uc {
		return 0, ErrOverflow
	}
	q, rem := bits.Div64(hi, lo, uc)
	if rem != 0 {
		// Away from zero when rounding toward the result's sign direction.
		if (r == Ceil && !neg) || (r == Floor && neg) {
			q++
		}
	}
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	if neg {
		return -int64(q), nil
	}
	return int64(q), nil
}

// Mul returns a*b in fixed-point.
func (a Amount) Mul(b Amount, r Rounding) (Amount, error) {
	v, err := MulDiv(int64(a), int64(b), Scale, r)
	return Amount(v), err
}

// Div returns a/b in fixed-point.
func (a Amount) Div(b Amount, r Rounding) (Amount, error) {
	v, err := MulDiv(int64(a), Scale, int64(b), r)
	return Amount(v), err
}

// Bps returns a × bps / 10_000.
func (a Amount) Bps(bps int64, r Rounding) (Amount, error) {
	v, err := MulDiv(int64(a), bps, BpsDenominator, r)
	return Amount(v), err
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Abs returns |a|. Abs of the minimum int64 is undefined and never produced by
// the engine.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
