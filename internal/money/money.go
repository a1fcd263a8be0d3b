// Package money provides the fixed-point amount type used by every ledger
// posting and balance. Values are exact decimals with two fractional digits.
package money

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 2

var (
	// ErrPrecision is returned when a value carries more fractional digits than
	// the ledger can store without rounding.
	ErrPrecision = errors.New("amount has more than 2 fractional digits")

	// ErrOutOfRange is returned when a value does not fit the NUMERIC(18,2) column.
	ErrOutOfRange = errors.New("amount out of range")

	// ErrMalformed is returned for input that is not a decimal number.
	ErrMalformed = errors.New("malformed amount")
)

// limit is 10^16, the first magnitude NUMERIC(18,2) rejects.
var limit = decimal.New(1, 16)

// Money is an exact amount in the bank's single currency.
// The zero value is a valid zero amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// Parse reads a decimal string such as "1000", "12.5" or "-0.25".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrMalformed
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals in tests and fixtures. It panics on error.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor builds an amount from minor units (cents).
func FromMinor(minor int64) Money {
	return Money{d: decimal.New(minor, -Scale)}
}

// FromDecimal accepts d only if it round-trips exactly at two fractional digits.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Round(Scale)) {
		return Money{}, ErrPrecision
	}
	if d.Abs().GreaterThanOrEqual(limit) {
		return Money{}, ErrOutOfRange
	}
	return Money{d: d}, nil
}

// Decimal exposes the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

// Neg returns -m.
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }

// Cmp compares m and o and returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Equal reports whether m and o are the same amount, regardless of trailing zeros.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

// LessThan reports whether m < o.
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }

// IsPositive reports whether m > 0.
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// IsNegative reports whether m < 0.
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// IsZero reports whether m == 0.
func (m Money) IsZero() bool { return m.d.IsZero() }

// MinorUnits returns the amount in cents.
func (m Money) MinorUnits() int64 {
	return m.d.Shift(Scale).IntPart()
}

// String renders the amount with exactly two fractional digits.
func (m Money) String() string {
	return m.d.StringFixed(Scale)
}

// MarshalJSON encodes the amount as a JSON string to avoid float decoding on clients.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts both "12.50" and 12.50.
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if string(data) == "null" {
		return ErrMalformed
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by form decoders.
func (m *Money) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
