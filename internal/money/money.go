// Package money provides an exact fixed-point amount type for account
// balances and ledger entries. Amounts are normalized to two decimal places
// (cents), rounding half away from zero. Never a float.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every amount is normalized to.
const Scale = 2

// Money is an immutable fixed-point decimal amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// FromDecimal normalizes d to the money scale.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(Scale)}
}

// FromCents builds an amount from an integer number of cents.
func FromCents(c int64) Money {
	return Money{d: decimal.New(c, -Scale)}
}

// Parse parses a decimal string such as "150.00" or "-3.5".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for compile-time-known literals. Panics on bad input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }

func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

// Decimal returns the underlying decimal value.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String renders the amount with exactly two decimal places, e.g. "40.00".
// This is also the storage representation used by the SQL stores.
func (m Money) String() string { return m.d.StringFixed(Scale) }

// MarshalJSON renders the amount as a JSON string to keep exactness on the
// wire; UnmarshalJSON accepts both quoted strings and bare JSON numbers.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = FromDecimal(d)
	return nil
}
