// Package money provides exact base-10 arithmetic for monetary amounts.
// Amounts cross every API and storage boundary as decimal strings and
// are never represented as binary floats.
package money

import (
	"github.com/metergate/metergate/pkg/faults"
	"github.com/shopspring/decimal"
)

// Money is an immutable exact decimal amount.
type Money struct {
	d decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Money { return Money{} }

// Parse converts a base-10 decimal string into a Money value.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, &faults.BadUserInput{Field: "amount", Message: "not a decimal string: " + s}
	}
	return Money{d: d}, nil
}

// MustParse is Parse for trusted inputs such as literals in tests and
// configuration defaults. It panics on malformed input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromInt returns n as a Money value.
func FromInt(n int64) Money {
	return Money{d: decimal.NewFromInt(n)}
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Mul(o Money) Money { return Money{d: m.d.Mul(o.d)} }

// MulInt scales the amount by an integer volume.
func (m Money) MulInt(n int64) Money {
	return Money{d: m.d.Mul(decimal.NewFromInt(n))}
}

// Div divides with decimal (not float) semantics. Division by zero
// panics, matching the underlying decimal library; callers guard.
func (m Money) Div(o Money) Money { return Money{d: m.d.Div(o.d)} }

// FloorInt64 rounds toward negative infinity and returns the integer
// part. Used by the admission heuristic.
func (m Money) FloorInt64() int64 {
	return m.d.Floor().IntPart()
}

// Cmp returns -1, 0 or 1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) GTE(o Money) bool { return m.d.Cmp(o.d) >= 0 }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsPositive() bool { return m.d.IsPositive() }

// String renders the canonical base-10 decimal representation.
func (m Money) String() string { return m.d.String() }
