// Package money implements a fixed-precision monetary value.
package money

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-orders/internal/domain/apperr"
)

// Scale is the number of fractional digits every amount is kept at.
const Scale = 2

var (
	// ErrInvalidMoney is returned for negative, non-finite, over-precise or
	// out-of-range amounts and malformed currency codes.
	ErrInvalidMoney = apperr.New(apperr.CodeInvalidMoney, "invalid money")
	// ErrCurrencyMismatch is returned when two amounts of different
	// currencies are combined or compared.
	ErrCurrencyMismatch = apperr.New(apperr.CodeCurrencyMismatch, "currency mismatch")
)

var (
	// MaxAmount is the largest representable amount (NUMERIC(14,2)).
	MaxAmount = decimal.RequireFromString("999999999999.99")

	hundred = decimal.NewFromInt(100)
)

// Money is an immutable non-negative amount in a single currency.
// The zero value is not valid; use New or Zero.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// New validates amount and currency and returns a Money value.
func New(amount decimal.Decimal, currency string) (Money, error) {
	if err := validCurrency(currency); err != nil {
		return Money{}, err
	}
	if amount.IsNegative() {
		return Money{}, apperr.Errorf(apperr.CodeInvalidMoney, "amount %s is negative", amount)
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return Money{}, apperr.Errorf(apperr.CodeInvalidMoney, "amount %s has more than %d fractional digits", amount, Scale)
	}
	if amount.GreaterThan(MaxAmount) {
		return Money{}, apperr.Errorf(apperr.CodeInvalidMoney, "amount %s exceeds maximum %s", amount, MaxAmount)
	}
	return Money{amount: amount, currency: currency}, nil
}

// NewFromString parses a decimal string amount.
func NewFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, apperr.Errorf(apperr.CodeInvalidMoney, "parse amount %q: %v", amount, err)
	}
	return New(d, currency)
}

// NewFromFloat converts a float amount. NaN and infinities are rejected.
func NewFromFloat(amount float64, currency string) (Money, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Money{}, apperr.Errorf(apperr.CodeInvalidMoney, "amount %v is not finite", amount)
	}
	return New(decimal.NewFromFloat(amount), currency)
}

// RequireFromString is like NewFromString but panics on error.
// Intended for constants and tests.
func RequireFromString(amount, currency string) Money {
	m, err := NewFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{amount: decimal.Zero, currency: currency}
}

// Amount returns the decimal amount.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the ISO 4217 currency code.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// String formats the amount with two fractional digits followed by the currency.
func (m Money) String() string {
	return m.amount.StringFixed(Scale) + " " + m.currency
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return m.result(m.amount.Add(o.amount))
}

// Sub returns m - o. A negative result is rejected.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return m.result(m.amount.Sub(o.amount))
}

// Mul returns m * scalar rounded to two fractional digits.
func (m Money) Mul(scalar decimal.Decimal) (Money, error) {
	return m.result(m.amount.Mul(scalar))
}

// PercentageOf returns pct percent of m, e.g. PercentageOf(10) of 25.00 is 2.50.
func (m Money) PercentageOf(pct decimal.Decimal) (Money, error) {
	return m.result(m.amount.Mul(pct).Div(hundred))
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

// Equal reports whether m == o.
func (m Money) Equal(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c == 0, err
}

// GreaterThan reports whether m > o.
func (m Money) GreaterThan(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c > 0, err
}

// GreaterThanOrEqual reports whether m >= o.
func (m Money) GreaterThanOrEqual(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c >= 0, err
}

// LessThan reports whether m < o.
func (m Money) LessThan(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c < 0, err
}

// LessThanOrEqual reports whether m <= o.
func (m Money) LessThanOrEqual(o Money) (bool, error) {
	c, err := m.Cmp(o)
	return c <= 0, err
}

// Min returns the smaller of a and b.
func Min(a, b Money) (Money, error) {
	lt, err := a.LessThan(b)
	if err != nil {
		return Money{}, err
	}
	if lt {
		return a, nil
	}
	return b, nil
}

// result rounds half-up to Scale and re-validates the range.
func (m Money) result(amount decimal.Decimal) (Money, error) {
	return New(amount.Round(Scale), m.currency)
}

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return apperr.Errorf(apperr.CodeCurrencyMismatch, "currency mismatch: %s vs %s", m.currency, o.currency)
	}
	return nil
}

func validCurrency(c string) error {
	if len(c) != 3 {
		return apperr.Errorf(apperr.CodeInvalidMoney, "currency %q is not an ISO 4217 code", c)
	}
	for i := range len(c) {
		if c[i] < 'A' || c[i] > 'Z' {
			return apperr.Errorf(apperr.CodeInvalidMoney, "currency %q is not an ISO 4217 code", c)
		}
	}
	return nil
}
