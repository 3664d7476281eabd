// Package domain contains the pure domain model for the helmsman engine:
// value types, the Order and Portfolio aggregates, and the ports they depend
// on. Nothing in this package performs I/O.
package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an exact-decimal amount in a single currency. All arithmetic
// returns new values; mixing currencies fails with ErrCurrencyMismatch.
// Money is never represented as binary floating point.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney creates a Money value from a decimal amount and currency code.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// MoneyFromString parses a decimal string into a Money value.
func MoneyFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustMoneyFromString is MoneyFromString for literals; it panics on a
// malformed amount.
func MustMoneyFromString(amount, currency string) Money {
	m, err := MoneyFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) checkCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.checkCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Mul returns m scaled by a dimensionless factor (e.g. a quantity).
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// Neg returns -m.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Cmp compares two amounts: -1 if m < other, 0 if equal, 1 if m > other.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.checkCurrency(other); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(other.Amount), nil
}

// LessThan reports m < other. Callers must have matched currencies already;
// mismatched currencies report false. Use Cmp when the currency is not known.
func (m Money) LessThan(other Money) bool {
	if m.Currency != other.Currency {
		return false
	}
	return m.Amount.LessThan(other.Amount)
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// IsPositive reports whether the amount is above zero.
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// Abs returns the absolute amount.
func (m Money) Abs() Money {
	return Money{Amount: m.Amount.Abs(), Currency: m.Currency}
}

// Equal reports value equality (amount and currency).
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

// Symbol identifies a tradable instrument on a venue. Value-equal.
type Symbol struct {
	Venue  string
	Ticker string
}

// NewSymbol creates a Symbol from a venue and ticker.
func NewSymbol(venue, ticker string) Symbol {
	return Symbol{Venue: strings.ToUpper(venue), Ticker: strings.ToUpper(ticker)}
}

// ParseSymbol parses "TICKER@VENUE" into a Symbol.
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, fmt.Errorf("invalid symbol %q: want TICKER@VENUE", s)
	}
	return NewSymbol(parts[1], parts[0]), nil
}

func (s Symbol) String() string {
	return s.Ticker + "@" + s.Venue
}
