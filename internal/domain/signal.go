package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a strategy's request to trade. Signals are inputs, not orders:
// they carry intent and context, and the risk validator decides whether an
// order is created from them.
type Signal struct {
	StrategyID string
	Symbol     Symbol
	Side       OrderSide
	Type       OrderType

	// Quantity is optional. When zero the position sizer decides.
	Quantity   decimal.Decimal
	LimitPrice *Money

	// Confidence in [0, 1] scales the sized position.
	Confidence decimal.Decimal

	// Returns is the strategy's recent per-period return series for the
	// symbol, oldest first. Used for volatility-scaled sizing and the
	// correlation check.
	Returns []float64

	StopLoss   *Money
	TakeProfit *Money

	GeneratedAt time.Time
}

// Validate checks the signal is structurally usable before any risk or
// portfolio state is consulted.
func (s *Signal) Validate() error {
	if s.StrategyID == "" {
		return fmt.Errorf("signal has no strategy id")
	}
	if s.Symbol.Ticker == "" {
		return fmt.Errorf("signal has no symbol")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("signal has unknown side %q", s.Side)
	}
	if s.Type == TypeLimit && s.LimitPrice == nil {
		return fmt.Errorf("limit signal has no limit price")
	}
	if s.Quantity.IsNegative() {
		return fmt.Errorf("signal quantity %s: %w", s.Quantity, ErrInvalidQuantity)
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("signal confidence %s out of [0, 1]", s.Confidence)
	}
	return nil
}
