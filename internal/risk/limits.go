// Package risk provides pre-trade validation and position sizing.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Limits is the externally configured risk profile. All pct fields are
// percentages of total equity (10 means 10%). Read-only during validation.
type Limits struct {
	MaxPositionPct      decimal.Decimal `json:"max_position_pct"`
	MaxTotalExposurePct decimal.Decimal `json:"max_total_exposure_pct"`
	MaxDailyLossPct     decimal.Decimal `json:"max_daily_loss_pct"`
	MaxDrawdownPct      decimal.Decimal `json:"max_drawdown_pct"`
	MaxPositions        int             `json:"max_positions"`
	MaxLeverage         decimal.Decimal `json:"max_leverage"`
	MinFreeMarginPct    decimal.Decimal `json:"min_free_margin_pct"`

	// MaxCorrelation enables the correlation check when positive.
	MaxCorrelation float64 `json:"max_correlation,omitempty"`
}

// DefaultLimits returns a conservative profile for spot trading.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:      decimal.NewFromInt(10),
		MaxTotalExposurePct: decimal.NewFromInt(80),
		MaxDailyLossPct:     decimal.NewFromInt(3),
		MaxDrawdownPct:      decimal.NewFromInt(15),
		MaxPositions:        10,
		MaxLeverage:         decimal.NewFromInt(1),
		MinFreeMarginPct:    decimal.NewFromInt(10),
	}
}

// Validate checks the profile is internally consistent.
func (l Limits) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"max_position_pct":       l.MaxPositionPct,
		"max_total_exposure_pct": l.MaxTotalExposurePct,
		"max_daily_loss_pct":     l.MaxDailyLossPct,
		"max_drawdown_pct":       l.MaxDrawdownPct,
	} {
		if !v.IsPositive() {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if l.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", l.MaxPositions)
	}
	if l.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_leverage must be at least 1, got %s", l.MaxLeverage)
	}
	if l.MinFreeMarginPct.IsNegative() {
		return fmt.Errorf("min_free_margin_pct must not be negative, got %s", l.MinFreeMarginPct)
	}
	if l.MaxCorrelation < 0 || l.MaxCorrelation > 1 {
		return fmt.Errorf("max_correlation must be in [0, 1], got %f", l.MaxCorrelation)
	}
	if l.MaxPositionPct.GreaterThan(l.MaxTotalExposurePct) {
		return fmt.Errorf("max_position_pct %s exceeds max_total_exposure_pct %s",
			l.MaxPositionPct, l.MaxTotalExposurePct)
	}
	return nil
}
