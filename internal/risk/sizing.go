package risk

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// Sizer computes the quantity for a signal before validation. The
// validator's position size rule caps the result regardless of policy.
type Sizer interface {
	Size(equity, price decimal.Decimal, signal *domain.Signal) decimal.Decimal
	Name() string
}

// FixedFractional risks a fixed fraction of equity per trade, scaled by
// signal confidence.
type FixedFractional struct {
	// Fraction of equity per trade, e.g. 0.02 for 2%.
	Fraction decimal.Decimal
}

func (s FixedFractional) Name() string { return "fixed_fractional" }

func (s FixedFractional) Size(equity, price decimal.Decimal, signal *domain.Signal) decimal.Decimal {
	if !price.IsPositive() || !equity.IsPositive() {
		return decimal.Zero
	}
	confidence := signal.Confidence
	if confidence.IsZero() {
		confidence = decimal.NewFromInt(1)
	}
	return equity.Mul(s.Fraction).Mul(confidence).Div(price)
}

// VolatilityScaled sizes like FixedFractional but shrinks the position
// when the signal's recent return volatility exceeds the target. Positions
// are never scaled up beyond the base fraction.
type VolatilityScaled struct {
	Fraction decimal.Decimal
	// TargetVolatility is the per-period return volatility the base
	// fraction assumes, e.g. 0.02 for 2% per period.
	TargetVolatility float64
}

func (s VolatilityScaled) Name() string { return "volatility_scaled" }

func (s VolatilityScaled) Size(equity, price decimal.Decimal, signal *domain.Signal) decimal.Decimal {
	base := FixedFractional{Fraction: s.Fraction}.Size(equity, price, signal)
	if base.IsZero() || len(signal.Returns) < 2 || s.TargetVolatility <= 0 {
		return base
	}

	vol := stat.StdDev(signal.Returns, nil)
	if vol <= s.TargetVolatility || math.IsNaN(vol) {
		return base
	}
	scale := decimal.NewFromFloat(s.TargetVolatility / vol)
	return base.Mul(scale)
}

// CapToPositionLimit clamps a sized quantity so the resulting position
// value stays within the max position percentage of equity.
func CapToPositionLimit(qty, price, equity decimal.Decimal, limits Limits) decimal.Decimal {
	if !price.IsPositive() {
		return qty
	}
	maxValue := pctOf(equity, limits.MaxPositionPct)
	maxQty := maxValue.Div(price)
	if qty.GreaterThan(maxQty) {
		return maxQty
	}
	return qty
}
