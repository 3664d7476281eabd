package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

func TestFixedFractional_Size(t *testing.T) {
	sizer := FixedFractional{Fraction: dec("0.02")}

	signal := &domain.Signal{Confidence: dec("1")}
	qty := sizer.Size(dec("10000"), dec("100"), signal)
	assert.Equal(t, "2", qty.String())

	// Half confidence halves the position.
	signal.Confidence = dec("0.5")
	qty = sizer.Size(dec("10000"), dec("100"), signal)
	assert.Equal(t, "1", qty.String())

	// Zero confidence is treated as unset.
	signal.Confidence = decimal.Zero
	qty = sizer.Size(dec("10000"), dec("100"), signal)
	assert.Equal(t, "2", qty.String())

	assert.True(t, sizer.Size(decimal.Zero, dec("100"), signal).IsZero())
	assert.True(t, sizer.Size(dec("10000"), decimal.Zero, signal).IsZero())
}

func TestVolatilityScaled_ShrinksOnHighVol(t *testing.T) {
	sizer := VolatilityScaled{Fraction: dec("0.02"), TargetVolatility: 0.02}

	calm := &domain.Signal{
		Confidence: dec("1"),
		Returns:    []float64{0.001, -0.001, 0.002, -0.002, 0.001},
	}
	qty := sizer.Size(dec("10000"), dec("100"), calm)
	assert.Equal(t, "2", qty.String(), "low volatility keeps the base size")

	wild := &domain.Signal{
		Confidence: dec("1"),
		Returns:    []float64{0.10, -0.12, 0.09, -0.11, 0.10},
	}
	qty = sizer.Size(dec("10000"), dec("100"), wild)
	assert.True(t, qty.LessThan(dec("2")), "high volatility shrinks the size, got %s", qty)
	assert.True(t, qty.IsPositive())
}

func TestVolatilityScaled_NoReturnsFallsBack(t *testing.T) {
	sizer := VolatilityScaled{Fraction: dec("0.02"), TargetVolatility: 0.02}
	signal := &domain.Signal{Confidence: dec("1")}

	qty := sizer.Size(dec("10000"), dec("100"), signal)
	assert.Equal(t, "2", qty.String())
}

func TestCapToPositionLimit(t *testing.T) {
	limits := DefaultLimits() // 10% max position

	// 5 units at 100 = 500, within 10% of 10000.
	capped := CapToPositionLimit(dec("5"), dec("100"), dec("10000"), limits)
	assert.Equal(t, "5", capped.String())

	// 20 units at 100 = 2000, capped to 1000 worth.
	capped = CapToPositionLimit(dec("20"), dec("100"), dec("10000"), limits)
	assert.Equal(t, "10", capped.String())
}
