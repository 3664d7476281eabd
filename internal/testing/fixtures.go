package testing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// Dec parses a decimal literal, failing the test on garbage.
func Dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// USD wraps a decimal literal as US dollars.
func USD(t *testing.T, s string) domain.Money {
	t.Helper()
	return domain.NewMoney(Dec(t, s), "USD")
}

// NewPortfolio creates a USD portfolio with the given opening cash.
func NewPortfolio(t *testing.T, id, cash string) *domain.Portfolio {
	t.Helper()
	pf, err := domain.NewPortfolio(id, "USD", Dec(t, cash), domain.CostBasisAverage)
	require.NoError(t, err)
	return pf
}

// NewBuyOrder creates a PENDING market BUY order with funds already
// accounted as reserved.
func NewBuyOrder(t *testing.T, portfolioID string, symbol domain.Symbol, qty, reserved string) *domain.Order {
	t.Helper()
	order, err := domain.NewOrder(domain.NewOrderParams{
		PortfolioID: portfolioID,
		Symbol:      symbol,
		Side:        domain.SideBuy,
		Type:        domain.TypeMarket,
		Quantity:    Dec(t, qty),
		Reserved:    USD(t, reserved),
	})
	require.NoError(t, err)
	return order
}

// BTCUSDT is the symbol most fixtures trade.
var BTCUSDT = domain.NewSymbol("BINANCE", "BTCUSDT")
