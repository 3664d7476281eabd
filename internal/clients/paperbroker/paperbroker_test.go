package paperbroker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

func newBroker(t *testing.T) (*PaperBroker, <-chan domain.ExecutionReport) {
	t.Helper()
	b := New("USD", domain.CommissionModel{
		Fixed: helmtest.Dec(t, "1"),
		Rate:  helmtest.Dec(t, "0.001"),
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	stream, err := b.Stream(ctx)
	require.NoError(t, err)
	return b, stream
}

func nextReport(t *testing.T, stream <-chan domain.ExecutionReport) domain.ExecutionReport {
	t.Helper()
	select {
	case report := <-stream:
		return report
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution report")
		return domain.ExecutionReport{}
	}
}

func TestPaperBroker_MarketOrderFillsWithCommission(t *testing.T) {
	b, stream := newBroker(t)
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9000"))

	ack, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
		Symbol:   helmtest.BTCUSDT,
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: helmtest.Dec(t, "0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW", ack.Status)

	report := nextReport(t, stream)
	assert.Equal(t, domain.ExecutionFill, report.Kind)
	assert.Equal(t, ack.BrokerOrderID, report.BrokerOrderID)
	assert.True(t, report.Price.Amount.Equal(helmtest.Dec(t, "9000")))
	assert.True(t, report.Quantity.Equal(helmtest.Dec(t, "0.1")))
	// 1 fixed + 0.1% of 900 notional.
	assert.True(t, report.Commission.Amount.Equal(helmtest.Dec(t, "1.9")))

	positions, err := b.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(helmtest.Dec(t, "0.1")))
}

func TestPaperBroker_MarketOrderWithoutQuoteIsTransient(t *testing.T) {
	b, _ := newBroker(t)

	_, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
		Symbol:   helmtest.BTCUSDT,
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: helmtest.Dec(t, "0.1"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsTransientBrokerError(err))
}

func TestPaperBroker_LimitOrderRestsUntilMarketable(t *testing.T) {
	b, stream := newBroker(t)
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9000"))

	limit := helmtest.USD(t, "8500")
	ack, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
		Symbol:     helmtest.BTCUSDT,
		Side:       domain.SideBuy,
		Type:       domain.TypeLimit,
		Quantity:   helmtest.Dec(t, "0.1"),
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	open, err := b.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ack.BrokerOrderID, open[0].BrokerOrderID)

	// Price drops through the limit: the order fills at its limit price.
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "8400"))

	report := nextReport(t, stream)
	assert.Equal(t, domain.ExecutionFill, report.Kind)
	assert.True(t, report.Price.Amount.Equal(helmtest.Dec(t, "8500")))

	open, err = b.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperBroker_MarketableLimitFillsImmediately(t *testing.T) {
	b, stream := newBroker(t)
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9000"))

	limit := helmtest.USD(t, "9100")
	_, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
		Symbol:     helmtest.BTCUSDT,
		Side:       domain.SideBuy,
		Type:       domain.TypeLimit,
		Quantity:   helmtest.Dec(t, "0.1"),
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	report := nextReport(t, stream)
	assert.Equal(t, domain.ExecutionFill, report.Kind)
	assert.True(t, report.Price.Amount.Equal(helmtest.Dec(t, "9100")))
}

func TestPaperBroker_CancelRestingOrder(t *testing.T) {
	b, stream := newBroker(t)
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9000"))

	limit := helmtest.USD(t, "8000")
	ack, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
		Symbol:     helmtest.BTCUSDT,
		Side:       domain.SideBuy,
		Type:       domain.TypeLimit,
		Quantity:   helmtest.Dec(t, "0.1"),
		LimitPrice: &limit,
	})
	require.NoError(t, err)

	require.NoError(t, b.CancelOrder(context.Background(), ack.BrokerOrderID, helmtest.BTCUSDT))

	report := nextReport(t, stream)
	assert.Equal(t, domain.ExecutionCancelConfirmed, report.Kind)
	assert.Equal(t, ack.BrokerOrderID, report.BrokerOrderID)

	// Cancelling again races a gone order.
	err = b.CancelOrder(context.Background(), ack.BrokerOrderID, helmtest.BTCUSDT)
	assert.ErrorIs(t, err, domain.ErrUnknownBrokerOrder)
}

func TestPaperBroker_SellReducesPosition(t *testing.T) {
	b, stream := newBroker(t)
	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9000"))

	for _, side := range []domain.OrderSide{domain.SideBuy, domain.SideSell} {
		_, err := b.PlaceOrder(context.Background(), domain.BrokerOrderRequest{
			Symbol:   helmtest.BTCUSDT,
			Side:     side,
			Type:     domain.TypeMarket,
			Quantity: helmtest.Dec(t, "0.1"),
		})
		require.NoError(t, err)
		nextReport(t, stream)
	}

	positions, err := b.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "flat position is not reported")
}

func TestPaperBroker_TickerPrice(t *testing.T) {
	b, _ := newBroker(t)

	_, err := b.TickerPrice(context.Background(), helmtest.BTCUSDT)
	assert.True(t, domain.IsTransientBrokerError(err))

	b.SetPrice(helmtest.BTCUSDT, helmtest.Dec(t, "9123.45"))
	price, err := b.TickerPrice(context.Background(), helmtest.BTCUSDT)
	require.NoError(t, err)
	assert.True(t, price.Amount.Equal(helmtest.Dec(t, "9123.45")))
	assert.Equal(t, "USD", price.Currency)
}
