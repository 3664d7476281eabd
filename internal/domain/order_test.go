package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/events"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	order, err := NewOrder(NewOrderParams{
		PortfolioID: "pf-1",
		Symbol:      NewSymbol("BINANCE", "BTCUSDT"),
		Side:        SideBuy,
		Type:        TypeMarket,
		Quantity:    decimal.NewFromInt(2),
		Reserved:    MustMoneyFromString("18000", "USD"),
	})
	require.NoError(t, err)
	return order
}

func TestNewOrder_RejectsBadInputs(t *testing.T) {
	_, err := NewOrder(NewOrderParams{Quantity: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = NewOrder(NewOrderParams{Quantity: decimal.NewFromInt(1), Type: TypeLimit})
	assert.Error(t, err, "limit order without a limit price")
}

func TestOrder_FullFill(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.Accept("bo-1")
	require.NoError(t, err)

	data, err := order.Fill(MustMoneyFromString("8950", "USD"), decimal.NewFromInt(2), time.Now())
	require.NoError(t, err)

	filled, ok := data.(*events.OrderFilledData)
	require.True(t, ok)
	assert.Equal(t, "8950", filled.FillPrice)
	assert.Equal(t, StatusFilled, order.CurrentStatus())
	assert.True(t, order.IsTerminal())
	assert.True(t, order.UnfilledQuantity().IsZero())
}

func TestOrder_PartialThenFull(t *testing.T) {
	order := newTestOrder(t)

	data, err := order.Fill(MustMoneyFromString("9000", "USD"), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)

	partial, ok := data.(*events.OrderPartiallyFilledData)
	require.True(t, ok)
	assert.Equal(t, "1", partial.Remaining)
	assert.Equal(t, StatusPartiallyFilled, order.CurrentStatus())
	assert.False(t, order.IsTerminal())

	data, err = order.Fill(MustMoneyFromString("9010", "USD"), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	_, ok = data.(*events.OrderFilledData)
	require.True(t, ok)
	assert.Equal(t, StatusFilled, order.CurrentStatus())
}

func TestOrder_OverfillRejected(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.Fill(MustMoneyFromString("9000", "USD"), decimal.NewFromInt(3), time.Now())
	assert.ErrorIs(t, err, ErrInvalidFillQuantity)
	assert.Equal(t, StatusPending, order.CurrentStatus(), "rejected fill must not change state")
}

func TestOrder_CancelIdempotent(t *testing.T) {
	order := newTestOrder(t)

	first := order.Cancel(time.Now())
	assert.Equal(t, CancelOK, first.Outcome)
	require.NotNil(t, first.Event)
	assert.Equal(t, "2", first.Event.Unfilled)
	assert.Equal(t, StatusCancelled, order.CurrentStatus())
	assert.False(t, order.IsTerminal(), "CANCELLED awaits broker confirmation")

	second := order.Cancel(time.Now())
	assert.Equal(t, CancelOK, second.Outcome)
	assert.Nil(t, second.Event, "repeated cancel emits no new event")
}

func TestOrder_CancelFilledConflict(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.Fill(MustMoneyFromString("9000", "USD"), decimal.NewFromInt(2), time.Now())
	require.NoError(t, err)

	res := order.Cancel(time.Now())
	assert.Equal(t, CancelConflict, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCannotCancelFilledOrder)
	assert.Equal(t, StatusFilled, order.CurrentStatus())
}

func TestOrder_CancelRejectedAlreadyTerminal(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.Reject("broker says no", time.Now())
	require.NoError(t, err)

	res := order.Cancel(time.Now())
	assert.Equal(t, CancelAlreadyTerminal, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrOrderAlreadyTerminal)
}

func TestOrder_ConfirmCancellation(t *testing.T) {
	order := newTestOrder(t)
	order.Cancel(time.Now())

	data, err := order.ConfirmCancellation(time.Now())
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, StatusCancelledConfirmed, order.CurrentStatus())
	assert.True(t, order.IsTerminal())

	// Confirming again is a no-op.
	data, err = order.ConfirmCancellation(time.Now())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestOrder_FillAfterCancelRejected(t *testing.T) {
	order := newTestOrder(t)
	order.Cancel(time.Now())

	_, err := order.Fill(MustMoneyFromString("9000", "USD"), decimal.NewFromInt(1), time.Now())
	assert.ErrorIs(t, err, ErrCannotFillCancelledOrder)
}

func TestOrder_RejectTerminalFails(t *testing.T) {
	order := newTestOrder(t)
	_, err := order.Fill(MustMoneyFromString("9000", "USD"), decimal.NewFromInt(2), time.Now())
	require.NoError(t, err)

	_, err = order.Reject("too late", time.Now())
	assert.ErrorIs(t, err, ErrOrderAlreadyTerminal)
}
