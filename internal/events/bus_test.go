package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var received []Event
	bus.Subscribe(OrderPlaced, func(e Event) {
		received = append(received, e)
	})
	bus.Subscribe(OrderFilled, func(e Event) {
		t.Fatal("handler for a different event type should not fire")
	})

	bus.Publish("orders", "order-1", &OrderPlacedData{OrderID: "order-1", Symbol: "AAPL@NASDAQ"})

	require.Len(t, received, 1)
	assert.Equal(t, OrderPlaced, received[0].Type)
	assert.Equal(t, "orders", received[0].Module)
	assert.Equal(t, "order-1", received[0].AggregateID)

	data, ok := received[0].Data.(*OrderPlacedData)
	require.True(t, ok)
	assert.Equal(t, "AAPL@NASDAQ", data.Symbol)
}

func TestBus_PerAggregateSequence(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	e1 := bus.Publish("orders", "order-1", &OrderPlacedData{OrderID: "order-1"})
	e2 := bus.Publish("orders", "order-1", &OrderFilledData{OrderID: "order-1"})
	e3 := bus.Publish("orders", "order-2", &OrderPlacedData{OrderID: "order-2"})

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(1), e3.Seq, "each aggregate gets its own sequence")
}

func TestBus_MultipleHandlersSubscriptionOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var order []string
	bus.Subscribe(FundsReserved, func(e Event) { order = append(order, "first") })
	bus.Subscribe(FundsReserved, func(e Event) { order = append(order, "second") })

	bus.Publish("portfolio", "pf-1", &FundsReservedData{PortfolioID: "pf-1"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBus_PublishAfterCloseDropped(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	called := false
	bus.Subscribe(OrderPlaced, func(e Event) { called = true })

	bus.Close()
	event := bus.Publish("orders", "order-1", &OrderPlacedData{OrderID: "order-1"})

	assert.False(t, called)
	assert.Zero(t, event.Seq)
}

func TestManager_EmitNilDataNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	mgr := NewManager(bus, zerolog.Nop())

	fired := false
	bus.Subscribe(OrderPlaced, func(e Event) { fired = true })

	mgr.Emit("orders", "order-1", nil)
	assert.False(t, fired)
}
