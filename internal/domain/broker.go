package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CommissionModel describes a venue's fee per execution: a fixed amount
// plus a fraction of the notional. The zero value charges nothing.
type CommissionModel struct {
	Fixed decimal.Decimal
	Rate  decimal.Decimal
}

// Of returns the fee charged on a fill of the given notional value.
func (c CommissionModel) Of(notional decimal.Decimal) decimal.Decimal {
	return c.Fixed.Add(notional.Abs().Mul(c.Rate))
}

// BrokerOrderRequest is the order as submitted to the broker.
type BrokerOrderRequest struct {
	ClientOrderID string
	Symbol        Symbol
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    *Money
}

// BrokerOrderAck is the broker's synchronous acknowledgment of a placed
// order. Fills arrive later on the execution report stream.
type BrokerOrderAck struct {
	BrokerOrderID string
	Status        string
	PlacedAt      time.Time
}

// BrokerOpenOrder is one entry of the broker's authoritative open-orders
// list, used during reconciliation.
type BrokerOpenOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        Symbol
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	LimitPrice    *Money
	PlacedAt      time.Time
}

// BrokerPosition is one entry of the broker's authoritative positions list.
type BrokerPosition struct {
	Symbol   Symbol
	Quantity decimal.Decimal
}

// ExecutionKind distinguishes the asynchronous broker confirmations.
type ExecutionKind string

const (
	ExecutionFill            ExecutionKind = "FILL"
	ExecutionCancelConfirmed ExecutionKind = "CANCEL_CONFIRMED"
	ExecutionRejected        ExecutionKind = "REJECTED"
)

// ExecutionReport is an asynchronous confirmation from the broker, matched
// to a local order by BrokerOrderID.
type ExecutionReport struct {
	Kind          ExecutionKind
	BrokerOrderID string
	Symbol        Symbol
	Price         Money
	Quantity      decimal.Decimal
	Commission    Money
	Reason        string
	Timestamp     time.Time
}

// BrokerClient is the port to the exchange. PlaceOrder and CancelOrder are
// synchronous acknowledgments; fills and cancel confirmations arrive on
// the Stream channel. Implementations must be safe for concurrent use.
type BrokerClient interface {
	PlaceOrder(ctx context.Context, req BrokerOrderRequest) (BrokerOrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string, symbol Symbol) error
	OrderStatus(ctx context.Context, brokerOrderID string, symbol Symbol) (BrokerOpenOrder, error)
	OpenOrders(ctx context.Context) ([]BrokerOpenOrder, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	TickerPrice(ctx context.Context, symbol Symbol) (Money, error)

	// Stream delivers execution reports until the context is cancelled.
	// Reports for the same order arrive in broker order.
	Stream(ctx context.Context) (<-chan ExecutionReport, error)

	Name() string
}
