package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/events"
)

// OrderSide is the direction of an order.
type OrderSide string

// OrderType is the execution style of an order.
type OrderType string

// OrderStatus tracks the order lifecycle. Transitions only move forward.
type OrderStatus string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

const (
	StatusPending            OrderStatus = "PENDING"
	StatusPartiallyFilled    OrderStatus = "PARTIALLY_FILLED"
	StatusFilled             OrderStatus = "FILLED"
	StatusCancelled          OrderStatus = "CANCELLED"
	StatusCancelledConfirmed OrderStatus = "CANCELLED_CONFIRMED"
	StatusRejected           OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible from s.
// CANCELLED is not terminal: it still awaits broker confirmation.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelledConfirmed, StatusRejected:
		return true
	default:
		return false
	}
}

// Fill records a single execution against an order.
type Fill struct {
	Price     Money
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// CancelOutcome tags the result of a cancellation attempt so callers can
// branch explicitly on race outcomes instead of parsing errors.
type CancelOutcome int

const (
	// CancelOK - the order moved to CANCELLED (or already was; idempotent).
	CancelOK CancelOutcome = iota
	// CancelAlreadyTerminal - the order was already REJECTED or confirmed cancelled.
	CancelAlreadyTerminal
	// CancelConflict - the order filled before the cancel could apply.
	CancelConflict
)

// CancelResult is the tagged result of Order.Cancel.
type CancelResult struct {
	Outcome CancelOutcome
	Event   *events.OrderCancelledData // Non-nil only when a transition happened
	Err     error
}

// Order is the aggregate root for a single broker order. All state changes go
// through its methods, which validate the current status first and hand back
// the domain event describing the transition. The caller publishes the event;
// each event carries everything needed to reconstruct the transition.
type Order struct {
	mu sync.Mutex

	ID            string
	PortfolioID   string
	Symbol        Symbol
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    *Money // Nil for market orders
	Status        OrderStatus
	BrokerOrderID string
	// ReservedAmount is the cash earmarked for this order at creation time.
	// The portfolio releases or settles against it when the order terminates.
	ReservedAmount Money
	StopLoss       *Money
	TakeProfit     *Money
	CreatedAt      time.Time
	TerminalAt     *time.Time
	Fills          []Fill
	RejectReason   string
}

// NewOrderParams carries the inputs for creating an order.
type NewOrderParams struct {
	PortfolioID string
	Symbol      Symbol
	Side        OrderSide
	Type        OrderType
	Quantity    decimal.Decimal
	LimitPrice  *Money
	Reserved    Money
	StopLoss    *Money
	TakeProfit  *Money
}

// NewOrder creates a PENDING order. Quantity must be positive.
func NewOrder(p NewOrderParams) (*Order, error) {
	if !p.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, p.Quantity)
	}
	if p.Type == TypeLimit && p.LimitPrice == nil {
		return nil, fmt.Errorf("limit order requires a limit price")
	}
	return &Order{
		ID:             uuid.New().String(),
		PortfolioID:    p.PortfolioID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Type:           p.Type,
		Quantity:       p.Quantity,
		LimitPrice:     p.LimitPrice,
		Status:         StatusPending,
		ReservedAmount: p.Reserved,
		StopLoss:       p.StopLoss,
		TakeProfit:     p.TakeProfit,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Accept records the broker's synchronous acknowledgment and returns the
// OrderPlaced event. The order stays PENDING until fills or cancels arrive.
func (o *Order) Accept(brokerOrderID string) (*events.OrderPlacedData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("accept %s: %w", o.ID, ErrOrderAlreadyTerminal)
	}
	o.BrokerOrderID = brokerOrderID

	return &events.OrderPlacedData{
		OrderID:       o.ID,
		PortfolioID:   o.PortfolioID,
		BrokerOrderID: brokerOrderID,
		Symbol:        o.Symbol.String(),
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      o.Quantity.String(),
		Reserved:      o.ReservedAmount.Amount.String(),
		Currency:      o.ReservedAmount.Currency,
	}, nil
}

// UnfilledQuantity returns quantity minus the sum of fill quantities.
// It is never negative.
func (o *Order) UnfilledQuantity() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unfilledLocked()
}

func (o *Order) unfilledLocked() decimal.Decimal {
	filled := decimal.Zero
	for _, f := range o.Fills {
		filled = filled.Add(f.Quantity)
	}
	return o.Quantity.Sub(filled)
}

// Fill applies an execution. Partial fills move the order to
// PARTIALLY_FILLED; the fill that brings the unfilled quantity to zero moves
// it to FILLED. Returns the event for the transition that happened.
func (o *Order) Fill(price Money, quantity decimal.Decimal, ts time.Time) (events.EventData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.Status == StatusCancelled || o.Status == StatusCancelledConfirmed:
		return nil, fmt.Errorf("fill %s: %w", o.ID, ErrCannotFillCancelledOrder)
	case o.Status.IsTerminal():
		return nil, fmt.Errorf("fill %s: %w", o.ID, ErrOrderAlreadyTerminal)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("fill %s: %w", o.ID, ErrInvalidQuantity)
	}

	unfilled := o.unfilledLocked()
	if quantity.GreaterThan(unfilled) {
		return nil, fmt.Errorf("fill %s: %w: fill %s > unfilled %s",
			o.ID, ErrInvalidFillQuantity, quantity, unfilled)
	}

	o.Fills = append(o.Fills, Fill{Price: price, Quantity: quantity, Timestamp: ts})
	remaining := unfilled.Sub(quantity)

	if remaining.IsZero() {
		o.Status = StatusFilled
		t := ts.UTC()
		o.TerminalAt = &t
		return &events.OrderFilledData{
			OrderID:       o.ID,
			PortfolioID:   o.PortfolioID,
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol.String(),
			Side:          string(o.Side),
			FillPrice:     price.Amount.String(),
			FillQuantity:  quantity.String(),
			Currency:      price.Currency,
			FilledAt:      ts.UTC(),
		}, nil
	}

	o.Status = StatusPartiallyFilled
	return &events.OrderPartiallyFilledData{
		OrderID:       o.ID,
		PortfolioID:   o.PortfolioID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol.String(),
		Side:          string(o.Side),
		FillPrice:     price.Amount.String(),
		FillQuantity:  quantity.String(),
		Remaining:     remaining.String(),
		Currency:      price.Currency,
		FilledAt:      ts.UTC(),
	}, nil
}

// Cancel attempts a local cancellation. Cancellation is idempotent: repeating
// it on an already-CANCELLED order returns CancelOK with no new event, since
// callers may retry after a timeout. Cancelling a FILLED order reports a
// conflict with ErrCannotCancelFilledOrder.
func (o *Order) Cancel(now time.Time) CancelResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case StatusCancelled, StatusCancelledConfirmed:
		return CancelResult{Outcome: CancelOK}
	case StatusFilled:
		return CancelResult{
			Outcome: CancelConflict,
			Err:     fmt.Errorf("cancel %s: %w", o.ID, ErrCannotCancelFilledOrder),
		}
	case StatusRejected:
		return CancelResult{
			Outcome: CancelAlreadyTerminal,
			Err:     fmt.Errorf("cancel %s: %w", o.ID, ErrOrderAlreadyTerminal),
		}
	}

	o.Status = StatusCancelled
	return CancelResult{
		Outcome: CancelOK,
		Event: &events.OrderCancelledData{
			OrderID:       o.ID,
			PortfolioID:   o.PortfolioID,
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol.String(),
			Unfilled:      o.unfilledLocked().String(),
			Reserved:      o.ReservedAmount.Amount.String(),
			Currency:      o.ReservedAmount.Currency,
			CancelledAt:   now.UTC(),
		},
	}
}

// ConfirmCancellation records the broker's acknowledgment of a cancellation.
// Confirming an already-confirmed cancellation is a no-op returning nil.
func (o *Order) ConfirmCancellation(now time.Time) (*events.OrderCancellationConfirmedData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.Status {
	case StatusCancelledConfirmed:
		return nil, nil
	case StatusCancelled:
	default:
		return nil, fmt.Errorf("confirm cancellation %s: order is %s: %w",
			o.ID, o.Status, ErrOrderAlreadyTerminal)
	}

	o.Status = StatusCancelledConfirmed
	t := now.UTC()
	o.TerminalAt = &t

	return &events.OrderCancellationConfirmedData{
		OrderID:       o.ID,
		PortfolioID:   o.PortfolioID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol.String(),
		Reserved:      o.ReservedAmount.Amount.String(),
		Currency:      o.ReservedAmount.Currency,
		ConfirmedAt:   t,
	}, nil
}

// Reject moves the order to REJECTED. Used for synchronous broker rejections,
// permanent broker failures, and reconciliation of lost orders.
func (o *Order) Reject(reason string, now time.Time) (*events.OrderRejectedData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("reject %s: %w", o.ID, ErrOrderAlreadyTerminal)
	}

	o.Status = StatusRejected
	o.RejectReason = reason
	t := now.UTC()
	o.TerminalAt = &t

	return &events.OrderRejectedData{
		OrderID:       o.ID,
		PortfolioID:   o.PortfolioID,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol.String(),
		Reason:        reason,
		Reserved:      o.ReservedAmount.Amount.String(),
		Currency:      o.ReservedAmount.Currency,
		RejectedAt:    t,
	}, nil
}

// IsTerminal reports whether the order reached a terminal state.
func (o *Order) IsTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status.IsTerminal()
}

// CurrentStatus returns the order status under the aggregate lock.
func (o *Order) CurrentStatus() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Status
}
