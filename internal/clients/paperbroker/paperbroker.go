// Package paperbroker is an in-process simulated venue for development and
// testing. It implements domain.BrokerClient: market orders fill instantly
// at the current mark price, limit orders rest until a price update makes
// them marketable.
package paperbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// codeNoQuote marks the simulated "no market data yet" condition. It is
// transient: a quote may arrive on the next tick.
const codeNoQuote = -1

type restingOrder struct {
	brokerOrderID string
	clientOrderID string
	symbol        domain.Symbol
	side          domain.OrderSide
	orderType     domain.OrderType
	quantity      decimal.Decimal
	limitPrice    domain.Money
	placedAt      time.Time
}

// PaperBroker simulates order execution against mark prices set with
// SetPrice. Safe for concurrent use.
type PaperBroker struct {
	mu         sync.Mutex
	currency   string
	commission domain.CommissionModel
	prices     map[domain.Symbol]decimal.Decimal
	resting    map[string]*restingOrder
	positions  map[domain.Symbol]decimal.Decimal
	nextID     int
	reports    chan domain.ExecutionReport
	streaming  bool
	log        zerolog.Logger
}

// New creates a paper broker quoting in the given currency.
func New(currency string, commission domain.CommissionModel, log zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		currency:   currency,
		commission: commission,
		prices:     make(map[domain.Symbol]decimal.Decimal),
		resting:    make(map[string]*restingOrder),
		positions:  make(map[domain.Symbol]decimal.Decimal),
		reports:    make(chan domain.ExecutionReport, 256),
		log:        log.With().Str("component", "paper_broker").Logger(),
	}
}

func (b *PaperBroker) Name() string { return "paper" }

// SetPrice updates the mark price for a symbol and fills any resting limit
// orders the new price makes marketable.
func (b *PaperBroker) SetPrice(symbol domain.Symbol, price decimal.Decimal) {
	b.mu.Lock()
	b.prices[symbol] = price

	var fills []domain.ExecutionReport
	for id, ro := range b.resting {
		if ro.symbol != symbol || !marketable(ro.side, ro.limitPrice.Amount, price) {
			continue
		}
		delete(b.resting, id)
		// A resting limit order executes at its limit price.
		fills = append(fills, b.fillLocked(ro, ro.limitPrice.Amount))
	}
	b.mu.Unlock()

	for _, report := range fills {
		b.deliver(report)
	}
}

// PlaceOrder acknowledges the order and, when it is marketable, emits the
// fill on the execution stream.
func (b *PaperBroker) PlaceOrder(_ context.Context, req domain.BrokerOrderRequest) (domain.BrokerOrderAck, error) {
	b.mu.Lock()

	mark, quoted := b.prices[req.Symbol]
	if req.Type == domain.TypeMarket && !quoted {
		b.mu.Unlock()
		return domain.BrokerOrderAck{}, &domain.BrokerError{
			Code:      codeNoQuote,
			Message:   fmt.Sprintf("no mark price for %s", req.Symbol),
			Transient: true,
		}
	}

	b.nextID++
	ro := &restingOrder{
		brokerOrderID: fmt.Sprintf("paper-%d", b.nextID),
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		orderType:     req.Type,
		quantity:      req.Quantity,
		placedAt:      time.Now().UTC(),
	}
	if req.LimitPrice != nil {
		ro.limitPrice = *req.LimitPrice
	}

	ack := domain.BrokerOrderAck{
		BrokerOrderID: ro.brokerOrderID,
		Status:        "NEW",
		PlacedAt:      ro.placedAt,
	}

	var report *domain.ExecutionReport
	switch {
	case req.Type == domain.TypeMarket:
		r := b.fillLocked(ro, mark)
		report = &r
	case quoted && marketable(req.Side, ro.limitPrice.Amount, mark):
		r := b.fillLocked(ro, ro.limitPrice.Amount)
		report = &r
	default:
		b.resting[ro.brokerOrderID] = ro
	}
	b.mu.Unlock()

	if report != nil {
		b.deliver(*report)
	}
	return ack, nil
}

// CancelOrder removes a resting order and emits the cancel confirmation.
// Cancelling an order that already filled returns ErrUnknownBrokerOrder,
// matching how a live venue reports the lost race.
func (b *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string, symbol domain.Symbol) error {
	b.mu.Lock()
	ro, ok := b.resting[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrUnknownBrokerOrder
	}
	delete(b.resting, brokerOrderID)
	b.mu.Unlock()

	b.deliver(domain.ExecutionReport{
		Kind:          domain.ExecutionCancelConfirmed,
		BrokerOrderID: ro.brokerOrderID,
		Symbol:        symbol,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

func (b *PaperBroker) OrderStatus(_ context.Context, brokerOrderID string, _ domain.Symbol) (domain.BrokerOpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ro, ok := b.resting[brokerOrderID]
	if !ok {
		return domain.BrokerOpenOrder{}, domain.ErrUnknownBrokerOrder
	}
	return openOrderOf(ro), nil
}

func (b *PaperBroker) OpenOrders(_ context.Context) ([]domain.BrokerOpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerOpenOrder, 0, len(b.resting))
	for _, ro := range b.resting {
		out = append(out, openOrderOf(ro))
	}
	return out, nil
}

func (b *PaperBroker) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for sym, qty := range b.positions {
		if !qty.IsZero() {
			out = append(out, domain.BrokerPosition{Symbol: sym, Quantity: qty})
		}
	}
	return out, nil
}

func (b *PaperBroker) TickerPrice(_ context.Context, symbol domain.Symbol) (domain.Money, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok {
		return domain.Money{}, &domain.BrokerError{
			Code:      codeNoQuote,
			Message:   fmt.Sprintf("no mark price for %s", symbol),
			Transient: true,
		}
	}
	return domain.NewMoney(price, b.currency), nil
}

// Stream hands out the execution report channel. The paper broker supports
// a single consumer; the channel closes when the context is cancelled.
func (b *PaperBroker) Stream(ctx context.Context) (<-chan domain.ExecutionReport, error) {
	b.mu.Lock()
	if b.streaming {
		b.mu.Unlock()
		return nil, fmt.Errorf("paper broker stream already consumed")
	}
	b.streaming = true
	b.mu.Unlock()

	out := make(chan domain.ExecutionReport)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case report := <-b.reports:
				select {
				case out <- report:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// fillLocked executes the full quantity at the given price, updates the
// simulated position, and builds the report. Caller holds b.mu.
func (b *PaperBroker) fillLocked(ro *restingOrder, price decimal.Decimal) domain.ExecutionReport {
	signed := ro.quantity
	if ro.side == domain.SideSell {
		signed = signed.Neg()
	}
	b.positions[ro.symbol] = b.positions[ro.symbol].Add(signed)

	notional := price.Mul(ro.quantity)
	return domain.ExecutionReport{
		Kind:          domain.ExecutionFill,
		BrokerOrderID: ro.brokerOrderID,
		Symbol:        ro.symbol,
		Price:         domain.NewMoney(price, b.currency),
		Quantity:      ro.quantity,
		Commission:    domain.NewMoney(b.commission.Of(notional), b.currency),
		Timestamp:     time.Now().UTC(),
	}
}

func (b *PaperBroker) deliver(report domain.ExecutionReport) {
	select {
	case b.reports <- report:
	default:
		b.log.Error().
			Str("broker_order_id", report.BrokerOrderID).
			Msg("Execution report buffer full, report dropped")
	}
}

func marketable(side domain.OrderSide, limit, mark decimal.Decimal) bool {
	if side == domain.SideBuy {
		return mark.LessThanOrEqual(limit)
	}
	return mark.GreaterThanOrEqual(limit)
}

func openOrderOf(ro *restingOrder) domain.BrokerOpenOrder {
	oo := domain.BrokerOpenOrder{
		BrokerOrderID: ro.brokerOrderID,
		ClientOrderID: ro.clientOrderID,
		Symbol:        ro.symbol,
		Side:          ro.side,
		Type:          ro.orderType,
		Quantity:      ro.quantity,
		FilledQty:     decimal.Zero,
		PlacedAt:      ro.placedAt,
	}
	if ro.orderType == domain.TypeLimit {
		price := ro.limitPrice
		oo.LimitPrice = &price
	}
	return oo
}
