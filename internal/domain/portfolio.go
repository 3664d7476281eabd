package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/events"
)

// CostBasisMethod selects how closed quantity is matched against open lots.
type CostBasisMethod string

const (
	CostBasisAverage CostBasisMethod = "average"
	CostBasisFIFO    CostBasisMethod = "fifo"
	CostBasisLIFO    CostBasisMethod = "lifo"
)

// ParseCostBasisMethod parses a cost basis method name.
func ParseCostBasisMethod(s string) (CostBasisMethod, error) {
	switch CostBasisMethod(s) {
	case CostBasisAverage, CostBasisFIFO, CostBasisLIFO:
		return CostBasisMethod(s), nil
	}
	return "", fmt.Errorf("unknown cost basis method: %q", s)
}

// lot is an open parcel of a position. Quantity is always positive; the
// position's direction is carried by Position.Quantity's sign.
type lot struct {
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
	OpenedAt time.Time
}

// Position is a holding in one symbol. Quantity is signed: positive for
// long, negative for short.
type Position struct {
	Symbol      Symbol
	Quantity    decimal.Decimal
	AverageCost decimal.Decimal
	lots        []lot
}

// PositionSnapshot is an immutable copy of a position.
type PositionSnapshot struct {
	Symbol      Symbol          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// PortfolioSnapshot is an immutable copy of a portfolio's state, safe to
// read without holding the aggregate lock.
type PortfolioSnapshot struct {
	ID            string             `json:"id"`
	Currency      string             `json:"currency"`
	CashAvailable decimal.Decimal    `json:"cash_available"`
	CashReserved  decimal.Decimal    `json:"cash_reserved"`
	RealizedPnL   decimal.Decimal    `json:"realized_pnl"`
	Positions     []PositionSnapshot `json:"positions"`
}

// Portfolio owns the cash balance, reserved funds, and positions for one
// account. It is the only place balances change. All mutating operations
// take the aggregate's own lock; no I/O happens under it. Two portfolios
// are never locked together.
type Portfolio struct {
	mu sync.Mutex

	ID            string
	Currency      string
	CashAvailable decimal.Decimal
	CashReserved  decimal.Decimal
	RealizedPnL   decimal.Decimal

	costBasis    CostBasisMethod
	positions    map[Symbol]*Position
	reservations map[string]decimal.Decimal // order ID -> remaining reservation
}

// NewPortfolio creates a portfolio with the given opening cash balance.
func NewPortfolio(id, currency string, openingCash decimal.Decimal, method CostBasisMethod) (*Portfolio, error) {
	if openingCash.IsNegative() {
		return nil, fmt.Errorf("opening cash must not be negative: %s", openingCash)
	}
	if method == "" {
		method = CostBasisAverage
	}
	return &Portfolio{
		ID:            id,
		Currency:      currency,
		CashAvailable: openingCash,
		costBasis:     method,
		positions:     make(map[Symbol]*Position),
		reservations:  make(map[string]decimal.Decimal),
	}, nil
}

// Reserve atomically moves amount from available to reserved on behalf of
// an order. Fails with ErrInsufficientFunds if amount exceeds available.
func (p *Portfolio) Reserve(orderID string, amount Money) (*events.FundsReservedData, error) {
	if amount.Currency != p.Currency {
		return nil, fmt.Errorf("reserve %s in %s portfolio: %w", amount.Currency, p.Currency, ErrCurrencyMismatch)
	}
	if amount.Amount.IsNegative() {
		return nil, fmt.Errorf("reserve negative amount %s: %w", amount.Amount, ErrInvalidQuantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.Amount.GreaterThan(p.CashAvailable) {
		return nil, fmt.Errorf("reserve %s with %s available: %w", amount.Amount, p.CashAvailable, ErrInsufficientFunds)
	}

	p.CashAvailable = p.CashAvailable.Sub(amount.Amount)
	p.CashReserved = p.CashReserved.Add(amount.Amount)
	p.reservations[orderID] = p.reservations[orderID].Add(amount.Amount)

	return &events.FundsReservedData{
		PortfolioID: p.ID,
		OrderID:     orderID,
		Amount:      amount.Amount.String(),
		Currency:    p.Currency,
		Available:   p.CashAvailable.String(),
		Reserved:    p.CashReserved.String(),
	}, nil
}

// Release moves an order's reservation back to available. Releasing more
// than the order still has reserved is not fatal: the amount is clamped to
// the remaining reservation and the event records that it was clamped.
func (p *Portfolio) Release(orderID string, amount Money) (*events.FundsReleasedData, error) {
	if amount.Currency != p.Currency {
		return nil, fmt.Errorf("release %s in %s portfolio: %w", amount.Currency, p.Currency, ErrCurrencyMismatch)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.reservations[orderID]
	release := amount.Amount
	clamped := false
	if release.GreaterThan(remaining) {
		release = remaining
		clamped = true
	}

	p.CashReserved = p.CashReserved.Sub(release)
	p.CashAvailable = p.CashAvailable.Add(release)
	left := remaining.Sub(release)
	if left.IsZero() {
		delete(p.reservations, orderID)
	} else {
		p.reservations[orderID] = left
	}

	return &events.FundsReleasedData{
		PortfolioID: p.ID,
		OrderID:     orderID,
		Amount:      release.String(),
		Currency:    p.Currency,
		Clamped:     clamped,
		Available:   p.CashAvailable.String(),
		Reserved:    p.CashReserved.String(),
	}, nil
}

// ReleaseAll releases whatever reservation remains for an order.
func (p *Portfolio) ReleaseAll(orderID string) (*events.FundsReleasedData, error) {
	p.mu.Lock()
	remaining := p.reservations[orderID]
	p.mu.Unlock()
	return p.Release(orderID, Money{Amount: remaining, Currency: p.Currency})
}

// SettleFillParams describes one broker fill to apply to the portfolio.
type SettleFillParams struct {
	OrderID    string
	Symbol     Symbol
	Side       OrderSide
	Price      Money
	Quantity   decimal.Decimal
	Commission Money
	// Final marks the fill that completed the order; any leftover
	// reservation is refunded to available.
	Final bool
	Time  time.Time
}

// SettleFill applies one fill. For buys the actual spend (price * quantity
// plus commission) moves out of reserved into the position's cost basis,
// drawing from available if the fill cost more than was reserved for it.
// For sells the proceeds net of commission go to available. Closing
// quantity realizes P&L against the open lots per the configured cost
// basis method. When the fill is final, the order's leftover reservation
// is refunded to available.
func (p *Portfolio) SettleFill(params SettleFillParams) (*events.FillSettledData, *events.PositionClosedData, error) {
	if params.Price.Currency != p.Currency {
		return nil, nil, fmt.Errorf("settle %s fill in %s portfolio: %w", params.Price.Currency, p.Currency, ErrCurrencyMismatch)
	}
	if !params.Quantity.IsPositive() {
		return nil, nil, fmt.Errorf("settle fill quantity %s: %w", params.Quantity, ErrInvalidFillQuantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	gross := params.Price.Amount.Mul(params.Quantity)
	commission := params.Commission.Amount

	var spent, refunded, shortfall decimal.Decimal
	switch params.Side {
	case SideBuy:
		spent = gross.Add(commission)
		remaining := p.reservations[params.OrderID]
		fromReserved := spent
		if fromReserved.GreaterThan(remaining) {
			fromReserved = remaining
		}
		p.CashReserved = p.CashReserved.Sub(fromReserved)
		p.reservations[params.OrderID] = remaining.Sub(fromReserved)
		overrun := spent.Sub(fromReserved)
		if overrun.IsPositive() {
			// Available cash never goes negative. Whatever the overrun
			// cannot cover is reported as a shortfall for the caller to
			// flag.
			draw := overrun
			if draw.GreaterThan(p.CashAvailable) {
				draw = p.CashAvailable
				shortfall = overrun.Sub(draw)
			}
			p.CashAvailable = p.CashAvailable.Sub(draw)
		}
	case SideSell:
		proceeds := gross.Sub(commission)
		p.CashAvailable = p.CashAvailable.Add(proceeds)
	default:
		return nil, nil, fmt.Errorf("settle fill: unknown side %q", params.Side)
	}

	realized := p.applyToPosition(params.Symbol, params.Side, params.Price.Amount, params.Quantity, commission, params.Time)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	if params.Final {
		leftover := p.reservations[params.OrderID]
		if leftover.IsPositive() {
			p.CashReserved = p.CashReserved.Sub(leftover)
			p.CashAvailable = p.CashAvailable.Add(leftover)
			refunded = leftover
		}
		delete(p.reservations, params.OrderID)
	}

	pos := p.positions[params.Symbol]
	posQty := decimal.Zero
	avgCost := decimal.Zero
	var closed *events.PositionClosedData
	if pos != nil {
		posQty = pos.Quantity
		avgCost = pos.AverageCost
		if pos.Quantity.IsZero() {
			delete(p.positions, params.Symbol)
			closed = &events.PositionClosedData{
				PortfolioID: p.ID,
				Symbol:      params.Symbol.String(),
				RealizedPnL: realized.String(),
				Currency:    p.Currency,
			}
		}
	}

	settled := &events.FillSettledData{
		PortfolioID: p.ID,
		OrderID:     params.OrderID,
		Symbol:      params.Symbol.String(),
		Side:        string(params.Side),
		Spent:       spent.String(),
		Refunded:    refunded.String(),
		Commission:  commission.String(),
		RealizedPnL: realized.String(),
		Currency:    p.Currency,
		PositionQty: posQty.String(),
		AverageCost: avgCost.String(),
		Shortfall:   shortfall.String(),
	}
	return settled, closed, nil
}

// applyToPosition mutates the position for one fill and returns the
// realized P&L. Caller holds the lock.
func (p *Portfolio) applyToPosition(symbol Symbol, side OrderSide, price, qty, commission decimal.Decimal, at time.Time) decimal.Decimal {
	pos := p.positions[symbol]
	if pos == nil {
		pos = &Position{Symbol: symbol}
		p.positions[symbol] = pos
	}

	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}

	realized := decimal.Zero
	remaining := qty

	// Opposite-direction quantity closes open lots first.
	if !pos.Quantity.IsZero() && pos.Quantity.Sign() != signed.Sign() {
		long := pos.Quantity.IsPositive()
		for remaining.IsPositive() && len(pos.lots) > 0 {
			idx := p.nextLotIndex(pos)
			l := &pos.lots[idx]
			consume := decimal.Min(remaining, l.Quantity)
			if long {
				realized = realized.Add(price.Sub(l.UnitCost).Mul(consume))
			} else {
				realized = realized.Add(l.UnitCost.Sub(price).Mul(consume))
			}
			l.Quantity = l.Quantity.Sub(consume)
			remaining = remaining.Sub(consume)
			if l.Quantity.IsZero() {
				pos.lots = append(pos.lots[:idx], pos.lots[idx+1:]...)
			}
			if long {
				pos.Quantity = pos.Quantity.Sub(consume)
			} else {
				pos.Quantity = pos.Quantity.Add(consume)
			}
		}
		realized = realized.Sub(commission)
	}

	// Whatever was not matched opens or extends a position in the fill's
	// direction.
	if remaining.IsPositive() {
		pos.lots = append(pos.lots, lot{Quantity: remaining, UnitCost: price, OpenedAt: at})
		if side == SideBuy {
			pos.Quantity = pos.Quantity.Add(remaining)
		} else {
			pos.Quantity = pos.Quantity.Sub(remaining)
		}
	}

	pos.AverageCost = p.averageCost(pos)
	return realized
}

// nextLotIndex picks the lot the next close consumes. Average collapses to
// a single blended lot so index 0 always applies.
func (p *Portfolio) nextLotIndex(pos *Position) int {
	switch p.costBasis {
	case CostBasisLIFO:
		return len(pos.lots) - 1
	default: // fifo and average
		return 0
	}
}

func (p *Portfolio) averageCost(pos *Position) decimal.Decimal {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, l := range pos.lots {
		totalQty = totalQty.Add(l.Quantity)
		totalCost = totalCost.Add(l.UnitCost.Mul(l.Quantity))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	avg := totalCost.Div(totalQty)
	if p.costBasis == CostBasisAverage && len(pos.lots) > 1 {
		// Blend into one lot so later closes match at the weighted average.
		opened := pos.lots[0].OpenedAt
		pos.lots = []lot{{Quantity: totalQty, UnitCost: avg, OpenedAt: opened}}
	}
	return avg
}

// Position returns a copy of the position for a symbol, if any.
func (p *Portfolio) Position(symbol Symbol) (PositionSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return PositionSnapshot{}, false
	}
	return PositionSnapshot{Symbol: pos.Symbol, Quantity: pos.Quantity, AverageCost: pos.AverageCost}, true
}

// ReservedFor reports the remaining reservation for an order.
func (p *Portfolio) ReservedFor(orderID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reservations[orderID]
}

// Snapshot returns a deep copy of the portfolio state.
func (p *Portfolio) Snapshot() PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PortfolioSnapshot{
		ID:            p.ID,
		Currency:      p.Currency,
		CashAvailable: p.CashAvailable,
		CashReserved:  p.CashReserved,
		RealizedPnL:   p.RealizedPnL,
		Positions:     make([]PositionSnapshot, 0, len(p.positions)),
	}
	for _, pos := range p.positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
		})
	}
	return snap
}

// Equity computes cash plus the market value of all positions at the given
// prices. Symbols without a price are valued at their average cost.
func (p *Portfolio) Equity(prices map[Symbol]decimal.Decimal) Money {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.CashAvailable.Add(p.CashReserved)
	for sym, pos := range p.positions {
		price, ok := prices[sym]
		if !ok {
			price = pos.AverageCost
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return Money{Amount: total, Currency: p.Currency}
}

// RestorePosition seeds a position during recovery, bypassing settlement.
// Quantity is signed. The entire quantity becomes one lot at avgCost.
func (p *Portfolio) RestorePosition(symbol Symbol, quantity, avgCost decimal.Decimal, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if quantity.IsZero() {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &Position{
		Symbol:      symbol,
		Quantity:    quantity,
		AverageCost: avgCost,
		lots:        []lot{{Quantity: quantity.Abs(), UnitCost: avgCost, OpenedAt: at}},
	}
}

// RestoreReservation seeds an order reservation during recovery. The cash
// split between available and reserved must already reflect it.
func (p *Portfolio) RestoreReservation(orderID string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount.IsPositive() {
		p.reservations[orderID] = amount
	}
}

// CostBasis reports the configured cost basis method.
func (p *Portfolio) CostBasis() CostBasisMethod {
	return p.costBasis
}
