// Package orders persists the order ledger.
package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/database"
	"github.com/helmsman-trade/helmsman/internal/domain"
)

// ErrNotFound is returned when an order does not exist in the ledger.
var ErrNotFound = errors.New("order not found")

// ordersColumns is the list of columns for the orders table.
// Column order must match scanOrder.
const ordersColumns = `id, portfolio_id, venue, ticker, side, type, quantity, limit_price,
currency, status, broker_order_id, reserved_amount, stop_loss, take_profit,
reject_reason, created_at, terminal_at`

// Repository handles order ledger database operations. The order row and
// its fills are always written together in one transaction, so a crash
// never leaves a fill without its order state.
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewRepository creates a new order repository
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "orders").Logger(),
	}
}

// Save upserts the order and its fills atomically.
func (r *Repository) Save(order *domain.Order) error {
	err := database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		query := `
			INSERT INTO orders
			(id, portfolio_id, venue, ticker, side, type, quantity, limit_price,
			 currency, status, broker_order_id, reserved_amount, stop_loss, take_profit,
			 reject_reason, created_at, terminal_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				broker_order_id = excluded.broker_order_id,
				reserved_amount = excluded.reserved_amount,
				reject_reason = excluded.reject_reason,
				terminal_at = excluded.terminal_at
		`
		status := order.CurrentStatus()
		_, err := tx.Exec(query,
			order.ID,
			order.PortfolioID,
			order.Symbol.Venue,
			order.Symbol.Ticker,
			string(order.Side),
			string(order.Type),
			order.Quantity.String(),
			nullMoney(order.LimitPrice),
			order.ReservedAmount.Currency,
			string(status),
			nullString(order.BrokerOrderID),
			order.ReservedAmount.Amount.String(),
			nullMoney(order.StopLoss),
			nullMoney(order.TakeProfit),
			nullString(order.RejectReason),
			order.CreatedAt.Format(time.RFC3339Nano),
			nullTime(order.TerminalAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert order: %w", err)
		}

		// Fills are append-only; re-insert from the first missing seq.
		var have int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM order_fills WHERE order_id = ?`, order.ID).Scan(&have); err != nil {
			return fmt.Errorf("failed to count fills: %w", err)
		}
		for i := have; i < len(order.Fills); i++ {
			f := order.Fills[i]
			_, err := tx.Exec(
				`INSERT INTO order_fills (order_id, seq, price, quantity, filled_at) VALUES (?, ?, ?, ?, ?)`,
				order.ID, i+1, f.Price.Amount.String(), f.Quantity.String(), f.Timestamp.Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("failed to insert fill %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("order_id", order.ID).
		Str("status", string(order.CurrentStatus())).
		Msg("Order saved")
	return nil
}

// GetByID retrieves an order with its fills.
func (r *Repository) GetByID(id string) (*domain.Order, error) {
	row := r.ledgerDB.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE id = ?", id)
	order, err := r.scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadFills(order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetByBrokerOrderID retrieves an order by the broker's identifier.
func (r *Repository) GetByBrokerOrderID(brokerOrderID string) (*domain.Order, error) {
	row := r.ledgerDB.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE broker_order_id = ?", brokerOrderID)
	order, err := r.scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadFills(order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOpen returns all non-terminal orders for a portfolio, including
// CANCELLED orders still awaiting broker confirmation.
func (r *Repository) ListOpen(portfolioID string) ([]*domain.Order, error) {
	return r.list(
		"SELECT "+ordersColumns+" FROM orders WHERE portfolio_id = ? AND status IN (?, ?, ?)",
		portfolioID,
		string(domain.StatusPending),
		string(domain.StatusPartiallyFilled),
		string(domain.StatusCancelled),
	)
}

// ListByPortfolio returns every order for a portfolio, newest first.
func (r *Repository) ListByPortfolio(portfolioID string, limit int) ([]*domain.Order, error) {
	return r.list(
		"SELECT "+ordersColumns+" FROM orders WHERE portfolio_id = ? ORDER BY created_at DESC LIMIT ?",
		portfolioID, limit,
	)
}

// ListStalePending returns PENDING or PARTIALLY_FILLED orders created
// before the cutoff, for the stale-order sweep.
func (r *Repository) ListStalePending(portfolioID string, cutoff time.Time) ([]*domain.Order, error) {
	return r.list(
		"SELECT "+ordersColumns+" FROM orders WHERE portfolio_id = ? AND status IN (?, ?) AND created_at < ?",
		portfolioID,
		string(domain.StatusPending),
		string(domain.StatusPartiallyFilled),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
}

func (r *Repository) list(query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.ledgerDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	for _, order := range out {
		if err := r.loadFills(order); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order                                 domain.Order
		venue, ticker, side, otype, status    string
		quantity, reserved, currency          string
		limitPrice, stopLoss, takeProfit      sql.NullString
		brokerOrderID, rejectReason, terminal sql.NullString
		createdAt                             string
	)

	err := row.Scan(
		&order.ID, &order.PortfolioID, &venue, &ticker, &side, &otype,
		&quantity, &limitPrice, &currency, &status, &brokerOrderID,
		&reserved, &stopLoss, &takeProfit, &rejectReason, &createdAt, &terminal,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	order.Symbol = domain.NewSymbol(venue, ticker)
	order.Side = domain.OrderSide(side)
	order.Type = domain.OrderType(otype)
	order.Status = domain.OrderStatus(status)
	order.BrokerOrderID = brokerOrderID.String
	order.RejectReason = rejectReason.String

	if order.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("failed to parse order quantity: %w", err)
	}
	reservedAmount, err := decimal.NewFromString(reserved)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reserved amount: %w", err)
	}
	order.ReservedAmount = domain.NewMoney(reservedAmount, currency)

	if order.LimitPrice, err = moneyPtr(limitPrice, currency); err != nil {
		return nil, fmt.Errorf("failed to parse limit price: %w", err)
	}
	if order.StopLoss, err = moneyPtr(stopLoss, currency); err != nil {
		return nil, fmt.Errorf("failed to parse stop loss: %w", err)
	}
	if order.TakeProfit, err = moneyPtr(takeProfit, currency); err != nil {
		return nil, fmt.Errorf("failed to parse take profit: %w", err)
	}

	if order.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if terminal.Valid {
		t, err := time.Parse(time.RFC3339Nano, terminal.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse terminal_at: %w", err)
		}
		order.TerminalAt = &t
	}
	return &order, nil
}

func (r *Repository) loadFills(order *domain.Order) error {
	rows, err := r.ledgerDB.Query(
		`SELECT price, quantity, filled_at FROM order_fills WHERE order_id = ? ORDER BY seq`,
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	currency := order.ReservedAmount.Currency
	for rows.Next() {
		var price, quantity, filledAt string
		if err := rows.Scan(&price, &quantity, &filledAt); err != nil {
			return fmt.Errorf("failed to scan fill: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("failed to parse fill price: %w", err)
		}
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return fmt.Errorf("failed to parse fill quantity: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, filledAt)
		if err != nil {
			return fmt.Errorf("failed to parse fill time: %w", err)
		}
		order.Fills = append(order.Fills, domain.Fill{
			Price:     domain.NewMoney(p, currency),
			Quantity:  q,
			Timestamp: ts,
		})
	}
	return rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullMoney(m *domain.Money) interface{} {
	if m == nil {
		return nil
	}
	return m.Amount.String()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func moneyPtr(s sql.NullString, currency string) (*domain.Money, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	m := domain.NewMoney(d, currency)
	return &m, nil
}
