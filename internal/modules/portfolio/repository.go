// Package portfolio persists portfolio balances and positions.
package portfolio

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

// ErrNotFound is returned when a portfolio does not exist.
var ErrNotFound = errors.New("portfolio not found")

// Repository handles portfolio database operations. A snapshot's balances
// and positions are written in one transaction so readers never observe a
// cash/position split mid-update.
type Repository struct {
	stateDB *sql.DB
	log     zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(stateDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "portfolio").Logger(),
	}
}

// Save persists a portfolio snapshot, replacing its position rows.
func (r *Repository) Save(snap domain.PortfolioSnapshot) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	err := database.WithTransaction(r.stateDB, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO portfolios (id, currency, cash_available, cash_reserved, realized_pnl, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				cash_available = excluded.cash_available,
				cash_reserved = excluded.cash_reserved,
				realized_pnl = excluded.realized_pnl,
				updated_at = excluded.updated_at
		`,
			snap.ID, snap.Currency,
			snap.CashAvailable.String(), snap.CashReserved.String(),
			snap.RealizedPnL.String(), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert portfolio: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM positions WHERE portfolio_id = ?`, snap.ID); err != nil {
			return fmt.Errorf("failed to clear positions: %w", err)
		}
		for _, pos := range snap.Positions {
			_, err := tx.Exec(`
				INSERT INTO positions (portfolio_id, venue, ticker, quantity, average_cost, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`,
				snap.ID, pos.Symbol.Venue, pos.Symbol.Ticker,
				pos.Quantity.String(), pos.AverageCost.String(), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert position %s: %w", pos.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("portfolio_id", snap.ID).
		Int("positions", len(snap.Positions)).
		Msg("Portfolio saved")
	return nil
}

// Get loads a portfolio snapshot with its positions.
func (r *Repository) Get(id string) (domain.PortfolioSnapshot, error) {
	var snap domain.PortfolioSnapshot
	var available, reserved, realized string

	err := r.stateDB.QueryRow(
		`SELECT id, currency, cash_available, cash_reserved, realized_pnl FROM portfolios WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Currency, &available, &reserved, &realized)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to query portfolio: %w", err)
	}

	if snap.CashAvailable, err = decimal.NewFromString(available); err != nil {
		return snap, fmt.Errorf("failed to parse cash_available: %w", err)
	}
	if snap.CashReserved, err = decimal.NewFromString(reserved); err != nil {
		return snap, fmt.Errorf("failed to parse cash_reserved: %w", err)
	}
	if snap.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return snap, fmt.Errorf("failed to parse realized_pnl: %w", err)
	}

	rows, err := r.stateDB.Query(
		`SELECT venue, ticker, quantity, average_cost FROM positions WHERE portfolio_id = ?`, id,
	)
	if err != nil {
		return snap, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var venue, ticker, quantity, avgCost string
		if err := rows.Scan(&venue, &ticker, &quantity, &avgCost); err != nil {
			return snap, fmt.Errorf("failed to scan position: %w", err)
		}
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return snap, fmt.Errorf("failed to parse position quantity: %w", err)
		}
		c, err := decimal.NewFromString(avgCost)
		if err != nil {
			return snap, fmt.Errorf("failed to parse average cost: %w", err)
		}
		snap.Positions = append(snap.Positions, domain.PositionSnapshot{
			Symbol:      domain.NewSymbol(venue, ticker),
			Quantity:    q,
			AverageCost: c,
		})
	}
	return snap, rows.Err()
}

// Exists reports whether a portfolio row is present.
func (r *Repository) Exists(id string) (bool, error) {
	var n int
	if err := r.stateDB.QueryRow(`SELECT COUNT(*) FROM portfolios WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check portfolio existence: %w", err)
	}
	return n > 0, nil
}
