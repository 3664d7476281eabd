// Package snapshots persists point-in-time copies of session and portfolio
// state for crash recovery.
package snapshots

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/session"
)

// ErrNoSnapshot is returned when no snapshot exists for a portfolio.
var ErrNoSnapshot = errors.New("no snapshot for portfolio")

// Decimals cross the msgpack boundary as strings so no precision is lost.
type positionState struct {
	Symbol      string `msgpack:"symbol"`
	Quantity    string `msgpack:"quantity"`
	AverageCost string `msgpack:"average_cost"`
}

type portfolioState struct {
	ID            string          `msgpack:"id"`
	Currency      string          `msgpack:"currency"`
	CashAvailable string          `msgpack:"cash_available"`
	CashReserved  string          `msgpack:"cash_reserved"`
	RealizedPnL   string          `msgpack:"realized_pnl"`
	Positions     []positionState `msgpack:"positions"`
}

type sessionState struct {
	ID              string     `msgpack:"id"`
	PortfolioID     string     `msgpack:"portfolio_id"`
	StrategyIDs     []string   `msgpack:"strategy_ids"`
	Symbols         []string   `msgpack:"symbols"`
	Status          string     `msgpack:"status"`
	Locked          bool       `msgpack:"locked"`
	StartedAt       *time.Time `msgpack:"started_at"`
	StoppedAt       *time.Time `msgpack:"stopped_at"`
	Trades          int        `msgpack:"trades"`
	Wins            int        `msgpack:"wins"`
	Losses          int        `msgpack:"losses"`
	RealizedPnL     string     `msgpack:"realized_pnl"`
	PeakEquity      string     `msgpack:"peak_equity"`
	CurrentDrawdown string     `msgpack:"current_drawdown"`
}

type payload struct {
	Version   int            `msgpack:"version"`
	Session   sessionState   `msgpack:"session"`
	Portfolio portfolioState `msgpack:"portfolio"`
}

const payloadVersion = 1

// Record is a decoded snapshot.
type Record struct {
	Session   session.Snapshot
	Portfolio domain.PortfolioSnapshot
	TakenAt   time.Time
}

// Service stores and loads recovery snapshots in the state database.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewService creates a new snapshot service
func NewService(stateDB *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  stateDB,
		log: log.With().Str("service", "snapshots").Logger(),
	}
}

// Take encodes the current session and portfolio state and appends it to the
// snapshots table.
func (s *Service) Take(sess session.Snapshot, pf domain.PortfolioSnapshot) error {
	data, err := encode(sess, pf)
	if err != nil {
		return err
	}

	takenAt := time.Now().UTC()
	_, err = s.db.Exec(
		"INSERT INTO snapshots (portfolio_id, payload, taken_at) VALUES (?, ?, ?)",
		pf.ID, data, takenAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	s.log.Debug().
		Str("portfolio_id", pf.ID).
		Int("bytes", len(data)).
		Msg("Snapshot taken")
	return nil
}

// Latest returns the most recent snapshot for the portfolio.
func (s *Service) Latest(portfolioID string) (*Record, error) {
	var (
		data    []byte
		takenAt string
	)
	err := s.db.QueryRow(
		"SELECT payload, taken_at FROM snapshots WHERE portfolio_id = ? ORDER BY taken_at DESC, id DESC LIMIT 1",
		portfolioID,
	).Scan(&data, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, portfolioID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rec, err := decode(data)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse taken_at: %w", err)
	}
	rec.TakenAt = ts
	return rec, nil
}

// Prune deletes all but the newest keep snapshots for the portfolio.
func (s *Service) Prune(portfolioID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.Exec(
		`DELETE FROM snapshots WHERE portfolio_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE portfolio_id = ? ORDER BY taken_at DESC, id DESC LIMIT ?
		)`,
		portfolioID, portfolioID, keep,
	)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if removed, err := res.RowsAffected(); err == nil && removed > 0 {
		s.log.Debug().
			Str("portfolio_id", portfolioID).
			Int64("removed", removed).
			Msg("Snapshots pruned")
	}
	return nil
}

func encode(sess session.Snapshot, pf domain.PortfolioSnapshot) ([]byte, error) {
	p := payload{
		Version: payloadVersion,
		Session: sessionState{
			ID:              sess.ID,
			PortfolioID:     sess.PortfolioID,
			StrategyIDs:     sess.StrategyIDs,
			Symbols:         sess.Symbols,
			Status:          string(sess.Status),
			Locked:          sess.Locked,
			StartedAt:       sess.StartedAt,
			StoppedAt:       sess.StoppedAt,
			Trades:          sess.Trades,
			Wins:            sess.Wins,
			Losses:          sess.Losses,
			RealizedPnL:     sess.RealizedPnL.String(),
			PeakEquity:      sess.PeakEquity.String(),
			CurrentDrawdown: sess.CurrentDrawdown.String(),
		},
		Portfolio: portfolioState{
			ID:            pf.ID,
			Currency:      pf.Currency,
			CashAvailable: pf.CashAvailable.String(),
			CashReserved:  pf.CashReserved.String(),
			RealizedPnL:   pf.RealizedPnL.String(),
		},
	}
	for _, pos := range pf.Positions {
		p.Portfolio.Positions = append(p.Portfolio.Positions, positionState{
			Symbol:      pos.Symbol.String(),
			Quantity:    pos.Quantity.String(),
			AverageCost: pos.AverageCost.String(),
		})
	}

	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Record, error) {
	var p payload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	rec := &Record{
		Session: session.Snapshot{
			ID:          p.Session.ID,
			PortfolioID: p.Session.PortfolioID,
			StrategyIDs: p.Session.StrategyIDs,
			Symbols:     p.Session.Symbols,
			Status:      session.Status(p.Session.Status),
			Locked:      p.Session.Locked,
			StartedAt:   p.Session.StartedAt,
			StoppedAt:   p.Session.StoppedAt,
			Trades:      p.Session.Trades,
			Wins:        p.Session.Wins,
			Losses:      p.Session.Losses,
		},
		Portfolio: domain.PortfolioSnapshot{
			ID:       p.Portfolio.ID,
			Currency: p.Portfolio.Currency,
		},
	}

	var err error
	if rec.Session.RealizedPnL, err = parseDec(p.Session.RealizedPnL); err != nil {
		return nil, err
	}
	if rec.Session.PeakEquity, err = parseDec(p.Session.PeakEquity); err != nil {
		return nil, err
	}
	if rec.Session.CurrentDrawdown, err = parseDec(p.Session.CurrentDrawdown); err != nil {
		return nil, err
	}
	if rec.Portfolio.CashAvailable, err = parseDec(p.Portfolio.CashAvailable); err != nil {
		return nil, err
	}
	if rec.Portfolio.CashReserved, err = parseDec(p.Portfolio.CashReserved); err != nil {
		return nil, err
	}
	if rec.Portfolio.RealizedPnL, err = parseDec(p.Portfolio.RealizedPnL); err != nil {
		return nil, err
	}
	for _, pos := range p.Portfolio.Positions {
		qty, err := parseDec(pos.Quantity)
		if err != nil {
			return nil, err
		}
		avg, err := parseDec(pos.AverageCost)
		if err != nil {
			return nil, err
		}
		sym, err := domain.ParseSymbol(pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot position: %w", err)
		}
		rec.Portfolio.Positions = append(rec.Portfolio.Positions, domain.PositionSnapshot{
			Symbol:      sym,
			Quantity:    qty,
			AverageCost: avg,
		})
	}
	return rec, nil
}

func parseDec(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode snapshot decimal %q: %w", s, err)
	}
	return d, nil
}
