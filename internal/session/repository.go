package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("session not found")

// Repository persists session state for crash recovery.
type Repository struct {
	stateDB *sql.DB
	log     zerolog.Logger
}

// NewRepository creates a new session repository
func NewRepository(stateDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		stateDB: stateDB,
		log:     log.With().Str("repo", "sessions").Logger(),
	}
}

// Save upserts the session row.
func (r *Repository) Save(s *Session) error {
	snap := s.Snapshot()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	locked := 0
	if snap.Locked {
		locked = 1
	}
	_, err := r.stateDB.Exec(`
		INSERT INTO sessions
		(id, portfolio_id, status, locked, started_at, stopped_at,
		 trades, wins, losses, realized_pnl, peak_equity, current_drawdown, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			locked = excluded.locked,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			trades = excluded.trades,
			wins = excluded.wins,
			losses = excluded.losses,
			realized_pnl = excluded.realized_pnl,
			peak_equity = excluded.peak_equity,
			current_drawdown = excluded.current_drawdown,
			updated_at = excluded.updated_at
	`,
		snap.ID, snap.PortfolioID, string(snap.Status), locked,
		nullTimePtr(snap.StartedAt), nullTimePtr(snap.StoppedAt),
		snap.Trades, snap.Wins, snap.Losses,
		snap.RealizedPnL.String(), snap.PeakEquity.String(), snap.CurrentDrawdown.String(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetLatestByPortfolio loads the most recently updated session for a
// portfolio, for recovery on restart.
func (r *Repository) GetLatestByPortfolio(portfolioID string) (*Session, error) {
	row := r.stateDB.QueryRow(`
		SELECT id, portfolio_id, status, locked, started_at, stopped_at,
		       trades, wins, losses, realized_pnl, peak_equity, current_drawdown
		FROM sessions WHERE portfolio_id = ?
		ORDER BY updated_at DESC LIMIT 1
	`, portfolioID)

	var (
		s                  Session
		status             string
		locked             int
		startedAt, stopped sql.NullString
		realized, peak, dd string
	)
	err := row.Scan(
		&s.ID, &s.PortfolioID, &status, &locked, &startedAt, &stopped,
		&s.Trades, &s.Wins, &s.Losses, &realized, &peak, &dd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.Status = Status(status)
	s.Locked = locked != 0
	if s.StartedAt, err = timePtr(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if s.StoppedAt, err = timePtr(stopped); err != nil {
		return nil, fmt.Errorf("failed to parse stopped_at: %w", err)
	}
	if s.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("failed to parse realized_pnl: %w", err)
	}
	if s.PeakEquity, err = decimal.NewFromString(peak); err != nil {
		return nil, fmt.Errorf("failed to parse peak_equity: %w", err)
	}
	if s.CurrentDrawdown, err = decimal.NewFromString(dd); err != nil {
		return nil, fmt.Errorf("failed to parse current_drawdown: %w", err)
	}
	return &s, nil
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
