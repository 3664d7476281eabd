// Package session owns the live trading session lifecycle.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
)

// Status is the session state machine state.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

var (
	// ErrSessionLocked is returned when starting or resuming a session
	// that an emergency stop or fatal fault locked. Unlock is a manual
	// gate, never automatic.
	ErrSessionLocked = errors.New("session is locked, unlock required")

	// ErrInvalidTransition is returned for transitions the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Session is the aggregate for one live trading run against one portfolio.
// All transitions are idempotent: repeating one from its target state is a
// no-op returning a nil event.
type Session struct {
	mu sync.Mutex

	ID          string
	PortfolioID string
	StrategyIDs []string
	Symbols     []domain.Symbol

	Status    Status
	Locked    bool
	StartedAt *time.Time
	StoppedAt *time.Time

	// Running stats, updated as fills settle.
	Trades          int
	Wins            int
	Losses          int
	RealizedPnL     decimal.Decimal
	PeakEquity      decimal.Decimal
	CurrentDrawdown decimal.Decimal
}

// NewSession creates a STOPPED session for a portfolio.
func NewSession(portfolioID string, strategyIDs []string, symbols []domain.Symbol) *Session {
	return &Session{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		StrategyIDs: strategyIDs,
		Symbols:     symbols,
		Status:      StatusStopped,
	}
}

func (s *Session) transition(to Status, reason string) *events.SessionStateChangedData {
	from := s.Status
	s.Status = to
	return &events.SessionStateChangedData{
		SessionID:   s.ID,
		PortfolioID: s.PortfolioID,
		OldStatus:   string(from),
		NewStatus:   string(to),
		Reason:      reason,
	}
}

// Start moves STOPPED to STARTING. Starting a session that is already
// starting or running is a no-op.
func (s *Session) Start(now time.Time) (*events.SessionStateChangedData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusStarting, StatusRunning:
		return nil, nil
	case StatusStopped:
	default:
		return nil, fmt.Errorf("start from %s: %w", s.Status, ErrInvalidTransition)
	}
	if s.Locked {
		return nil, ErrSessionLocked
	}

	t := now.UTC()
	s.StartedAt = &t
	s.StoppedAt = nil
	return s.transition(StatusStarting, ""), nil
}

// MarkRunning completes startup after recovery and broker connection.
func (s *Session) MarkRunning() (*events.SessionStateChangedData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusRunning:
		return nil, nil
	case StatusStarting:
		return s.transition(StatusRunning, ""), nil
	}
	return nil, fmt.Errorf("run from %s: %w", s.Status, ErrInvalidTransition)
}

// Pause suspends order placement. Monitoring continues while paused.
func (s *Session) Pause() (*events.SessionStateChangedData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusPaused:
		return nil, nil
	case StatusRunning:
		return s.transition(StatusPaused, ""), nil
	}
	return nil, fmt.Errorf("pause from %s: %w", s.Status, ErrInvalidTransition)
}

// Resume returns a paused session to RUNNING.
func (s *Session) Resume() (*events.SessionStateChangedData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusRunning:
		return nil, nil
	case StatusPaused:
	default:
		return nil, fmt.Errorf("resume from %s: %w", s.Status, ErrInvalidTransition)
	}
	if s.Locked {
		return nil, ErrSessionLocked
	}
	return s.transition(StatusRunning, ""), nil
}

// BeginStop moves any active state to STOPPING. Idempotent under repeated
// invocation, including while already stopped.
func (s *Session) BeginStop(reason string) *events.SessionStateChangedData {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusStopping, StatusStopped:
		return nil
	}
	return s.transition(StatusStopping, reason)
}

// MarkStopped completes a stop once the loops have drained.
func (s *Session) MarkStopped(now time.Time) *events.SessionStateChangedData {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status == StatusStopped {
		return nil
	}
	t := now.UTC()
	s.StoppedAt = &t
	return s.transition(StatusStopped, "")
}

// Lock engages the manual gate set by emergency stops and fatal faults.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Locked = true
}

// Fail moves the session to ERROR and locks it. Recovery from ERROR
// requires an explicit Unlock.
func (s *Session) Fail(reason string) *events.SessionStateChangedData {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status == StatusError {
		return nil
	}
	s.Locked = true
	return s.transition(StatusError, reason)
}

// Unlock releases the manual gate. An ERROR session returns to STOPPED.
func (s *Session) Unlock() *events.SessionStateChangedData {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Locked = false
	if s.Status == StatusError {
		return s.transition(StatusStopped, "unlocked")
	}
	return nil
}

// RecordTrade updates session stats with one realized trade outcome.
func (s *Session) RecordTrade(realizedPnL decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Trades++
	if realizedPnL.IsPositive() {
		s.Wins++
	} else if realizedPnL.IsNegative() {
		s.Losses++
	}
	s.RealizedPnL = s.RealizedPnL.Add(realizedPnL)
}

// UpdateEquity tracks the equity high-water mark and current drawdown.
// Returns the drawdown as a percentage of peak equity.
func (s *Session) UpdateEquity(equity decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
	}
	if s.PeakEquity.IsPositive() {
		s.CurrentDrawdown = s.PeakEquity.Sub(equity).
			Div(s.PeakEquity).
			Mul(decimal.NewFromInt(100))
		if s.CurrentDrawdown.IsNegative() {
			s.CurrentDrawdown = decimal.Zero
		}
	}
	return s.CurrentDrawdown
}

// CurrentStatus returns the status under the aggregate lock.
func (s *Session) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// IsLocked reports whether the manual gate is engaged.
func (s *Session) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Locked
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	ID              string          `json:"id"`
	PortfolioID     string          `json:"portfolio_id"`
	StrategyIDs     []string        `json:"strategy_ids,omitempty"`
	Symbols         []string        `json:"symbols,omitempty"`
	Status          Status          `json:"status"`
	Locked          bool            `json:"locked"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	StoppedAt       *time.Time      `json:"stopped_at,omitempty"`
	Trades          int             `json:"trades"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	PeakEquity      decimal.Decimal `json:"peak_equity"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbols := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		symbols = append(symbols, sym.String())
	}
	return Snapshot{
		ID:              s.ID,
		PortfolioID:     s.PortfolioID,
		StrategyIDs:     append([]string(nil), s.StrategyIDs...),
		Symbols:         symbols,
		Status:          s.Status,
		Locked:          s.Locked,
		StartedAt:       s.StartedAt,
		StoppedAt:       s.StoppedAt,
		Trades:          s.Trades,
		Wins:            s.Wins,
		Losses:          s.Losses,
		RealizedPnL:     s.RealizedPnL,
		PeakEquity:      s.PeakEquity,
		CurrentDrawdown: s.CurrentDrawdown,
	}
}
