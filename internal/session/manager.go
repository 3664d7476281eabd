package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

// OrchestratorFactory builds an orchestrator for a new session. The
// manager owns no wiring beyond this; recovery and dependency setup live
// in the factory.
type OrchestratorFactory func(s *Session) (*Orchestrator, error)

// Manager is the session control surface exposed to the HTTP API. It
// enforces one active session per portfolio. All calls are idempotent with
// respect to the current state.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Orchestrator // portfolio ID -> orchestrator
	factory OrchestratorFactory
	log     zerolog.Logger
}

// NewManager creates a new session manager
func NewManager(factory OrchestratorFactory, log zerolog.Logger) *Manager {
	return &Manager{
		active:  make(map[string]*Orchestrator),
		factory: factory,
		log:     log.With().Str("service", "session_manager").Logger(),
	}
}

// Start creates and starts a session for a portfolio. Starting a portfolio
// that already has an active session returns that session's snapshot. The
// lock is held across the whole sequence so two concurrent Start calls
// cannot both register a session for the same portfolio.
func (m *Manager) Start(ctx context.Context, portfolioID string, strategyIDs []string, symbols []domain.Symbol) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if orch, ok := m.active[portfolioID]; ok {
		return orch.Session().Snapshot(), nil
	}

	s := NewSession(portfolioID, strategyIDs, symbols)
	orch, err := m.factory(s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to build session: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return Snapshot{}, err
	}
	m.active[portfolioID] = orch

	m.log.Info().Str("portfolio_id", portfolioID).Str("session_id", s.ID).Msg("Session started")
	return s.Snapshot(), nil
}

// Get returns the active orchestrator for a portfolio.
func (m *Manager) Get(portfolioID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.active[portfolioID]
	return orch, ok
}

// Pause pauses the portfolio's session.
func (m *Manager) Pause(portfolioID string) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return fmt.Errorf("no active session for portfolio %s", portfolioID)
	}
	return orch.Pause()
}

// Resume resumes the portfolio's session.
func (m *Manager) Resume(portfolioID string) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return fmt.Errorf("no active session for portfolio %s", portfolioID)
	}
	return orch.Resume()
}

// Stop stops the portfolio's session. Stopping a portfolio with no active
// session is a no-op success.
func (m *Manager) Stop(ctx context.Context, portfolioID string) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return nil
	}
	if err := orch.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.active, portfolioID)
	m.mu.Unlock()
	return nil
}

// EmergencyStop stops the session immediately and leaves it locked.
func (m *Manager) EmergencyStop(ctx context.Context, portfolioID, reason string, closePositions bool) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return fmt.Errorf("no active session for portfolio %s", portfolioID)
	}
	if err := orch.EmergencyStop(ctx, reason, closePositions); err != nil {
		return err
	}
	// The orchestrator stays registered while locked so Status and Unlock
	// can reach it.
	return nil
}

// Unlock releases a locked session and retires it, so a fresh session can
// be started.
func (m *Manager) Unlock(portfolioID string) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return fmt.Errorf("no session for portfolio %s", portfolioID)
	}
	orch.Unlock()

	if orch.Session().CurrentStatus() == StatusStopped {
		m.mu.Lock()
		delete(m.active, portfolioID)
		m.mu.Unlock()
	}
	return nil
}

// Status returns the session snapshot for a portfolio.
func (m *Manager) Status(portfolioID string) (Snapshot, error) {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return Snapshot{}, fmt.Errorf("no session for portfolio %s", portfolioID)
	}
	return orch.Session().Snapshot(), nil
}

// Submit routes a signal to the portfolio's session.
func (m *Manager) Submit(portfolioID string, sig *domain.Signal) error {
	orch, ok := m.Get(portfolioID)
	if !ok {
		return fmt.Errorf("no active session for portfolio %s", portfolioID)
	}
	return orch.SubmitSignal(sig)
}

// StopAll stops every active session, for process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Error().Err(err).Str("portfolio_id", id).Msg("Failed to stop session")
		}
	}
}
