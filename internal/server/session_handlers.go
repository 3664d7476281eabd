package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/session"
)

// SessionHandlers exposes the session lifecycle over HTTP. The server runs
// one portfolio, fixed at startup; every call targets it.
type SessionHandlers struct {
	sessions    *session.Manager
	portfolioID string
	log         zerolog.Logger
}

// NewSessionHandlers creates a new session handlers instance
func NewSessionHandlers(sessions *session.Manager, portfolioID string, log zerolog.Logger) *SessionHandlers {
	return &SessionHandlers{
		sessions:    sessions,
		portfolioID: portfolioID,
		log:         log.With().Str("component", "session_handlers").Logger(),
	}
}

type startRequest struct {
	StrategyIDs []string `json:"strategy_ids"`
	Symbols     []string `json:"symbols"`
}

// HandleStart starts a trading session.
// POST /api/session/start
func (h *SessionHandlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}

	symbols := make([]domain.Symbol, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		sym, err := domain.ParseSymbol(raw)
		if err != nil {
			writeError(h.log, w, http.StatusBadRequest, err)
			return
		}
		symbols = append(symbols, sym)
	}

	snap, err := h.sessions.Start(r.Context(), h.portfolioID, req.StrategyIDs, symbols)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, snap)
}

// HandlePause suspends signal-driven order placement.
// POST /api/session/pause
func (h *SessionHandlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, h.sessions.Pause(h.portfolioID))
}

// HandleResume resumes a paused session.
// POST /api/session/resume
func (h *SessionHandlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, h.sessions.Resume(h.portfolioID))
}

// HandleStop stops the session gracefully.
// POST /api/session/stop
func (h *SessionHandlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, h.sessions.Stop(r.Context(), h.portfolioID))
}

type emergencyStopRequest struct {
	Reason         string `json:"reason"`
	ClosePositions bool   `json:"close_positions"`
}

// HandleEmergencyStop halts trading immediately and locks the session.
// POST /api/session/emergency-stop
func (h *SessionHandlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	h.log.Warn().Str("reason", req.Reason).Msg("Emergency stop requested")
	h.lifecycle(w, h.sessions.EmergencyStop(r.Context(), h.portfolioID, req.Reason, req.ClosePositions))
}

// HandleUnlock clears the emergency-stop lock.
// POST /api/session/unlock
func (h *SessionHandlers) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, h.sessions.Unlock(h.portfolioID))
}

// HandleStatus returns the current session snapshot.
// GET /api/session/status
func (h *SessionHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Status(h.portfolioID)
	if err != nil {
		writeError(h.log, w, http.StatusNotFound, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, snap)
}

func (h *SessionHandlers) lifecycle(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *SessionHandlers) writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	if errors.Is(err, session.ErrSessionLocked) {
		status = http.StatusLocked
	}
	writeError(h.log, w, status, err)
}
