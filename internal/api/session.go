package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/auth"
	"github.com/rbeltran/dialdesk/internal/session"
)

// SessionHandler exposes the signed-in agent's call session over REST.
// Every endpoint acts on the agent identified by the verified token; one
// agent can never touch another agent's session.
type SessionHandler struct {
	registry *session.Registry
	logger   zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(registry *session.Registry, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger.With().Str("component", "session_handler").Logger(),
	}
}

type dialRequest struct {
	LeadID      string `json:"leadId"`
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName"`
}

type dtmfRequest struct {
	Digit string `json:"digit"`
}

// GetSession handles GET /api/session. It creates the session on first
// use, so signing in to the dashboard is enough to come online.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	coord := h.registry.Acquire(r.Context(), claims.AgentID)
	writeJSON(w, http.StatusOK, coord.Snapshot())
}

// EndSession handles DELETE /api/session (sign out)
func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.registry.Release(r.Context(), claims.AgentID) {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session ended"})
}

// PlaceCall handles POST /api/session/calls
func (h *SessionHandler) PlaceCall(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PhoneNumber == "" {
		http.Error(w, "phoneNumber is required", http.StatusBadRequest)
		return
	}

	if err := coord.MakeCall(r.Context(), req.LeadID, req.PhoneNumber, req.DisplayName); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, coord.Snapshot())
}

// Answer handles POST /api/session/calls/answer
func (h *SessionHandler) Answer(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, func(c *session.Coordinator) error { return c.AnswerCall() })
}

// Reject handles POST /api/session/calls/reject
func (h *SessionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, func(c *session.Coordinator) error { return c.RejectCall() })
}

// HangUp handles POST /api/session/calls/hangup
func (h *SessionHandler) HangUp(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, func(c *session.Coordinator) error { return c.HangUp() })
}

// ToggleMute handles POST /api/session/calls/mute
func (h *SessionHandler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	muted, err := coord.ToggleMute()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

// SendDTMF handles POST /api/session/calls/dtmf
func (h *SessionHandler) SendDTMF(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	var req dtmfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := coord.SendDTMF(req.Digit); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "sent"})
}

// Reset handles POST /api/session/reset, clearing the post-call summary
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.simpleAction(w, r, func(c *session.Coordinator) error { return c.ResetCallState() })
}

// Reconnect handles POST /api/session/reconnect. Dashboards call it when
// the tab regains focus so a silently dropped registration recovers.
func (h *SessionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	if err := coord.EnsureRegistered(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("reconnect attempt failed")
		http.Error(w, "could not re-register", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, coord.Snapshot())
}

func (h *SessionHandler) simpleAction(w http.ResponseWriter, r *http.Request, action func(*session.Coordinator) error) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	if err := action(coord); err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coord.Snapshot())
}

// coordinator resolves the caller's live session. Call endpoints require
// the session to exist already (created by GetSession on sign-in).
func (h *SessionHandler) coordinator(w http.ResponseWriter, r *http.Request) (*session.Coordinator, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	coord, ok := h.registry.Get(claims.AgentID)
	if !ok {
		http.Error(w, "no active session, sign in first", http.StatusNotFound)
		return nil, false
	}
	return coord, true
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrCallInProgress):
		http.Error(w, "a call is already in progress", http.StatusConflict)
	case errors.Is(err, session.ErrInvalidState):
		http.Error(w, "operation not valid in the current call state", http.StatusConflict)
	case errors.Is(err, session.ErrNoActiveCall):
		http.Error(w, "no active call", http.StatusNotFound)
	case errors.Is(err, session.ErrNotRegistered):
		http.Error(w, "phone service not connected", http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, "session has ended, sign in again", http.StatusGone)
	default:
		h.logger.Error().Err(err).Msg("session operation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
