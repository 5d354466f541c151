package api

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/auth"
	"github.com/rbeltran/dialdesk/internal/storage"
	"github.com/rbeltran/dialdesk/internal/types"
)

const defaultRecentLimit = 20

// HistoryHandler serves the agent's recent call activity from the local
// journal
type HistoryHandler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(store storage.Store, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: logger.With().Str("component", "history_handler").Logger(),
	}
}

// GetRecentCalls returns the caller's latest call cycles, newest first
// GET /api/calls/recent?limit=N
func (h *HistoryHandler) GetRecentCalls(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.store.GetRecentCalls(claims.AgentID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", claims.AgentID).Msg("failed to get recent calls")
		http.Error(w, "failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []types.CallRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}
