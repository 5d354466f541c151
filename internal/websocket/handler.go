package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/auth"
	"github.com/rbeltran/dialdesk/internal/config"
	"github.com/rbeltran/dialdesk/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now
		// TODO: Implement proper origin checking based on config
		return true
	},
}

// SnapshotFunc returns the agent's current session frame so a freshly
// connected client renders immediately instead of waiting for the next
// transition
type SnapshotFunc func(agentID string) (types.Frame, bool)

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub      *Hub
	config   *config.Config
	logger   zerolog.Logger
	snapshot SnapshotFunc
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, cfg *config.Config, logger zerolog.Logger, snapshot SnapshotFunc) *Handler {
	return &Handler{
		hub:      hub,
		config:   cfg,
		logger:   logger,
		snapshot: snapshot,
	}
}

// ServeHTTP handles WebSocket upgrade requests. The auth middleware has
// already verified the token (delivered via query parameter for browser
// websockets) and put the agent's claims on the context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok || claims.AgentID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, h.config, h.logger, claims.AgentID)

	h.hub.register <- client
	client.Start()

	if h.snapshot != nil {
		if frame, ok := h.snapshot(claims.AgentID); ok {
			h.hub.SendToAgent(claims.AgentID, frame)
		}
	}
}
