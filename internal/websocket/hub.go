package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/metrics"
	"github.com/rbeltran/dialdesk/internal/types"
)

// delivery is a frame addressed to one agent's clients
type delivery struct {
	agentID string
	data    []byte
}

// Hub maintains the set of connected dashboard clients and delivers
// session frames to the clients of the agent they belong to. An agent may
// have several clients (multiple tabs); all of them get every frame.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients grouped by agent for targeted delivery
	byAgent map[string]map[*Client]bool

	// Outbound frames addressed to one agent
	deliver chan delivery

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect the client maps
	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byAgent:    make(map[string]map[*Client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.byAgent[client.agentID] == nil {
				h.byAgent[client.agentID] = make(map[*Client]bool)
			}
			h.byAgent[client.agentID][client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClientConnected()
			h.logger.Info().
				Str("client_id", client.id).
				Str("agent_id", client.agentID).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.removeClientLocked(client)
				close(client.send)
				metrics.WebSocketClientDisconnected()
				h.logger.Info().
					Str("client_id", client.id).
					Str("agent_id", client.agentID).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case d := <-h.deliver:
			h.deliverToAgent(d)
		}
	}
}

// SendToAgent marshals a frame and queues it for every client of the
// agent. Non-blocking; matches the Publisher contract of the session
// coordinator.
func (h *Hub) SendToAgent(agentID string, frame types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to marshal frame")
		return
	}
	select {
	case h.deliver <- delivery{agentID: agentID, data: data}:
	default:
		h.logger.Warn().Str("agent_id", agentID).Msg("hub delivery queue full, dropping frame")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AgentClientCount returns how many clients one agent has connected
func (h *Hub) AgentClientCount(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAgent[agentID])
}

func (h *Hub) deliverToAgent(d delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.byAgent[d.agentID] {
		select {
		case client.send <- d.data:
		default:
			// Client's send buffer is full, close and remove it
			h.removeClientLocked(client)
			close(client.send)
			metrics.WebSocketClientDisconnected()
			h.logger.Warn().
				Str("client_id", client.id).
				Str("agent_id", client.agentID).
				Msg("client send buffer full, closing connection")
		}
	}
}

func (h *Hub) removeClientLocked(client *Client) {
	delete(h.clients, client)
	if peers, ok := h.byAgent[client.agentID]; ok {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.byAgent, client.agentID)
		}
	}
}
