package session

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rbeltran/dialdesk/internal/metrics"
	"github.com/rbeltran/dialdesk/internal/telephony"
)

// Deps holds the collaborators shared by every coordinator the registry
// creates
type Deps struct {
	Backend Backend
	Factory telephony.DeviceFactory
	Journal Journal
	Publish Publisher
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// Registry maps signed-in agents to their session coordinators. Acquire is
// idempotent: repeated sign-ins reuse the live session, so a second
// browser tab never tears down an active call.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Coordinator
	deps     Deps
	logger   zerolog.Logger
}

func NewRegistry(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Registry{
		sessions: make(map[string]*Coordinator),
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "session_registry").Logger(),
	}
}

// Acquire returns the agent's coordinator, creating and initializing one
// on first use. Initialization failures are non-fatal: the coordinator is
// kept in the not-ready state and surfaces through its registration
// status, so the consumer can show the degraded state and retry.
func (r *Registry) Acquire(ctx context.Context, agentID string) *Coordinator {
	r.mu.Lock()
	if c, ok := r.sessions[agentID]; ok {
		r.mu.Unlock()
		return c
	}

	c := NewCoordinator(Config{
		AgentID: agentID,
		Backend: r.deps.Backend,
		Factory: r.deps.Factory,
		Journal: r.deps.Journal,
		Publish: r.deps.Publish,
		Clock:   r.deps.Clock,
		Logger:  r.deps.Logger,
	})
	r.sessions[agentID] = c
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SetActiveSessions(count)
	r.logger.Info().Str("agent_id", agentID).Int("active_sessions", count).Msg("session created")

	if err := c.Initialize(ctx); err != nil {
		r.logger.Error().Err(err).Str("agent_id", agentID).Msg("session initialization failed, session not ready")
	}
	return c
}

// Get returns the agent's coordinator without creating one
func (r *Registry) Get(agentID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[agentID]
	return c, ok
}

// Release tears down and removes the agent's session. Returns false when
// no session existed.
func (r *Registry) Release(ctx context.Context, agentID string) bool {
	r.mu.Lock()
	c, ok := r.sessions[agentID]
	if ok {
		delete(r.sessions, agentID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.Teardown(ctx)
	metrics.SetActiveSessions(count)
	r.logger.Info().Str("agent_id", agentID).Int("active_sessions", count).Msg("session released")
	return true
}

// Count reports how many sessions are live
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown tears down every live session. Called on server shutdown so
// agents are marked offline and devices are destroyed cleanly.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		sessions = append(sessions, c)
	}
	r.sessions = make(map[string]*Coordinator)
	r.mu.Unlock()

	for _, c := range sessions {
		c.Teardown(ctx)
	}
	metrics.SetActiveSessions(0)
	r.logger.Info().Int("released", len(sessions)).Msg("all sessions released")
}

func newJournalID() string {
	return uuid.New().String()
}
