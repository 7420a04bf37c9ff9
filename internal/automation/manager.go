package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Factory constructs a new engine instance configured to stay alive
// between tasks.
type Factory func() Engine

// Handle is the in-memory, per-session handle to a live engine,
// reused across tasks within a conversation.
type Handle struct {
	SessionID string
	Engine    Engine
	CreatedAt time.Time

	mu         sync.Mutex
	continuity string
	healthy    bool
}

// Continuity returns the carried-forward context string (last known
// location and last result).
func (h *Handle) Continuity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.continuity
}

func (h *Handle) setContinuity(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.continuity = s
}

func (h *Handle) markUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = false
}

func (h *Handle) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// Manager is the lifecycle-scoped registry of engine handles, keyed by
// session id. Handles are inserted on first task admission and removed
// only by explicit session teardown or after a crash; the registry is
// volatile and does not survive a process restart.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates an empty registry using the given engine factory.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory, handles: make(map[string]*Handle)}
}

// Acquire returns the session's existing healthy handle, or constructs,
// starts, and registers a new one. A handle whose engine crashed is
// discarded here and replaced. Construction or startup failure returns
// a StartupError and registers nothing, so the next task retries fresh.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[sessionID]; ok {
		if h.isHealthy() {
			m.mu.Unlock()
			return h, nil
		}
		delete(m.handles, sessionID)
		log.Warn().Str("sessionId", sessionID).Msg("Discarding crashed automation handle")
	}
	m.mu.Unlock()

	if m.factory == nil {
		return nil, &StartupError{Err: fmt.Errorf("no automation engine configured")}
	}

	engine := m.factory()
	if err := engine.Start(ctx); err != nil {
		return nil, &StartupError{Err: err}
	}

	h := &Handle{
		SessionID: sessionID,
		Engine:    engine,
		CreatedAt: time.Now(),
		healthy:   true,
	}

	m.mu.Lock()
	m.handles[sessionID] = h
	m.mu.Unlock()

	log.Info().Str("sessionId", sessionID).Msg("Automation handle started")
	return h, nil
}

// Get returns the registered handle without constructing one.
func (m *Manager) Get(sessionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return h, ok
}

// Release stops the engine and discards the handle and its continuity
// context. Called only on explicit session teardown, never after a
// task, so a follow-up task resumes in the same browsing context.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	delete(m.handles, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := h.Engine.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Engine stop failed during release")
	}
	log.Info().Str("sessionId", sessionID).Msg("Automation handle released")
}

// MarkCrashed flags the session's handle so the next Acquire replaces
// it.
func (m *Manager) MarkCrashed(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[sessionID]; ok {
		h.markUnhealthy()
	}
}

// UpdateContinuity stores the short "where the automation left off"
// summary used to enrich the next task's prompt.
func (m *Manager) UpdateContinuity(sessionID, summary string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if ok {
		h.setContinuity(summary)
	}
}

// Continuity returns the session's continuity context, or "".
func (m *Manager) Continuity(sessionID string) string {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return ""
	}
	return h.Continuity()
}

// Screenshot captures the last open page of the session's live engine.
// It tolerates transient absence of pages mid-task; callers fall back
// to the most recent persisted artifact.
func (m *Manager) Screenshot(ctx context.Context, sessionID string) (string, error) {
	h, ok := m.Get(sessionID)
	if !ok || !h.isHealthy() {
		return "", fmt.Errorf("no live automation handle")
	}
	pages, err := h.Engine.Pages(ctx)
	if err != nil {
		return "", fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("no open pages")
	}
	return pages[len(pages)-1].Screenshot(ctx)
}
