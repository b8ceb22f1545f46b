package session

import (
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskmux/taskmux/internal/metrics"
)

// Manager tracks agent sessions keyed by workspace. Thread-safe.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // workspaceID -> clientID -> session
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]map[string]*Session),
	}
}

// Register adds a session. A session with the same (workspace, client)
// pair is replaced and returned so the caller can close it.
func (m *Manager) Register(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.sessions[s.WorkspaceID]
	if byID == nil {
		byID = make(map[string]*Session)
		m.sessions[s.WorkspaceID] = byID
	}
	old := byID[s.ID]
	byID[s.ID] = s
	if old == nil {
		metrics.AgentSessions.Inc()
	}
	return old
}

// Unregister removes the given session only if it is still the
// registered one for its (workspace, client) pair. This prevents a
// stale handler's deferred cleanup from removing a newer replacement.
// Returns true if the session was actually removed.
func (m *Manager) Unregister(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.sessions[s.WorkspaceID]
	if byID[s.ID] != s {
		return false
	}
	delete(byID, s.ID)
	if len(byID) == 0 {
		delete(m.sessions, s.WorkspaceID)
	}
	metrics.AgentSessions.Dec()
	return true
}

// Get returns a session by workspace and client ID, or nil.
func (m *Manager) Get(workspaceID, clientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[workspaceID][clientID]
}

// Best returns the push target for a workspace: the target client if
// one is named and authenticated, otherwise the authenticated session
// with the most recent heartbeat. Returns nil when no session
// qualifies.
func (m *Manager) Best(workspaceID, targetClientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := m.sessions[workspaceID]
	if targetClientID != "" {
		s := byID[targetClientID]
		if s != nil && s.Authenticated() {
			return s
		}
		return nil
	}

	var (
		best   *Session
		bestHB time.Time
	)
	for _, s := range byID {
		if !s.Authenticated() {
			continue
		}
		hb := s.LastHeartbeat()
		if best == nil || hb.After(bestHB) {
			best, bestHB = s, hb
		}
	}
	return best
}

// HasConnections reports whether any authenticated session exists.
// An empty workspaceID checks across all workspaces.
func (m *Manager) HasConnections(workspaceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if workspaceID != "" {
		for _, s := range m.sessions[workspaceID] {
			if s.Authenticated() {
				return true
			}
		}
		return false
	}
	for _, byID := range m.sessions {
		for _, s := range byID {
			if s.Authenticated() {
				return true
			}
		}
	}
	return false
}

// Sweep removes sessions that have not heartbeated within maxIdle,
// closes their connections, and returns them so the caller can run
// the re-queue policy.
func (m *Manager) Sweep(maxIdle time.Duration) []*Session {
	now := time.Now()

	m.mu.Lock()
	var evicted []*Session
	for wsID, byID := range m.sessions {
		for clientID, s := range byID {
			if now.Sub(s.LastHeartbeat()) > maxIdle {
				delete(byID, clientID)
				metrics.AgentSessions.Dec()
				evicted = append(evicted, s)
			}
		}
		if len(byID) == 0 {
			delete(m.sessions, wsID)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		s.Close(websocket.StatusGoingAway, "heartbeat timeout")
	}
	return evicted
}

// All returns every registered session. Used at shutdown.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			out = append(out, s)
		}
	}
	return out
}

// WorkspaceInfo summarizes one workspace's sessions for diagnostics.
type WorkspaceInfo struct {
	Authenticated   int      `json:"authenticated"`
	Unauthenticated int      `json:"unauthenticated"`
	Surfaces        []string `json:"surfaces"`
}

// Snapshot returns per-workspace session counts and surface tags.
func (m *Manager) Snapshot() map[string]WorkspaceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]WorkspaceInfo, len(m.sessions))
	for wsID, byID := range m.sessions {
		var info WorkspaceInfo
		for _, s := range byID {
			if s.Authenticated() {
				info.Authenticated++
			} else {
				info.Unauthenticated++
			}
			if s.Surface != "" && !slices.Contains(info.Surfaces, s.Surface) {
				info.Surfaces = append(info.Surfaces, s.Surface)
			}
		}
		slices.Sort(info.Surfaces)
		out[wsID] = info
	}
	return out
}
