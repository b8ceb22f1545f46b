package bridge

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/metrics"
)

// Registry tracks connected bridges. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bridges: make(map[string]*Bridge),
	}
}

// Register adds a bridge. A bridge with the same ID is replaced and
// returned so the caller can close it.
func (r *Registry) Register(b *Bridge) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.bridges[b.ID]
	r.bridges[b.ID] = b
	if old == nil {
		metrics.BridgeConnections.Inc()
	}
	return old
}

// Unregister removes the given bridge only if it is still the
// registered one for its ID. Returns true if it was removed.
func (r *Registry) Unregister(b *Bridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bridges[b.ID] != b {
		return false
	}
	delete(r.bridges, b.ID)
	metrics.BridgeConnections.Dec()
	return true
}

// Count returns the number of connected bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// All returns every registered bridge. Used at shutdown.
func (r *Registry) All() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// BroadcastAssign tells bridges a workspace was assigned. Returns the
// number of bridges reached.
func (r *Registry) BroadcastAssign(workspaceID, ownerUserID string) int {
	return r.broadcast(wire.NewAssign(workspaceID), ownerUserID)
}

// BroadcastUnassign tells bridges a workspace was released. Returns
// the number of bridges reached.
func (r *Registry) BroadcastUnassign(workspaceID, ownerUserID string) int {
	return r.broadcast(wire.NewUnassign(workspaceID), ownerUserID)
}

// broadcast fans the event out to all bridges. When ownerUserID is
// given, bridges whose owner is set and differs are skipped. A bridge
// that fails the send is unregistered and not counted.
func (r *Registry) broadcast(event wire.BridgeEvent, ownerUserID string) int {
	r.mu.RLock()
	targets := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		if ownerUserID != "" && b.Owner != "" && b.Owner != ownerUserID {
			continue
		}
		targets = append(targets, b)
	}
	r.mu.RUnlock()

	sent := 0
	for _, b := range targets {
		if err := b.Send(event); err != nil {
			slog.Warn("bridge send failed, unregistering",
				"bridge_id", b.ID,
				"event", event.Type,
				"error", err,
			)
			if r.Unregister(b) {
				b.Close(websocket.StatusGoingAway, "send failure")
			}
			continue
		}
		sent++
	}
	return sent
}
