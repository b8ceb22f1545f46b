// Package session tracks connected agent sessions per workspace and
// selects push targets for dispatch.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// sendTimeout bounds a single outbound frame write so a stalled agent
// cannot wedge a dispatcher holding locks upstream.
const sendTimeout = 10 * time.Second

// Session represents a connected agent's streaming session.
type Session struct {
	ID          string
	WorkspaceID string
	Surface     string

	Conn   *websocket.Conn
	SendFn func(v any) error // Optional: overrides Conn writes for testing.

	sendMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	lastHeartbeat time.Time
}

// New creates a session. authenticated is true only when the broker
// runs in dev mode; otherwise the handshake flips it later.
func New(workspaceID, clientID, surface string, authenticated bool) *Session {
	return &Session{
		ID:            clientID,
		WorkspaceID:   workspaceID,
		Surface:       surface,
		authenticated: authenticated,
		lastHeartbeat: time.Now(),
	}
}

// Send writes one JSON frame to the agent.
// The mutex serializes writes to prevent interleaved frames from
// concurrent dispatchers.
func (s *Session) Send(v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.SendFn != nil {
		return s.SendFn(v)
	}
	if s.Conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.Conn, v)
}

// Close closes the underlying connection, which unblocks the
// session's read loop. No-op for sessions without a connection.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	if s.Conn != nil {
		_ = s.Conn.Close(code, reason)
	}
}

// Authenticated reports whether the session passed the handshake.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// MarkAuthenticated records a successful handshake.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

// Touch records liveness. Called for pings and for every frame the
// router handles successfully.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the last recorded liveness time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}
