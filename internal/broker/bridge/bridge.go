// Package bridge tracks control-channel connections and broadcasts
// workspace assignment events to them.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const sendTimeout = 10 * time.Second

// Bridge is one connected control channel. Owner, when set, scopes
// which broadcasts the bridge receives.
type Bridge struct {
	ID    string
	Owner string

	Conn   *websocket.Conn
	SendFn func(v any) error // Optional: overrides Conn writes for testing.

	sendMu sync.Mutex
}

// New creates a bridge handle.
func New(bridgeID, owner string) *Bridge {
	return &Bridge{ID: bridgeID, Owner: owner}
}

// Send writes one JSON event to the bridge.
// The mutex serializes writes to prevent interleaved frames.
func (b *Bridge) Send(v any) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if b.SendFn != nil {
		return b.SendFn(v)
	}
	if b.Conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, b.Conn, v)
}

// Close closes the underlying connection. No-op without one.
func (b *Bridge) Close(code websocket.StatusCode, reason string) {
	if b.Conn != nil {
		_ = b.Conn.Close(code, reason)
	}
}
