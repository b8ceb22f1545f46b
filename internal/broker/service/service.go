// Package service exposes the broker's four surfaces: the agent
// streaming session, the bridge control channel, the poll REST API,
// and the internal ops endpoints.
package service

import (
	"time"

	"github.com/taskmux/taskmux/internal/broker/auth"
	"github.com/taskmux/taskmux/internal/broker/bridge"
	"github.com/taskmux/taskmux/internal/broker/dispatch"
	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/tunables"
)

// Subprotocol is the websocket subprotocol both the agent session and
// the bridge channel negotiate.
const Subprotocol = "taskmux"

// wsCloseUnauthorized is the private-range close code for failed or
// expired authentication.
const wsCloseUnauthorized = 4001

// Service carries the broker components the HTTP and websocket
// handlers operate on.
type Service struct {
	verifier   *auth.Verifier
	sessions   *session.Manager
	bridges    *bridge.Registry
	dispatcher *dispatch.Manager
	tun        *tunables.Config
	store      *store.Store
	version    string
	startedAt  time.Time
}

// New wires a Service.
func New(verifier *auth.Verifier, sessions *session.Manager, bridges *bridge.Registry, dispatcher *dispatch.Manager, tun *tunables.Config, st *store.Store, version string) *Service {
	return &Service{
		verifier:   verifier,
		sessions:   sessions,
		bridges:    bridges,
		dispatcher: dispatcher,
		tun:        tun,
		store:      st,
		version:    version,
		startedAt:  time.Now(),
	}
}
