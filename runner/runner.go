// Package runner provides an exported entry point for running the
// taskmux task runner as a library (e.g. from the standalone binary).
package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/taskmux/taskmux/internal/agent"
)

// Connection modes.
const (
	ModeSession = "session" // streaming websocket, broker pushes tasks
	ModePoll    = "poll"    // REST long-poll, runner pulls tasks
)

// RunConfig holds configuration for running the runner as a library.
type RunConfig struct {
	BrokerURL   string // Broker base URL (e.g. "http://localhost:4590")
	WorkspaceID string // Queue to serve
	ClientID    string // Stable identity, generated when empty
	Surface     string // Optional surface type for targeted payloads
	Token       string // Pre-shared auth token, empty in dev mode
	Secret      string // HMAC challenge secret, empty in dev mode
	Mode        string // ModeSession (default) or ModePoll

	HTTPClient       *http.Client  // Custom HTTP client (e.g. for Unix socket transport)
	ProgressInterval time.Duration // Lease heartbeat cadence, 0 = default
}

// Run starts the runner and blocks until ctx is cancelled. Session
// mode reconnects with backoff until the broker permanently rejects
// the credentials; poll mode retries transport failures the same way.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.WorkspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	executor := agent.NewCommandExecutor()

	switch cfg.Mode {
	case "", ModeSession:
		client := agent.NewSessionClient(agent.SessionConfig{
			BrokerURL:        cfg.BrokerURL,
			WorkspaceID:      cfg.WorkspaceID,
			ClientID:         cfg.ClientID,
			Surface:          cfg.Surface,
			Token:            cfg.Token,
			Secret:           cfg.Secret,
			HTTPClient:       cfg.HTTPClient,
			ProgressInterval: cfg.ProgressInterval,
		}, executor)
		client.ConnectWithReconnect(ctx)
		return nil

	case ModePoll:
		poller := agent.NewPoller(agent.PollerConfig{
			BrokerURL:        cfg.BrokerURL,
			WorkspaceID:      cfg.WorkspaceID,
			ClientID:         cfg.ClientID,
			Surface:          cfg.Surface,
			Token:            cfg.Token,
			HTTPClient:       cfg.HTTPClient,
			ProgressInterval: cfg.ProgressInterval,
		}, executor)
		return poller.Run(ctx)

	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", cfg.Mode, ModeSession, ModePoll)
	}
}
