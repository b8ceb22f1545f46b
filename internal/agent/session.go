package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskmux/taskmux/internal/broker/auth"
	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/wire"
)

// errAuthRejected marks a permanent credential failure. Reconnecting
// with the same credentials would just fail again.
var errAuthRejected = errors.New("broker rejected credentials")

const (
	defaultPingInterval     = 30 * time.Second
	defaultProgressInterval = 60 * time.Second
	sendTimeout             = 10 * time.Second
	maxFrameBytes           = 1 << 20
)

// SessionConfig configures the streaming websocket client.
type SessionConfig struct {
	BrokerURL   string // e.g. "http://localhost:4590"
	WorkspaceID string
	ClientID    string // generated when empty
	Surface     string
	Token       string // pre-shared token, empty in dev mode
	Secret      string // HMAC challenge secret, empty in dev mode

	HTTPClient       *http.Client  // optional custom transport (e.g. Unix socket)
	PingInterval     time.Duration // default 30s
	ProgressInterval time.Duration // default 60s, sent while a task runs
}

// SessionClient holds one agent streaming session against the broker.
// It acks pushed tasks, runs them through the executor, and reports
// progress and results.
type SessionClient struct {
	cfg      SessionConfig
	executor Executor

	mu      sync.Mutex
	conn    *websocket.Conn
	running map[string]struct{} // execution ids currently executing
}

// NewSessionClient creates a streaming client. A missing ClientID is
// generated so reconnects keep a stable identity.
func NewSessionClient(cfg SessionConfig, executor Executor) *SessionClient {
	if cfg.ClientID == "" {
		cfg.ClientID = id.Generate()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	return &SessionClient{
		cfg:      cfg,
		executor: executor,
		running:  make(map[string]struct{}),
	}
}

// ClientID returns the session identity used on the wire.
func (c *SessionClient) ClientID() string {
	return c.cfg.ClientID
}

// Connect dials the broker and serves one session until the connection
// drops or ctx is cancelled. Tasks started during the session keep
// running on ctx even after the connection is gone; their results are
// lost to this session but the broker re-queues the work.
func (c *SessionClient) Connect(ctx context.Context) error {
	u, err := c.sessionURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		Subprotocols: []string{"taskmux"},
		HTTPClient:   c.cfg.HTTPClient,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameBytes)

	c.setConn(conn)
	defer c.setConn(nil)

	// The ping loop starts only after auth_ok; pings sent earlier
	// would just bounce off the authentication gate.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	pingStarted := false

	for {
		var frame wire.Payload
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusCode(4001) {
				return fmt.Errorf("%w: %v", errAuthRejected, err)
			}
			return fmt.Errorf("read: %w", err)
		}

		typ, _ := frame["type"].(string)
		switch typ {
		case wire.TypeAuthChallenge:
			nonce, _ := frame["nonce"].(string)
			if err := c.send(wire.AgentFrame{
				Type:          wire.TypeAuthResponse,
				Token:         c.cfg.Token,
				NonceResponse: auth.NonceResponse(c.cfg.Secret, nonce, c.cfg.ClientID),
			}); err != nil {
				return fmt.Errorf("send auth_response: %w", err)
			}

		case wire.TypeAuthOK:
			flushed, _ := frame["flushed_tasks"].(float64)
			slog.Info("session established",
				"client_id", c.cfg.ClientID,
				"workspace_id", c.cfg.WorkspaceID,
				"flushed_tasks", int(flushed),
			)
			if !pingStarted {
				pingStarted = true
				go c.pingLoop(pingCtx)
			}

		case wire.TypeAuthFailed:
			return errAuthRejected

		case wire.TypePong, wire.TypeResultAck:
			// Liveness and delivery confirmations need no action.

		case wire.TypeError:
			slog.Warn("broker error frame",
				"code", frame["code"],
				"error", frame["error"],
			)

		default:
			if execID := frame.ExecutionID(); execID != "" {
				c.startTask(ctx, frame)
			} else {
				slog.Debug("ignoring unknown frame", "type", typ)
			}
		}
	}
}

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets on
// successful connection lasting longer than resetThreshold. Returns
// when ctx is cancelled or the broker permanently rejects credentials.
func (c *SessionClient) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

// connectFn is a function that establishes a session against the
// broker. Used for dependency injection in tests.
type connectFn func(ctx context.Context) error

func (c *SessionClient) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errAuthRejected) {
			slog.Error("authentication rejected by broker, giving up", "error", err)
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from broker, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// startTask acks and executes one pushed payload unless the same
// execution is already running locally (the broker re-pushes after a
// reconnect while the first run may still be going).
func (c *SessionClient) startTask(ctx context.Context, payload wire.Payload) {
	execID := payload.ExecutionID()

	c.mu.Lock()
	if _, dup := c.running[execID]; dup {
		c.mu.Unlock()
		slog.Info("task already executing locally, ignoring push", "task_id", execID)
		return
	}
	c.running[execID] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.running, execID)
			c.mu.Unlock()
		}()
		c.runTask(ctx, payload)
	}()
}

func (c *SessionClient) runTask(ctx context.Context, payload wire.Payload) {
	execID := payload.ExecutionID()

	if err := c.send(wire.AgentFrame{Type: wire.TypeAck, ExecutionID: execID}); err != nil {
		slog.Warn("ack send failed", "task_id", execID, "error", err)
	}

	// Heartbeat the task while it runs so the broker keeps treating
	// this session as live.
	hbCtx, stopHB := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = c.send(wire.AgentFrame{
					Type:        wire.TypeProgress,
					ExecutionID: execID,
					Progress:    &wire.ProgressInfo{Message: "running"},
				})
			}
		}
	}()

	res := c.executor.Execute(ctx, payload)
	stopHB()
	res.ExecutionID = execID

	frame := wire.AgentFrame{
		Type:            wire.TypeResult,
		ExecutionID:     execID,
		Status:          res.Status,
		Output:          res.Output,
		DurationSeconds: res.DurationSeconds,
		ToolCalls:       res.ToolCalls,
		FilesModified:   res.FilesModified,
		FilesCreated:    res.FilesCreated,
		Error:           res.Error,
		Governance:      res.Governance,
		Metadata:        res.Metadata,
	}
	if err := c.send(frame); err != nil {
		slog.Warn("result send failed, broker will re-queue",
			"task_id", execID,
			"error", err,
		)
	}
}

func (c *SessionClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(wire.AgentFrame{Type: wire.TypePing}); err != nil {
				slog.Debug("ping send failed", "error", err)
				return
			}
		}
	}
}

// send writes one frame to the current connection. The mutex
// serializes writes from the executor goroutines and the ping loop.
func (c *SessionClient) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (c *SessionClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *SessionClient) sessionURL() (string, error) {
	base := strings.TrimSuffix(c.cfg.BrokerURL, "/")
	u, err := url.Parse(base + "/v1/agents/session")
	if err != nil {
		return "", fmt.Errorf("broker url: %w", err)
	}
	q := u.Query()
	q.Set("workspace_id", c.cfg.WorkspaceID)
	q.Set("client_id", c.cfg.ClientID)
	if c.cfg.Surface != "" {
		q.Set("surface_type", c.cfg.Surface)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
