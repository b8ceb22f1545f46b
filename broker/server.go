// Package broker provides a reusable broker server that can be
// embedded in other binaries (e.g. the standalone all-in-one binary).
package broker

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/taskmux/taskmux/internal/broker/auth"
	"github.com/taskmux/taskmux/internal/broker/bootstrap"
	"github.com/taskmux/taskmux/internal/broker/bridge"
	"github.com/taskmux/taskmux/internal/broker/config"
	"github.com/taskmux/taskmux/internal/broker/dispatch"
	"github.com/taskmux/taskmux/internal/broker/service"
	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/tunables"
	"github.com/taskmux/taskmux/internal/logging"
	"github.com/taskmux/taskmux/internal/metrics"
)

// Server is a reusable broker instance.
type Server struct {
	cfg        *config.Config
	st         *store.Store
	sqlDB      *sql.DB
	server     *http.Server
	sessions   *session.Manager
	bridges    *bridge.Registry
	dispatcher *dispatch.Manager
	tun        *tunables.Config
}

// NewServer creates a broker server. It opens the database, runs
// migrations, seeds settings, and wires all surfaces. Call Serve() to
// start listening.
func NewServer(cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)

	if err := bootstrap.Run(context.Background(), st); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	tun, err := tunables.NewFromStore(context.Background(), st)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("load tunables: %w", err)
	}

	verifier := auth.NewVerifier(cfg.AuthToken, cfg.HMACSecret)
	if !verifier.Enabled() {
		slog.Warn("authentication disabled, all connections are trusted (dev mode)")
	}

	sessions := session.NewManager()
	bridges := bridge.NewRegistry()
	dispatcher := dispatch.NewManager(tun, sessions, st)

	svc := service.New(verifier, sessions, bridges, dispatcher, tun, st, version)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware)
	r.Use(metrics.HTTPMiddleware)

	// WebSocket surfaces. The agent session authenticates in-band via
	// the challenge handshake; the bridge channel checks its bearer
	// token inside the handler before upgrading.
	r.Method(http.MethodGet, "/v1/agents/session", svc.AgentSession())
	r.Method(http.MethodGet, "/v1/bridges/control", svc.BridgeChannel())

	// REST surfaces behind bearer auth (a no-op in dev mode).
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)

		r.Post("/v1/tasks/reserve", svc.ReserveTasks())
		r.Post("/v1/tasks/{task_id}/ack", svc.AckTask())
		r.Post("/v1/tasks/{task_id}/progress", svc.TaskProgress())
		r.Get("/v1/tasks/inflight", svc.InflightTasks())
		r.Post("/v1/tasks/{task_id}/result", svc.SubmitResult())
		r.Get("/v1/status", svc.Status())

		r.Post("/internal/v1/dispatch", svc.DispatchTask())
		r.Post("/internal/v1/workspaces/{workspace_id}/assign", svc.AssignWorkspace())
		r.Post("/internal/v1/workspaces/{workspace_id}/unassign", svc.UnassignWorkspace())
	})

	r.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(r, &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		st:         st,
		sqlDB:      sqlDB,
		server:     server,
		sessions:   sessions,
		bridges:    bridges,
		dispatcher: dispatcher,
		tun:        tun,
	}, nil
}

// Store returns the broker's task store for direct access (e.g. for
// standalone seeding).
func (s *Server) Store() *store.Store {
	return s.st
}

// SocketPath returns the Unix domain socket path for this server.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath()
}

// Serve starts the broker on TCP and Unix socket listeners. It blocks
// until ctx is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := s.cfg.SocketPath()
	if err := removeStaleSocket(sockPath); err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	var tcpLn net.Listener
	if s.cfg.Addr != "" {
		var err error
		tcpLn, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			_ = s.sqlDB.Close()
			return fmt.Errorf("listen tcp: %w", err)
		}
	}

	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		if tcpLn != nil {
			_ = tcpLn.Close()
		}
		_ = unixLn.Close()
		_ = s.sqlDB.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	go s.housekeeping(ctx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("broker shutting down...")

		// 1. Fail live futures and refuse new dispatches.
		s.dispatcher.Shutdown()

		// 2. Close agent sessions and bridges so their read loops end.
		for _, sess := range s.sessions.All() {
			sess.Close(websocket.StatusGoingAway, "broker shutting down")
		}
		for _, b := range s.bridges.All() {
			b.Close(websocket.StatusGoingAway, "broker shutting down")
		}

		// 3. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	listenerCount := 1 // unix listener always present
	if tcpLn != nil {
		listenerCount = 2
	}
	errCh := make(chan error, listenerCount)

	if tcpLn != nil {
		go func() { errCh <- s.server.Serve(tcpLn) }()
	}
	go func() { errCh <- s.server.Serve(unixLn) }()

	if tcpLn != nil {
		slog.Info("broker listening", "addr", s.cfg.Addr, "socket", sockPath)
	} else {
		slog.Info("broker listening", "socket", sockPath)
	}

	if err := <-errCh; err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	// Wait for the remaining listener(s) to finish.
	for i := 1; i < listenerCount; i++ {
		<-errCh
	}

	// 4. Wait for the shutdown goroutine to complete.
	<-shutdownDone

	// 5. Clean up socket.
	_ = os.Remove(sockPath)

	// 6. Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}

	// 7. Close database.
	_ = s.sqlDB.Close()
	return nil
}

// housekeeping runs the periodic maintenance loop: evict sessions that
// stopped heartbeating, reclaim expired poll leases, and pick up
// settings changes. The interval tracks the heartbeat tunable.
func (s *Server) housekeeping(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.tun.HeartbeatInterval()):
		}

		evicted := s.sessions.Sweep(s.tun.ClientTimeout())
		for _, sess := range evicted {
			slog.Info("session heartbeat timeout",
				"client_id", sess.ID,
				"workspace_id", sess.WorkspaceID,
			)
			s.dispatcher.HandleDisconnect(sess.ID)
		}

		s.dispatcher.ReclaimExpired()

		set, err := s.st.GetSettings(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("settings reload failed", "error", err)
			}
			continue
		}
		s.tun.Refresh(set)
	}
}

// removeStaleSocket removes a leftover socket file from a previous crash.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}
