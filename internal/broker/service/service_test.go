package service

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/broker/auth"
	"github.com/taskmux/taskmux/internal/broker/bridge"
	"github.com/taskmux/taskmux/internal/broker/dispatch"
	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/tunables"
	"github.com/taskmux/taskmux/internal/broker/wire"
)

// testEnv runs a Service over an in-memory store with the same routes
// the broker registers in production.
type testEnv struct {
	svc        *Service
	store      *store.Store
	sessions   *session.Manager
	bridges    *bridge.Registry
	dispatcher *dispatch.Manager
	tun        *tunables.Config
	verifier   *auth.Verifier
	srv        *httptest.Server
}

func newTestEnv(t *testing.T, token, secret string) *testEnv {
	t.Helper()

	sqlDB, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(sqlDB))
	st := store.New(sqlDB)

	tun := tunables.New()
	verifier := auth.NewVerifier(token, secret)
	sessions := session.NewManager()
	bridges := bridge.NewRegistry()
	dispatcher := dispatch.NewManager(tun, sessions, st)

	svc := New(verifier, sessions, bridges, dispatcher, tun, st, "test")

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/v1/agents/session", svc.AgentSession())
	r.Method(http.MethodGet, "/v1/bridges/control", svc.BridgeChannel())
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

	env := &testEnv{
		svc:        svc,
		store:      st,
		sessions:   sessions,
		bridges:    bridges,
		dispatcher: dispatcher,
		tun:        tun,
		verifier:   verifier,
	}
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	// Registered after the server so it runs first: shutdown unblocks
	// any handler still parked in a long poll or a dispatch wait,
	// letting Close return promptly.
	t.Cleanup(dispatcher.Shutdown)
	return env
}

// dispatchAsync posts to the dispatch endpoint from a goroutine and
// returns a channel carrying the decoded result. The endpoint blocks
// until the task resolves, so the caller keeps working while it waits.
func (e *testEnv) dispatchAsync(t *testing.T, body string) <-chan wire.Result {
	t.Helper()

	ch := make(chan wire.Result, 1)
	go func() {
		resp, err := e.srv.Client().Post(e.srv.URL+"/internal/v1/dispatch", "application/json", strings.NewReader(body))
		if err != nil {
			t.Errorf("dispatch request failed: %v", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		var res wire.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Errorf("decode dispatch result: %v", err)
			return
		}
		ch <- res
	}()
	return ch
}

// request sends an HTTP request to the test server and returns the
// status code and decoded body bytes.
func (e *testEnv) request(t *testing.T, method, path string, body any, token string) (int, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	return e.request(t, http.MethodPost, path, body, "")
}

// postRaw sends body verbatim, for malformed-JSON cases the typed
// helpers cannot express.
func (e *testEnv) postRaw(t *testing.T, path, body string) (int, []byte) {
	t.Helper()

	resp, err := e.srv.Client().Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	return e.request(t, http.MethodGet, path, nil, "")
}

// decode unmarshals a JSON response body, failing the test on error.
func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body: %s", data)
	return v
}
