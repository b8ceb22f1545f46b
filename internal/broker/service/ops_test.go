package service

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/util/testutil"
)

func TestDispatchTask_Validation(t *testing.T) {
	env := newTestEnv(t, "", "")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing workspace_id", `{"payload": {}}`, "workspace_id"},
		{"bad target client", `{"workspace_id": "ws-1", "target_client_id": "no spaces"}`, "target_client_id"},
		{"bad task id", `{"workspace_id": "ws-1", "task_id": "id with spaces"}`, "task_id"},
		{"malformed body", `{"workspace_id": `, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.postRaw(t, "/internal/v1/dispatch", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, decode[map[string]string](t, body)["error"], tt.want)
		})
	}
}

// TestDispatchTask_TimeoutReturnsStructuredResult dispatches into an
// empty workspace with a one second wait and expects the synthesized
// timeout result rather than an error status.
func TestDispatchTask_TimeoutReturnsStructuredResult(t *testing.T) {
	env := newTestEnv(t, "", "")

	resCh := env.dispatchAsync(t, `{
		"workspace_id": "ws-1",
		"task_id": "task-slow",
		"payload": {"prompt": "nobody is listening"},
		"timeout_seconds": 1
	}`)

	res := testutil.Recv(t, resCh)
	assert.Equal(t, "task-slow", res.ExecutionID)
	assert.Equal(t, wire.StatusTimeout, res.Status)
	assert.Contains(t, res.Error, "timed out")

	// The durable row survives the timeout so a late submit still
	// lands.
	stored, err := env.store.GetTask(context.Background(), "task-slow")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
}

func TestDispatchTask_TerminalTaskConflict(t *testing.T) {
	env := newTestEnv(t, "", "")

	ctx := context.Background()
	require.NoError(t, env.store.CreateTask(ctx, "task-done", "ws-1"))
	require.NoError(t, env.store.UpdateTaskStatus(ctx, "task-done", store.StatusSucceeded, nil, ""))

	resp, err := env.srv.Client().Post(env.srv.URL+"/internal/v1/dispatch", "application/json",
		strings.NewReader(`{"workspace_id": "ws-1", "task_id": "task-done", "timeout_seconds": 1}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDispatchTask_GeneratesTaskID(t *testing.T) {
	env := newTestEnv(t, "", "")

	resCh := env.dispatchAsync(t, `{
		"workspace_id": "ws-1",
		"payload": {"prompt": "unnamed"},
		"timeout_seconds": 1
	}`)

	res := testutil.Recv(t, resCh)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, wire.StatusTimeout, res.Status)
}

// dialBridge opens a bridge control channel against the test server
// and waits for it to register.
func dialBridge(t *testing.T, env *testEnv, bridgeID, owner, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/bridges/control?bridge_id=" + bridgeID
	if owner != "" {
		u += "&owner_user_id=" + owner
	}
	opts := &websocket.DialOptions{Subprotocols: []string{Subprotocol}}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	before := env.bridges.Count()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u, opts)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	testutil.RequireEventually(t, func() bool {
		return env.bridges.Count() > before
	})
	return conn
}

func TestAssignWorkspace_BroadcastsToBridges(t *testing.T) {
	env := newTestEnv(t, "", "")

	conn := dialBridge(t, env, "bridge-1", "user-1", "")

	status, body := env.post(t, "/internal/v1/workspaces/ws-1/assign", assignRequest{OwnerUserID: "user-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[assignResponse](t, body).Sent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evt wire.BridgeEvent
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, wire.TypeAssign, evt.Type)
	assert.Equal(t, "ws-1", evt.WorkspaceID)

	// A broadcast scoped to another owner skips this bridge.
	status, body = env.post(t, "/internal/v1/workspaces/ws-2/assign", assignRequest{OwnerUserID: "user-2"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, decode[assignResponse](t, body).Sent)

	// Unassign without an owner reaches everyone.
	status, body = env.post(t, "/internal/v1/workspaces/ws-1/unassign", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decode[assignResponse](t, body).Sent)

	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, wire.TypeUnassign, evt.Type)
}

func TestAssignWorkspace_Validation(t *testing.T) {
	env := newTestEnv(t, "", "")

	status, body := env.post(t, "/internal/v1/workspaces/bad%20id/assign", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, decode[map[string]string](t, body)["error"], "workspace_id")
}

func TestBridgeChannel_RequiresBearerInProdMode(t *testing.T) {
	env := newTestEnv(t, "tok-1", "sec-1")

	u := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/bridges/control"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	if conn != nil {
		_ = conn.CloseNow()
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.bridges.Count())

	dialBridge(t, env, "bridge-1", "", "tok-1")
	assert.Equal(t, 1, env.bridges.Count())
}
