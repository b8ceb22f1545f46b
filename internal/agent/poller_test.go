package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/util/testutil"
)

type submittedResult struct {
	taskID   string
	clientID string
	leaseID  string
	result   wire.Result
}

// fakeRESTBroker serves the task REST API from in-memory state. Each
// queued payload is handed out exactly once; empty reserves block
// briefly to imitate the broker's long poll.
type fakeRESTBroker struct {
	mu         sync.Mutex
	queue      []wire.Payload
	held       []heldLease
	ackStatus  map[string]string // taskID -> status, default "acked"
	reserveErr int               // fail this many reserve calls first

	acks     []string
	submits  []submittedResult
	lastAuth string
}

func newFakeRESTBroker() *fakeRESTBroker {
	return &fakeRESTBroker{ackStatus: make(map[string]string)}
}

func (f *fakeRESTBroker) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/tasks/reserve", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		if f.reserveErr > 0 {
			f.reserveErr--
			f.mu.Unlock()
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		tasks := f.queue
		f.queue = nil
		f.mu.Unlock()

		if len(tasks) == 0 {
			time.Sleep(20 * time.Millisecond)
			tasks = []wire.Payload{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
	})

	mux.HandleFunc("/v1/tasks/inflight", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		held := f.held
		f.held = nil
		f.mu.Unlock()
		if held == nil {
			held = []heldLease{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": held})
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		taskID, action := parts[0], parts[1]

		switch action {
		case "ack":
			f.mu.Lock()
			f.acks = append(f.acks, taskID)
			status, ok := f.ackStatus[taskID]
			f.mu.Unlock()
			if !ok {
				status = "acked"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"execution_id":     taskID,
				"status":           status,
				"lease_expires_at": time.Now().Add(time.Minute),
			})
		case "progress":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"execution_id":     taskID,
				"status":           "ok",
				"lease_expires_at": time.Now().Add(time.Minute),
			})
		case "result":
			var body struct {
				ResultData wire.Result `json:"result_data"`
				ClientID   string      `json:"client_id"`
				LeaseID    string      `json:"lease_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode result body: %v", err)
				http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.submits = append(f.submits, submittedResult{
				taskID:   taskID,
				clientID: body.ClientID,
				leaseID:  body.LeaseID,
				result:   body.ResultData,
			})
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "task_id": taskID})
		default:
			http.NotFound(w, r)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRESTBroker) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeRESTBroker) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func startPoller(t *testing.T, f *fakeRESTBroker, cfg PollerConfig, exec Executor) (*Poller, context.CancelFunc, chan error) {
	t.Helper()
	cfg.BrokerURL = f.server(t).URL
	p := NewPoller(cfg, exec)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	return p, cancel, errCh
}

func TestPoller_ReserveAckExecuteSubmit(t *testing.T) {
	f := newFakeRESTBroker()
	f.queue = []wire.Payload{{"execution_id": "task-1", "command": "noop", "lease_id": "lease-1"}}
	exec := &staticExecutor{result: wire.Result{Status: wire.StatusCompleted, Output: "ok"}}

	p, cancel, errCh := startPoller(t, f, PollerConfig{
		WorkspaceID: "ws-1",
		ClientID:    "poll-1",
		Token:       "tok-1",
	}, exec)

	testutil.RequireEventually(t, func() bool { return f.submitCount() == 1 })

	f.mu.Lock()
	sub := f.submits[0]
	auth := f.lastAuth
	acks := append([]string(nil), f.acks...)
	f.mu.Unlock()
	assert.Equal(t, "task-1", sub.taskID)
	assert.Equal(t, "poll-1", sub.clientID)
	assert.Equal(t, "lease-1", sub.leaseID)
	assert.Equal(t, wire.StatusCompleted, sub.result.Status)
	assert.Equal(t, "ok", sub.result.Output)
	assert.Equal(t, "task-1", sub.result.ExecutionID)
	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, []string{"task-1"}, acks)
	assert.Equal(t, "poll-1", p.ClientID())

	cancel()
	assert.NoError(t, testutil.Recv(t, errCh))
}

func TestPoller_ResumesHeldLeases(t *testing.T) {
	f := newFakeRESTBroker()
	f.held = []heldLease{{
		Payload: wire.Payload{"execution_id": "task-2", "lease_id": "lease-2"},
		LeaseID: "lease-2",
		Acked:   true,
	}}
	exec := &staticExecutor{result: wire.Result{Status: wire.StatusCompleted}}

	_, cancel, errCh := startPoller(t, f, PollerConfig{WorkspaceID: "ws-1", ClientID: "poll-1"}, exec)

	testutil.RequireEventually(t, func() bool { return f.submitCount() == 1 })

	f.mu.Lock()
	sub := f.submits[0]
	f.mu.Unlock()
	assert.Equal(t, "task-2", sub.taskID)
	assert.Equal(t, "lease-2", sub.leaseID)
	assert.Equal(t, 0, f.ackCount(), "an acked lease must not be re-acked")

	cancel()
	assert.NoError(t, testutil.Recv(t, errCh))
}

func TestPoller_SkipsAlreadyCompletedTask(t *testing.T) {
	f := newFakeRESTBroker()
	f.queue = []wire.Payload{{"execution_id": "task-3", "lease_id": "lease-3"}}
	f.ackStatus["task-3"] = statusAlreadyCompleted
	exec := &staticExecutor{result: wire.Result{Status: wire.StatusCompleted}}

	_, cancel, errCh := startPoller(t, f, PollerConfig{WorkspaceID: "ws-1", ClientID: "poll-1"}, exec)

	testutil.RequireEventually(t, func() bool { return f.ackCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), exec.calls.Load(), "completed task must not execute")
	assert.Equal(t, 0, f.submitCount())

	cancel()
	assert.NoError(t, testutil.Recv(t, errCh))
}

func TestPoller_RetriesReserveAfterTransportError(t *testing.T) {
	f := newFakeRESTBroker()
	f.reserveErr = 1
	f.queue = []wire.Payload{{"execution_id": "task-4", "lease_id": "lease-4"}}
	exec := &staticExecutor{result: wire.Result{Status: wire.StatusCompleted}}

	_, cancel, errCh := startPoller(t, f, PollerConfig{WorkspaceID: "ws-1", ClientID: "poll-1"}, exec)

	// First reserve fails; the poller backs off (1s initial) and retries.
	testutil.RequireEventually(t, func() bool { return f.submitCount() == 1 })

	cancel()
	assert.NoError(t, testutil.Recv(t, errCh))
}
