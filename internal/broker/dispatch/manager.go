// Package dispatch owns the task lifecycle: per-workspace pending
// queues, the inflight table, poll-mode reservations, the completed
// set, and the single-shot futures dispatch callers block on.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/tunables"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/metrics"
)

// OwnerPending marks inflight entries whose task sits in a pending
// queue (or a poll reservation) rather than with a live session.
const OwnerPending = "pending"

// TaskStore is the slice of the tasks store the dispatcher needs for
// durable result writes and duplicate detection.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (store.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status store.Status, resultJSON []byte, errMsg string) error
}

// pendingTask is one queued dispatch awaiting an agent.
type pendingTask struct {
	taskID         string
	workspaceID    string
	payload        wire.Payload
	targetClientID string
	attempts       int
	createdAt      time.Time
}

// inflightTask pairs a dispatched or queued task with its caller's
// future. The done channel has capacity one; whoever deletes the entry
// from the inflight map owns the single send into it, except the
// timeout path, which deletes because it is the receiver.
type inflightTask struct {
	taskID       string
	workspaceID  string
	clientID     string
	payload      wire.Payload
	acked        bool
	dispatchedAt time.Time
	done         chan wire.Result
}

// reservation is a poll-mode lease on a task.
type reservation struct {
	task            pendingTask
	clientID        string
	leaseID         string
	leaseDeadline   time.Time
	cumulativeLease time.Duration
	acked           bool
}

// Manager coordinates the full dispatch lifecycle. One mutex guards
// all queue state; future resolution happens through the buffered
// channels so no send ever blocks under the lock.
type Manager struct {
	cfg      *tunables.Config
	sessions *session.Manager
	store    TaskStore

	mu        sync.Mutex
	pending   map[string][]*pendingTask // workspaceID -> FIFO queue
	inflight  map[string]*inflightTask  // taskID -> entry
	reserved  map[string]*reservation   // taskID -> reservation
	completed *completedSet
	wake      map[string]chan struct{} // workspaceID -> closed on next enqueue

	shutdown   bool
	shutdownCh chan struct{}
}

// NewManager wires the dispatcher to the session registry and the
// tasks store.
func NewManager(cfg *tunables.Config, sessions *session.Manager, taskStore TaskStore) *Manager {
	return &Manager{
		cfg:        cfg,
		sessions:   sessions,
		store:      taskStore,
		pending:    make(map[string][]*pendingTask),
		inflight:   make(map[string]*inflightTask),
		reserved:   make(map[string]*reservation),
		completed:  newCompletedSet(),
		wake:       make(map[string]chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// DispatchAndWait routes a payload to the workspace's best agent, or
// queues it when none is connected, then blocks until the task
// resolves or the timeout elapses. Every outcome is a structured
// result; errors never escape as panics or bare failures.
func (m *Manager) DispatchAndWait(workspaceID string, payload wire.Payload, taskID, targetClientID string, timeout time.Duration) wire.Result {
	if taskID == "" {
		taskID = payload.ExecutionID()
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return failResult(taskID, "broker shutting down")
	}
	if m.completed.Contains(taskID) {
		m.mu.Unlock()
		return failResult(taskID, "task already completed")
	}
	if _, exists := m.inflight[taskID]; exists {
		m.mu.Unlock()
		return failResult(taskID, "task already inflight")
	}

	done := make(chan wire.Result, 1)
	entry := &inflightTask{
		taskID:       taskID,
		workspaceID:  workspaceID,
		payload:      payload,
		dispatchedAt: time.Now(),
		done:         done,
	}

	target := m.sessions.Best(workspaceID, targetClientID)
	if target != nil {
		entry.clientID = target.ID
		m.inflight[taskID] = entry
		m.updateGaugesLocked()
		m.mu.Unlock()

		if err := target.Send(payload); err != nil {
			slog.Warn("push to agent failed",
				"task_id", taskID,
				"workspace_id", workspaceID,
				"client_id", target.ID,
				"error", err,
			)
			m.failPush(taskID, target.ID, err)
			target.Close(websocket.StatusInternalError, "send failure")
		} else {
			metrics.TasksDispatchedTotal.WithLabelValues("ws_push").Inc()
		}
	} else {
		entry.clientID = OwnerPending
		m.inflight[taskID] = entry
		m.admitLocked(&pendingTask{
			taskID:         taskID,
			workspaceID:    workspaceID,
			payload:        payload,
			targetClientID: targetClientID,
			createdAt:      time.Now(),
		})
		m.updateGaugesLocked()
		m.mu.Unlock()
		metrics.TasksDispatchedTotal.WithLabelValues("queued").Inc()
	}

	return m.await(taskID, done, timeout)
}

// await blocks on the future. On timeout, the inflight entry is
// removed before returning so a late result flows to the store rather
// than a dead channel.
func (m *Manager) await(taskID string, done chan wire.Result, timeout time.Duration) wire.Result {
	select {
	case r := <-done:
		return r
	case <-time.After(timeout):
	}

	m.mu.Lock()
	entry, ok := m.inflight[taskID]
	if ok && entry.done == done {
		delete(m.inflight, taskID)
		m.updateGaugesLocked()
		m.mu.Unlock()
		metrics.TasksCompletedTotal.WithLabelValues("timeout").Inc()
		return wire.Result{
			ExecutionID: taskID,
			Status:      wire.StatusTimeout,
			Error:       fmt.Sprintf("dispatch timed out after %s", timeout),
		}
	}
	m.mu.Unlock()

	// The entry was removed by a resolver between our timeout and the
	// lock acquisition; that resolver sends exactly once.
	return <-done
}

// failPush removes the inflight entry and fails the future after a
// push error, unless the re-queue policy already rolled the task back
// to pending.
func (m *Manager) failPush(taskID, clientID string, sendErr error) {
	m.mu.Lock()
	entry, ok := m.inflight[taskID]
	if !ok || entry.clientID != clientID {
		m.mu.Unlock()
		return
	}
	m.resolveLocked(entry, failResult(taskID, fmt.Sprintf("push to agent failed: %v", sendErr)))
	m.updateGaugesLocked()
	m.mu.Unlock()
}

// FlushPending re-dispatches the workspace's queued tasks to a newly
// authenticated session, preserving FIFO order for tasks the session
// may take. Returns the number delivered.
//
// The broker lock is held across the sends: session writes carry a
// bounded deadline, flush runs only on authentication, and in-place
// iteration keeps skipped tasks exactly where they were.
func (m *Manager) FlushPending(s *session.Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.pending[s.WorkspaceID]
	if len(q) == 0 {
		return 0
	}

	maxAttempts := m.cfg.MaxAttempts()
	remaining := make([]*pendingTask, 0, len(q))
	sent := 0
	stopped := false

	for _, t := range q {
		if stopped {
			remaining = append(remaining, t)
			continue
		}
		if t.targetClientID != "" && t.targetClientID != s.ID {
			remaining = append(remaining, t)
			continue
		}

		t.attempts++
		if t.attempts > maxAttempts {
			slog.Warn("dropping task after max dispatch attempts",
				"task_id", t.taskID,
				"workspace_id", t.workspaceID,
				"attempts", t.attempts,
			)
			metrics.QueueDropsTotal.WithLabelValues("max_attempts").Inc()
			if entry, ok := m.inflight[t.taskID]; ok {
				m.resolveLocked(entry, failResult(t.taskID, "max dispatch attempts exceeded"))
			}
			continue
		}

		if err := s.Send(t.payload); err != nil {
			slog.Warn("flush push failed, leaving task queued",
				"task_id", t.taskID,
				"client_id", s.ID,
				"error", err,
			)
			remaining = append(remaining, t)
			stopped = true
			continue
		}

		sent++
		if entry, ok := m.inflight[t.taskID]; ok {
			entry.clientID = s.ID
			entry.dispatchedAt = time.Now()
		}
		metrics.TasksDispatchedTotal.WithLabelValues("ws_flush").Inc()
	}

	m.setPendingLocked(s.WorkspaceID, remaining)
	m.updateGaugesLocked()
	return sent
}

// HandleDisconnect applies the re-queue policy to every inflight task
// owned by the departed session.
func (m *Manager) HandleDisconnect(clientID string) {
	m.mu.Lock()
	var alreadyDone []*inflightTask
	for taskID, entry := range m.inflight {
		if entry.clientID != clientID {
			continue
		}
		switch {
		case m.completed.Contains(taskID):
			// The agent finished before the disconnect landed; the
			// future (if still live) gets a benign resolution below.
			delete(m.inflight, taskID)
			alreadyDone = append(alreadyDone, entry)

		case len(entry.payload) > 0:
			entry.clientID = OwnerPending
			m.admitLocked(&pendingTask{
				taskID:      taskID,
				workspaceID: entry.workspaceID,
				payload:     entry.payload,
				attempts:    1, // the disconnected delivery counts
				createdAt:   time.Now(),
			})
			metrics.TasksRequeuedTotal.Inc()
			slog.Info("re-queued task after disconnect",
				"task_id", taskID,
				"workspace_id", entry.workspaceID,
				"client_id", clientID,
			)

		default:
			m.resolveLocked(entry, failResult(taskID, "client disconnected, no payload to re-queue"))
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, entry := range alreadyDone {
		entry.done <- m.storedOrBenign(entry.taskID)
		metrics.TasksCompletedTotal.WithLabelValues("completed").Inc()
	}
}

// Shutdown stops admissions, fails every live future, and wakes all
// long-poll waiters.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return
	}
	m.shutdown = true
	close(m.shutdownCh)

	for _, entry := range m.inflight {
		m.resolveLocked(entry, failResult(entry.taskID, "broker shutting down"))
	}
	m.pending = make(map[string][]*pendingTask)
	m.reserved = make(map[string]*reservation)
	for wsID, ch := range m.wake {
		close(ch)
		delete(m.wake, wsID)
	}
	m.updateGaugesLocked()
}

// Done is closed when the manager shuts down. Long-poll handlers
// select on it.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// WakeChan returns a channel closed on the next enqueue for the
// workspace. Callers re-acquire a fresh channel after each wake.
func (m *Manager) WakeChan(workspaceID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := m.wake[workspaceID]
	if !ok {
		ch = make(chan struct{})
		m.wake[workspaceID] = ch
	}
	return ch
}

// Snapshot is the dispatcher's share of the status surface.
type Snapshot struct {
	Pending   map[string]int `json:"pending"`
	Inflight  int            `json:"inflight"`
	Reserved  int            `json:"reserved"`
	Completed int            `json:"completed"`
}

// Snapshot returns queue depths under a single lock acquisition.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[string]int, len(m.pending))
	for wsID, q := range m.pending {
		pending[wsID] = len(q)
	}
	return Snapshot{
		Pending:   pending,
		Inflight:  len(m.inflight),
		Reserved:  len(m.reserved),
		Completed: m.completed.Len(),
	}
}

// admitLocked appends to the workspace queue, dropping the oldest
// entry (and failing its future) on overflow, then signals the
// workspace wake channel.
func (m *Manager) admitLocked(t *pendingTask) {
	q := m.pending[t.workspaceID]
	if len(q) >= m.cfg.MaxPendingPerWorkspace() {
		oldest := q[0]
		q = q[1:]
		slog.Warn("pending queue overflow, dropping oldest task",
			"workspace_id", t.workspaceID,
			"dropped_task_id", oldest.taskID,
			"admitted_task_id", t.taskID,
		)
		metrics.QueueDropsTotal.WithLabelValues("overflow").Inc()
		if entry, ok := m.inflight[oldest.taskID]; ok {
			m.resolveLocked(entry, failResult(oldest.taskID, "dropped from queue: pending overflow"))
		}
	}
	m.pending[t.workspaceID] = append(q, t)
	m.wakeLocked(t.workspaceID)
}

// wakeLocked signals the workspace's long-poll waiters.
func (m *Manager) wakeLocked(workspaceID string) {
	if ch, ok := m.wake[workspaceID]; ok {
		close(ch)
		delete(m.wake, workspaceID)
	}
}

// resolveLocked removes the inflight entry and completes its future.
// The send cannot block: the channel is buffered and each entry is
// resolved exactly once by whoever removes it from the map.
func (m *Manager) resolveLocked(entry *inflightTask, r wire.Result) {
	delete(m.inflight, entry.taskID)
	entry.done <- r
	metrics.TasksCompletedTotal.WithLabelValues(completionLabel(r)).Inc()
}

func (m *Manager) setPendingLocked(workspaceID string, q []*pendingTask) {
	if len(q) == 0 {
		delete(m.pending, workspaceID)
		return
	}
	m.pending[workspaceID] = q
}

// dropPendingLocked removes a task from its pending queue, scanning
// all workspaces when the workspace is unknown.
func (m *Manager) dropPendingLocked(taskID, workspaceID string) {
	scan := func(wsID string) bool {
		q := m.pending[wsID]
		for i, t := range q {
			if t.taskID == taskID {
				m.setPendingLocked(wsID, append(q[:i:i], q[i+1:]...))
				return true
			}
		}
		return false
	}
	if workspaceID != "" {
		scan(workspaceID)
		return
	}
	for wsID := range m.pending {
		if scan(wsID) {
			return
		}
	}
}

func (m *Manager) updateGaugesLocked() {
	total := 0
	for _, q := range m.pending {
		total += len(q)
	}
	metrics.PendingTasks.Set(float64(total))
	metrics.InflightTasks.Set(float64(len(m.inflight)))
	metrics.ReservedTasks.Set(float64(len(m.reserved)))
}

func failResult(taskID, msg string) wire.Result {
	return wire.Result{
		ExecutionID: taskID,
		Status:      wire.StatusFailed,
		Error:       msg,
	}
}

// completionLabel collapses agent-supplied status strings into a
// bounded metric label set.
func completionLabel(r wire.Result) string {
	switch r.Status {
	case wire.StatusCompleted:
		return "completed"
	case wire.StatusTimeout:
		return "timeout"
	default:
		return "failed"
	}
}
