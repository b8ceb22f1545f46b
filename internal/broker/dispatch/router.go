package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/metrics"
)

// HandleAck records an ack frame from a push-mode agent. Only the
// session the task was dispatched to may ack it.
func (m *Manager) HandleAck(taskID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.inflight[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if entry.clientID != clientID {
		return ErrNotOwner
	}
	entry.acked = true
	return nil
}

// HandleProgress validates a progress frame from a push-mode agent.
// Push sessions have no lease to extend; the frame only proves the
// task is still moving, so ownership is checked and nothing mutates.
func (m *Manager) HandleProgress(taskID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.inflight[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if entry.clientID != clientID {
		return ErrNotOwner
	}
	return nil
}

// HandleResult settles a result frame from a push-mode agent: the
// waiting future resolves with the transport-annotated result, the
// task joins the completed set, and the row is settled durably.
//
// A result for a task with no live future (the dispatcher timed out,
// or the broker restarted) is still recorded; the work is done and
// the agent deserves its ack.
func (m *Manager) HandleResult(ctx context.Context, clientID string, res wire.Result) error {
	taskID := res.ExecutionID
	if taskID == "" {
		return fmt.Errorf("result frame missing execution_id")
	}

	annotated := res.
		WithMeta("transport", "ws_push").
		WithMeta("client_id", clientID)

	m.mu.Lock()
	entry, ok := m.inflight[taskID]
	if ok && entry.clientID != clientID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	var done chan wire.Result
	if ok {
		delete(m.inflight, taskID)
		done = entry.done
	}
	delete(m.reserved, taskID)
	m.dropPendingLocked(taskID, "")
	m.completed.Add(taskID, m.cfg.CompletedMax())
	m.updateGaugesLocked()
	m.mu.Unlock()

	if done != nil {
		done <- annotated
		metrics.TasksCompletedTotal.WithLabelValues(completionLabel(annotated)).Inc()
	} else {
		slog.Info("result arrived with no live future, recording anyway",
			"task_id", taskID,
			"client_id", clientID,
		)
	}

	m.writeResultDurable(ctx, taskID, annotated)
	return nil
}

// writeResultDurable settles the task row for a result, tolerating
// rows that are already terminal or were never created.
func (m *Manager) writeResultDurable(ctx context.Context, taskID string, res wire.Result) {
	t, err := m.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("task lookup failed while persisting result", "task_id", taskID, "error", err)
		return
	}
	if t.Status.Terminal() {
		return
	}

	status := store.StatusFailed
	if res.Completed() {
		status = store.StatusSucceeded
	}
	resultJSON, err := json.Marshal(res)
	if err != nil {
		slog.Warn("marshal task result failed", "task_id", taskID, "error", err)
		resultJSON = nil
	}
	if err := m.store.UpdateTaskStatus(ctx, taskID, status, resultJSON, res.Error); err != nil && !errors.Is(err, store.ErrTerminal) {
		slog.Warn("persist task result failed", "task_id", taskID, "error", err)
	}
}

// storedOrBenign builds the resolution for a future whose task
// finished before its owner disconnected. The durable result is used
// when one exists; otherwise a synthetic completion stands in.
func (m *Manager) storedOrBenign(taskID string) wire.Result {
	benign := wire.Result{
		ExecutionID: taskID,
		Status:      wire.StatusCompleted,
		Metadata:    map[string]any{"already_completed": true},
	}

	t, err := m.store.GetTask(context.Background(), taskID)
	if err != nil || len(t.Result) == 0 {
		return benign
	}
	var stored wire.Result
	if err := json.Unmarshal(t.Result, &stored); err != nil {
		return benign
	}
	if stored.ExecutionID == "" {
		stored.ExecutionID = taskID
	}
	return stored.WithMeta("already_completed", true)
}
