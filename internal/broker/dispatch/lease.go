package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/metrics"
)

// AckStatus reports the outcome of a lease ack.
type AckStatus string

const (
	AckAcked            AckStatus = "acked"
	AckAlreadyAcked     AckStatus = "already_acked"
	AckAlreadyCompleted AckStatus = "already_completed"
)

// AckResult carries the new lease deadline back to the agent.
type AckResult struct {
	ExecutionID    string    `json:"execution_id"`
	LeaseID        string    `json:"lease_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Status         AckStatus `json:"status"`
}

// ProgressStatus reports the outcome of a lease progress heartbeat.
type ProgressStatus string

const (
	ProgressOK          ProgressStatus = "ok"
	ProgressCapExceeded ProgressStatus = "lease_cap_exceeded"
)

// ProgressResult carries the (possibly unchanged) lease deadline.
type ProgressResult struct {
	ExecutionID    string         `json:"execution_id"`
	LeaseExpiresAt time.Time      `json:"lease_expires_at"`
	Status         ProgressStatus `json:"status"`
}

// Lease describes one reservation held by a polling agent.
type Lease struct {
	Payload        wire.Payload `json:"payload"`
	LeaseID        string       `json:"lease_id"`
	Acked          bool         `json:"acked"`
	LeaseExpiresAt time.Time    `json:"lease_expires_at"`
}

// SubmitResult reports how a submitted result was recorded.
type SubmitResult struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	TaskID      string `json:"task_id"`
}

// Reserve hands up to limit pending tasks from the workspace queue to
// a polling agent under fresh leases. Expired reservations are
// reclaimed first so their tasks are immediately eligible again.
//
// Tasks pinned to another agent (by payload agent_id when the caller
// names its surface, or by target client) stay queued in place.
func (m *Manager) Reserve(workspaceID, clientID, surface string, limit int, lease time.Duration) []wire.Payload {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.reclaimExpiredLocked(now)

	q := m.pending[workspaceID]
	if len(q) == 0 {
		return nil
	}

	var out []wire.Payload
	remaining := make([]*pendingTask, 0, len(q))
	for _, t := range q {
		if len(out) >= limit {
			remaining = append(remaining, t)
			continue
		}
		if surface != "" {
			if agentID := t.payload.AgentID(); agentID != "" && agentID != surface {
				remaining = append(remaining, t)
				continue
			}
		}
		if t.targetClientID != "" && t.targetClientID != clientID {
			remaining = append(remaining, t)
			continue
		}

		leaseID := id.Generate()
		m.reserved[t.taskID] = &reservation{
			task:            *t,
			clientID:        clientID,
			leaseID:         leaseID,
			leaseDeadline:   now.Add(lease),
			cumulativeLease: lease,
		}
		annotated := t.payload.Clone()
		annotated["lease_id"] = leaseID
		out = append(out, annotated)
		metrics.TasksDispatchedTotal.WithLabelValues("poll").Inc()
	}

	m.setPendingLocked(workspaceID, remaining)
	m.updateGaugesLocked()
	return out
}

// ReclaimExpired returns expired reservations to their pending queues.
// The background sweeper calls this; Reserve and ListInflight also
// reclaim inline so polling agents never observe a stale lease.
func (m *Manager) ReclaimExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimExpiredLocked(time.Now())
	m.updateGaugesLocked()
}

func (m *Manager) reclaimExpiredLocked(now time.Time) {
	for taskID, res := range m.reserved {
		if !now.After(res.leaseDeadline) {
			continue
		}
		delete(m.reserved, taskID)
		metrics.LeaseReclaimsTotal.Inc()
		slog.Info("lease expired, re-queueing task",
			"task_id", taskID,
			"workspace_id", res.task.workspaceID,
			"client_id", res.clientID,
			"attempts", res.task.attempts,
		)
		t := res.task
		m.admitLocked(&t)
	}
}

// Ack extends a lease once. A second ack is reported as already_acked
// and leaves the deadline untouched; acking a finished task reports
// already_completed so the agent can stop working it.
func (m *Manager) Ack(taskID, leaseID, clientID string) (AckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[taskID]
	if !ok {
		if m.completed.Contains(taskID) {
			return AckResult{ExecutionID: taskID, LeaseID: leaseID, Status: AckAlreadyCompleted}, nil
		}
		return AckResult{}, ErrUnknownTask
	}
	if res.leaseID != leaseID || (clientID != "" && res.clientID != clientID) {
		return AckResult{}, ErrLeaseMismatch
	}
	if res.acked {
		return AckResult{
			ExecutionID:    taskID,
			LeaseID:        leaseID,
			LeaseExpiresAt: res.leaseDeadline,
			Status:         AckAlreadyAcked,
		}, nil
	}

	extend := m.cfg.AckExtend()
	res.acked = true
	res.leaseDeadline = res.leaseDeadline.Add(extend)
	res.cumulativeLease += extend
	if entry, live := m.inflight[taskID]; live {
		entry.acked = true
	}
	return AckResult{
		ExecutionID:    taskID,
		LeaseID:        leaseID,
		LeaseExpiresAt: res.leaseDeadline,
		Status:         AckAcked,
	}, nil
}

// Progress resets the lease deadline for a long-running task, bounded
// by the cumulative lease cap. Past the cap the deadline is left
// unchanged and the agent is told to wrap up.
func (m *Manager) Progress(taskID, leaseID, clientID string) (ProgressResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[taskID]
	if !ok {
		return ProgressResult{}, ErrUnknownTask
	}
	if res.leaseID != leaseID || (clientID != "" && res.clientID != clientID) {
		return ProgressResult{}, ErrLeaseMismatch
	}

	reset := m.cfg.ProgressReset()
	if res.cumulativeLease+reset > m.cfg.LeaseCap() {
		return ProgressResult{
			ExecutionID:    taskID,
			LeaseExpiresAt: res.leaseDeadline,
			Status:         ProgressCapExceeded,
		}, nil
	}

	res.leaseDeadline = time.Now().Add(reset)
	res.cumulativeLease += reset
	return ProgressResult{
		ExecutionID:    taskID,
		LeaseExpiresAt: res.leaseDeadline,
		Status:         ProgressOK,
	}, nil
}

// ListInflight returns the client's live reservations, oldest first,
// so a restarted agent can resume work it still holds leases on.
func (m *Manager) ListInflight(clientID string) []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reclaimExpiredLocked(time.Now())
	m.updateGaugesLocked()

	type held struct {
		lease     Lease
		createdAt time.Time
	}
	var mine []held
	for _, res := range m.reserved {
		if res.clientID != clientID {
			continue
		}
		annotated := res.task.payload.Clone()
		annotated["lease_id"] = res.leaseID
		mine = append(mine, held{
			lease: Lease{
				Payload:        annotated,
				LeaseID:        res.leaseID,
				Acked:          res.acked,
				LeaseExpiresAt: res.leaseDeadline,
			},
			createdAt: res.task.createdAt,
		})
	}
	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].createdAt.Equal(mine[j].createdAt) {
			return mine[i].createdAt.Before(mine[j].createdAt)
		}
		return mine[i].lease.LeaseID < mine[j].lease.LeaseID
	})
	out := make([]Lease, 0, len(mine))
	for _, h := range mine {
		out = append(out, h.lease)
	}
	return out
}

// Submit records a task result delivered over the poll API. The write
// path is store-first: the durable row is settled before in-memory
// state is torn down, so a crash between the two leaves only
// harmless re-acknowledgement work.
func (m *Manager) Submit(ctx context.Context, taskID string, res wire.Result, clientID, leaseID string) (SubmitResult, error) {
	if res.ExecutionID == "" {
		res.ExecutionID = taskID
	}

	m.mu.Lock()
	if m.completed.Contains(taskID) {
		m.mu.Unlock()
		return SubmitResult{Accepted: true, Duplicate: true, TaskID: taskID}, nil
	}
	if rsv, ok := m.reserved[taskID]; ok {
		if leaseID != "" && rsv.leaseID != leaseID {
			m.mu.Unlock()
			return SubmitResult{}, ErrLeaseMismatch
		}
		if clientID != "" && rsv.clientID != clientID {
			m.mu.Unlock()
			return SubmitResult{}, ErrLeaseMismatch
		}
	}
	m.mu.Unlock()

	// Durable write outside the lock. Store failures are logged and
	// the submission still succeeds: losing a finished result to a
	// transient disk error would force the agent to redo the work.
	storeHandled := false
	duplicate := false
	workspaceID := ""
	resultJSON, err := json.Marshal(res)
	if err != nil {
		slog.Warn("marshal task result failed", "task_id", taskID, "error", err)
		resultJSON = nil
	}

	t, err := m.store.GetTask(ctx, taskID)
	switch {
	case err == nil:
		storeHandled = true
		workspaceID = t.WorkspaceID
		if t.Status.Terminal() {
			duplicate = true
			break
		}
		status := store.StatusFailed
		if res.Completed() {
			status = store.StatusSucceeded
		}
		if uerr := m.store.UpdateTaskStatus(ctx, taskID, status, resultJSON, res.Error); uerr != nil {
			if errors.Is(uerr, store.ErrTerminal) {
				duplicate = true
			} else {
				slog.Warn("persist task result failed, accepting submission anyway",
					"task_id", taskID,
					"error", uerr,
				)
			}
		}
	case errors.Is(err, store.ErrNotFound):
		// No durable row; in-memory state decides below whether the
		// task is known at all.
	default:
		slog.Warn("task lookup failed during submit", "task_id", taskID, "error", err)
	}

	m.mu.Lock()
	var done chan wire.Result
	entry, hasInflight := m.inflight[taskID]
	if hasInflight {
		delete(m.inflight, taskID)
		done = entry.done
		if workspaceID == "" {
			workspaceID = entry.workspaceID
		}
	}
	rsv, hadReservation := m.reserved[taskID]
	if hadReservation {
		delete(m.reserved, taskID)
		if workspaceID == "" {
			workspaceID = rsv.task.workspaceID
		}
	}
	m.dropPendingLocked(taskID, workspaceID)

	if !storeHandled && !hasInflight && !hadReservation {
		m.updateGaugesLocked()
		m.mu.Unlock()
		return SubmitResult{}, ErrUnknownTask
	}
	m.completed.Add(taskID, m.cfg.CompletedMax())
	m.updateGaugesLocked()
	m.mu.Unlock()

	if done != nil {
		done <- res
		metrics.TasksCompletedTotal.WithLabelValues(completionLabel(res)).Inc()
	}
	return SubmitResult{
		Accepted:    true,
		Duplicate:   duplicate,
		WorkspaceID: workspaceID,
		TaskID:      taskID,
	}, nil
}
