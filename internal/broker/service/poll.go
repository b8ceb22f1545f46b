package service

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskmux/taskmux/internal/broker/dispatch"
	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/store"
	"github.com/taskmux/taskmux/internal/broker/validate"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/util/sanitize"
	"github.com/taskmux/taskmux/internal/util/timefmt"
)

// Reserve bounds. A single poll hands out at most maxReserveLimit
// tasks and blocks at most maxReserveWait even if the client asks for
// more.
const (
	defaultReserveLimit = 1
	maxReserveLimit     = 50
	maxReserveWait      = 60 * time.Second
)

type reserveRequest struct {
	WorkspaceID  string `json:"workspace_id"`
	ClientID     string `json:"client_id"`
	SurfaceType  string `json:"surface_type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
	WaitSeconds  int    `json:"wait_seconds,omitempty"`
}

type reserveResponse struct {
	Tasks []wire.Payload `json:"tasks"`
}

// ReserveTasks handles POST /v1/tasks/reserve. With wait_seconds set
// the call long-polls on the workspace wake event until a task is
// available or the wait expires.
func (s *Service) ReserveTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reserveRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		workspaceID, err := validate.Identifier("workspace_id", req.WorkspaceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		clientID, err := validate.Identifier("client_id", req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		surface, err := validate.OptionalIdentifier("surface_type", req.SurfaceType)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		limit := req.Limit
		if limit <= 0 {
			limit = defaultReserveLimit
		} else if limit > maxReserveLimit {
			limit = maxReserveLimit
		}

		lease := s.tun.InitialLease()
		if req.LeaseSeconds > 0 {
			lease = time.Duration(req.LeaseSeconds) * time.Second
		}
		if cap := s.tun.LeaseCap(); lease > cap {
			lease = cap
		}

		wait := time.Duration(req.WaitSeconds) * time.Second
		if wait > maxReserveWait {
			wait = maxReserveWait
		}
		deadline := time.Now().Add(wait)

		var tasks []wire.Payload
		for {
			// Take the wake channel before scanning the queue so an
			// enqueue between the two closes the channel we hold
			// rather than one we have not seen yet.
			wake := s.dispatcher.WakeChan(workspaceID)
			tasks = s.dispatcher.Reserve(workspaceID, clientID, surface, limit, lease)
			if len(tasks) > 0 {
				break
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			select {
			case <-wake:
			case <-time.After(remaining):
			case <-s.dispatcher.Done():
				writeJSON(w, http.StatusOK, reserveResponse{Tasks: []wire.Payload{}})
				return
			case <-r.Context().Done():
				return
			}
		}

		if tasks == nil {
			tasks = []wire.Payload{}
		}
		writeJSON(w, http.StatusOK, reserveResponse{Tasks: tasks})
	}
}

type ackRequest struct {
	LeaseID  string `json:"lease_id"`
	ClientID string `json:"client_id,omitempty"`
}

// AckTask handles POST /v1/tasks/{task_id}/ack. The first ack extends
// the lease once; repeats report already_acked without moving the
// deadline.
func (s *Service) AckTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := validate.Identifier("task_id", chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req ackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		leaseID, err := validate.Identifier("lease_id", req.LeaseID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		clientID, err := validate.OptionalIdentifier("client_id", req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := s.dispatcher.Ack(taskID, leaseID, clientID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type progressRequest struct {
	LeaseID     string   `json:"lease_id"`
	ClientID    string   `json:"client_id,omitempty"`
	ProgressPct *float64 `json:"progress_pct,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// TaskProgress handles POST /v1/tasks/{task_id}/progress. Each
// heartbeat resets the lease deadline unless that would exceed the
// cumulative lease cap.
func (s *Service) TaskProgress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := validate.Identifier("task_id", chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req progressRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		leaseID, err := validate.Identifier("lease_id", req.LeaseID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		clientID, err := validate.OptionalIdentifier("client_id", req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := s.dispatcher.Progress(taskID, leaseID, clientID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		if req.Message != "" {
			args := []any{
				"task_id", taskID,
				"message", sanitize.Text(req.Message, 256),
			}
			if req.ProgressPct != nil {
				args = append(args, "percent", *req.ProgressPct)
			}
			slog.Debug("poll: task progress", args...)
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type inflightResponse struct {
	Tasks []dispatch.Lease `json:"tasks"`
}

// InflightTasks handles GET /v1/tasks/inflight. Agents call it after a
// restart to resume reservations they already hold.
func (s *Service) InflightTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, err := validate.Identifier("client_id", r.URL.Query().Get("client_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		leases := s.dispatcher.ListInflight(clientID)
		if leases == nil {
			leases = []dispatch.Lease{}
		}
		writeJSON(w, http.StatusOK, inflightResponse{Tasks: leases})
	}
}

type submitRequest struct {
	ResultData wire.Result `json:"result_data"`
	ClientID   string      `json:"client_id,omitempty"`
	LeaseID    string      `json:"lease_id,omitempty"`
}

// SubmitResult handles POST /v1/tasks/{task_id}/result. Duplicates
// return 200 with duplicate=true; an unknown task is 404.
func (s *Service) SubmitResult() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := validate.Identifier("task_id", chi.URLParam(r, "task_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req submitRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		clientID, err := validate.OptionalIdentifier("client_id", req.ClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		leaseID, err := validate.OptionalIdentifier("lease_id", req.LeaseID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.ResultData.Status == "" {
			writeError(w, http.StatusBadRequest, "result_data.status must not be empty")
			return
		}

		res, err := s.dispatcher.Submit(r.Context(), taskID, req.ResultData, clientID, leaseID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type statusResponse struct {
	Version       string                           `json:"version"`
	StartedAt     string                           `json:"started_at"`
	UptimeSeconds int64                            `json:"uptime_seconds"`
	Dispatch      dispatch.Snapshot                `json:"dispatch"`
	Workspaces    map[string]session.WorkspaceInfo `json:"workspaces"`
	Bridges       int                              `json:"bridges"`
	TasksByStatus map[store.Status]int64           `json:"tasks_by_status,omitempty"`
}

// Status handles GET /v1/status with a point-in-time diagnostics
// snapshot.
func (s *Service) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Version:       s.version,
			StartedAt:     timefmt.Format(s.startedAt),
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
			Dispatch:      s.dispatcher.Snapshot(),
			Workspaces:    s.sessions.Snapshot(),
			Bridges:       s.bridges.Count(),
		}
		counts, err := s.store.CountTasksByStatus(r.Context())
		if err != nil {
			slog.Warn("status: task counts unavailable", "error", err)
		} else {
			resp.TasksByStatus = counts
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
