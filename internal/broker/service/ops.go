package service

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/validate"
	"github.com/taskmux/taskmux/internal/broker/wire"
)

// Dispatch wait bounds. The backend can ask for a shorter or longer
// wait, capped so a bad caller cannot pin a handler for hours.
const (
	defaultDispatchTimeout = 5 * time.Minute
	maxDispatchTimeout     = 30 * time.Minute
)

type dispatchRequest struct {
	WorkspaceID    string       `json:"workspace_id"`
	Payload        wire.Payload `json:"payload"`
	TaskID         string       `json:"task_id,omitempty"`
	TargetClientID string       `json:"target_client_id,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
}

// DispatchTask handles POST /internal/v1/dispatch. It creates the
// durable task row, then blocks in the dispatcher until the task
// resolves or the wait times out, and returns the structured result
// either way.
func (s *Service) DispatchTask() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		workspaceID, err := validate.Identifier("workspace_id", req.WorkspaceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		target, err := validate.OptionalIdentifier("target_client_id", req.TargetClientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		payload := req.Payload
		if payload == nil {
			payload = wire.Payload{}
		}
		taskID := req.TaskID
		if taskID == "" {
			taskID = payload.ExecutionID()
		}
		if taskID == "" {
			taskID = id.Generate()
		}
		if taskID, err = validate.Identifier("task_id", taskID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		payload = payload.Clone()
		payload["execution_id"] = taskID

		timeout := defaultDispatchTimeout
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		if timeout > maxDispatchTimeout {
			timeout = maxDispatchTimeout
		}

		// The row must exist before any agent can race a submit
		// against it. A retried dispatch finds its old row; terminal
		// rows are never redispatched.
		if err := s.store.CreateTask(r.Context(), taskID, workspaceID); err != nil {
			t, gerr := s.store.GetTask(r.Context(), taskID)
			if gerr != nil {
				slog.Error("ops: create task failed", "task_id", taskID, "error", err)
				writeError(w, http.StatusInternalServerError, "create task failed")
				return
			}
			if t.Status.Terminal() {
				writeError(w, http.StatusConflict, "task already terminal")
				return
			}
		}

		result := s.dispatcher.DispatchAndWait(workspaceID, payload, taskID, target, timeout)
		writeJSON(w, http.StatusOK, result)
	}
}

type assignRequest struct {
	OwnerUserID string `json:"owner_user_id,omitempty"`
}

type assignResponse struct {
	Sent int `json:"sent"`
}

// AssignWorkspace handles POST /internal/v1/workspaces/{workspace_id}/assign,
// broadcasting the assignment to connected bridges.
func (s *Service) AssignWorkspace() http.HandlerFunc {
	return s.broadcastWorkspace(s.bridges.BroadcastAssign)
}

// UnassignWorkspace handles POST /internal/v1/workspaces/{workspace_id}/unassign.
func (s *Service) UnassignWorkspace() http.HandlerFunc {
	return s.broadcastWorkspace(s.bridges.BroadcastUnassign)
}

func (s *Service) broadcastWorkspace(broadcast func(workspaceID, ownerUserID string) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID, err := validate.Identifier("workspace_id", chi.URLParam(r, "workspace_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var req assignRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		owner, err := validate.OptionalIdentifier("owner_user_id", req.OwnerUserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sent := broadcast(workspaceID, owner)
		writeJSON(w, http.StatusOK, assignResponse{Sent: sent})
	}
}
