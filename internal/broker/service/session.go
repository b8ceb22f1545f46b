package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskmux/taskmux/internal/broker/dispatch"
	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/session"
	"github.com/taskmux/taskmux/internal/broker/validate"
	"github.com/taskmux/taskmux/internal/broker/wire"
	"github.com/taskmux/taskmux/internal/metrics"
	"github.com/taskmux/taskmux/internal/util/sanitize"
)

// maxFrameBytes bounds a single inbound agent frame.
const maxFrameBytes = 1 << 20

// AgentSession returns the websocket handler for agent streaming
// sessions.
//
// Protocol:
//  1. Agent opens a WebSocket with subprotocol "taskmux" and
//     workspace_id, client_id and surface_type query parameters.
//  2. In prod mode the broker sends auth_challenge{nonce}; the agent
//     must answer with auth_response{token, nonce_response} within the
//     auth window or the connection closes with 4001.
//  3. After auth_ok the broker pushes task payloads; the agent sends
//     ack/progress/result/ping frames.
func (s *Service) AgentSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.dispatcher.Done():
			http.Error(w, "broker is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		workspaceID, err := validate.Identifier("workspace_id", r.URL.Query().Get("workspace_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		clientID, err := validate.OptionalIdentifier("client_id", r.URL.Query().Get("client_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if clientID == "" {
			clientID = id.Generate()
		}
		surface, err := validate.OptionalIdentifier("surface_type", r.URL.Query().Get("surface_type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			slog.Debug("ws/agent: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()
		conn.SetReadLimit(maxFrameBytes)

		sess := session.New(workspaceID, clientID, surface, !s.verifier.Enabled())
		sess.Conn = conn

		if old := s.sessions.Register(sess); old != nil {
			old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		}
		defer func() {
			// The identity check makes this a no-op when a newer
			// session for the same client id already replaced us.
			if s.sessions.Unregister(sess) {
				s.dispatcher.HandleDisconnect(sess.ID)
			}
			s.verifier.DropNonce(clientID)
		}()

		slog.Info("ws/agent: connected",
			"client_id", clientID,
			"workspace_id", workspaceID,
			"surface_type", surface,
			"authenticated", sess.Authenticated(),
		)

		if s.verifier.Enabled() {
			nonce := s.verifier.IssueNonce(clientID)
			if err := sess.Send(wire.NewAuthChallenge(nonce)); err != nil {
				slog.Debug("ws/agent: challenge send failed", "client_id", clientID, "error", err)
				return
			}
			authTimer := time.AfterFunc(s.tun.AuthTimeout(), func() {
				if !sess.Authenticated() {
					slog.Warn("ws/agent: authentication window expired", "client_id", clientID)
					sess.Close(websocket.StatusCode(wsCloseUnauthorized), "authentication timeout")
				}
			})
			defer authTimer.Stop()
		} else {
			flushed := s.dispatcher.FlushPending(sess)
			if err := sess.Send(wire.NewAuthOK(clientID, flushed)); err != nil {
				slog.Debug("ws/agent: auth_ok send failed", "client_id", clientID, "error", err)
				return
			}
		}

		s.readLoop(r.Context(), sess)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
}

func (s *Service) readLoop(ctx context.Context, sess *session.Session) {
	for {
		var frame wire.AgentFrame
		if err := wsjson.Read(ctx, sess.Conn, &frame); err != nil {
			slog.Debug("ws/agent: read ended", "client_id", sess.ID, "error", err)
			return
		}
		s.handleFrame(ctx, sess, &frame)
	}
}

// handleFrame routes one inbound frame. Malformed or unknown frames
// are logged and ignored; the session stays up.
func (s *Service) handleFrame(ctx context.Context, sess *session.Session, f *wire.AgentFrame) {
	if f.Type == wire.TypeAuthResponse {
		s.handleAuthResponse(sess, f)
		return
	}

	if !sess.Authenticated() {
		_ = sess.Send(wire.NewErrorFrame(wire.CodeAuthRequired, "authentication required"))
		return
	}
	sess.Touch()

	switch f.Type {
	case wire.TypePing:
		_ = sess.Send(wire.NewPong(time.Now().UnixMilli()))

	case wire.TypeAck:
		if err := s.dispatcher.HandleAck(f.ExecutionID, sess.ID); err != nil {
			s.sendTaskError(sess, f.ExecutionID, err)
		}

	case wire.TypeProgress:
		if err := s.dispatcher.HandleProgress(f.ExecutionID, sess.ID); err != nil {
			s.sendTaskError(sess, f.ExecutionID, err)
			return
		}
		if f.Progress != nil && f.Progress.Message != "" {
			args := []any{
				"task_id", f.ExecutionID,
				"client_id", sess.ID,
				"message", sanitize.Text(f.Progress.Message, 256),
			}
			if f.Progress.Percent != nil {
				args = append(args, "percent", *f.Progress.Percent)
			}
			slog.Debug("ws/agent: task progress", args...)
		}

	case wire.TypeResult:
		res := f.Result()
		if err := s.dispatcher.HandleResult(ctx, sess.ID, res); err != nil {
			s.sendTaskError(sess, res.ExecutionID, err)
			return
		}
		_ = sess.Send(wire.NewResultAck(res.ExecutionID))

	default:
		slog.Debug("ws/agent: ignoring unknown frame type", "type", f.Type, "client_id", sess.ID)
	}
}

func (s *Service) handleAuthResponse(sess *session.Session, f *wire.AgentFrame) {
	if sess.Authenticated() {
		_ = sess.Send(wire.NewAuthOK(sess.ID, 0))
		return
	}

	if err := s.verifier.VerifySession(sess.ID, f.Token, f.NonceResponse); err != nil {
		metrics.AuthFailuresTotal.Inc()
		slog.Warn("ws/agent: authentication rejected", "client_id", sess.ID)
		_ = sess.Send(wire.NewAuthFailed())
		sess.Close(websocket.StatusCode(wsCloseUnauthorized), "authentication rejected")
		return
	}

	sess.MarkAuthenticated()
	sess.Touch()
	flushed := s.dispatcher.FlushPending(sess)
	_ = sess.Send(wire.NewAuthOK(sess.ID, flushed))
	slog.Info("ws/agent: authenticated",
		"client_id", sess.ID,
		"workspace_id", sess.WorkspaceID,
		"flushed_tasks", flushed,
	)
}

// sendTaskError reports an ownership or unknown-task failure back to
// the agent without closing the session.
func (s *Service) sendTaskError(sess *session.Session, taskID string, err error) {
	code := ""
	switch err {
	case dispatch.ErrNotOwner:
		code = wire.CodeNotOwner
	case dispatch.ErrUnknownTask:
		code = "UNKNOWN_TASK"
	}
	slog.Warn("ws/agent: task frame rejected",
		"task_id", taskID,
		"client_id", sess.ID,
		"error", err,
	)
	_ = sess.Send(wire.NewErrorFrame(code, err.Error()))
}
