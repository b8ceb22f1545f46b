package service

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/taskmux/taskmux/internal/broker/bridge"
	"github.com/taskmux/taskmux/internal/broker/id"
	"github.com/taskmux/taskmux/internal/broker/validate"
)

// BridgeChannel returns the websocket handler for bridge control
// channels. Bridges only receive assign/unassign events; anything they
// send is drained and dropped.
//
// Unlike agent sessions there is no challenge handshake. In prod mode
// the bearer token on the upgrade request is the whole story.
func (s *Service) BridgeChannel() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.dispatcher.Done():
			http.Error(w, "broker is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		if err := s.verifier.VerifyBearer(r.Header.Get("Authorization")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		bridgeID, err := validate.OptionalIdentifier("bridge_id", r.URL.Query().Get("bridge_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if bridgeID == "" {
			bridgeID = id.Generate()
		}
		owner, err := validate.OptionalIdentifier("owner_user_id", r.URL.Query().Get("owner_user_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
		})
		if err != nil {
			slog.Debug("ws/bridge: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		b := bridge.New(bridgeID, owner)
		b.Conn = conn

		if old := s.bridges.Register(b); old != nil {
			old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		}
		defer s.bridges.Unregister(b)

		slog.Info("ws/bridge: connected", "bridge_id", bridgeID, "owner_user_id", owner)

		// Drain inbound messages so pings and close frames are
		// processed; the payloads themselves are ignored.
		ctx := r.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				slog.Debug("ws/bridge: read ended", "bridge_id", bridgeID, "error", err)
				return
			}
		}
	})
}
