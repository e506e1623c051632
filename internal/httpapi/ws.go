// Control-plane WebSocket upgrade (SPEC_FULL.md C17 expansion: "HTTP
// routing | github.com/gorilla/websocket ... control-plane upgrade"),
// grounded on the teacher's internal/gateway/ws_control_plane.go frame
// shape (`{type, id, method, params}` requests answered with
// `{type:"result"|"error", id, ...}`, plus unsolicited `{type:"event", ...}`
// frames) trimmed to the two operations this core actually owns: sending a
// chat message into a session's agent loop and cancelling the run in
// flight. Event-bus events for the session are pushed over the same
// connection instead of requiring a separate SSE subscription.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/internal/sessionregistry"
	"github.com/opensourceagent/osa/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsFrame is the control-plane wire frame, a trimmed version of the
// teacher's wsFrame: requests carry Type+ID+Method+Params, responses carry
// Type+ID+OK/Error/Payload, and pushed bus events carry Type="event".
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wsChatSendParams struct {
	Content string `json:"content"`
}

// handleWSControlPlane upgrades GET /ws/{session_id} to a WebSocket and
// runs a bidirectional control loop: a read pump decodes `chat.send`/
// `chat.cancel` requests and replies inline, while a write pump fans out
// this session's event-bus events and periodic pings.
func (s *Server) handleWSControlPlane(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeError(w, apperrors.New(apperrors.KindInvalidRequest, "session_id is required"))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	handle, herr := s.deps.Sessions.EnsureLoop(sessionID, "", models.ChannelHTTP)
	if herr != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Error: herr.Error()})
		return
	}

	busHandle, events := s.deps.Bus.Subscribe(sessionID)
	defer s.deps.Bus.Unsubscribe(busHandle)

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	safeWrite := func(v any) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	go s.wsWritePump(ctx, conn, events, safeWrite)
	s.wsReadPump(ctx, conn, handle, safeWrite)
}

func (s *Server) wsWritePump(ctx context.Context, conn *websocket.Conn, events <-chan models.Event, write func(any) error) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := write(wsFrame{Type: "event", Event: string(evt.Tag), Payload: evt}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadPump(ctx context.Context, conn *websocket.Conn, handle *sessionregistry.Handle, write func(any) error) {
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Method {
		case "chat.send":
			var params wsChatSendParams
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				_ = write(wsFrame{Type: "error", ID: frame.ID, Error: "malformed params"})
				continue
			}
			go func(id, content string) {
				result, err := handle.Process(ctx, s.deps.Sessions, content)
				if err != nil {
					_ = write(wsFrame{Type: "error", ID: id, Error: err.Error()})
					return
				}
				_ = write(wsFrame{Type: "result", ID: id, OK: true, Payload: result})
			}(frame.ID, params.Content)
		case "chat.cancel":
			handle.Cancel()
			_ = write(wsFrame{Type: "result", ID: frame.ID, OK: true})
		default:
			_ = write(wsFrame{Type: "error", ID: frame.ID, Error: "unknown method: " + frame.Method})
		}
	}
}
