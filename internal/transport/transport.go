// Package transport is the client-facing duplex socket of spec §6: a
// persistent bidirectional message channel per session, carrying binary PCM
// frames and JSON control messages. It is an external collaborator — it
// never reaches into pkg/orchestrator's internals, only drives Session
// through the InboundEvent/OutboundEvent boundary, modeled on the
// asr-llm-tts gateway's ws.Handler (upgrade, per-connection goroutine,
// serialized writer).
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionFactory builds a fresh Session for one connection. cmd/server
// supplies a closure over its shared providers, registry, and audio store.
type SessionFactory func(ctx context.Context, sessionID string) *orchestrator.Session

// Handler upgrades HTTP connections to WebSocket and runs one Session per
// connection until the client disconnects.
type Handler struct {
	newSession SessionFactory
	logger     orchestrator.Logger
}

func NewHandler(newSession SessionFactory, logger orchestrator.Logger) *Handler {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Handler{newSession: newSession, logger: logger}
}

// inboundMessage is the JSON shape of every control message spec §6 names.
type inboundMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.newSession(ctx, sessionID)
	defer sess.Close()

	go h.writeLoop(conn, sess)
	h.readLoop(ctx, conn, sess)
}

// readLoop is the sole reader of the connection; it translates each wire
// message into an orchestrator.InboundEvent and hands it to the session.
// Protocol violations (malformed JSON, unknown type) are logged and the
// connection stays open, per §7.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *orchestrator.Session) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ev orchestrator.InboundEvent
		switch msgType {
		case websocket.BinaryMessage:
			ev = orchestrator.InboundEvent{Type: orchestrator.InPcmBytes, Pcm: data}
		case websocket.TextMessage:
			var msg inboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.logger.Warn("protocol violation: malformed json", "error", err)
				continue
			}
			parsed, ok := translateInbound(msg)
			if !ok {
				if msg.Type != "audio_config" {
					h.logger.Warn("protocol violation: unknown inbound type", "type", msg.Type)
				}
				continue
			}
			ev = parsed
		default:
			continue
		}

		if err := sess.HandleInbound(ctx, ev); err != nil {
			h.logger.Warn("handle inbound failed", "error", err, "type", ev.Type)
		}
	}
}

// translateInbound maps the wire JSON shape to an InboundEvent. audio_config
// is acknowledged with no state change (spec §6) so it is intentionally
// absent here; callers skip it via the ok=false path.
func translateInbound(msg inboundMessage) (orchestrator.InboundEvent, bool) {
	switch msg.Type {
	case "agent_config":
		return orchestrator.InboundEvent{Type: orchestrator.InAgentConfig, AgentID: msg.AgentID}, true
	case "call_started":
		return orchestrator.InboundEvent{Type: orchestrator.InCallStarted}, true
	case "audio_playback_complete":
		return orchestrator.InboundEvent{Type: orchestrator.InAudioPlaybackComplete}, true
	case "interrupt":
		return orchestrator.InboundEvent{Type: orchestrator.InInterrupt, Reason: msg.Reason}, true
	default:
		return orchestrator.InboundEvent{}, false
	}
}

// writeLoop is the sole writer of the connection, draining Session.Events()
// in order (spec §5: "the controller or a dedicated writer task holds sole
// ownership of the outbound side"). OutboundEvent's json tags already match
// the §6 wire schema exactly, and its turnID field is unexported, so it
// marshals directly with nothing left to translate.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *orchestrator.Session) {
	for ev := range sess.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("write outbound event failed", "error", err)
			return
		}
	}
}
