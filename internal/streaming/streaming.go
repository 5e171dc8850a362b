// Package streaming is a thin stub for the WebSocket subscribe endpoint
// named as an out-of-scope collaborator: it upgrades a connection and
// relays Broadcaster events, without reconnect/backfill semantics or a
// routing framework.
package streaming

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"supportintel/internal/broadcaster"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscriptions is the subset of *broadcaster.Broadcaster this handler
// needs, kept as an interface for testability.
type Subscriptions interface {
	Subscribe(tenant, convID string) *broadcaster.Subscriber
	Unsubscribe(sub *broadcaster.Subscriber)
}

// Handler upgrades HTTP connections to WebSocket and streams
// AggregatedIntelligence updates for the tenant/conversation named in the
// query string (?tenant_id=...&conversation_id=...).
type Handler struct {
	subs Subscriptions
}

// NewHandler constructs a streaming Handler over subs.
func NewHandler(subs Subscriptions) *Handler {
	return &Handler{subs: subs}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	convID := r.URL.Query().Get("conversation_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.subs.Subscribe(tenant, convID)
	defer h.subs.Unsubscribe(sub)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go drainReads(conn)

	for evt := range sub.Events() {
		if evt.Kind == broadcaster.EventPing {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		env := envelope{Type: string(evt.Kind)}
		if evt.Kind == broadcaster.EventUpdate {
			env.Payload = evt.View
		}
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// envelope is the tagged wire shape for every non-ping frame, so a client
// can distinguish the initial "connected" handshake from subsequent
// "update" payloads without guessing from JSON shape.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// drainReads discards client frames so pong control messages are
// processed and the connection's read deadline keeps advancing.
func drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
