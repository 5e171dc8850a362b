// Package ingress is a thin stub for the HTTP ingestion endpoint named as
// an out-of-scope collaborator: just enough of a handler to exercise
// Broker.Produce from an HTTP call in tests, without auth, validation
// middleware, or a routing framework.
package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"supportintel/internal/broker"
	"supportintel/internal/model"
)

// Handler accepts a SupportMessage as a JSON body and produces it to the
// messages.raw topic, assigning a message id and timestamp if the caller
// omitted them.
type Handler struct {
	broker broker.Producer
	topic  string
}

// NewHandler constructs an ingress Handler publishing to topic via b.
func NewHandler(b broker.Producer, topic string) *Handler {
	return &Handler{broker: b, topic: topic}
}

// ServeHTTP implements http.Handler. It is intentionally unauthenticated
// and unrouted: cmd/supportintel mounts it directly at a single path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sm model.SupportMessage
	if err := json.NewDecoder(r.Body).Decode(&sm); err != nil {
		http.Error(w, "invalid message body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if sm.TenantID == "" || sm.ConversationID == "" {
		http.Error(w, "tenant_id and conversation_id are required", http.StatusBadRequest)
		return
	}
	if sm.MessageID == "" {
		sm.MessageID = uuid.NewString()
	}
	if sm.Timestamp.IsZero() {
		sm.Timestamp = time.Now().UTC()
	}

	payload, err := model.Encode(model.EncodingJSON, sm)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	headers := []broker.Header{{Key: broker.HeaderTenantID, Value: []byte(sm.TenantID)}}
	if err := h.broker.Produce(r.Context(), h.topic, []byte(sm.ConversationID), payload, headers); err != nil {
		http.Error(w, "publish failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"message_id": sm.MessageID})
}
