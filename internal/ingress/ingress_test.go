package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supportintel/internal/broker"
	"supportintel/internal/model"
)

func newTestBroker(t *testing.T) broker.Broker {
	t.Helper()
	b := broker.NewInMemoryBroker()
	require.NoError(t, b.EnsureTopics(context.Background(), []broker.TopicConfig{
		{Topic: "messages.raw", NumPartitions: 1},
	}))
	return b
}

func TestHandler_ProducesMessageWithDefaults(t *testing.T) {
	b := newTestBroker(t)
	h := NewHandler(b, "messages.raw")

	body, _ := json.Marshal(model.SupportMessage{
		TenantID:       "tenant-a",
		ConversationID: "conv-1",
		Sender:         model.SenderCustomer,
		Text:           "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["message_id"])

	cons, err := b.Consumer("test-group", []string{"messages.raw"})
	require.NoError(t, err)
	defer cons.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := cons.Poll(ctx, time.Second)
	require.NoError(t, err)

	var got model.SupportMessage
	require.NoError(t, model.Decode(msg.Value, &got))
	require.Equal(t, "tenant-a", got.TenantID)
	require.Equal(t, "conv-1", got.ConversationID)
	require.False(t, got.Timestamp.IsZero())

	tenant, ok := msg.HeaderValue(broker.HeaderTenantID)
	require.True(t, ok)
	require.Equal(t, "tenant-a", tenant)
}

func TestHandler_RejectsMissingConversationID(t *testing.T) {
	b := newTestBroker(t)
	h := NewHandler(b, "messages.raw")

	body, _ := json.Marshal(model.SupportMessage{TenantID: "tenant-a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RejectsNonPOST(t *testing.T) {
	b := newTestBroker(t)
	h := NewHandler(b, "messages.raw")

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
