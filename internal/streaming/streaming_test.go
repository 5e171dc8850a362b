package streaming

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"supportintel/internal/aggregator"
	"supportintel/internal/broadcaster"
	"supportintel/internal/model"
)

// wireEnvelope mirrors the {type, payload} shape streaming.go writes, so
// tests can tell a "connected" handshake frame apart from an "update" one.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func TestHandler_StreamsConnectedThenSnapshotOnSubscribe(t *testing.T) {
	key := model.ConversationKey{TenantID: "tenant-a", ConversationID: "conv-1"}
	score := 50
	view := model.AggregatedIntelligence{QualityScore: &score}

	bc := broadcaster.New(stubSnapshotter{key: key, view: view}, broadcaster.Config{QueueDepth: 4})
	defer bc.Close()

	h := NewHandler(bc)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?tenant_id=tenant-a&conversation_id=conv-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var connected wireEnvelope
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, "connected", connected.Type)

	var update wireEnvelope
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, "update", update.Type)

	var got model.AggregatedIntelligence
	require.NoError(t, json.Unmarshal(update.Payload, &got))
	require.NotNil(t, got.QualityScore)
	require.Equal(t, *view.QualityScore, *got.QualityScore)
}

func TestHandler_RejectsMissingTenant(t *testing.T) {
	bc := broadcaster.New(stubSnapshotter{}, broadcaster.Config{})
	defer bc.Close()

	h := NewHandler(bc)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

type stubSnapshotter struct {
	key  model.ConversationKey
	view model.AggregatedIntelligence
}

func (s stubSnapshotter) View(key model.ConversationKey) (model.AggregatedIntelligence, bool) {
	if key == s.key {
		return s.view, true
	}
	return model.AggregatedIntelligence{}, false
}

var _ aggregator.Publisher = (*broadcaster.Broadcaster)(nil)
