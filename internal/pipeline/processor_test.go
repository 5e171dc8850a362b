package pipeline

import (
	"context"
	"encoding/json"
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
		{Topic: "messages.raw"}, {Topic: "conversations.state"}, {Topic: "ai.summary"}, {Topic: "dlq"},
	}))
	return b
}

func TestProcessor_MessageEmitsConversationState(t *testing.T) {
	b := newTestBroker(t)
	p := New(b, Config{
		MessagesRawTopic: "messages.raw", ConversationsTopic: "conversations.state",
		SummaryTopic: "ai.summary", DLQTopic: "dlq", ConsumerGroup: "proc-test",
		PollTimeout: 30 * time.Millisecond,
	})

	sm := model.SupportMessage{MessageID: "m1", TenantID: "t1", ConversationID: "c1", Sender: model.SenderCustomer, Text: "hi", Timestamp: time.Now()}
	payload, err := model.Encode(model.EncodingJSON, sm)
	require.NoError(t, err)
	require.NoError(t, b.Produce(context.Background(), "messages.raw", []byte("c1"), payload, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	st, ok := p.State(model.ConversationKey{TenantID: "t1", ConversationID: "c1"})
	require.True(t, ok)
	require.Equal(t, 1, st.MessageCount)

	out, err := b.Consumer("readback", []string{"conversations.state"})
	require.NoError(t, err)
	defer out.Close()
	msg, err := out.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	var emitted model.ConversationState
	require.NoError(t, model.Decode(msg.Value, &emitted))
	require.Equal(t, "c1", emitted.ConversationID)
}

func TestProcessor_SummaryNeverEmitsConversationState(t *testing.T) {
	b := newTestBroker(t)
	p := New(b, Config{
		MessagesRawTopic: "messages.raw", ConversationsTopic: "conversations.state",
		SummaryTopic: "ai.summary", DLQTopic: "dlq", ConsumerGroup: "proc-test2",
		PollTimeout: 30 * time.Millisecond,
	})

	sm := model.SupportMessage{MessageID: "m1", TenantID: "t1", ConversationID: "c1", Sender: model.SenderCustomer, Text: "hi", Timestamp: time.Now()}
	payload, _ := model.Encode(model.EncodingJSON, sm)
	require.NoError(t, b.Produce(context.Background(), "messages.raw", []byte("c1"), payload, nil))

	sr := model.SummaryResult{TenantID: "t1", ConversationID: "c1", TLDR: "customer said hi", Offset: 1, Timestamp: time.Now()}
	srPayload, _ := model.Encode(model.EncodingJSON, sr)
	require.NoError(t, b.Produce(context.Background(), "ai.summary", []byte("c1"), srPayload, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	out, err := b.Consumer("readback2", []string{"conversations.state"})
	require.NoError(t, err)
	defer out.Close()

	count := 0
	for {
		_, err := out.Poll(context.Background(), 20*time.Millisecond)
		if err != nil {
			break
		}
		count++
	}
	require.Equal(t, 1, count, "only the messages.raw path should emit to conversations.state")

	st, ok := p.State(model.ConversationKey{TenantID: "t1", ConversationID: "c1"})
	require.True(t, ok)
	require.NotNil(t, st.CurrentSummary)
	require.Equal(t, "customer said hi", st.CurrentSummary.TLDR)
}

func TestProcessor_SummaryForUnknownConversationIsDropped(t *testing.T) {
	b := newTestBroker(t)
	p := New(b, Config{
		MessagesRawTopic: "messages.raw", ConversationsTopic: "conversations.state",
		SummaryTopic: "ai.summary", DLQTopic: "dlq", ConsumerGroup: "proc-test3",
		PollTimeout: 30 * time.Millisecond,
	})

	sr := model.SummaryResult{TenantID: "t1", ConversationID: "ghost", TLDR: "orphaned", Offset: 1, Timestamp: time.Now()}
	payload, _ := model.Encode(model.EncodingJSON, sr)
	require.NoError(t, b.Produce(context.Background(), "ai.summary", []byte("ghost"), payload, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	_, ok := p.State(model.ConversationKey{TenantID: "t1", ConversationID: "ghost"})
	require.False(t, ok)
}

func TestProcessor_UnparseableMessageGoesToDLQAfterRetries(t *testing.T) {
	b := newTestBroker(t)
	p := New(b, Config{
		MessagesRawTopic: "messages.raw", ConversationsTopic: "conversations.state",
		SummaryTopic: "ai.summary", DLQTopic: "dlq", ConsumerGroup: "proc-test4",
		PollTimeout: 30 * time.Millisecond, MaxRetries: 2,
	})

	require.NoError(t, b.Produce(context.Background(), "messages.raw", []byte("bad"), []byte("not valid json"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	out, err := b.Consumer("readback-dlq", []string{"dlq"})
	require.NoError(t, err)
	defer out.Close()
	msg, err := out.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	var env DLQEnvelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	require.Equal(t, "messages.raw", env.OriginalTopic)
	require.Equal(t, 2, env.RetryCount)
}
