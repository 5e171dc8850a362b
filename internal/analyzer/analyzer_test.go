package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supportintel/internal/broker"
	"supportintel/internal/model"
	"supportintel/internal/modelclient"
)

type stubModel struct {
	sentiment model.SentimentResult
	pii       model.PIIResult
	insights  model.InsightsResult
	summary   model.SummaryResult
}

func (s stubModel) AnalyzeSentiment(ctx context.Context, ac modelclient.AnalysisContext) model.SentimentResult {
	return s.sentiment
}
func (s stubModel) DetectPII(ctx context.Context, text string) model.PIIResult { return s.pii }
func (s stubModel) ExtractInsights(ctx context.Context, ac modelclient.AnalysisContext) model.InsightsResult {
	return s.insights
}
func (s stubModel) UpdateSummary(ctx context.Context, oldSummary, newMessageOrWindow string) model.SummaryResult {
	return s.summary
}

func produceMessage(t *testing.T, b broker.Broker, topic string, sm model.SupportMessage) {
	t.Helper()
	payload, err := model.Encode(model.EncodingJSON, sm)
	require.NoError(t, err)
	require.NoError(t, b.Produce(context.Background(), topic, []byte(sm.ConversationID), payload, nil))
}

func TestWorker_Sentiment_ProducesResult(t *testing.T) {
	b := broker.NewInMemoryBroker()
	require.NoError(t, b.EnsureTopics(context.Background(), []broker.TopicConfig{
		{Topic: "messages.raw"}, {Topic: "ai.sentiment"}, {Topic: "dlq"},
	}))

	sm := model.SupportMessage{
		MessageID: "m1", TenantID: "t1", ConversationID: "c1",
		Sender: model.SenderCustomer, Text: "I'm frustrated", Timestamp: time.Now(),
	}
	produceMessage(t, b, "messages.raw", sm)

	mc := stubModel{sentiment: model.SentimentResult{Sentiment: model.SentimentNegative, Confidence: 0.9}}
	w := New(KindSentiment, b, mc, nil, Config{
		SourceTopic: "messages.raw", OutputTopic: "ai.sentiment", DLQTopic: "dlq",
		ConsumerGroup: "sentiment-test", WorkerCount: 1, PollTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	out, err := b.Consumer("readback", []string{"ai.sentiment"})
	require.NoError(t, err)
	defer out.Close()
	msg, err := out.Poll(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	var res model.SentimentResult
	require.NoError(t, model.Decode(msg.Value, &res))
	require.Equal(t, model.SentimentNegative, res.Sentiment)
	require.Equal(t, "c1", res.ConversationID)
	require.Equal(t, "t1", res.TenantID)
}

type stateStub struct {
	states map[model.ConversationKey]model.ConversationState
}

func (s stateStub) State(key model.ConversationKey) (model.ConversationState, bool) {
	st, ok := s.states[key]
	return st, ok
}

func TestWorker_Summary_IncrementalWhenPriorExists(t *testing.T) {
	b := broker.NewInMemoryBroker()
	require.NoError(t, b.EnsureTopics(context.Background(), []broker.TopicConfig{
		{Topic: "messages.raw"}, {Topic: "ai.summary"}, {Topic: "dlq"},
	}))

	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}
	ctxSrc := stateStub{states: map[model.ConversationKey]model.ConversationState{
		key: {CurrentSummary: &model.SummaryRef{TLDR: "prior summary"}},
	}}

	var capturedOld string
	mc := recordingModel{stubModel: stubModel{summary: model.SummaryResult{TLDR: "updated"}}, onUpdate: func(old string) { capturedOld = old }}

	sm := model.SupportMessage{MessageID: "m2", TenantID: "t1", ConversationID: "c1", Sender: model.SenderAgent, Text: "following up", Timestamp: time.Now()}
	produceMessage(t, b, "messages.raw", sm)

	w := New(KindSummary, b, mc, ctxSrc, Config{
		SourceTopic: "messages.raw", OutputTopic: "ai.summary", DLQTopic: "dlq",
		ConsumerGroup: "summary-test", WorkerCount: 1, PollTimeout: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	require.Equal(t, "prior summary", capturedOld)
}

type recordingModel struct {
	stubModel
	onUpdate func(old string)
}

func (r recordingModel) UpdateSummary(ctx context.Context, oldSummary, newMessageOrWindow string) model.SummaryResult {
	r.onUpdate(oldSummary)
	return r.stubModel.summary
}
