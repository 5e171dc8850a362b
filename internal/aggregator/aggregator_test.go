package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"supportintel/internal/broker"
	"supportintel/internal/model"
)

func newTestAggregator(t *testing.T) (*Aggregator, broker.Broker) {
	t.Helper()
	b := broker.NewInMemoryBroker()
	require.NoError(t, b.EnsureTopics(context.Background(), []broker.TopicConfig{
		{Topic: "ai.sentiment"}, {Topic: "ai.pii"}, {Topic: "ai.insights"}, {Topic: "ai.summary"}, {Topic: "ai.aggregated"},
	}))
	a := New(b, nil, Config{
		SentimentTopic: "ai.sentiment", PIITopic: "ai.pii", InsightsTopic: "ai.insights",
		SummaryTopic: "ai.summary", OutputTopic: "ai.aggregated", ConsumerGroup: "agg-test",
	})
	return a, b
}

func TestAggregator_PII_MonotonicOnceTrue(t *testing.T) {
	a, _ := newTestAggregator(t)
	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}

	require.NoError(t, a.mergePII(context.Background(), model.PIIResult{
		TenantID: "t1", ConversationID: "c1", Offset: 1, HasPII: true,
		Entities: []model.PIIEntity{{Type: "email", RedactedValue: "[REDACTED]"}},
	}))
	require.NoError(t, a.mergePII(context.Background(), model.PIIResult{
		TenantID: "t1", ConversationID: "c1", Offset: 2, HasPII: false,
	}))

	view, ok := a.View(key)
	require.True(t, ok)
	require.True(t, view.PII.HasPII, "has_pii must never revert to false once true")
	require.Len(t, view.PII.Entities, 1)
}

func TestAggregator_PII_DedupesEntitiesAcrossMessages(t *testing.T) {
	a, _ := newTestAggregator(t)
	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}

	entity := model.PIIEntity{Type: "email", RedactedValue: "[REDACTED]"}
	require.NoError(t, a.mergePII(context.Background(), model.PIIResult{TenantID: "t1", ConversationID: "c1", Offset: 1, HasPII: true, Entities: []model.PIIEntity{entity}}))
	require.NoError(t, a.mergePII(context.Background(), model.PIIResult{TenantID: "t1", ConversationID: "c1", Offset: 2, HasPII: true, Entities: []model.PIIEntity{entity}}))

	view, _ := a.View(key)
	require.Len(t, view.PII.Entities, 1)
}

func TestAggregator_Sentiment_LastOffsetWins(t *testing.T) {
	a, _ := newTestAggregator(t)
	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}

	require.NoError(t, a.mergeSentiment(context.Background(), model.SentimentResult{TenantID: "t1", ConversationID: "c1", Offset: 5, Sentiment: model.SentimentNegative}))
	// Out-of-order late delivery of an older offset must not override.
	require.NoError(t, a.mergeSentiment(context.Background(), model.SentimentResult{TenantID: "t1", ConversationID: "c1", Offset: 3, Sentiment: model.SentimentPositive}))

	view, ok := a.View(key)
	require.True(t, ok)
	require.Equal(t, model.SentimentNegative, view.Sentiment.Sentiment)
}

func TestAggregator_QualityScore_IncreasesWithEachDimension(t *testing.T) {
	a, _ := newTestAggregator(t)
	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}

	require.NoError(t, a.mergeSentiment(context.Background(), model.SentimentResult{TenantID: "t1", ConversationID: "c1", Offset: 1}))
	view, _ := a.View(key)
	require.Equal(t, 25, *view.QualityScore)

	require.NoError(t, a.mergeInsights(context.Background(), model.InsightsResult{TenantID: "t1", ConversationID: "c1", Offset: 1}))
	view, _ = a.View(key)
	require.Equal(t, 50, *view.QualityScore)
}

func TestAggregator_MergeIsIdempotent(t *testing.T) {
	a, _ := newTestAggregator(t)
	key := model.ConversationKey{TenantID: "t1", ConversationID: "c1"}

	payload, err := model.Encode(model.EncodingJSON, model.SentimentResult{
		TenantID: "t1", ConversationID: "c1", Offset: 7, Sentiment: model.SentimentNegative,
	})
	require.NoError(t, err)
	msg := broker.Message{Topic: "ai.sentiment", Offset: 7, Value: payload}

	require.NoError(t, a.Ingest(context.Background(), msg))
	first, ok := a.View(key)
	require.True(t, ok)

	// Re-ingesting the identical record (same offset) must be a no-op: the
	// stale-offset guard (res.Offset <= off.sentiment) rejects it before any
	// field, including LastUpdated, is touched a second time.
	require.NoError(t, a.Ingest(context.Background(), msg))
	second, ok := a.View(key)
	require.True(t, ok)

	require.Equal(t, first, second)
}

type recordingPublisher struct {
	calls []model.AggregatedIntelligence
}

func (r *recordingPublisher) Publish(key model.ConversationKey, agg model.AggregatedIntelligence) {
	r.calls = append(r.calls, agg)
}

func TestAggregator_PublishesOnEveryMerge(t *testing.T) {
	b := broker.NewInMemoryBroker()
	require.NoError(t, b.EnsureTopics(context.Background(), []broker.TopicConfig{
		{Topic: "ai.sentiment"}, {Topic: "ai.pii"}, {Topic: "ai.insights"}, {Topic: "ai.summary"}, {Topic: "ai.aggregated"},
	}))
	pub := &recordingPublisher{}
	a := New(b, pub, Config{
		SentimentTopic: "ai.sentiment", PIITopic: "ai.pii", InsightsTopic: "ai.insights",
		SummaryTopic: "ai.summary", OutputTopic: "ai.aggregated", ConsumerGroup: "agg-test",
	})

	require.NoError(t, a.mergeSentiment(context.Background(), model.SentimentResult{TenantID: "t1", ConversationID: "c1", Offset: 1}))
	require.Len(t, pub.calls, 1)
}
