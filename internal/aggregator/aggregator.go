// Package aggregator merges the four analyzer outputs into one
// per-conversation AggregatedIntelligence view and hands each change to a
// Publisher (the Broadcaster). Inputs are dispatched by the topic they
// arrived on, each decoded into that topic's own typed struct rather than
// a shared interface hierarchy, since the four analyzer topics carry
// structurally distinct payloads (spec §4.5).
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"supportintel/internal/broker"
	"supportintel/internal/model"
)

// Publisher receives the merged view after every successful merge, for the
// Broadcaster to fan out to subscribers.
type Publisher interface {
	Publish(key model.ConversationKey, agg model.AggregatedIntelligence)
}

// Config configures an Aggregator.
type Config struct {
	SentimentTopic string
	PIITopic       string
	InsightsTopic  string
	SummaryTopic   string
	OutputTopic    string
	ConsumerGroup  string
	PollTimeout    time.Duration
}

// Aggregator owns the merged per-conversation state and is the only writer
// to it; its offsets map enforces last-offset-wins per field per spec §4.5.
type Aggregator struct {
	broker broker.Broker
	pub    Publisher
	cfg    Config

	mu      sync.Mutex
	views   map[model.ConversationKey]*model.AggregatedIntelligence
	offsets map[model.ConversationKey]fieldOffsets
	piiSeen map[model.ConversationKey]map[model.EntityKey]struct{}
}

type fieldOffsets struct {
	sentiment int64
	insights  int64
	summary   int64
	haveSent  bool
	haveIns   bool
	haveSum   bool
}

// New constructs an Aggregator. pub may be nil in tests that only assert
// on merge state via View.
func New(b broker.Broker, pub Publisher, cfg Config) *Aggregator {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &Aggregator{
		broker:  b,
		pub:     pub,
		cfg:     cfg,
		views:   make(map[model.ConversationKey]*model.AggregatedIntelligence),
		offsets: make(map[model.ConversationKey]fieldOffsets),
		piiSeen: make(map[model.ConversationKey]map[model.EntityKey]struct{}),
	}
}

// View returns a copy of the current merged view for key, or false if none
// has been merged yet.
func (a *Aggregator) View(key model.ConversationKey) (model.AggregatedIntelligence, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.views[key]
	if !ok {
		return model.AggregatedIntelligence{}, false
	}
	return *v, true
}

// Run consumes all four analyzer topics under one consumer group until ctx
// is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	topics := []string{a.cfg.SentimentTopic, a.cfg.PIITopic, a.cfg.InsightsTopic, a.cfg.SummaryTopic}
	c, err := a.broker.Consumer(a.cfg.ConsumerGroup, topics)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		msg, err := c.Poll(ctx, a.cfg.PollTimeout)
		if errors.Is(err, broker.ErrPollTimeout) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if err != nil {
			log.Error().Err(err).Msg("aggregator poll error")
			continue
		}

		if err := a.Ingest(ctx, msg); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic).Msg("aggregator merge error")
		}
		if err := c.Commit(ctx, msg); err != nil {
			log.Error().Err(err).Msg("aggregator commit failed")
		}
	}
}

// Ingest merges one analyzer record, keyed by msg.Topic, into the
// conversation's view and publishes the result. Exported so tests can
// drive merges deterministically without a live broker loop.
func (a *Aggregator) Ingest(ctx context.Context, msg broker.Message) error {
	switch msg.Topic {
	case a.cfg.SentimentTopic:
		var res model.SentimentResult
		if err := model.Decode(msg.Value, &res); err != nil {
			return err
		}
		return a.mergeSentiment(ctx, res)
	case a.cfg.PIITopic:
		var res model.PIIResult
		if err := model.Decode(msg.Value, &res); err != nil {
			return err
		}
		return a.mergePII(ctx, res)
	case a.cfg.InsightsTopic:
		var res model.InsightsResult
		if err := model.Decode(msg.Value, &res); err != nil {
			return err
		}
		return a.mergeInsights(ctx, res)
	case a.cfg.SummaryTopic:
		var res model.SummaryResult
		if err := model.Decode(msg.Value, &res); err != nil {
			return err
		}
		return a.mergeSummary(ctx, res)
	default:
		return errors.New("aggregator: unrecognized topic " + msg.Topic)
	}
}

func (a *Aggregator) viewFor(key model.ConversationKey) *model.AggregatedIntelligence {
	v, ok := a.views[key]
	if !ok {
		v = &model.AggregatedIntelligence{TenantID: key.TenantID, ConversationID: key.ConversationID}
		a.views[key] = v
	}
	return v
}

func (a *Aggregator) mergeSentiment(ctx context.Context, res model.SentimentResult) error {
	key := model.ConversationKey{TenantID: res.TenantID, ConversationID: res.ConversationID}
	a.mu.Lock()
	off := a.offsets[key]
	if off.haveSent && res.Offset <= off.sentiment {
		a.mu.Unlock()
		return nil // stale: offset not newer than the stored sentiment's
	}
	off.sentiment, off.haveSent = res.Offset, true
	a.offsets[key] = off
	v := a.viewFor(key)
	r := res
	v.Sentiment = &r
	v.LastUpdated = time.Now().UTC()
	out := a.recomputeLocked(v)
	a.mu.Unlock()
	a.publish(key, out)
	return a.emit(ctx, key, out)
}

func (a *Aggregator) mergeInsights(ctx context.Context, res model.InsightsResult) error {
	key := model.ConversationKey{TenantID: res.TenantID, ConversationID: res.ConversationID}
	a.mu.Lock()
	off := a.offsets[key]
	if off.haveIns && res.Offset <= off.insights {
		a.mu.Unlock()
		return nil
	}
	off.insights, off.haveIns = res.Offset, true
	a.offsets[key] = off
	v := a.viewFor(key)
	r := res
	v.Insights = &r
	v.LastUpdated = time.Now().UTC()
	out := a.recomputeLocked(v)
	a.mu.Unlock()
	a.publish(key, out)
	return a.emit(ctx, key, out)
}

func (a *Aggregator) mergeSummary(ctx context.Context, res model.SummaryResult) error {
	key := model.ConversationKey{TenantID: res.TenantID, ConversationID: res.ConversationID}
	a.mu.Lock()
	off := a.offsets[key]
	if off.haveSum && res.Offset <= off.summary {
		a.mu.Unlock()
		return nil
	}
	off.summary, off.haveSum = res.Offset, true
	a.offsets[key] = off
	v := a.viewFor(key)
	r := res
	v.Summary = &r
	v.LastUpdated = time.Now().UTC()
	out := a.recomputeLocked(v)
	a.mu.Unlock()
	a.publish(key, out)
	return a.emit(ctx, key, out)
}

// mergePII implements the monotonic-OR + set-union rule: has_pii never
// reverts to false, and entities are deduplicated by (type, redacted_value)
// across the conversation's entire in-process lifetime, independent of
// message offset ordering.
func (a *Aggregator) mergePII(ctx context.Context, res model.PIIResult) error {
	key := model.ConversationKey{TenantID: res.TenantID, ConversationID: res.ConversationID}
	a.mu.Lock()
	v := a.viewFor(key)
	seen, ok := a.piiSeen[key]
	if !ok {
		seen = make(map[model.EntityKey]struct{})
		a.piiSeen[key] = seen
	}
	if res.HasPII {
		v.PII.HasPII = true
	}
	for _, e := range res.Entities {
		ek := model.EntityKey{Type: e.Type, RedactedValue: e.RedactedValue}
		if _, dup := seen[ek]; dup {
			continue
		}
		seen[ek] = struct{}{}
		v.PII.Entities = append(v.PII.Entities, e)
	}
	if res.RedactedText != "" {
		v.PII.RedactedText = res.RedactedText
	}
	v.LastUpdated = time.Now().UTC()
	out := a.recomputeLocked(v)
	a.mu.Unlock()
	a.publish(key, out)
	return a.emit(ctx, key, out)
}

// recomputeLocked derives quality_score as 25 points for each of the four
// dimensions that has landed (PII counts once has_pii is true or any
// entity was merged); must be called with a.mu held.
func (a *Aggregator) recomputeLocked(v *model.AggregatedIntelligence) model.AggregatedIntelligence {
	score := 0
	if v.Sentiment != nil {
		score += 25
	}
	if v.Insights != nil {
		score += 25
	}
	if v.Summary != nil {
		score += 25
	}
	if v.PII.HasPII || v.PII.Entities != nil {
		score += 25
	}
	s := score
	v.QualityScore = &s
	return *v
}

// SetPublisher wires the Broadcaster in after construction, breaking the
// constructor cycle between Aggregator (needs a Publisher) and Broadcaster
// (needs a Snapshotter, i.e. the Aggregator itself).
func (a *Aggregator) SetPublisher(pub Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pub = pub
}

func (a *Aggregator) publish(key model.ConversationKey, view model.AggregatedIntelligence) {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return
	}
	pub.Publish(key, view)
}

func (a *Aggregator) emit(ctx context.Context, key model.ConversationKey, view model.AggregatedIntelligence) error {
	payload, err := model.Encode(model.EncodingJSON, view)
	if err != nil {
		return err
	}
	headers := []broker.Header{{Key: broker.HeaderTenantID, Value: []byte(key.TenantID)}}
	return a.broker.Produce(ctx, a.cfg.OutputTopic, []byte(key.ConversationID), payload, headers)
}
