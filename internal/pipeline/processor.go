package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"supportintel/internal/broker"
	"supportintel/internal/model"
)

// DLQEnvelope is the record shape published to the dlq topic, per spec §6.
type DLQEnvelope struct {
	OriginalTopic string    `json:"original_topic"`
	Payload       string    `json:"payload"`
	Error         string    `json:"error"`
	RetryCount    int       `json:"retry_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Config configures a Processor.
type Config struct {
	MessagesRawTopic   string
	ConversationsTopic string
	SummaryTopic       string
	DLQTopic           string
	ConsumerGroup      string
	RecentWindow       int
	PollTimeout        time.Duration
	MaxRetries         int
}

// Processor is the Conversation Processor (spec §4.3): it consumes
// messages.raw and ai.summary, maintains ConversationState in memory, and
// emits to conversations.state only in response to messages.raw — never
// on summary ingest. This asymmetry is the loop guard described in
// spec §9 ("topic-edge asymmetry").
type Processor struct {
	broker broker.Broker
	cfg    Config
	store  *store
}

// New constructs a Processor with an empty in-memory store; call Rebuild
// before Run to replay prior state from the log on restart.
func New(b broker.Broker, cfg Config) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &Processor{broker: b, cfg: cfg, store: newStore(cfg.RecentWindow)}
}

// State returns a snapshot of a conversation's state, or false if unknown.
// Exposed so analyzer/aggregator tests and the Supervisor's rebuild path
// can inspect the Processor without a broker round-trip.
func (p *Processor) State(key model.ConversationKey) (model.ConversationState, bool) {
	st, ok := p.store.get(key)
	if !ok {
		return model.ConversationState{}, false
	}
	return cloneState(*st), true
}

// Rebuild replays conversations.state from the beginning, reconstructing
// the in-memory map without touching messages.raw or ai.summary (the log
// already captures the merged result), per spec §9's replay-on-restart
// design note.
func (p *Processor) Rebuild(ctx context.Context) error {
	c, err := p.broker.Consumer(p.cfg.ConsumerGroup+".rebuild", []string{p.cfg.ConversationsTopic})
	if err != nil {
		return fmt.Errorf("rebuild consumer: %w", err)
	}
	defer c.Close()
	for {
		msg, err := c.Poll(ctx, 200*time.Millisecond)
		if errors.Is(err, broker.ErrPollTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
		var st model.ConversationState
		if err := model.Decode(msg.Value, &st); err != nil {
			log.Warn().Err(err).Msg("rebuild: skipping unparseable conversations.state record")
			continue
		}
		key := model.ConversationKey{TenantID: st.TenantID, ConversationID: st.ConversationID}
		existing := p.store.getOrCreate(key)
		p.store.mu.Lock()
		*existing = st
		p.store.mu.Unlock()
	}
}

// Run consumes messages.raw and ai.summary until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	c, err := p.broker.Consumer(p.cfg.ConsumerGroup, []string{p.cfg.MessagesRawTopic, p.cfg.SummaryTopic})
	if err != nil {
		return fmt.Errorf("processor consumer: %w", err)
	}
	defer c.Close()

	for {
		msg, err := c.Poll(ctx, p.cfg.PollTimeout)
		if errors.Is(err, broker.ErrPollTimeout) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if err != nil {
			log.Error().Err(err).Msg("processor poll error")
			continue
		}

		p.handleWithRetry(ctx, msg)
		if err := c.Commit(ctx, msg); err != nil {
			log.Error().Err(err).Msg("processor commit failed")
		}
	}
}

// handleWithRetry retries handle up to cfg.MaxRetries times with
// exponential backoff before routing the record to the DLQ, mirroring
// analyzer.Worker.processWithRetry's retry-then-DLQ pattern so a
// transient decode/produce failure doesn't escalate to the DLQ on its
// first attempt.
func (p *Processor) handleWithRetry(ctx context.Context, msg broker.Message) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.handle(ctx, msg); err != nil {
			lastErr = err
			if attempt < p.cfg.MaxRetries && ctx.Err() == nil {
				backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
				log.Warn().Err(err).Str("topic", msg.Topic).Int("attempt", attempt).Dur("backoff", backoff).Msg("processor retry")
				t := time.NewTimer(backoff)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				}
				continue
			}
			p.toDLQ(ctx, msg, lastErr, attempt)
			return
		}
		return
	}
}

func (p *Processor) handle(ctx context.Context, msg broker.Message) error {
	switch msg.Topic {
	case p.cfg.MessagesRawTopic:
		return p.handleMessage(ctx, msg)
	case p.cfg.SummaryTopic:
		return p.handleSummary(ctx, msg)
	default:
		return fmt.Errorf("unexpected topic %q", msg.Topic)
	}
}

func (p *Processor) handleMessage(ctx context.Context, msg broker.Message) error {
	var sm model.SupportMessage
	if err := model.Decode(msg.Value, &sm); err != nil {
		return err
	}
	if sm.TenantID == "" {
		log.Warn().Str("conversation_id", sm.ConversationID).Msg("dropping message with no tenant_id")
		return nil
	}

	snapshot := p.store.applyMessage(sm)
	payload, err := model.Encode(model.EncodingJSON, snapshot)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}
	headers := []broker.Header{
		{Key: broker.HeaderTenantID, Value: []byte(sm.TenantID)},
		{Key: broker.HeaderRetryCount, Value: []byte("0")},
	}
	return p.broker.Produce(ctx, p.cfg.ConversationsTopic, []byte(sm.ConversationID), payload, headers)
}

func (p *Processor) handleSummary(ctx context.Context, msg broker.Message) error {
	var sr model.SummaryResult
	if err := model.Decode(msg.Value, &sr); err != nil {
		return err
	}
	key := model.ConversationKey{TenantID: sr.TenantID, ConversationID: sr.ConversationID}
	ref := model.SummaryRef{TLDR: sr.TLDR, Offset: msg.Offset, Timestamp: sr.Timestamp}
	if ok := p.store.applySummary(key, ref); !ok {
		log.Warn().Str("conversation_id", sr.ConversationID).Msg("summary for unknown conversation, dropping (out-of-order or cross-replica)")
	}
	// Never emit: emitting here would reintroduce the state↔summary cycle.
	return nil
}

func (p *Processor) toDLQ(ctx context.Context, msg broker.Message, cause error, attempts int) {
	env := DLQEnvelope{
		OriginalTopic: msg.Topic,
		Payload:       string(msg.Value),
		Error:         cause.Error(),
		RetryCount:    attempts,
		Timestamp:     time.Now().UTC(),
	}
	payload, _ := json.Marshal(env)
	if err := p.broker.Produce(ctx, p.cfg.DLQTopic, msg.Key, payload, nil); err != nil {
		log.Error().Err(err).Msg("failed to publish DLQ record")
		return
	}
	log.Warn().Str("topic", msg.Topic).Err(cause).Int("attempts", attempts).Msg("published poison record to DLQ")
}
