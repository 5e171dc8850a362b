// Package analyzer implements the four independent analysis workers
// (sentiment, PII, insights, summary) that consume messages.raw and each
// produce to their own ai.* topic, sharing one rate-limited Model Client.
// The consume/retry/DLQ/commit shape generalizes the teacher's
// orchestrator.StartKafkaConsumer worker pool (spec §4.4).
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"supportintel/internal/broker"
	"supportintel/internal/model"
	"supportintel/internal/modelclient"
)

// Kind identifies which of the four analyses a Worker performs.
type Kind string

const (
	KindSentiment Kind = "sentiment"
	KindPII       Kind = "pii"
	KindInsights  Kind = "insights"
	KindSummary   Kind = "summary"
)

// ModelClient is the subset of modelclient.Client each Worker needs. Kept
// as an interface so tests can substitute a stub without constructing a
// full rate-limited client.
type ModelClient interface {
	AnalyzeSentiment(ctx context.Context, ac modelclient.AnalysisContext) model.SentimentResult
	DetectPII(ctx context.Context, text string) model.PIIResult
	ExtractInsights(ctx context.Context, ac modelclient.AnalysisContext) model.InsightsResult
	UpdateSummary(ctx context.Context, oldSummary, newMessageOrWindow string) model.SummaryResult
}

// ModelAnalysisContext is an alias kept for readability at call sites
// within this package.
type ModelAnalysisContext = modelclient.AnalysisContext

// ConversationContext lets a Worker look up the conversation's current
// state for prompt context (recent messages, prior summary) without
// depending on the Processor's concrete type.
type ConversationContext interface {
	State(key model.ConversationKey) (model.ConversationState, bool)
}

// Config configures a Worker.
type Config struct {
	SourceTopic   string
	OutputTopic   string
	DLQTopic      string
	ConsumerGroup string
	WorkerCount   int
	PollTimeout   time.Duration
	MaxRetries    int
}

// Worker runs one analysis kind's consume -> analyze -> produce -> commit
// loop over a pool of goroutines fed by a single fetch loop, matching the
// teacher's jobs-channel pattern.
type Worker struct {
	kind    Kind
	broker  broker.Broker
	model   ModelClient
	convCtx ConversationContext
	cfg     Config
}

// New constructs a Worker. convCtx may be nil for kinds that need no prior
// conversation context (PII detection only looks at the current message).
func New(kind Kind, b broker.Broker, mc ModelClient, convCtx ConversationContext, cfg Config) *Worker {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Worker{kind: kind, broker: b, model: mc, convCtx: convCtx, cfg: cfg}
}

// Run consumes SourceTopic with a worker pool until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	c, err := w.broker.Consumer(w.cfg.ConsumerGroup, []string{w.cfg.SourceTopic})
	if err != nil {
		return err
	}
	defer c.Close()

	jobs := make(chan broker.Message, w.cfg.WorkerCount*4)
	var wg sync.WaitGroup
	wg.Add(w.cfg.WorkerCount)
	for i := 0; i < w.cfg.WorkerCount; i++ {
		go func(workerID int) {
			defer wg.Done()
			for msg := range jobs {
				w.processWithRetry(ctx, msg)
				if err := c.Commit(ctx, msg); err != nil {
					log.Error().Err(err).Str("kind", string(w.kind)).Msg("commit failed")
				}
			}
		}(i)
	}

	for {
		msg, err := c.Poll(ctx, w.cfg.PollTimeout)
		if errors.Is(err, broker.ErrPollTimeout) {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			log.Error().Err(err).Str("kind", string(w.kind)).Msg("poll error")
			continue
		}
		select {
		case jobs <- msg:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) processWithRetry(ctx context.Context, msg broker.Message) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if err := w.process(ctx, msg); err != nil {
			lastErr = err
			if attempt < w.cfg.MaxRetries && ctx.Err() == nil {
				backoff := time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond
				log.Warn().Err(err).Str("kind", string(w.kind)).Int("attempt", attempt).Dur("backoff", backoff).Msg("analyzer retry")
				t := time.NewTimer(backoff)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
				}
				continue
			}
			w.toDLQ(ctx, msg, lastErr, attempt)
			return
		}
		return
	}
}

func (w *Worker) process(ctx context.Context, msg broker.Message) error {
	var sm model.SupportMessage
	if err := model.Decode(msg.Value, &sm); err != nil {
		return err
	}

	var (
		payload []byte
		err     error
	)
	switch w.kind {
	case KindSentiment:
		res := w.model.AnalyzeSentiment(ctx, w.buildContext(sm))
		res.TenantID, res.ConversationID, res.Offset = sm.TenantID, sm.ConversationID, msg.Offset
		payload, err = model.Encode(model.EncodingJSON, res)
	case KindPII:
		res := w.model.DetectPII(ctx, sm.Text)
		res.TenantID, res.ConversationID, res.Offset = sm.TenantID, sm.ConversationID, msg.Offset
		payload, err = model.Encode(model.EncodingJSON, res)
	case KindInsights:
		res := w.model.ExtractInsights(ctx, w.buildContext(sm))
		res.TenantID, res.ConversationID, res.Offset = sm.TenantID, sm.ConversationID, msg.Offset
		payload, err = model.Encode(model.EncodingJSON, res)
	case KindSummary:
		res := w.updateSummary(ctx, sm)
		res.TenantID, res.ConversationID, res.Offset = sm.TenantID, sm.ConversationID, msg.Offset
		res.Timestamp = sm.Timestamp
		payload, err = model.Encode(model.EncodingJSON, res)
	default:
		return errors.New("unknown analyzer kind")
	}
	if err != nil {
		return err
	}

	headers := []broker.Header{{Key: broker.HeaderTenantID, Value: []byte(sm.TenantID)}}
	return w.broker.Produce(ctx, w.cfg.OutputTopic, []byte(sm.ConversationID), payload, headers)
}

// buildContext assembles prompt context from the Processor's conversation
// state, degrading gracefully to message-only context if unavailable.
func (w *Worker) buildContext(sm model.SupportMessage) ModelAnalysisContext {
	ac := ModelAnalysisContext{LatestMessage: sm.Text}
	if w.convCtx == nil {
		return ac
	}
	st, ok := w.convCtx.State(sm.Key())
	if !ok {
		return ac
	}
	if st.CurrentSummary != nil {
		ac.Summary = st.CurrentSummary.TLDR
	}
	for _, m := range st.RecentMessages {
		ac.RecentMessages = append(ac.RecentMessages, string(m.Sender)+": "+m.Text)
	}
	return ac
}

// updateSummary implements incremental summarization: fold the new message
// into the prior tldr when one exists, else summarize the full recent
// window (spec §4.4 / §9).
func (w *Worker) updateSummary(ctx context.Context, sm model.SupportMessage) model.SummaryResult {
	var oldSummary, window string
	if w.convCtx != nil {
		if st, ok := w.convCtx.State(sm.Key()); ok && st.CurrentSummary != nil {
			oldSummary = st.CurrentSummary.TLDR
		} else if ok {
			for _, m := range st.RecentMessages {
				window += string(m.Sender) + ": " + m.Text + "\n"
			}
		}
	}
	if oldSummary != "" {
		return w.model.UpdateSummary(ctx, oldSummary, senderLine(sm.Sender)+sm.Text)
	}
	if window == "" {
		window = senderLine(sm.Sender) + sm.Text
	}
	return w.model.UpdateSummary(ctx, "", window)
}

func senderLine(s model.Sender) string {
	return string(s) + ": "
}

func (w *Worker) toDLQ(ctx context.Context, msg broker.Message, cause error, attempts int) {
	env := dlqEnvelope{
		OriginalTopic: msg.Topic,
		Payload:       string(msg.Value),
		Error:         cause.Error(),
		RetryCount:    attempts,
		Timestamp:     time.Now().UTC(),
	}
	payload, _ := json.Marshal(env)
	if err := w.broker.Produce(ctx, w.cfg.DLQTopic, msg.Key, payload, nil); err != nil {
		log.Error().Err(err).Str("kind", string(w.kind)).Msg("failed to publish DLQ record")
		return
	}
	log.Warn().Str("kind", string(w.kind)).Err(cause).Int("attempts", attempts).Msg("published poison record to DLQ")
}

type dlqEnvelope struct {
	OriginalTopic string    `json:"original_topic"`
	Payload       string    `json:"payload"`
	Error         string    `json:"error"`
	RetryCount    int       `json:"retry_count"`
	Timestamp     time.Time `json:"timestamp"`
}
