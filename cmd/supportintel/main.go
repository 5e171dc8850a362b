// Command supportintel runs the real-time support-conversation
// intelligence pipeline: ingestion -> four analyzer workers -> aggregator
// -> broadcaster, wired over a partitioned log. Boot sequence and
// shutdown are grounded on cmd/orchestrator/main.go: load config, init
// logging, check broker reachability, ensure topics exist, start every
// component under a Supervisor, wait for SIGINT/SIGTERM, drain.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"supportintel/internal/aggregator"
	"supportintel/internal/analyzer"
	"supportintel/internal/broadcaster"
	"supportintel/internal/broker"
	"supportintel/internal/config"
	"supportintel/internal/ingress"
	"supportintel/internal/modelclient"
	"supportintel/internal/observability"
	"supportintel/internal/pipeline"
	"supportintel/internal/streaming"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("supportintel")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	otelShutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without tracing")
		otelShutdown = func(context.Context) error { return nil }
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := newBroker(cfg)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	defer b.Close()

	ctxAdmin, cancelAdmin := context.WithTimeout(ctx, 5*time.Second)
	defer cancelAdmin()
	if err := b.CheckReachable(ctxAdmin, 3*time.Second); err != nil {
		return fmt.Errorf("reach broker: %w", err)
	}
	if err := ensureTopics(ctxAdmin, b, cfg.Kafka); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	mc := newModelClient(cfg.Model)

	processor := pipeline.New(b, pipeline.Config{
		MessagesRawTopic:   cfg.Kafka.MessagesRawTopic,
		ConversationsTopic: cfg.Kafka.ConversationsTopic,
		SummaryTopic:       cfg.Kafka.SummaryTopic,
		DLQTopic:           cfg.Kafka.DLQTopic,
		ConsumerGroup:      cfg.Kafka.ConsumerGroupPrefix + ".processor",
		RecentWindow:       cfg.Pipeline.RecentMessagesWindow,
		PollTimeout:        cfg.Pipeline.WorkerPollTimeout,
	})
	if err := processor.Rebuild(ctx); err != nil {
		log.Warn().Err(err).Msg("conversation state rebuild failed, starting from empty state")
	}

	agg := aggregator.New(b, nil, aggregator.Config{
		SentimentTopic: cfg.Kafka.SentimentTopic,
		PIITopic:       cfg.Kafka.PIITopic,
		InsightsTopic:  cfg.Kafka.InsightsTopic,
		SummaryTopic:   cfg.Kafka.SummaryTopic,
		OutputTopic:    cfg.Kafka.AggregatedTopic,
		ConsumerGroup:  cfg.Kafka.ConsumerGroupPrefix + ".aggregator",
		PollTimeout:    cfg.Pipeline.WorkerPollTimeout,
	})
	bc := broadcaster.New(agg, broadcaster.Config{QueueDepth: cfg.Broadcaster.SubscriberQueueDepth})
	defer bc.Close()
	agg.SetPublisher(bc)

	sentimentWorker := analyzer.New(analyzer.KindSentiment, b, mc, processor, analyzer.Config{
		SourceTopic: cfg.Kafka.MessagesRawTopic, OutputTopic: cfg.Kafka.SentimentTopic,
		DLQTopic: cfg.Kafka.DLQTopic, ConsumerGroup: cfg.Kafka.ConsumerGroupPrefix + ".sentiment",
		PollTimeout: cfg.Pipeline.WorkerPollTimeout,
	})
	piiWorker := analyzer.New(analyzer.KindPII, b, mc, processor, analyzer.Config{
		SourceTopic: cfg.Kafka.MessagesRawTopic, OutputTopic: cfg.Kafka.PIITopic,
		DLQTopic: cfg.Kafka.DLQTopic, ConsumerGroup: cfg.Kafka.ConsumerGroupPrefix + ".pii",
		PollTimeout: cfg.Pipeline.WorkerPollTimeout,
	})
	insightsWorker := analyzer.New(analyzer.KindInsights, b, mc, processor, analyzer.Config{
		SourceTopic: cfg.Kafka.MessagesRawTopic, OutputTopic: cfg.Kafka.InsightsTopic,
		DLQTopic: cfg.Kafka.DLQTopic, ConsumerGroup: cfg.Kafka.ConsumerGroupPrefix + ".insights",
		PollTimeout: cfg.Pipeline.WorkerPollTimeout,
	})
	summaryWorker := analyzer.New(analyzer.KindSummary, b, mc, processor, analyzer.Config{
		SourceTopic: cfg.Kafka.MessagesRawTopic, OutputTopic: cfg.Kafka.SummaryTopic,
		DLQTopic: cfg.Kafka.DLQTopic, ConsumerGroup: cfg.Kafka.ConsumerGroupPrefix + ".summary",
		PollTimeout: cfg.Pipeline.WorkerPollTimeout,
	})

	sup := pipeline.NewSupervisor(
		pipeline.Component{Name: "processor", Run: processor.Run},
		pipeline.Component{Name: "sentiment", Run: sentimentWorker.Run},
		pipeline.Component{Name: "pii", Run: piiWorker.Run},
		pipeline.Component{Name: "insights", Run: insightsWorker.Run},
		pipeline.Component{Name: "summary", Run: summaryWorker.Run},
		pipeline.Component{Name: "aggregator", Run: agg.Run},
	)

	srv := newHTTPServer(b, bc, cfg)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting ingress/streaming HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	err = sup.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Pipeline.ShutdownGraceSeconds)*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newBroker(cfg config.Config) (broker.Broker, error) {
	if cfg.Model.MockMode && cfg.Kafka.Brokers == "" {
		return broker.NewInMemoryBroker(), nil
	}
	return broker.NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.ProducerID)
}

func ensureTopics(ctx context.Context, b broker.Broker, kc config.KafkaConfig) error {
	topics := []string{
		kc.MessagesRawTopic, kc.ConversationsTopic, kc.SentimentTopic,
		kc.PIITopic, kc.InsightsTopic, kc.SummaryTopic, kc.AggregatedTopic, kc.DLQTopic,
	}
	configs := make([]broker.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, broker.TopicConfig{Topic: t, NumPartitions: 3, ReplicationFactor: 1})
	}
	return b.EnsureTopics(ctx, configs)
}

func newModelClient(mc config.ModelConfig) *modelclient.Client {
	var backend modelclient.Backend
	if mc.MockMode || mc.APIKey == "" {
		backend = modelclient.NewMockBackend()
	} else {
		backend = modelclient.NewAnthropicBackend(mc.APIKey, mc.Model)
	}
	return modelclient.New(backend, modelclient.Config{
		MaxConcurrentRequests: mc.MaxConcurrentRequests,
		RequestsPerMinute:     mc.RequestsPerMinute,
		RequestTimeout:        mc.RequestTimeout,
		MaxRetries:            mc.MaxRetries,
	})
}

func newHTTPServer(b broker.Broker, bc *broadcaster.Broadcaster, cfg config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/v1/messages", otelhttp.NewHandler(ingress.NewHandler(b, cfg.Kafka.MessagesRawTopic), "ingress.messages"))
	mux.Handle("/v1/stream", otelhttp.NewHandler(streaming.NewHandler(bc), "streaming.subscribe"))

	addr := ":8090"
	return &http.Server{Addr: addr, Handler: mux}
}
