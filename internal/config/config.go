// Package config loads the pipeline's runtime configuration from the
// environment (with optional .env overrides), following the teacher's
// internal/config loader style: typed fields, env-first, sane defaults
// applied after parsing.
package config

import "time"

// Config is the full configuration surface described in spec.md §6.
type Config struct {
	Kafka       KafkaConfig
	Model       ModelConfig
	Pipeline    PipelineConfig
	Broadcaster BroadcasterConfig
	Obs         ObsConfig
	LogLevel    string
	LogPath     string
}

// ObsConfig drives optional OTLP trace/metric export. Tracing is skipped
// entirely (not an error) when OTLPEndpoint is empty, since an exporter
// collector is an optional deployment dependency, not a hard requirement
// to run the pipeline.
type ObsConfig struct {
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// KafkaConfig carries broker connectivity and topic-name overrides.
type KafkaConfig struct {
	Brokers string

	MessagesRawTopic   string
	ConversationsTopic string
	SentimentTopic     string
	PIITopic           string
	InsightsTopic      string
	SummaryTopic       string
	AggregatedTopic    string
	DLQTopic           string

	ConsumerGroupPrefix string
	ProducerID          string
}

// ModelConfig drives the Model Client's rate limit, concurrency cap, and
// mock mode (spec.md §4.1, §6).
type ModelConfig struct {
	Provider              string
	APIKey                string
	Model                 string
	MaxConcurrentRequests int
	RequestsPerMinute     int
	RequestTimeout        time.Duration
	MaxRetries            int
	MockMode              bool
}

// PipelineConfig drives the Processor's bounded window and the
// Supervisor's shutdown grace period.
type PipelineConfig struct {
	RecentMessagesWindow int
	ShutdownGraceSeconds int
	WorkerPollTimeout    time.Duration
}

// BroadcasterConfig drives the subscriber fan-out bound.
type BroadcasterConfig struct {
	SubscriberQueueDepth int
}
