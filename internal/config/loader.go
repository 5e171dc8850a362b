package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, following the
// teacher's pattern of Overload-then-getenv so a repository-local .env
// deterministically controls runtime behavior in development.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Kafka.Brokers = getenv("KAFKA_BROKERS", "localhost:9092")
	cfg.Kafka.MessagesRawTopic = getenv("TOPIC_MESSAGES_RAW", "messages.raw")
	cfg.Kafka.ConversationsTopic = getenv("TOPIC_CONVERSATIONS_STATE", "conversations.state")
	cfg.Kafka.SentimentTopic = getenv("TOPIC_AI_SENTIMENT", "ai.sentiment")
	cfg.Kafka.PIITopic = getenv("TOPIC_AI_PII", "ai.pii")
	cfg.Kafka.InsightsTopic = getenv("TOPIC_AI_INSIGHTS", "ai.insights")
	cfg.Kafka.SummaryTopic = getenv("TOPIC_AI_SUMMARY", "ai.summary")
	cfg.Kafka.AggregatedTopic = getenv("TOPIC_AI_AGGREGATED", "ai.aggregated")
	cfg.Kafka.DLQTopic = getenv("TOPIC_DLQ", "dlq")
	cfg.Kafka.ConsumerGroupPrefix = getenv("KAFKA_GROUP_PREFIX", "supportintel")
	cfg.Kafka.ProducerID = getenv("KAFKA_PRODUCER_ID", "supportintel")

	cfg.Model.Provider = getenv("MODEL_PROVIDER", "anthropic")
	cfg.Model.APIKey = getenv("ANTHROPIC_API_KEY", "")
	cfg.Model.Model = getenv("MODEL_NAME", "claude-3-5-haiku-latest")
	cfg.Model.MaxConcurrentRequests = getenvInt("MAX_CONCURRENT_MODEL_REQUESTS", 10)
	cfg.Model.RequestsPerMinute = getenvInt("MODEL_REQUESTS_PER_MINUTE", 60)
	cfg.Model.RequestTimeout = getenvDuration("MODEL_REQUEST_TIMEOUT", 15*time.Second)
	cfg.Model.MaxRetries = getenvInt("MODEL_MAX_RETRIES", 3)
	cfg.Model.MockMode = getenvBool("MOCK_MODE", cfg.Model.APIKey == "")

	cfg.Pipeline.RecentMessagesWindow = getenvInt("RECENT_MESSAGES_WINDOW", 10)
	cfg.Pipeline.ShutdownGraceSeconds = getenvInt("SHUTDOWN_GRACE_SECONDS", 30)
	cfg.Pipeline.WorkerPollTimeout = getenvDuration("WORKER_POLL_TIMEOUT", 2*time.Second)

	cfg.Broadcaster.SubscriberQueueDepth = getenvInt("SUBSCRIBER_QUEUE_DEPTH", 64)

	cfg.LogLevel = getenv("LOG_LEVEL", "info")
	cfg.LogPath = getenv("LOG_PATH", "")

	cfg.Obs.OTLPEndpoint = getenv("OTLP_ENDPOINT", "")
	cfg.Obs.ServiceName = getenv("OTEL_SERVICE_NAME", "supportintel")
	cfg.Obs.ServiceVersion = getenv("OTEL_SERVICE_VERSION", "dev")
	cfg.Obs.Environment = getenv("OTEL_ENVIRONMENT", "development")

	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
