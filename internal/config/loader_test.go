package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kafka.Brokers != "localhost:9092" {
		t.Fatalf("expected default brokers, got %q", cfg.Kafka.Brokers)
	}
	if cfg.Pipeline.RecentMessagesWindow != 10 {
		t.Fatalf("expected default window 10, got %d", cfg.Pipeline.RecentMessagesWindow)
	}
	if cfg.Broadcaster.SubscriberQueueDepth != 64 {
		t.Fatalf("expected default queue depth 64, got %d", cfg.Broadcaster.SubscriberQueueDepth)
	}
	if !cfg.Model.MockMode {
		t.Fatalf("expected mock mode on with no API key")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("RECENT_MESSAGES_WINDOW", "5")
	os.Setenv("MODEL_REQUESTS_PER_MINUTE", "120")
	os.Setenv("MOCK_MODE", "false")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.RecentMessagesWindow != 5 {
		t.Fatalf("expected overridden window 5, got %d", cfg.Pipeline.RecentMessagesWindow)
	}
	if cfg.Model.RequestsPerMinute != 120 {
		t.Fatalf("expected overridden rpm 120, got %d", cfg.Model.RequestsPerMinute)
	}
	if cfg.Model.MockMode {
		t.Fatalf("expected mock mode disabled by explicit override")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"KAFKA_BROKERS", "RECENT_MESSAGES_WINDOW", "MODEL_REQUESTS_PER_MINUTE",
		"MOCK_MODE", "ANTHROPIC_API_KEY", "SUBSCRIBER_QUEUE_DEPTH",
	} {
		os.Unsetenv(k)
	}
}
