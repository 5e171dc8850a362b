// Package broker abstracts the durable, keyed, partitioned log every
// pipeline stage communicates over. The only production implementation is
// Kafka (github.com/segmentio/kafka-go, mirroring the teacher's
// internal/tools/kafka and internal/orchestrator packages); an in-memory
// implementation backs unit tests without a live cluster.
package broker

import (
	"context"
	"time"
)

// Header keys used on produced records. Callers choose which to attach:
// tenant_id on pipeline outputs, retry_count on conversations.state, and
// producer (added by KafkaBroker when a producer id is configured).
const (
	HeaderTenantID   = "tenant_id"
	HeaderRetryCount = "retry_count"
	HeaderProducer   = "producer"
)

// Header is a single key/value pair attached to a record.
type Header struct {
	Key   string
	Value []byte
}

// Message is a single record read from a topic, carrying enough broker
// metadata (topic, partition, offset) for ordering and offset-based
// last-writer-wins decisions downstream.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Time      time.Time
}

// HeaderValue returns the value of the first header matching key, if any.
func (m Message) HeaderValue(key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// TopicConfig describes a topic's desired shape for idempotent creation.
type TopicConfig struct {
	Topic             string
	NumPartitions     int
	ReplicationFactor int
	RetentionMs       int64
}

// Producer is the keyed-produce half of the broker contract.
type Producer interface {
	// Produce writes value under key to topic with the given headers. The
	// partition key is always conversation_id so all records for a
	// conversation land on the same partition of every topic.
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers []Header) error
	Close() error
}

// Consumer is the poll/commit half of the broker contract for a single
// consumer-group subscription.
type Consumer interface {
	// Poll blocks until a message is available, the timeout elapses (in
	// which case it returns ErrPollTimeout), or ctx is done.
	Poll(ctx context.Context, timeout time.Duration) (Message, error)
	// Commit durably advances the consumer group's offset past msg.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Admin is the idempotent topic-management half of the broker contract.
type Admin interface {
	EnsureTopics(ctx context.Context, configs []TopicConfig) error
	CheckReachable(ctx context.Context, timeout time.Duration) error
}

// Broker bundles everything a pipeline component needs: produce, consume
// (per consumer group + topic set), and admin.
type Broker interface {
	Producer
	Admin
	// Consumer returns a new Consumer subscribed to topics under groupID.
	// Distinct groupIDs receive independent copies of every message,
	// matching Kafka consumer-group fan-out semantics.
	Consumer(groupID string, topics []string) (Consumer, error)
}

// ErrPollTimeout is returned by Consumer.Poll when no message arrived
// within the requested timeout; callers should treat this as a normal
// suspension point, not a failure.
var ErrPollTimeout = pollTimeoutError{}

type pollTimeoutError struct{}

func (pollTimeoutError) Error() string { return "broker: poll timeout" }
