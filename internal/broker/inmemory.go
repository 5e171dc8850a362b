package broker

import (
	"context"
	"sync"
	"time"
)

// InMemoryBroker is a single-process Broker used by component tests and by
// mock_mode wiring. It preserves per-key (partition) ordering by hashing
// the record key into one of a fixed number of partitions per topic, the
// same guarantee the real Kafka broker gives via conversation_id keying.
type InMemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	partitions [][]Message
}

// NewInMemoryBroker returns an empty broker; topics are created lazily on
// first produce or EnsureTopics call.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{topics: make(map[string]*memTopic)}
}

const defaultPartitions = 3

func (b *InMemoryBroker) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{partitions: make([][]Message, defaultPartitions)}
		b.topics[name] = t
	}
	return t
}

func partitionFor(key []byte, n int) int {
	if n <= 0 {
		return 0
	}
	var h uint32 = 2166136261
	for _, c := range key {
		h ^= uint32(c)
		h *= 16777619
	}
	return int(h) % n
}

// Produce appends value to the partition selected by key, assigning the
// next offset within that partition.
func (b *InMemoryBroker) Produce(ctx context.Context, topicName string, key []byte, value []byte, headers []Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topicName)
	p := partitionFor(key, len(t.partitions))
	offset := int64(len(t.partitions[p]))
	msg := Message{
		Topic:     topicName,
		Partition: p,
		Offset:    offset,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Headers:   headers,
		Time:      time.Now().UTC(),
	}
	t.partitions[p] = append(t.partitions[p], msg)
	return nil
}

func (b *InMemoryBroker) Close() error { return nil }

func (b *InMemoryBroker) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cfg := range configs {
		b.topic(cfg.Topic)
	}
	return nil
}

func (b *InMemoryBroker) CheckReachable(ctx context.Context, timeout time.Duration) error {
	return nil
}

// Consumer returns an independent cursor over topics: every consumer
// group sees the full backlog from offset zero, matching how a brand-new
// Kafka consumer group behaves.
func (b *InMemoryBroker) Consumer(groupID string, topics []string) (Consumer, error) {
	return &memConsumer{broker: b, topics: topics, cursors: make(map[string][]int64)}, nil
}

type memConsumer struct {
	broker  *InMemoryBroker
	topics  []string
	mu      sync.Mutex
	cursors map[string][]int64 // topic -> next offset per partition
	closed  bool
}

func (c *memConsumer) Poll(ctx context.Context, timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Message{}, ErrPollTimeout
		}
		for _, topicName := range c.topics {
			c.broker.mu.Lock()
			t, ok := c.broker.topics[topicName]
			if !ok {
				c.broker.mu.Unlock()
				continue
			}
			cursors, ok := c.cursors[topicName]
			if !ok {
				cursors = make([]int64, len(t.partitions))
				c.cursors[topicName] = cursors
			}
			for p, msgs := range t.partitions {
				if int(cursors[p]) < len(msgs) {
					m := msgs[cursors[p]]
					cursors[p]++
					c.broker.mu.Unlock()
					c.mu.Unlock()
					return m, nil
				}
			}
			c.broker.mu.Unlock()
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return Message{}, ErrPollTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Commit marks msg as consumed. Poll already moves the read cursor past
// every message it returns, so Commit only clamps the cursor forward;
// out-of-order commits (a higher offset arriving before a lower one) are
// accepted and never move it back.
func (c *memConsumer) Commit(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cursors, ok := c.cursors[msg.Topic]
	if !ok {
		return nil
	}
	if msg.Partition >= len(cursors) {
		return nil
	}
	if next := msg.Offset + 1; next > cursors[msg.Partition] {
		cursors[msg.Partition] = next
	}
	return nil
}

func (c *memConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
