package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/rs/zerolog/log"
)

// KafkaBroker is the production Broker backed by github.com/segmentio/kafka-go,
// generalizing the teacher's internal/tools/kafka.NewProducerFromBrokers and
// internal/orchestrator.StartKafkaConsumer/CheckBrokers/EnsureTopics into a
// single multi-topic, multi-group abstraction.
type KafkaBroker struct {
	brokers  []string
	writer   *kafka.Writer
	producer string
}

// NewKafkaBroker dials no connections eagerly; Produce and Consumer create
// their underlying kafka-go primitives lazily. brokers is a comma-separated
// bootstrap list, matching KAFKA_BROKERS in the teacher's config loader.
func NewKafkaBroker(brokersCSV, producerID string) (*KafkaBroker, error) {
	brokers := splitBrokers(brokersCSV)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaBroker{brokers: brokers, writer: w, producer: producerID}, nil
}

func splitBrokers(csv string) []string {
	var out []string
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Produce writes a single message keyed by conversation_id, stamping the
// producer identifier header alongside whatever headers the caller passed.
func (k *KafkaBroker) Produce(ctx context.Context, topic string, key []byte, value []byte, headers []Header) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for _, h := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	if k.producer != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderProducer, Value: []byte(k.producer)})
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the shared producer writer.
func (k *KafkaBroker) Close() error {
	return k.writer.Close()
}

// CheckReachable dials every configured broker until one answers or
// timeout elapses, per the teacher's orchestrator.CheckBrokers.
func (k *KafkaBroker) CheckReachable(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		for _, b := range k.brokers {
			conn, err := kafka.DialContext(ctx, "tcp", b)
			if err == nil {
				_ = conn.Close()
				return nil
			}
			lastErr = err
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to reach any broker within %s: last error: %v", timeout, lastErr)
}

// EnsureTopics idempotently creates any topic that doesn't already have
// partitions, dialing the cluster controller the same way the teacher's
// orchestrator.EnsureTopics does.
func (k *KafkaBroker) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", k.brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	controllerAddr := net.JoinHostPort(controller.Host, fmt.Sprint(controller.Port))

	ctrlConn, err := kafka.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", controllerAddr, err)
	}
	defer ctrlConn.Close()

	for _, cfg := range configs {
		parts, err := ctrlConn.ReadPartitions(cfg.Topic)
		if err != nil {
			log.Debug().Str("topic", cfg.Topic).Err(err).Msg("read partitions failed, attempting create")
		}
		if len(parts) > 0 {
			log.Debug().Str("topic", cfg.Topic).Msg("topic exists")
			continue
		}
		numParts := cfg.NumPartitions
		if numParts < 1 {
			numParts = 3
		}
		repl := cfg.ReplicationFactor
		if repl < 1 {
			repl = 1
		}
		tc := kafka.TopicConfig{Topic: cfg.Topic, NumPartitions: numParts, ReplicationFactor: repl}
		if err := ctrlConn.CreateTopics(tc); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
		}
		log.Info().Str("topic", cfg.Topic).Msg("created topic")
	}
	return nil
}

// Consumer returns a kafka-go reader wrapped to satisfy the Consumer
// interface, subscribed to topics under groupID. kafka-go's reader only
// supports a single topic per group at a time, so a multi-topic
// subscription fans out into one reader per topic internally, merged
// through a channel — this preserves per-topic, per-partition ordering
// while presenting one Poll stream to the caller.
func (k *KafkaBroker) Consumer(groupID string, topics []string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic required")
	}
	c := &kafkaConsumer{
		brokers: k.brokers,
		readers: make([]*kafka.Reader, 0, len(topics)),
		msgs:    make(chan Message, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	for _, topic := range topics {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		c.readers = append(c.readers, r)
	}
	c.start()
	return c, nil
}

type kafkaConsumer struct {
	brokers []string
	readers []*kafka.Reader
	msgs    chan Message
	errs    chan error
	done    chan struct{}
}

func (c *kafkaConsumer) start() {
	for _, r := range c.readers {
		go c.pump(r)
	}
}

func (c *kafkaConsumer) pump(r *kafka.Reader) {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			select {
			case c.errs <- err:
			default:
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		msg := fromKafkaMessage(r, m)
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

func fromKafkaMessage(r *kafka.Reader, m kafka.Message) Message {
	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}
	for _, h := range m.Headers {
		msg.Headers = append(msg.Headers, Header{Key: h.Key, Value: h.Value})
	}
	return msg
}

func (c *kafkaConsumer) Poll(ctx context.Context, timeout time.Duration) (Message, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.errs:
		return Message{}, err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, ErrPollTimeout
	}
}

// Commit finds the reader for msg.Topic and commits the underlying
// kafka.Message offset for it.
func (c *kafkaConsumer) Commit(ctx context.Context, msg Message) error {
	for _, r := range c.readers {
		if r.Config().Topic == msg.Topic {
			return r.CommitMessages(ctx, kafka.Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
			})
		}
	}
	return fmt.Errorf("no reader for topic %s", msg.Topic)
}

func (c *kafkaConsumer) Close() error {
	close(c.done)
	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
