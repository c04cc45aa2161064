// Package kafka implements the messaging bus on Apache Kafka with
// consumer-group offsets committed only after a delivery is handled.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
)

// Config configures the Kafka bus
type Config struct {
	Brokers []string
	// GroupID is the consumer group shared by all workers of a topic
	GroupID string
	Logger  *slog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Bus publishes to and consumes from Kafka topics
type Bus struct {
	cfg       Config
	writer    messageWriter
	newReader func(topic string) messageReader
}

// New creates a Kafka bus. Topics are expected to exist.
func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: group id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}

	b := &Bus{cfg: cfg, writer: writer}
	b.newReader = func(topic string) messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			Topic:       topic,
			StartOffset: kafkago.FirstOffset,
		})
	}
	return b, nil
}

// Publish writes one message, keyed so a task id always lands on the same partition
func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Consume fetches messages from topic as part of the configured group.
// Handled and permanently failed messages are committed. A transient
// handler error stops the loop without committing so the message is
// redelivered to the group.
func (b *Bus) Consume(ctx context.Context, topic string, h messaging.Handler) error {
	reader := b.newReader(topic)
	defer reader.Close()

	logger := b.cfg.Logger.With("topic", topic, "group_id", b.cfg.GroupID)
	logger.Info("consuming")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch from %s: %w", topic, err)
		}

		herr := h(ctx, messaging.Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value})
		if herr != nil {
			if !messaging.IsPermanent(herr) {
				return fmt.Errorf("handle %s partition=%d offset=%d: %w", topic, m.Partition, m.Offset, herr)
			}
			logger.Error("skipping message after permanent failure",
				"partition", m.Partition, "offset", m.Offset, "key", string(m.Key), "error", herr)
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit on %s: %w", topic, err)
		}
	}
}

// Close flushes and closes the writer
func (b *Bus) Close() error {
	return b.writer.Close()
}
