package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus. Each topic is a buffered queue shared by
// all of its consumers, so a message is handled by exactly one of them.
// Deliveries that fail transiently are requeued up to MaxRedeliveries times,
// or dropped when the topic is full at that moment.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]chan Message
	buffer int
	logger *slog.Logger

	// MaxRedeliveries bounds requeues of a transiently failing message
	MaxRedeliveries int
}

// NewMemoryBus creates an in-process bus whose topics buffer up to buffer messages
func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		topics:          make(map[string]chan Message),
		buffer:          buffer,
		logger:          logger,
		MaxRedeliveries: 3,
	}
}

func (b *MemoryBus) topic(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan Message, b.buffer)
		b.topics[name] = ch
	}
	return ch
}

// Publish enqueues a copy of value on topic, blocking while the topic is full
func (b *MemoryBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), value...)}
	select {
	case b.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of messages waiting on topic
func (b *MemoryBus) Len(topic string) int {
	return len(b.topic(topic))
}

// Consume handles messages from topic until ctx is done
func (b *MemoryBus) Consume(ctx context.Context, topic string, h Handler) error {
	ch := b.topic(topic)
	attempts := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			err := h(ctx, msg)
			if err == nil {
				delete(attempts, msg.Key)
				continue
			}
			logger := b.logger.With("topic", topic, "key", msg.Key, "error", err)
			if IsPermanent(err) {
				logger.Error("dropping message after permanent failure")
				continue
			}
			attempts[msg.Key]++
			if attempts[msg.Key] > b.MaxRedeliveries {
				logger.Error("dropping message after exhausting redeliveries", "attempts", attempts[msg.Key])
				delete(attempts, msg.Key)
				continue
			}
			// The loop is the reader of ch, so a blocking send could deadlock
			select {
			case ch <- msg:
				logger.Warn("requeued message after transient failure", "attempt", attempts[msg.Key])
			default:
				logger.Error("dropping message, topic buffer full on requeue", "attempt", attempts[msg.Key])
				delete(attempts, msg.Key)
			}
		}
	}
}
