package dbosruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
)

// Envelope is the durable workflow input carrying one bus message
type Envelope struct {
	Topic string `json:"topic"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Bus is a messaging bus on DBOS durable queues. Publishing enqueues a
// delivery workflow on the topic's queue; the workflow id is derived from
// topic and key, so republishing the same task does not deliver it twice.
type Bus struct {
	rt     *Runtime
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]messaging.Handler
}

// NewBus registers the delivery workflow. Call before Runtime.Launch.
func NewBus(rt *Runtime, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		rt:       rt,
		logger:   logger,
		handlers: make(map[string]messaging.Handler),
	}
	dbos.RegisterWorkflow(rt.Context(), b.deliver)
	return b
}

// WorkflowID is the durable workflow id used for a message
func WorkflowID(topic, key string) string {
	return topic + "-" + key
}

// Handle sets the handler for topic. Deliveries recovered at Launch need
// their handler in place, so register before launching.
func (b *Bus) Handle(topic string, h messaging.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
}

// Publish enqueues a delivery on topic's queue
func (b *Bus) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.rt.HasQueue(topic) {
		return fmt.Errorf("dbos: no queue for topic %q", topic)
	}

	env := Envelope{Topic: topic, Key: key, Value: value}
	_, err := dbos.RunWorkflow[Envelope, string](
		b.rt.Context(),
		b.deliver,
		env,
		dbos.WithWorkflowID(WorkflowID(topic, key)),
		dbos.WithQueue(topic),
	)
	if err != nil {
		return fmt.Errorf("dbos enqueue on %s: %w", topic, err)
	}
	return nil
}

// Consume handles topic until ctx is done. Deliveries run on DBOS queue
// workers, not on the calling goroutine.
func (b *Bus) Consume(ctx context.Context, topic string, h messaging.Handler) error {
	if !b.rt.HasQueue(topic) {
		return fmt.Errorf("dbos: no queue for topic %q", topic)
	}
	b.Handle(topic, h)
	<-ctx.Done()
	return nil
}

// deliver is the DBOS workflow run for every message. The handler runs as
// a durable step; transient failures are retried by DBOS with backoff, so a
// crash mid-retry resumes where it left off.
func (b *Bus) deliver(ctx dbos.DBOSContext, env Envelope) (string, error) {
	b.mu.RLock()
	h, ok := b.handlers[env.Topic]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("dbos: no handler for topic %q", env.Topic)
	}

	workflowID, err := ctx.GetWorkflowID()
	if err != nil {
		return "", err
	}
	logger := b.logger.With("topic", env.Topic, "key", env.Key, "workflow_id", workflowID)
	msg := messaging.Message{Topic: env.Topic, Key: env.Key, Value: env.Value}

	result, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (string, error) {
		return deliveryResult(h(stepCtx, msg), logger)
	}, b.rt.Delivery().stepOptions("handle-"+env.Topic)...)
	if err != nil {
		logger.Error("delivery failed after retries", "error", err)
		return "", err
	}
	return result, nil
}

// deliveryResult maps a handler error to a step result. Permanent failures
// end the step successfully so DBOS does not retry them.
func deliveryResult(err error, logger *slog.Logger) (string, error) {
	if err == nil {
		return "delivered", nil
	}
	if messaging.IsPermanent(err) {
		logger.Error("dropping message after permanent failure", "error", err)
		return "dropped", nil
	}
	logger.Warn("delivery failed, retrying", "error", err)
	return "", err
}
