// Package executors hands item tasks over to operation executors
package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
	"github.com/SakethKoona/distributed-dataset-processor/internal/store"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// ItemStatusWriter updates the recorded status of an item task
type ItemStatusWriter interface {
	UpdateItemTaskStatus(ctx context.Context, itemTaskID uuid.UUID, status pipeline.Status) error
}

// ItemReceiver consumes published item tasks and marks them Running.
// Applying the operation itself happens in the external executors.
type ItemReceiver struct {
	items  ItemStatusWriter
	logger *slog.Logger
}

// NewItemReceiver creates a new item receiver
func NewItemReceiver(items ItemStatusWriter, logger *slog.Logger) *ItemReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItemReceiver{items: items, logger: logger}
}

// Handle records receipt of one item task
func (r *ItemReceiver) Handle(ctx context.Context, task pipeline.ItemTask) error {
	if task.ItemTaskID == nil {
		return messaging.Permanent(errors.New("item task has no item_task_id"))
	}

	logger := r.logger.With("item_task_id", *task.ItemTaskID, "item_key", task.ItemKey)

	err := r.items.UpdateItemTaskStatus(ctx, *task.ItemTaskID, pipeline.StatusRunning)
	if errors.Is(err, store.ErrNotFound) {
		return messaging.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("mark item task running: %w", err)
	}

	logger.Info("item task received", "operation", task.Operation.String())
	return nil
}

// Run consumes topic until ctx is cancelled
func (r *ItemReceiver) Run(ctx context.Context, consumer messaging.Consumer, topic string) error {
	if topic == "" {
		topic = pipeline.DefaultItemTopic
	}
	r.logger.Info("item receiver started", "topic", topic)
	return consumer.Consume(ctx, topic, messaging.JSONHandler(r.Handle))
}
