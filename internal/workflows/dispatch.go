package workflows

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
	"github.com/SakethKoona/distributed-dataset-processor/internal/metrics"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// Dispatcher publishes stage tasks to the stage topic. Each task is
// published independently and failures are reported, not retried.
type Dispatcher struct {
	publisher messaging.Publisher
	topic     string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher publishing to topic
func NewDispatcher(publisher messaging.Publisher, topic string, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if topic == "" {
		topic = pipeline.DefaultStageTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{publisher: publisher, topic: topic, metrics: m, logger: logger}
}

// Dispatch publishes tasks in the order given and partitions them by
// outcome. Every task lands in exactly one of Successes or Failures.
func (d *Dispatcher) Dispatch(ctx context.Context, batchID uuid.UUID, tasks []pipeline.StageTask) pipeline.DispatchResult {
	result := pipeline.DispatchResult{
		BatchID:   batchID,
		Successes: make([]pipeline.StageTask, 0, len(tasks)),
		Failures:  []pipeline.StageTask{},
	}

	for _, task := range tasks {
		err := messaging.PublishJSON(ctx, d.publisher, d.topic, task.TaskID.String(), task)
		if err != nil {
			d.logger.Error("failed to publish stage task",
				"batch_id", batchID, "task_id", task.TaskID, "stage", task.Stage, "error", err)
			result.Failures = append(result.Failures, task)
			continue
		}
		result.Successes = append(result.Successes, task)
	}

	d.metrics.Dispatched(len(result.Successes), len(result.Failures))
	d.logger.Info("dispatched batch",
		"batch_id", batchID, "successes", len(result.Successes), "failures", len(result.Failures))
	return result
}
