package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// Submitter turns a job into a persisted, dispatched batch
type Submitter struct {
	tasks      TaskStore
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewSubmitter creates a submitter
func NewSubmitter(tasks TaskStore, dispatcher *Dispatcher, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{tasks: tasks, dispatcher: dispatcher, logger: logger}
}

// ValidateJob checks a job before anything is persisted
func ValidateJob(job pipeline.Job) error {
	if job.DatasetKey == "" {
		return fmt.Errorf("%w: dataset_key is required", ErrInvalidRequest)
	}
	if len(job.Operations) == 0 {
		return fmt.Errorf("%w: at least one operation is required", ErrInvalidRequest)
	}
	for i, op := range job.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("%w: operations[%d]: %v", ErrInvalidRequest, i, err)
		}
	}
	return nil
}

// Submit persists the batch, decomposes and dispatches it, and records every
// stage task: dispatched ones with their initial status, failed ones as
// Failure. ErrNothingDispatched is returned alongside the result when every
// publish failed.
func (s *Submitter) Submit(ctx context.Context, job pipeline.Job) (pipeline.DispatchResult, error) {
	if err := ValidateJob(job); err != nil {
		return pipeline.DispatchResult{}, err
	}

	batchID, tasks := pipeline.Decompose(job)
	logger := s.logger.With("batch_id", batchID, "dataset_key", job.DatasetKey)

	batch := pipeline.Batch{
		BatchID:    batchID,
		DatasetKey: job.DatasetKey,
		Operations: job.Operations,
		Status:     pipeline.StatusWaiting,
		CreatedAt:  time.Now(),
	}
	if err := s.tasks.InsertBatch(ctx, batch); err != nil {
		return pipeline.DispatchResult{}, fmt.Errorf("persist batch: %w", err)
	}

	// Stage records exist before any worker can receive the task
	for _, task := range tasks {
		if err := s.tasks.InsertStageTask(ctx, task, task.InitialStatus()); err != nil {
			return pipeline.DispatchResult{}, fmt.Errorf("persist stage task %d: %w", task.Stage, err)
		}
	}

	result := s.dispatcher.Dispatch(ctx, batchID, tasks)

	for _, task := range result.Failures {
		if err := s.tasks.InsertStageTask(ctx, task, pipeline.StatusFailure); err != nil {
			return result, fmt.Errorf("record failed stage task %d: %w", task.Stage, err)
		}
	}
	if len(result.Failures) > 0 {
		if _, err := s.tasks.RefreshBatchStatus(ctx, batchID); err != nil {
			logger.Warn("failed to refresh batch status", "error", err)
		}
	}

	if len(result.Successes) == 0 {
		return result, ErrNothingDispatched
	}
	logger.Info("batch submitted", "stages", len(tasks), "failed", len(result.Failures))
	return result, nil
}
