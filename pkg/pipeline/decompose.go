package pipeline

import "github.com/google/uuid"

// Decompose expands a job into its stage-task chain. The batch id is the
// job's if present, otherwise freshly generated. Stage 0 has no dependency
// and stage k depends on stage k-1. A job without operations yields an
// empty chain.
func Decompose(job Job) (uuid.UUID, []StageTask) {
	return DecomposeWith(job, uuid.New)
}

// DecomposeWith is Decompose with a caller-supplied id generator
func DecomposeWith(job Job, newID func() uuid.UUID) (uuid.UUID, []StageTask) {
	var batchID uuid.UUID
	if job.BatchID != nil {
		batchID = *job.BatchID
	} else {
		batchID = newID()
	}

	tasks := make([]StageTask, 0, len(job.Operations))
	var prev *uuid.UUID
	for i, op := range job.Operations {
		taskID := newID()
		tasks = append(tasks, StageTask{
			DatasetKey: job.DatasetKey,
			TaskID:     taskID,
			BatchID:    batchID,
			Operation:  op,
			DependsOn:  prev,
			Stage:      uint32(i),
		})
		id := taskID
		prev = &id
	}

	return batchID, tasks
}

// InitialStatus is the status a freshly dispatched stage task is recorded with
func (t StageTask) InitialStatus() Status {
	if t.DependsOn == nil {
		return StatusReady
	}
	return StatusWaiting
}
