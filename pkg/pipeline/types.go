package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Job represents a request to process a dataset with an ordered list of operations
type Job struct {
	BatchID    *uuid.UUID  `json:"batch_id,omitempty"`
	DatasetKey string      `json:"dataset_key"`
	Operations []Operation `json:"operations"`
}

// Batch is the persisted record of a submitted Job
type Batch struct {
	BatchID     uuid.UUID   `json:"batch_id"`
	DatasetKey  string      `json:"dataset_key"`
	Operations  []Operation `json:"operations"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// StageTask applies one operation to a whole dataset. Stage N depends on stage N-1.
type StageTask struct {
	DatasetKey string     `json:"dataset_key"`
	TaskID     uuid.UUID  `json:"task_id"`
	BatchID    uuid.UUID  `json:"batch_id"`
	Operation  Operation  `json:"operation"`
	DependsOn  *uuid.UUID `json:"depends_on,omitempty"`
	Stage      uint32     `json:"stage"`
}

// ItemTask applies one operation to a single item extracted from a dataset
type ItemTask struct {
	ItemKey                string     `json:"item_key"`
	SourceStageTaskID      uuid.UUID  `json:"source_stage_task_id"`
	BatchID                uuid.UUID  `json:"batch_id"`
	ItemTaskID             *uuid.UUID `json:"item_task_id,omitempty"`
	DependsOn              *uuid.UUID `json:"depends_on,omitempty"`
	PredecessorStageTaskID *uuid.UUID `json:"predecessor_stage_task_id,omitempty"`
	Operation              Operation  `json:"operation"`
}

// Joined reports whether the item's predecessor task has been resolved
func (t ItemTask) Joined() bool {
	return t.DependsOn != nil
}

// DispatchResult partitions dispatched stage tasks by publish outcome
type DispatchResult struct {
	BatchID   uuid.UUID   `json:"batch_id"`
	Successes []StageTask `json:"successes"`
	Failures  []StageTask `json:"failures"`
}

// Status is the lifecycle state of a batch, stage task, or item task
type Status string

// Status constants
const (
	StatusWaiting Status = "Waiting"
	StatusReady   Status = "Ready"
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// Terminal reports whether no further transitions are expected
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Topic defaults shared by producers and consumers
const (
	DefaultStageTopic = "dataset-tasks"
	DefaultItemTopic  = "image-tasks"
)

// SubmitResponse is returned by the batch submission API
type SubmitResponse struct {
	BatchID       uuid.UUID   `json:"batch_id"`
	TaskIDs       []uuid.UUID `json:"task_ids"`
	FailedTaskIDs []uuid.UUID `json:"failed_task_ids"`
	Message       string      `json:"message"`
}
