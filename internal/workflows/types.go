package workflows

import (
	"context"

	"github.com/google/uuid"

	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// MappingStore joins an item's task at one stage to its task at the next
type MappingStore interface {
	// CreateMapping is insert-or-ignore and returns the item task id actually stored
	CreateMapping(ctx context.Context, stageTaskID uuid.UUID, itemIdentity string, itemTaskID uuid.UUID) (uuid.UUID, error)
	QueryMapping(ctx context.Context, stageTaskID uuid.UUID, itemIdentity string) (uuid.UUID, bool, error)
}

// TaskStore is the system of record for batches, stage tasks, and item tasks.
// Inserts are upserts by id.
type TaskStore interface {
	InsertBatch(ctx context.Context, batch pipeline.Batch) error
	InsertStageTask(ctx context.Context, task pipeline.StageTask, status pipeline.Status) error
	InsertItemTask(ctx context.Context, task pipeline.ItemTask, status pipeline.Status) error
	RefreshBatchStatus(ctx context.Context, batchID uuid.UUID) (pipeline.Status, error)
}

// DeliveryRecorder counts deliveries of a stage task
type DeliveryRecorder interface {
	Record(ctx context.Context, stageTaskID string, stage int) (int, error)
}

// StageState is a step of a stage worker invocation
type StageState string

// Stage states
const (
	StateFetching   StageState = "Fetching"
	StateExtracting StageState = "Extracting"
	StateFanningOut StageState = "FanningOut"
	StateJoining    StageState = "Joining"
	StateDone       StageState = "Done"
	StateFailed     StageState = "Failed"
)

// ItemOutcome is the result of one item path
type ItemOutcome struct {
	Identity   string
	ItemKey    string
	ItemTaskID *uuid.UUID
	Resolution Resolution
	Published  bool
	Err        error
}

// StageOutcome aggregates one stage worker invocation
type StageOutcome struct {
	StageTaskID uuid.UUID
	State       StageState
	Items       []ItemOutcome
	Err         error
}

// Succeeded returns the items whose path completed
func (o StageOutcome) Succeeded() []ItemOutcome {
	var out []ItemOutcome
	for _, item := range o.Items {
		if item.Err == nil {
			out = append(out, item)
		}
	}
	return out
}

// Failed returns the items whose path failed
func (o StageOutcome) Failed() []ItemOutcome {
	var out []ItemOutcome
	for _, item := range o.Items {
		if item.Err != nil {
			out = append(out, item)
		}
	}
	return out
}
