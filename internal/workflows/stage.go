package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
	"github.com/SakethKoona/distributed-dataset-processor/internal/metrics"
	"github.com/SakethKoona/distributed-dataset-processor/internal/storage"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// StageWorkerConfig wires a StageWorker to its collaborators
type StageWorkerConfig struct {
	Objects   storage.ObjectStore
	Bucket    string
	Mappings  MappingStore
	Tasks     TaskStore
	Publisher messaging.Publisher
	// ItemTopic is where joined item tasks are published
	ItemTopic string

	// Deliveries is optional; when set, redeliveries are logged
	Deliveries DeliveryRecorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// Extensions is the case-sensitive item allow-list, without dots
	Extensions []string
	// Concurrency bounds in-flight item paths
	Concurrency int
	// PublishRootItems treats "no predecessor" as satisfied, so stage-0
	// items are published instead of withheld
	PublishRootItems bool
	// StageTimeout bounds one invocation; item paths still running are cancelled
	StageTimeout time.Duration
	Retry        RetryPolicy
}

// StageWorker processes one stage task per invocation: it fetches the
// dataset, extracts its items, and runs a bounded, failure-isolated path
// per item that stores the item, registers and resolves its mapping,
// persists its ItemTask, and publishes it once joined.
type StageWorker struct {
	cfg      StageWorkerConfig
	allow    map[string]struct{}
	resolver *DependencyResolver
	logger   *slog.Logger
}

// NewStageWorker creates a stage worker
func NewStageWorker(cfg StageWorkerConfig) (*StageWorker, error) {
	if cfg.Objects == nil || cfg.Mappings == nil || cfg.Tasks == nil || cfg.Publisher == nil {
		return nil, errors.New("stage worker requires object store, mapping store, task store, and publisher")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("stage worker requires a bucket")
	}
	if cfg.ItemTopic == "" {
		cfg.ItemTopic = pipeline.DefaultItemTopic
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &StageWorker{
		cfg:      cfg,
		allow:    allowList(cfg.Extensions),
		resolver: NewDependencyResolver(cfg.Mappings, cfg.Retry),
		logger:   cfg.Logger,
	}, nil
}

// Handle is the bus entry point for a stage task. Failures that a
// redelivery cannot fix mark the stage task Failure and are returned as
// permanent; other failures, including a dataset that is not uploaded yet,
// are returned as-is and leave the stage task Running for redelivery.
// Partially failed items are recorded on the stage task and acknowledged.
func (w *StageWorker) Handle(ctx context.Context, task pipeline.StageTask) error {
	_, err := w.Process(ctx, task)
	if err == nil {
		return nil
	}
	if !permanentStageError(err) {
		return err
	}

	if serr := w.cfg.Tasks.InsertStageTask(ctx, task, pipeline.StatusFailure); serr != nil {
		w.logger.Warn("failed to record stage task failure", "stage_task_id", task.TaskID, "error", serr)
	} else if _, serr := w.cfg.Tasks.RefreshBatchStatus(ctx, task.BatchID); serr != nil {
		w.logger.Warn("failed to refresh batch status", "batch_id", task.BatchID, "error", serr)
	}
	return messaging.Permanent(err)
}

func permanentStageError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnsupportedDataset) ||
		errors.Is(err, ErrInvalidArchive) ||
		errors.Is(err, ErrItemPanic)
}

// Process runs one invocation. A Failed invocation leaves the stage task
// Running so it can be redelivered; records committed by finished item
// paths are kept either way.
func (w *StageWorker) Process(ctx context.Context, task pipeline.StageTask) (StageOutcome, error) {
	start := time.Now()
	logger := w.logger.With("stage_task_id", task.TaskID, "batch_id", task.BatchID, "stage", task.Stage)
	outcome := StageOutcome{StageTaskID: task.TaskID}

	fail := func(err error) (StageOutcome, error) {
		outcome.State = StateFailed
		outcome.Err = err
		w.cfg.Metrics.StageFinished(string(StateFailed), time.Since(start))
		logger.Error("stage task failed", "error", err)
		return outcome, err
	}

	if err := task.Operation.Validate(); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	w.recordDelivery(ctx, task, logger)

	if err := w.cfg.Retry.Do(ctx, func() error {
		return w.cfg.Tasks.InsertStageTask(ctx, task, pipeline.StatusRunning)
	}); err != nil {
		return fail(fmt.Errorf("mark stage task running: %w", err))
	}

	// Item paths run under the stage deadline; final bookkeeping does not
	stageCtx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()

	// Fetching
	outcome.State = StateFetching
	kind := classifyDataset(task.DatasetKey, w.allow)
	if kind == datasetUnsupported {
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedDataset, task.DatasetKey))
	}
	var data []byte
	err := w.cfg.Retry.Do(stageCtx, func() error {
		var err error
		data, err = w.cfg.Objects.Get(stageCtx, w.cfg.Bucket, task.DatasetKey)
		return err
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrFetchFailed, task.DatasetKey, err))
	}

	// Extracting
	outcome.State = StateExtracting
	items, err := extractItems(kind, task.DatasetKey, data, w.allow)
	if err != nil {
		return fail(err)
	}
	logger.Info("extracted items", "count", len(items))

	// FanningOut
	outcome.State = StateFanningOut
	p := pool.NewWithResults[ItemOutcome]().WithMaxGoroutines(w.cfg.Concurrency)
	for _, it := range items {
		p.Go(func() ItemOutcome {
			var result ItemOutcome
			var pc panics.Catcher
			pc.Try(func() { result = w.processItem(stageCtx, task, it) })
			if r := pc.Recovered(); r != nil {
				result = ItemOutcome{Identity: it.identity, Err: fmt.Errorf("%w: %s: %v", ErrItemPanic, it.identity, r.Value)}
			}
			return result
		})
	}

	// Joining
	outcome.State = StateJoining
	outcome.Items = p.Wait()
	sort.Slice(outcome.Items, func(i, j int) bool { return outcome.Items[i].Identity < outcome.Items[j].Identity })

	var panicked error
	for _, it := range outcome.Items {
		if it.Err == nil {
			continue
		}
		w.cfg.Metrics.Item(metrics.ItemFailed)
		logger.Warn("item failed", "item", it.Identity, "error", it.Err)
		if panicked == nil && errors.Is(it.Err, ErrItemPanic) {
			panicked = it.Err
		}
	}
	if panicked != nil {
		return fail(panicked)
	}

	failed := len(outcome.Failed())
	status := pipeline.StatusSuccess
	if failed > 0 {
		status = pipeline.StatusFailure
	}
	if err := w.cfg.Retry.Do(ctx, func() error {
		return w.cfg.Tasks.InsertStageTask(ctx, task, status)
	}); err != nil {
		return fail(fmt.Errorf("mark stage task %s: %w", status, err))
	}
	if _, err := w.cfg.Tasks.RefreshBatchStatus(ctx, task.BatchID); err != nil {
		logger.Warn("failed to refresh batch status", "error", err)
	}

	outcome.State = StateDone
	w.cfg.Metrics.StageFinished(string(StateDone), time.Since(start))
	logger.Info("stage task done", "items", len(outcome.Items), "failed", failed, "status", status)
	return outcome, nil
}

func (w *StageWorker) recordDelivery(ctx context.Context, task pipeline.StageTask, logger *slog.Logger) {
	if w.cfg.Deliveries == nil {
		return
	}
	seen, err := w.cfg.Deliveries.Record(ctx, task.TaskID.String(), int(task.Stage))
	if err != nil {
		logger.Warn("failed to record delivery", "error", err)
		return
	}
	if seen > 1 {
		logger.Info("stage task redelivered", "seen_count", seen)
	}
}

// processItem is one item's path. Its failure is reported in the outcome
// and never affects sibling items.
func (w *StageWorker) processItem(ctx context.Context, task pipeline.StageTask, it item) ItemOutcome {
	out := ItemOutcome{Identity: it.identity}

	data, err := it.read()
	if err != nil {
		out.Err = err
		return out
	}

	key := ItemKey(task.BatchID, task.Stage, it.identity)
	if err := w.cfg.Retry.Do(ctx, func() error {
		return w.cfg.Objects.Put(ctx, w.cfg.Bucket, key, data)
	}); err != nil {
		out.Err = fmt.Errorf("upload %s: %w", key, err)
		return out
	}
	out.ItemKey = key

	itemTask := pipeline.ItemTask{
		ItemKey:                key,
		SourceStageTaskID:      task.TaskID,
		BatchID:                task.BatchID,
		PredecessorStageTaskID: task.DependsOn,
		Operation:              task.Operation,
	}

	itemTaskID, err := w.resolver.Register(ctx, task.TaskID, it.identity, uuid.New())
	if err != nil {
		out.Err = err
		return out
	}
	itemTask.ItemTaskID = &itemTaskID
	out.ItemTaskID = &itemTaskID

	resolution, dependsOn, err := w.resolver.Resolve(ctx, task.DependsOn, it.identity)
	if err != nil {
		out.Err = err
		return out
	}
	out.Resolution = resolution
	if resolution == Resolved {
		itemTask.DependsOn = &dependsOn
	}

	publish := itemTask.Joined() || (resolution == Skipped && w.cfg.PublishRootItems)
	status := pipeline.StatusWaiting
	if publish {
		status = pipeline.StatusReady
	}
	if err := w.cfg.Retry.Do(ctx, func() error {
		return w.cfg.Tasks.InsertItemTask(ctx, itemTask, status)
	}); err != nil {
		out.Err = fmt.Errorf("persist item task: %w", err)
		return out
	}

	if !publish {
		w.cfg.Metrics.Item(metrics.ItemWithheld)
		return out
	}

	if err := w.cfg.Retry.Do(ctx, func() error {
		return messaging.PublishJSON(ctx, w.cfg.Publisher, w.cfg.ItemTopic, itemTaskID.String(), itemTask)
	}); err != nil {
		out.Err = fmt.Errorf("publish item task: %w", err)
		if serr := w.cfg.Tasks.InsertItemTask(ctx, itemTask, pipeline.StatusFailure); serr != nil {
			w.logger.Warn("failed to record item publish failure", "item_task_id", itemTaskID, "error", serr)
		}
		return out
	}
	out.Published = true
	w.cfg.Metrics.Item(metrics.ItemPublished)
	return out
}
