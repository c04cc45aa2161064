package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// InsertBatch upserts a batch record
func (s *Store) InsertBatch(ctx context.Context, batch pipeline.Batch) error {
	ops, err := json.Marshal(batch.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}

	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := batch.Status
	if status == "" {
		status = pipeline.StatusWaiting
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO batches (batch_id, dataset_key, operations, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (batch_id) DO UPDATE
		SET dataset_key = excluded.dataset_key,
		    operations = excluded.operations,
		    status = excluded.status
	`), batch.BatchID.String(), batch.DatasetKey, string(ops), string(status), timestamp(createdAt))
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch loads a batch record
func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (*pipeline.Batch, error) {
	var (
		datasetKey, ops, status, createdAt string
		completedAt                        sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT dataset_key, operations, status, created_at, completed_at
		FROM batches WHERE batch_id = ?
	`), batchID.String()).Scan(&datasetKey, &ops, &status, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	batch := &pipeline.Batch{
		BatchID:    batchID,
		DatasetKey: datasetKey,
		Status:     pipeline.Status(status),
	}
	if err := json.Unmarshal([]byte(ops), &batch.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	if batch.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTimestamp(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode completed_at: %w", err)
		}
		batch.CompletedAt = &t
	}
	return batch, nil
}

// InsertStageTask upserts a stage task with the given status.
// Terminal statuses stamp completed_at.
func (s *Store) InsertStageTask(ctx context.Context, task pipeline.StageTask, status pipeline.Status) error {
	op, err := json.Marshal(task.Operation)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	now := time.Now()
	var completedAt any
	if status.Terminal() {
		completedAt = timestamp(now)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stage_tasks (task_id, batch_id, dataset_key, operation, stage, depends_on, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE
		SET status = excluded.status,
		    completed_at = excluded.completed_at
	`), task.TaskID.String(), task.BatchID.String(), task.DatasetKey, string(op), int64(task.Stage),
		nullableUUID(task.DependsOn), string(status), timestamp(now), completedAt)
	if err != nil {
		return fmt.Errorf("insert stage task: %w", err)
	}
	return nil
}

// StageTaskStatus returns the stored status of a stage task
func (s *Store) StageTaskStatus(ctx context.Context, taskID uuid.UUID) (pipeline.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM stage_tasks WHERE task_id = ?`), taskID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: stage task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("get stage task status: %w", err)
	}
	return pipeline.Status(status), nil
}

// InsertItemTask upserts an item task keyed by its item task id. An item
// already picked up by an executor (Running or Success) keeps its status.
// Failure is overwritten, so an item whose publish failed is reset when a
// redelivered stage task republishes it.
func (s *Store) InsertItemTask(ctx context.Context, task pipeline.ItemTask, status pipeline.Status) error {
	if task.ItemTaskID == nil {
		return errors.New("insert item task: item_task_id is required")
	}

	op, err := json.Marshal(task.Operation)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	now := timestamp(time.Now())
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO item_tasks (item_task_id, item_key, source_stage_task_id, batch_id, depends_on,
			predecessor_stage_task_id, operation, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_task_id) DO UPDATE
		SET item_key = excluded.item_key,
		    depends_on = excluded.depends_on,
		    status = CASE WHEN item_tasks.status IN ('Running', 'Success')
		                  THEN item_tasks.status ELSE excluded.status END,
		    updated_at = excluded.updated_at
	`), task.ItemTaskID.String(), task.ItemKey, task.SourceStageTaskID.String(), task.BatchID.String(),
		nullableUUID(task.DependsOn), nullableUUID(task.PredecessorStageTaskID), string(op), string(status), now, now)
	if err != nil {
		return fmt.Errorf("insert item task: %w", err)
	}
	return nil
}

// UpdateItemTaskStatus sets the status of an existing item task
func (s *Store) UpdateItemTaskStatus(ctx context.Context, itemTaskID uuid.UUID, status pipeline.Status) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE item_tasks SET status = ?, updated_at = ? WHERE item_task_id = ?
	`), string(status), timestamp(time.Now()), itemTaskID.String())
	if err != nil {
		return fmt.Errorf("update item task status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: item task %s", ErrNotFound, itemTaskID)
	}
	return nil
}

// GetItemTask loads an item task and its status
func (s *Store) GetItemTask(ctx context.Context, itemTaskID uuid.UUID) (pipeline.ItemTask, pipeline.Status, error) {
	var (
		itemKey, source, batch, op, status string
		dependsOn, predecessor             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT item_key, source_stage_task_id, batch_id, depends_on, predecessor_stage_task_id, operation, status
		FROM item_tasks WHERE item_task_id = ?
	`), itemTaskID.String()).Scan(&itemKey, &source, &batch, &dependsOn, &predecessor, &op, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.ItemTask{}, "", fmt.Errorf("%w: item task %s", ErrNotFound, itemTaskID)
	}
	if err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("get item task: %w", err)
	}

	id := itemTaskID
	task := pipeline.ItemTask{ItemKey: itemKey, ItemTaskID: &id}
	if task.SourceStageTaskID, err = uuid.Parse(source); err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("decode source_stage_task_id: %w", err)
	}
	if task.BatchID, err = uuid.Parse(batch); err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("decode batch_id: %w", err)
	}
	if task.DependsOn, err = scanUUID(dependsOn); err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("decode depends_on: %w", err)
	}
	if task.PredecessorStageTaskID, err = scanUUID(predecessor); err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("decode predecessor_stage_task_id: %w", err)
	}
	if err := json.Unmarshal([]byte(op), &task.Operation); err != nil {
		return pipeline.ItemTask{}, "", fmt.Errorf("decode operation: %w", err)
	}
	return task, pipeline.Status(status), nil
}

// RefreshBatchStatus recomputes a batch's status from its stage tasks.
// All stage tasks terminal yields Success, or Failure if any failed, and
// stamps completed_at. Otherwise the batch is Running once any stage has
// started, else Waiting.
func (s *Store) RefreshBatchStatus(ctx context.Context, batchID uuid.UUID) (pipeline.Status, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT status, COUNT(*) FROM stage_tasks WHERE batch_id = ? GROUP BY status
	`), batchID.String())
	if err != nil {
		return "", fmt.Errorf("count stage tasks: %w", err)
	}

	counts := map[pipeline.Status]int{}
	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan stage task counts: %w", err)
		}
		counts[pipeline.Status(status)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", fmt.Errorf("count stage tasks: %w", err)
	}
	rows.Close()

	if total == 0 {
		batch, err := s.GetBatch(ctx, batchID)
		if err != nil {
			return "", err
		}
		return batch.Status, nil
	}

	terminal := counts[pipeline.StatusSuccess] + counts[pipeline.StatusFailure]
	var status pipeline.Status
	switch {
	case terminal == total && counts[pipeline.StatusFailure] > 0:
		status = pipeline.StatusFailure
	case terminal == total:
		status = pipeline.StatusSuccess
	case terminal > 0 || counts[pipeline.StatusRunning] > 0:
		status = pipeline.StatusRunning
	default:
		status = pipeline.StatusWaiting
	}

	var completedAt any
	if status.Terminal() {
		completedAt = timestamp(time.Now())
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?
	`), string(status), completedAt, batchID.String())
	if err != nil {
		return "", fmt.Errorf("update batch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	return status, nil
}
