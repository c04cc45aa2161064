package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	assert.Equal(t, q, Rebind(DriverSQLite, q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", Rebind(DriverPostgres, q))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestOpen_SchemaIsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.db")
	ctx := context.Background()

	first, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestMapping_CreateQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stage := uuid.New()
	item := uuid.New()

	_, ok, err := s.QueryMapping(ctx, stage, "a.png")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.CreateMapping(ctx, stage, "a.png", item)
	require.NoError(t, err)
	assert.Equal(t, item, got)

	found, ok, err := s.QueryMapping(ctx, stage, "a.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item, found)

	// Same filename under another stage task is a separate key
	_, ok, err = s.QueryMapping(ctx, uuid.New(), "a.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapping_CreateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stage := uuid.New()
	first := uuid.New()

	_, err := s.CreateMapping(ctx, stage, "a.png", first)
	require.NoError(t, err)

	got, err := s.CreateMapping(ctx, stage, "a.png", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, first, got, "stored id wins on conflict")

	found, ok, err := s.QueryMapping(ctx, stage, "a.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, found)
}

func TestBatch_InsertGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := s.GetBatch(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.InsertBatch(ctx, pipeline.Batch{
		BatchID:    id,
		DatasetKey: "uploads/ds1/input.zip",
		Operations: []pipeline.Operation{pipeline.Resize(0.5), pipeline.GrayScale()},
	}))

	batch, err := s.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "uploads/ds1/input.zip", batch.DatasetKey)
	assert.Equal(t, pipeline.StatusWaiting, batch.Status)
	assert.Equal(t, []pipeline.Operation{pipeline.Resize(0.5), pipeline.GrayScale()}, batch.Operations)
	assert.False(t, batch.CreatedAt.IsZero())
	assert.Nil(t, batch.CompletedAt)
}

func TestStageTask_InsertUpsertsStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, tasks := pipeline.Decompose(pipeline.Job{DatasetKey: "k.zip", Operations: []pipeline.Operation{pipeline.GrayScale()}})
	task := tasks[0]

	_, err := s.StageTaskStatus(ctx, task.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.InsertStageTask(ctx, task, pipeline.StatusReady))
	status, err := s.StageTaskStatus(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReady, status)

	require.NoError(t, s.InsertStageTask(ctx, task, pipeline.StatusSuccess))
	status, err = s.StageTaskStatus(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, status)
}

func TestItemTask_InsertGetUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	dep := uuid.New()
	pred := uuid.New()
	task := pipeline.ItemTask{
		ItemKey:                "batches/b/stages/1/a.png",
		SourceStageTaskID:      uuid.New(),
		BatchID:                uuid.New(),
		ItemTaskID:             &id,
		PredecessorStageTaskID: &pred,
		Operation:              pipeline.Noise(0.2),
	}

	require.NoError(t, s.InsertItemTask(ctx, task, pipeline.StatusWaiting))
	got, status, err := s.GetItemTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusWaiting, status)
	assert.Equal(t, task, got)

	// Upsert by id, now joined
	task.DependsOn = &dep
	require.NoError(t, s.InsertItemTask(ctx, task, pipeline.StatusReady))
	got, status, err = s.GetItemTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReady, status)
	require.NotNil(t, got.DependsOn)
	assert.Equal(t, dep, *got.DependsOn)

	require.NoError(t, s.UpdateItemTaskStatus(ctx, id, pipeline.StatusRunning))
	_, status, err = s.GetItemTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, status)

	assert.ErrorIs(t, s.UpdateItemTaskStatus(ctx, uuid.New(), pipeline.StatusRunning), ErrNotFound)
	_, _, err = s.GetItemTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemTask_UpsertKeepsProgressedStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	task := pipeline.ItemTask{
		ItemKey:           "batches/b/stages/1/a.png",
		SourceStageTaskID: uuid.New(),
		BatchID:           uuid.New(),
		ItemTaskID:        &id,
		Operation:         pipeline.GrayScale(),
	}

	// Publish failure, then a redelivered stage republishes
	require.NoError(t, s.InsertItemTask(ctx, task, pipeline.StatusFailure))
	require.NoError(t, s.InsertItemTask(ctx, task, pipeline.StatusReady))
	_, status, err := s.GetItemTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReady, status)

	for _, progressed := range []pipeline.Status{pipeline.StatusRunning, pipeline.StatusSuccess} {
		require.NoError(t, s.UpdateItemTaskStatus(ctx, id, progressed))
		require.NoError(t, s.InsertItemTask(ctx, task, pipeline.StatusReady))
		_, status, err = s.GetItemTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, progressed, status, "redelivery must not reset %s", progressed)
	}
}

func TestItemTask_RequiresID(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertItemTask(context.Background(), pipeline.ItemTask{ItemKey: "x"}, pipeline.StatusWaiting)
	assert.Error(t, err)
}

func TestRefreshBatchStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	job := pipeline.Job{
		DatasetKey: "uploads/ds1/input.zip",
		Operations: []pipeline.Operation{pipeline.Resize(2), pipeline.InvertColors()},
	}
	batchID, tasks := pipeline.Decompose(job)
	require.NoError(t, s.InsertBatch(ctx, pipeline.Batch{BatchID: batchID, DatasetKey: job.DatasetKey, Operations: job.Operations}))

	// No stage tasks yet: status is left alone
	status, err := s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusWaiting, status)

	for _, task := range tasks {
		require.NoError(t, s.InsertStageTask(ctx, task, task.InitialStatus()))
	}
	status, err = s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusWaiting, status)

	require.NoError(t, s.InsertStageTask(ctx, tasks[0], pipeline.StatusRunning))
	status, err = s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, status)

	require.NoError(t, s.InsertStageTask(ctx, tasks[0], pipeline.StatusSuccess))
	status, err = s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusRunning, status)

	require.NoError(t, s.InsertStageTask(ctx, tasks[1], pipeline.StatusFailure))
	status, err = s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailure, status)

	batch, err := s.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailure, batch.Status)
	assert.NotNil(t, batch.CompletedAt)
}

func TestRefreshBatchStatus_AllSucceeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	batchID, tasks := pipeline.Decompose(pipeline.Job{DatasetKey: "a.png", Operations: []pipeline.Operation{pipeline.GrayScale()}})
	require.NoError(t, s.InsertBatch(ctx, pipeline.Batch{BatchID: batchID, DatasetKey: "a.png"}))
	require.NoError(t, s.InsertStageTask(ctx, tasks[0], pipeline.StatusSuccess))

	status, err := s.RefreshBatchStatus(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSuccess, status)

	_, err = s.RefreshBatchStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
