package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() uuid.UUID {
	var n byte
	return func() uuid.UUID {
		n++
		var id uuid.UUID
		id[15] = n
		return id
	}
}

func TestDecompose_BuildsLinkedChain(t *testing.T) {
	for n := 0; n <= 5; n++ {
		ops := make([]Operation, n)
		for i := range ops {
			ops[i] = Resize(float32(i + 1))
		}

		batchID, tasks := Decompose(Job{DatasetKey: "uploads/ds1/input.zip", Operations: ops})

		require.Len(t, tasks, n)
		assert.NotEqual(t, uuid.Nil, batchID)
		seen := map[uuid.UUID]bool{}
		for i, task := range tasks {
			assert.Equal(t, uint32(i), task.Stage)
			assert.Equal(t, batchID, task.BatchID)
			assert.Equal(t, "uploads/ds1/input.zip", task.DatasetKey)
			assert.Equal(t, ops[i], task.Operation)
			assert.False(t, seen[task.TaskID], "task ids must be unique")
			seen[task.TaskID] = true

			if i == 0 {
				assert.Nil(t, task.DependsOn)
				assert.Equal(t, StatusReady, task.InitialStatus())
			} else {
				require.NotNil(t, task.DependsOn)
				assert.Equal(t, tasks[i-1].TaskID, *task.DependsOn)
				assert.Equal(t, StatusWaiting, task.InitialStatus())
			}
		}
	}
}

func TestDecompose_KeepsSuppliedBatchID(t *testing.T) {
	given := uuid.New()
	batchID, tasks := Decompose(Job{BatchID: &given, DatasetKey: "k.zip", Operations: []Operation{GrayScale()}})

	assert.Equal(t, given, batchID)
	require.Len(t, tasks, 1)
	assert.Equal(t, given, tasks[0].BatchID)
}

func TestDecomposeWith_Deterministic(t *testing.T) {
	job := Job{DatasetKey: "k.zip", Operations: []Operation{Resize(0.5), GrayScale()}}

	b1, t1 := DecomposeWith(job, sequentialIDs())
	b2, t2 := DecomposeWith(job, sequentialIDs())

	assert.Equal(t, b1, b2)
	assert.Equal(t, t1, t2)
}

func TestStageTask_WireForm(t *testing.T) {
	_, tasks := DecomposeWith(Job{DatasetKey: "uploads/ds1/input.zip", Operations: []Operation{Resize(0.5), GrayScale()}}, sequentialIDs())

	root, err := json.Marshal(tasks[0])
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(root, &fields))
	assert.NotContains(t, fields, "depends_on")
	assert.Contains(t, fields, "stage")

	child, err := json.Marshal(tasks[1])
	require.NoError(t, err)
	var decoded StageTask
	require.NoError(t, json.Unmarshal(child, &decoded))
	assert.Equal(t, tasks[1], decoded)
}

func TestJob_DecodeWithoutBatchID(t *testing.T) {
	var job Job
	require.NoError(t, json.Unmarshal([]byte(`{"dataset_key":"uploads/ds1/input.zip","operations":[{"Resize":{"scaling_factor":2}},"GrayScale"]}`), &job))

	assert.Nil(t, job.BatchID)
	assert.Equal(t, []Operation{Resize(2), GrayScale()}, job.Operations)
}
