package workflows

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SakethKoona/distributed-dataset-processor/internal/storage"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

const testBucket = "datasets"

// zipArchive builds an archive; names ending in "/" become directories
func zipArchive(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if !strings.HasSuffix(name, "/") {
			_, err = w.Write([]byte("content of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	// putFailures fails a put whose key has the given suffix n times; -1 fails forever
	putFailures map[string]int
	putHook     func(ctx context.Context, key string) error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, putFailures: map[string]int{}}
}

func (m *memObjects) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrObjectNotFound, bucket, key)
	}
	return data, nil
}

func (m *memObjects) Put(ctx context.Context, bucket, key string, data []byte) error {
	if m.putHook != nil {
		if err := m.putHook(ctx, key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for suffix, n := range m.putFailures {
		if strings.HasSuffix(key, suffix) && n != 0 {
			if n > 0 {
				m.putFailures[suffix] = n - 1
			}
			return errors.New("object store unavailable")
		}
	}
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[testBucket+"/"+key]
	return ok
}

type mappingKey struct {
	stage    uuid.UUID
	identity string
}

type memMappings struct {
	mu       sync.Mutex
	mappings map[mappingKey]uuid.UUID
	// panicOn panics when creating a mapping for this identity
	panicOn  string
	queryErr error
}

func newMemMappings() *memMappings {
	return &memMappings{mappings: map[mappingKey]uuid.UUID{}}
}

func (m *memMappings) CreateMapping(ctx context.Context, stageTaskID uuid.UUID, identity string, itemTaskID uuid.UUID) (uuid.UUID, error) {
	if m.panicOn != "" && identity == m.panicOn {
		panic("mapping store exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey{stageTaskID, identity}
	if existing, ok := m.mappings[k]; ok {
		return existing, nil
	}
	m.mappings[k] = itemTaskID
	return itemTaskID, nil
}

func (m *memMappings) QueryMapping(ctx context.Context, stageTaskID uuid.UUID, identity string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return uuid.Nil, false, m.queryErr
	}
	id, ok := m.mappings[mappingKey{stageTaskID, identity}]
	return id, ok, nil
}

func (m *memMappings) get(stage uuid.UUID, identity string) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.mappings[mappingKey{stage, identity}]
	return id, ok
}

type storedItem struct {
	task   pipeline.ItemTask
	status pipeline.Status
}

type memTasks struct {
	mu      sync.Mutex
	batches map[uuid.UUID]pipeline.Batch
	stages  map[uuid.UUID]pipeline.Status
	history map[uuid.UUID][]pipeline.Status
	items   map[uuid.UUID]storedItem
	// failItems fails item inserts for keys with this suffix
	failItems string
}

func newMemTasks() *memTasks {
	return &memTasks{
		batches: map[uuid.UUID]pipeline.Batch{},
		stages:  map[uuid.UUID]pipeline.Status{},
		history: map[uuid.UUID][]pipeline.Status{},
		items:   map[uuid.UUID]storedItem{},
	}
}

func (m *memTasks) InsertBatch(ctx context.Context, batch pipeline.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.BatchID] = batch
	return nil
}

func (m *memTasks) InsertStageTask(ctx context.Context, task pipeline.StageTask, status pipeline.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[task.TaskID] = status
	m.history[task.TaskID] = append(m.history[task.TaskID], status)
	return nil
}

func (m *memTasks) InsertItemTask(ctx context.Context, task pipeline.ItemTask, status pipeline.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failItems != "" && strings.HasSuffix(task.ItemKey, m.failItems) {
		return errors.New("task store unavailable")
	}
	m.items[*task.ItemTaskID] = storedItem{task: task, status: status}
	return nil
}

func (m *memTasks) RefreshBatchStatus(ctx context.Context, batchID uuid.UUID) (pipeline.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return "", errors.New("unknown batch")
	}
	return batch.Status, nil
}

func (m *memTasks) stageStatus(id uuid.UUID) pipeline.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stages[id]
}

func (m *memTasks) item(id uuid.UUID) (storedItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return it, ok
}

type published struct {
	topic string
	key   string
	value []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
	failKeys map[string]bool
	failAll  error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll != nil {
		return p.failAll
	}
	if p.failKeys[key] {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, published{topic: topic, key: key, value: value})
	return nil
}

func (p *recordingPublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

type countingDeliveries struct {
	mu   sync.Mutex
	seen map[string]int
}

func (d *countingDeliveries) Record(ctx context.Context, stageTaskID string, stage int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]int{}
	}
	d.seen[stageTaskID]++
	return d.seen[stageTaskID], nil
}
