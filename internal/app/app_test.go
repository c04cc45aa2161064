package app

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakethKoona/distributed-dataset-processor/internal/config"
	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

func standaloneConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		HTTPAddr: "127.0.0.1:0",
		Store:    config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(dir, "db", "pipeline.db")},
		Objects:  config.ObjectsConfig{Backend: config.ObjectsFilesystem, Bucket: "datasets", Dir: filepath.Join(dir, "objects")},
		Bus:      config.BusConfig{Backend: config.BusMemory, StageTopic: pipeline.DefaultStageTopic, ItemTopic: pipeline.DefaultItemTopic},
		Worker: config.WorkerConfig{
			Concurrency:   2,
			Extensions:    []string{"png", "jpg"},
			StageTimeout:  time.Minute,
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
			RetryMaxDelay: 10 * time.Millisecond,
		},
	}
}

func dataset(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNew_UnknownBackends(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := standaloneConfig(t)
	cfg.Bus.Backend = "nats"
	_, err := New(context.Background(), cfg, logger)
	assert.Error(t, err)

	cfg = standaloneConfig(t)
	cfg.Objects.Backend = "gcs"
	_, err = New(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestApp_Standalone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, standaloneConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.Objects.Put(ctx, "datasets", "uploads/ds1/input.zip", dataset(t, "a.png", "b.jpg", "notes.txt")))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, Roles{Worker: true, Receiver: true}, "test") }()

	srv := httptest.NewServer(a.Router("test"))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/batches", "application/json",
		strings.NewReader(`{"dataset_key":"uploads/ds1/input.zip","operations":[{"Resize":{"scaling_factor":0.5}},"InvertColors"]}`))
	require.NoError(t, err)
	var submitted pipeline.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, submitted.TaskIDs, 2)

	require.Eventually(t, func() bool {
		batch, err := a.Store.GetBatch(ctx, submitted.BatchID)
		return err == nil && batch.Status == pipeline.StatusSuccess
	}, 10*time.Second, 20*time.Millisecond)

	// Stage-1 items are joined, published, and picked up by the receiver
	for _, identity := range []string{"a.png", "b.jpg"} {
		itemTaskID, ok, err := a.Store.QueryMapping(ctx, submitted.TaskIDs[1], identity)
		require.NoError(t, err)
		require.True(t, ok, identity)
		require.Eventually(t, func() bool {
			_, status, err := a.Store.GetItemTask(ctx, itemTaskID)
			return err == nil && status == pipeline.StatusRunning
		}, 10*time.Second, 20*time.Millisecond, identity)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `pipeline_item_tasks_total{outcome="published"} 2`)
	assert.Contains(t, string(body), `pipeline_stage_tasks_dispatched_total{outcome="success"} 2`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
