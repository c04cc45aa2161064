package dbosruntime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
)

func TestConfig_WithDefaults(t *testing.T) {
	var cfg Config
	cfg.WithDefaults()
	assert.Equal(t, "dataset-processor", cfg.AppName)
	assert.Equal(t, []string{"dataset-tasks", "image-tasks"}, cfg.Topics)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, DefaultDeliveryPolicy(), cfg.Delivery)

	custom := Config{AppName: "worker", Topics: []string{"only"}, Concurrency: 9}
	custom.WithDefaults()
	assert.Equal(t, "worker", custom.AppName)
	assert.Equal(t, []string{"only"}, custom.Topics)
	assert.Equal(t, 9, custom.Concurrency)
}

func TestNewRuntime_RequiresDatabaseURL(t *testing.T) {
	_, err := NewRuntime(context.Background(), Config{AppName: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DBOS_SYSTEM_DATABASE_URL")
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "dataset-tasks-1234", WorkflowID("dataset-tasks", "1234"))
	assert.NotEqual(t, WorkflowID("dataset-tasks", "1234"), WorkflowID("image-tasks", "1234"))
}

func TestDeliveryPolicy_Defaults(t *testing.T) {
	p := DefaultDeliveryPolicy()
	assert.Positive(t, p.MaxRetries, "transient failures must be retried")
	assert.Greater(t, p.MaxInterval, p.BaseInterval)

	custom := DeliveryPolicy{MaxRetries: 2, BaseInterval: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, 2, custom.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, custom.BaseInterval)
	assert.Equal(t, time.Minute, custom.MaxInterval)
	assert.Equal(t, 2.0, custom.BackoffFactor)

	assert.Len(t, custom.stepOptions("handle-dataset-tasks"), 5)
}

func TestDeliveryResult(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	result, err := deliveryResult(nil, logger)
	require.NoError(t, err)
	assert.Equal(t, "delivered", result)

	result, err = deliveryResult(messaging.Permanent(errors.New("bad payload")), logger)
	require.NoError(t, err, "permanent failures are not retried")
	assert.Equal(t, "dropped", result)

	transient := errors.New("connection reset")
	_, err = deliveryResult(transient, logger)
	assert.ErrorIs(t, err, transient, "transient failures fail the step so DBOS retries it")
}
