package dbosruntime

import (
	"context"
	"errors"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// Runtime manages the DBOS runtime lifecycle
type Runtime struct {
	dbosContext dbos.DBOSContext
	queues      map[string]dbos.WorkflowQueue
	config      Config
}

// NewRuntime creates a new DBOS runtime instance with one queue per topic
// Returns error if the database URL is not set
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	// DBOS is always required
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}

	// Apply defaults
	cfg.WithDefaults()

	// Initialize DBOS context
	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, err
	}

	// Queues must exist before Launch
	queues := make(map[string]dbos.WorkflowQueue, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		queues[topic] = dbos.NewWorkflowQueue(dbosCtx, topic, dbos.WithWorkerConcurrency(cfg.Concurrency))
	}

	return &Runtime{
		dbosContext: dbosCtx,
		queues:      queues,
		config:      cfg,
	}, nil
}

// Launch starts the DBOS runtime and workers
func (r *Runtime) Launch() error {
	return dbos.Launch(r.dbosContext)
}

// Shutdown gracefully shuts down the DBOS runtime
func (r *Runtime) Shutdown(timeout time.Duration) {
	dbos.Shutdown(r.dbosContext, timeout)
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// HasQueue reports whether a queue was created for topic
func (r *Runtime) HasQueue(topic string) bool {
	_, ok := r.queues[topic]
	return ok
}

// Topics returns the configured topics
func (r *Runtime) Topics() []string {
	return r.config.Topics
}

// Concurrency returns the configured per-queue concurrency
func (r *Runtime) Concurrency() int {
	return r.config.Concurrency
}

// Delivery returns the handler retry policy
func (r *Runtime) Delivery() DeliveryPolicy {
	return r.config.Delivery
}
