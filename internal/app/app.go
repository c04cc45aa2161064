// Package app builds the pipeline's components from configuration and runs
// the API, stage worker, and item receiver roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc/pool"

	"github.com/SakethKoona/distributed-dataset-processor/internal/config"
	"github.com/SakethKoona/distributed-dataset-processor/internal/dbosruntime"
	"github.com/SakethKoona/distributed-dataset-processor/internal/dedupe"
	"github.com/SakethKoona/distributed-dataset-processor/internal/executors"
	"github.com/SakethKoona/distributed-dataset-processor/internal/handlers"
	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging"
	"github.com/SakethKoona/distributed-dataset-processor/internal/messaging/kafka"
	"github.com/SakethKoona/distributed-dataset-processor/internal/metrics"
	"github.com/SakethKoona/distributed-dataset-processor/internal/storage"
	"github.com/SakethKoona/distributed-dataset-processor/internal/store"
	"github.com/SakethKoona/distributed-dataset-processor/internal/workflows"
)

const shutdownTimeout = 10 * time.Second

// Roles selects what a process runs
type Roles struct {
	API      bool
	Worker   bool
	Receiver bool
}

// App holds the wired components of one process
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Objects   storage.ObjectStore
	Bus       messaging.Bus
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Tracker   *dedupe.Tracker
	Worker    *workflows.StageWorker
	Submitter *workflows.Submitter
	Receiver  *executors.ItemReceiver

	dbos     *dbosruntime.Runtime
	dbosBus  *dbosruntime.Bus
	launched bool
	closers  []func() error
}

// New opens the store, object store, and bus named by cfg and builds the
// pipeline components on top of them
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openObjects(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBus(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	tracker, err := dedupe.NewTracker(ctx, a.Store.DB(), a.Store.Driver(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init dedupe tracker: %w", err)
	}
	a.Tracker = tracker

	worker, err := workflows.NewStageWorker(workflows.StageWorkerConfig{
		Objects:          a.Objects,
		Bucket:           cfg.Objects.Bucket,
		Mappings:         a.Store,
		Tasks:            a.Store,
		Publisher:        a.Bus,
		ItemTopic:        cfg.Bus.ItemTopic,
		Deliveries:       a.Tracker,
		Metrics:          a.Metrics,
		Logger:           logger.With("component", "stage-worker"),
		Extensions:       cfg.Worker.Extensions,
		Concurrency:      cfg.Worker.Concurrency,
		PublishRootItems: cfg.Worker.PublishRootItems,
		StageTimeout:     cfg.Worker.StageTimeout,
		Retry: workflows.RetryPolicy{
			Attempts: cfg.Worker.RetryAttempts,
			Delay:    cfg.Worker.RetryDelay,
			MaxDelay: cfg.Worker.RetryMaxDelay,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Worker = worker

	dispatcher := workflows.NewDispatcher(a.Bus, cfg.Bus.StageTopic, a.Metrics, logger.With("component", "dispatcher"))
	a.Submitter = workflows.NewSubmitter(a.Store, dispatcher, logger.With("component", "submitter"))
	a.Receiver = executors.NewItemReceiver(a.Store, logger.With("component", "item-receiver"))

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config.Store
	if cfg.Driver == store.DriverSQLite {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create store directory: %w", err)
			}
		}
	}
	s, err := store.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = s
	a.closers = append(a.closers, s.Close)
	a.Logger.Info("✓ store opened", "driver", cfg.Driver)
	return nil
}

func (a *App) openObjects(ctx context.Context) error {
	cfg := a.Config.Objects
	switch cfg.Backend {
	case config.ObjectsFilesystem:
		fs, err := storage.NewFilesystemStorage(cfg.Dir)
		if err != nil {
			return fmt.Errorf("init filesystem storage: %w", err)
		}
		a.Objects = fs
	case config.ObjectsS3:
		s3, err := storage.NewS3Storage(ctx, storage.S3Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		a.Objects = s3
	case config.ObjectsHTTP:
		a.Objects = storage.NewHTTPStorage(cfg.BaseURL)
	default:
		return fmt.Errorf("unknown objects backend %q", cfg.Backend)
	}
	a.Logger.Info("✓ object store initialized", "backend", cfg.Backend, "bucket", cfg.Bucket)
	return nil
}

func (a *App) openBus(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Bus.Backend {
	case config.BusMemory:
		a.Bus = messaging.NewMemoryBus(0, a.Logger.With("component", "bus"))
	case config.BusKafka:
		bus, err := kafka.New(kafka.Config{
			Brokers: cfg.Bus.Brokers,
			GroupID: cfg.Bus.GroupID,
			Logger:  a.Logger.With("component", "bus"),
		})
		if err != nil {
			return err
		}
		a.Bus = bus
		a.closers = append(a.closers, bus.Close)
	case config.BusDBOS:
		rt, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
			DatabaseURL:        cfg.DBOS.DatabaseURL,
			AppName:            cfg.DBOS.AppName,
			Topics:             []string{cfg.Bus.StageTopic, cfg.Bus.ItemTopic},
			Concurrency:        cfg.Worker.Concurrency,
			ApplicationVersion: cfg.DBOS.ApplicationVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize DBOS: %w", err)
		}
		a.dbos = rt
		a.dbosBus = dbosruntime.NewBus(rt, a.Logger.With("component", "bus"))
		a.Bus = a.dbosBus
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	a.Logger.Info("✓ message bus initialized", "backend", cfg.Bus.Backend,
		"stage_topic", cfg.Bus.StageTopic, "item_topic", cfg.Bus.ItemTopic)
	return nil
}

// Router returns the HTTP API
func (a *App) Router(mode string) http.Handler {
	h := handlers.NewAsyncHandler(a.Submitter, a.Store, a.Logger.With("component", "api"))
	return handlers.NewRouter(h, a.Registry, mode)
}

// Run starts the selected roles and blocks until ctx is cancelled or one of
// them fails
func (a *App) Run(ctx context.Context, roles Roles, mode string) error {
	stageHandler := messaging.JSONHandler(a.Worker.Handle)
	itemHandler := messaging.JSONHandler(a.Receiver.Handle)

	// DBOS recovers pending deliveries at launch, so handlers go in first
	if a.dbos != nil {
		if roles.Worker {
			a.dbosBus.Handle(a.Config.Bus.StageTopic, stageHandler)
		}
		if roles.Receiver {
			a.dbosBus.Handle(a.Config.Bus.ItemTopic, itemHandler)
		}
		if err := a.dbos.Launch(); err != nil {
			return fmt.Errorf("failed to launch DBOS: %w", err)
		}
		a.launched = true
		a.Logger.Info("✓ DBOS runtime launched", "concurrency", a.dbos.Concurrency(), "topics", a.dbos.Topics())
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()

	if roles.Worker {
		p.Go(func(ctx context.Context) error {
			a.Logger.Info("✓ stage worker consuming", "topic", a.Config.Bus.StageTopic)
			return a.Bus.Consume(ctx, a.Config.Bus.StageTopic, stageHandler)
		})
	}
	if roles.Receiver {
		p.Go(func(ctx context.Context) error {
			return a.Receiver.Run(ctx, a.Bus, a.Config.Bus.ItemTopic)
		})
	}
	if roles.API {
		p.Go(func(ctx context.Context) error {
			return a.serveHTTP(ctx, mode)
		})
	}

	return p.Wait()
}

func (a *App) serveHTTP(ctx context.Context, mode string) error {
	server := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Router(mode),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("✓ API ready", "addr", a.Config.HTTPAddr, "mode", mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return <-errCh
}

// Close releases everything New opened
func (a *App) Close() {
	if a.launched {
		a.dbos.Shutdown(shutdownTimeout)
		a.launched = false
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
