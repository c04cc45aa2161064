package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/SakethKoona/distributed-dataset-processor/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := app.NewCommand(app.CommandOptions{
		Use:   "pipeline-api",
		Short: "Pipeline submission API",
		Long: `Accepts dataset jobs over HTTP, records the batch, and dispatches one
stage task per operation to the stage topic.

Endpoints:
  POST /v1/batches            - Submit a job
  GET  /v1/batches/{batchID}  - Batch status
  GET  /health                - Health check
  GET  /metrics               - Prometheus metrics`,
		Mode:  "api",
		Roles: app.Roles{API: true},
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
