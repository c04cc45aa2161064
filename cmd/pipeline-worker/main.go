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
		Use:   "pipeline-worker",
		Short: "Pipeline stage worker",
		Long: `Consumes stage tasks from the stage topic. For each task it fetches the
dataset, extracts its items, stores them, joins them to the previous
stage's item tasks, and publishes joined item tasks to the item topic.

Run with a shared bus (PIPELINE_BUS_BACKEND=kafka or dbos), a shared
database (PIPELINE_STORE_DRIVER=postgres), and a shared object store.`,
		Mode:  "worker",
		Roles: app.Roles{Worker: true},
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
