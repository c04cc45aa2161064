package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/SakethKoona/distributed-dataset-processor/internal/app"
	"github.com/SakethKoona/distributed-dataset-processor/internal/config"
)

// Standalone pipeline for quick testing
// Uses SQLite + filesystem storage (./dev-data) + an in-process bus
// No broker or database server needed
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := app.NewCommand(app.CommandOptions{
		Use:   "pipeline-standalone",
		Short: "Pipeline standalone (API + worker + item receiver)",
		Mode:  "standalone",
		Roles: app.Roles{API: true, Worker: true, Receiver: true},
		Adjust: func(cfg *config.Config) {
			if cfg.Store.Driver != "sqlite" {
				cfg.Store.Driver = "sqlite"
				cfg.Store.DSN = "./dev-data/pipeline.db"
			}
			cfg.Objects.Backend = config.ObjectsFilesystem
			cfg.Bus.Backend = config.BusMemory
		},
		Banner: func(a *app.App) {
			a.Logger.Info("Embedded mode (SQLite + filesystem storage + in-process bus)",
				"objects_dir", a.Config.Objects.Dir, "bucket", a.Config.Objects.Bucket)
			a.Logger.Info("Quick test: copy a zip to <objects_dir>/<bucket>/uploads/ds1/input.zip, then")
			a.Logger.Info(`  curl -X POST localhost` + a.Config.HTTPAddr + `/v1/batches -d '{"dataset_key":"uploads/ds1/input.zip","operations":["GrayScale","InvertColors"]}'`)
		},
	})
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
