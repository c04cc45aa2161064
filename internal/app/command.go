package app

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/SakethKoona/distributed-dataset-processor/internal/config"
)

// CommandOptions describes one pipeline binary
type CommandOptions struct {
	Use   string
	Short string
	Long  string
	Mode  string
	Roles Roles
	// Adjust overrides the loaded config; the result is validated again
	Adjust func(cfg *config.Config)
	// Banner runs once the app is built, before it starts serving
	Banner func(a *App)
}

// NewCommand builds the cobra root command for a pipeline binary
func NewCommand(opts CommandOptions) *cobra.Command {
	var (
		cfgFile  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          opts.Use,
		Short:        opts.Short,
		Long:         opts.Long,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if opts.Adjust != nil {
				opts.Adjust(cfg)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger.Info(opts.Short, "mode", opts.Mode)

			a, err := New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if opts.Banner != nil {
				opts.Banner(a)
			}

			err = a.Run(ctx, opts.Roles, opts.Mode)
			logger.Info("stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML); PIPELINE_* environment variables override it")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	return cmd
}
