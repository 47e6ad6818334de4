package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"docflow/internal/config"
)

// rootOptions carries state from the persistent pre-run into subcommands.
type rootOptions struct {
	configFile string
	manager    *config.Manager
	cfg        config.Config
	level      slog.LevelVar
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "docflow",
		Short: "Document extraction orchestrator",
		Long: `docflow schedules text extraction jobs on a bounded worker pool,
caches results in memory and on disk, and keeps memory use in check while
large batches are processed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts.manager = config.NewManager(opts.configFile, cmd.Flags())
			cfg, err := opts.manager.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			setupLogging(cmd.ErrOrStderr(), cfg.Log, &opts.level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file path (YAML)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// setupLogging installs the process logger. level stays live so that a
// config reload can change it.
func setupLogging(w io.Writer, cfg config.LogConfig, level *slog.LevelVar) {
	level.Set(cfg.SlogLevel())
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}
