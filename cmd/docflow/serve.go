package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/api"
	"docflow/internal/config"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	a, err := newApp(ctx, cfg, sinks{})
	if err != nil {
		return err
	}
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	a.start(runCtx)

	if path := opts.manager.FilePath(); path != "" {
		watcher, err := config.NewWatcher(opts.manager, config.ApplyRuntime(&opts.level, a.governor))
		if err != nil {
			slog.Warn("Config hot reload disabled", "error", err)
		} else {
			go func() {
				if err := watcher.Run(runCtx); err != nil {
					slog.Warn("Config watcher stopped", "error", err)
				}
			}()
		}
	}

	routerCfg := api.RouterConfig{
		Jobs:          a.jobs,
		Cache:         a.cache,
		Memory:        a.governor,
		Metrics:       a.metrics,
		MetricsPath:   cfg.Server.MetricsPath,
		HealthChecker: a.checker,
		Dispatcher:    a.dispatcher,
		APIKey:        cfg.Server.APIKey,
		InputRoot:     cfg.Server.InputRoot,
	}
	if cfg.Server.MetricsAddr == "" {
		routerCfg.MetricsHandle = a.scrape
	}

	if cfg.Server.InputRoot == "" {
		slog.Info("Local file references disabled over HTTP - no server.input_root configured")
	}

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no server.api_key configured")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	servers := []*http.Server{apiServer}

	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET "+cfg.Server.MetricsPath, a.scrape)
		servers = append(servers, &http.Server{
			Addr:         cfg.Server.MetricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			slog.Info("Starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
			}
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("Server failed", "error", runErr)
	}

	// Phase 1: report not ready so load balancers stop routing here.
	a.checker.SetShuttingDown()
	if runErr == nil && cfg.Server.ShutdownDrain > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrain)
		time.Sleep(cfg.Server.ShutdownDrain)
	}

	// Phase 2: stop accepting connections and finish in-flight requests.
	slog.Info("Starting graceful shutdown")
	shutdownServers(cfg.Server.ShutdownTimeout)

	// Phase 3: cancel outstanding jobs, drain callbacks, release resources.
	stopRun()
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}

	slog.Info("Shutdown complete")
	return runErr
}
