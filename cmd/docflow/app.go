package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"docflow/internal/cache"
	"docflow/internal/config"
	"docflow/internal/dispatcher"
	"docflow/internal/export"
	"docflow/internal/extract"
	"docflow/internal/governor"
	"docflow/internal/health"
	"docflow/internal/job"
	"docflow/internal/observability"
	"docflow/internal/planner"
)

// eventSource is the CloudEvents source of job callbacks.
const eventSource = "docflow"

// app holds the wired components shared by serve and run.
type app struct {
	cfg        config.Config
	metrics    *observability.Metrics
	scrape     http.Handler
	cache      *cache.Store
	governor   *governor.Governor
	extractor  extract.Extractor
	checker    *health.Checker
	dispatcher *dispatcher.MemoryDispatcher
	jobs       *job.Orchestrator
	planner    *planner.Planner
	exporter   *export.Pandoc

	wg sync.WaitGroup
}

// sinks are extra observers attached to the orchestrator.
type sinks struct {
	progress   job.ProgressSink
	completion job.CompletionSink
}

func newApp(ctx context.Context, cfg config.Config, extra sinks) (*app, error) {
	metrics, scrape, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	extractor, readiness, err := newExtractor(cfg.Extract)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cache.Config{
		DisableMemory:  !cfg.Cache.MemoryEnabled,
		MemoryMaxItems: cfg.Cache.MemoryMaxItems,
		MemoryTTL:      cfg.Cache.MemoryTTL,
		DiskDir:        cfg.Cache.DiskDir,
		DiskTTL:        cfg.Cache.DiskTTL,
		DiskMaxBytes:   cfg.Cache.DiskMaxSize.Bytes(),
		DiskCompress:   cfg.Cache.DiskCompress,
		ReapInterval:   cfg.Cache.ReapInterval,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	gov := governor.New(governor.Config{
		CheckInterval:    cfg.Governor.CheckInterval,
		CleanupThreshold: cfg.Governor.CleanupThreshold,
		CompressFloor:    cfg.Governor.CompressFloor.Bytes(),
		MaxDimension:     cfg.Governor.MaxDimension,
		TargetDimension:  cfg.Governor.TargetDimension,
		Quality:          cfg.Governor.Quality,
		TempDir:          cfg.Governor.TempDir,
		TempLifetime:     cfg.Governor.TempLifetime,
		MemoryLimit:      cfg.Governor.MemoryLimit.Bytes(),
	}, store, metrics)

	// Zero means "no retries" in config but "default" to the dispatcher.
	maxRetries := cfg.Callbacks.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	d := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  cfg.Callbacks.BufferSize,
		Workers:     cfg.Callbacks.Workers,
		HTTPTimeout: cfg.Callbacks.Timeout,
		MaxRetries:  maxRetries,
	}, metrics)
	callbacks := dispatcher.NewCompletionSink(d, job.NewEventBuilder(eventSource), dispatcher.CallbackDefaults{
		URL:        cfg.Callbacks.URL,
		Events:     cfg.Callbacks.Events,
		SigningKey: cfg.Callbacks.SigningKey,
	})

	jobs, err := job.New(job.Config{
		Workers:     cfg.Orchestrator.Workers,
		QueueSize:   cfg.Orchestrator.QueueSize,
		CallTimeout: cfg.Orchestrator.CallTimeout,
		Extractor:   extractor,
		Cache:       store,
		Preparer:    gov,
		Progress:    extra.progress,
		Completion:  job.CompletionSinks(callbacks, extra.completion),
		Metrics:     metrics,
	})
	if err != nil {
		_ = d.Close(ctx)
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		metrics:    metrics,
		scrape:     scrape,
		cache:      store,
		governor:   gov,
		extractor:  extractor,
		checker:    health.NewChecker(health.Config{Extractor: readiness, Memory: gov, Callbacks: d}),
		dispatcher: d,
		jobs:       jobs,
		planner: planner.New(planner.Config{
			Amplification:    cfg.Planner.Amplification,
			Headroom:         cfg.Planner.Headroom,
			Workers:          cfg.Orchestrator.Workers,
			GroupCapMultiple: cfg.Planner.GroupCapMultiple,
			DefaultItemSize:  cfg.Planner.DefaultItemSize.Bytes(),
		}),
		exporter: export.NewPandoc(export.Config{
			Path:    cfg.Export.PandocPath,
			Timeout: cfg.Export.Timeout,
		}),
	}, nil
}

// start launches the cache reaper and the governor loop. Both stop when
// ctx is done.
func (a *app) start(ctx context.Context) {
	a.cache.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.governor.Run(ctx)
	}()
}

// close stops jobs first so their terminal callbacks still reach the
// dispatcher, then drains callbacks and releases cache and temp files.
// The context passed to start must be done before close is called.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
	}
	stats := a.dispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}
	a.wg.Wait()
	if err := a.governor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("governor close: %w", err))
	}
	return errors.Join(errs...)
}
