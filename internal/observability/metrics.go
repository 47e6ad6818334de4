package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (running jobs, memory, queues)
//
// It satisfies the MetricsRecorder interfaces of the job, cache, governor,
// pipeline and dispatcher packages.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Cache metrics
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheEvictions   metric.Int64Counter
	CacheExpirations metric.Int64Counter

	// Governor metrics (Saturation)
	MemoryUsage        metric.Float64Gauge
	ProcessMemory      metric.Int64Gauge
	GovernorCleanups   metric.Int64Counter
	GovernorTempReaped metric.Int64Counter

	// Planner metrics
	PlanGroups metric.Int64Histogram

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics on a Prometheus exporter backed by a
// private registry, together with the handler that serves it. Go runtime
// and process collectors are registered alongside.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("docflow"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	for _, register := range []func() error{
		m.registerHTTP,
		m.registerJobs,
		m.registerCache,
		m.registerGovernor,
		m.registerDispatcher,
	} {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) registerHTTP() error {
	var err error
	m.HTTPRequestDuration, err = m.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	m.HTTPRequestsTotal, err = m.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return err
	}

	m.HTTPErrorsTotal, err = m.meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	return err
}

func (m *Metrics) registerJobs() error {
	var err error
	m.JobDuration, err = m.meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job duration from start (or submission, if never started) to terminal status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	m.JobsTotal, err = m.meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs admitted"),
	)
	if err != nil {
		return err
	}

	m.JobErrorsTotal, err = m.meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return err
	}

	m.JobsActive, err = m.meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	return err
}

func (m *Metrics) registerCache() error {
	var err error
	m.CacheHits, err = m.meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Cache lookups answered, by tier"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Cache lookups that found no live entry"),
	)
	if err != nil {
		return err
	}

	m.CacheEvictions, err = m.meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Entries evicted to respect capacity, by tier"),
	)
	if err != nil {
		return err
	}

	m.CacheExpirations, err = m.meter.Int64Counter(
		"cache_expirations_total",
		metric.WithDescription("Entries removed after their TTL, by tier"),
	)
	return err
}

func (m *Metrics) registerGovernor() error {
	var err error
	m.MemoryUsage, err = m.meter.Float64Gauge(
		"memory_usage_ratio",
		metric.WithDescription("System memory in use as a fraction of total (saturation)"),
	)
	if err != nil {
		return err
	}

	m.ProcessMemory, err = m.meter.Int64Gauge(
		"process_memory_bytes",
		metric.WithDescription("Resident memory of this process"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	m.GovernorCleanups, err = m.meter.Int64Counter(
		"governor_cleanups_total",
		metric.WithDescription("Cleanup passes triggered by memory pressure"),
	)
	if err != nil {
		return err
	}

	m.GovernorTempReaped, err = m.meter.Int64Counter(
		"governor_temp_reaped_total",
		metric.WithDescription("Compressed temp files removed"),
	)
	if err != nil {
		return err
	}

	m.PlanGroups, err = m.meter.Int64Histogram(
		"plan_groups",
		metric.WithDescription("Groups produced per batch plan"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	)
	return err
}

func (m *Metrics) registerDispatcher() error {
	var err error
	m.DispatcherDuration, err = m.meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	m.DispatcherDelivered, err = m.meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return err
	}

	m.DispatcherFailed, err = m.meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return err
	}

	m.DispatcherDropped, err = m.meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return err
	}

	m.DispatcherRequeued, err = m.meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return err
	}

	m.DispatcherQueueSize, err = m.meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics. route is the matched
// ServeMux pattern, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	attrs := httpAttrs(method, route, statusCode)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job being admitted.
func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
}

// RecordJobActive adjusts the running job gauge.
func (m *Metrics) RecordJobActive(ctx context.Context, delta int64) {
	m.JobsActive.Add(ctx, delta)
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := jobStatusAttrs(status)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	if status == "failed" {
		m.JobErrorsTotal.Add(ctx, 1)
	}
}

// RecordCacheHit records a lookup answered by tier.
func (m *Metrics) RecordCacheHit(ctx context.Context, tier string) {
	m.CacheHits.Add(ctx, 1, tierAttrs(tier))
}

// RecordCacheMiss records a lookup that found nothing.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	m.CacheMisses.Add(ctx, 1)
}

// RecordCacheEvictions records capacity evictions.
func (m *Metrics) RecordCacheEvictions(ctx context.Context, tier string, n int) {
	m.CacheEvictions.Add(ctx, int64(n), tierAttrs(tier))
}

// RecordCacheExpirations records TTL removals.
func (m *Metrics) RecordCacheExpirations(ctx context.Context, tier string, n int) {
	m.CacheExpirations.Add(ctx, int64(n), tierAttrs(tier))
}

// RecordMemoryUsage records a governor sample.
func (m *Metrics) RecordMemoryUsage(ctx context.Context, fraction float64, processBytes int64) {
	m.MemoryUsage.Record(ctx, fraction)
	m.ProcessMemory.Record(ctx, processBytes)
}

// RecordGovernorCleanup records a pressure-triggered cleanup.
func (m *Metrics) RecordGovernorCleanup(ctx context.Context) {
	m.GovernorCleanups.Add(ctx, 1)
}

// RecordGovernorTempReaped records removed temp files.
func (m *Metrics) RecordGovernorTempReaped(ctx context.Context, n int) {
	m.GovernorTempReaped.Add(ctx, int64(n))
}

// RecordPlan records the shape of a batch plan.
func (m *Metrics) RecordPlan(ctx context.Context, groups, items int) {
	m.PlanGroups.Record(ctx, int64(groups))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
