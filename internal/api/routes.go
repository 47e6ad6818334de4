package api

import (
	"net/http"

	"docflow/internal/dispatcher"
	"docflow/internal/health"
	"docflow/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          Jobs
	Cache         Cache
	Memory        Memory
	Metrics       *observability.Metrics
	MetricsPath   string       // default: /metrics
	MetricsHandle http.Handler // Prometheus scrape handler, nil disables
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
	InputRoot     string // directory local references are confined to; empty refuses them
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.Cache, cfg.Memory, cfg.HealthChecker, cfg.Dispatcher)
	handler.inputRoot = cfg.InputRoot

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.MetricsHandle != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.MetricsHandle)
	}

	// API endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	routes := map[string]http.HandlerFunc{
		"POST /v1/jobs":           handler.CreateJob,
		"POST /v1/jobs/batch":     handler.CreateBatch,
		"POST /v1/jobs/reap":      handler.ReapJobs,
		"GET /v1/jobs":            handler.ListJobs,
		"DELETE /v1/jobs":         handler.CancelAll,
		"GET /v1/jobs/{jobId}":    handler.GetJob,
		"DELETE /v1/jobs/{jobId}": handler.DeleteJob,
		"GET /v1/cache/stats":     handler.CacheStats,
		"DELETE /v1/cache":        handler.ClearCache,
		"GET /v1/memory":          handler.MemoryStatus,
		"POST /v1/memory/cleanup": handler.MemoryCleanup,
		"GET /v1/callbacks/stats": handler.DispatcherStats,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, auth(h))
	}

	// Outermost first: recovery sees panics from every layer.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	var recorder HTTPRecorder
	if cfg.Metrics != nil {
		recorder = cfg.Metrics
	}
	h = RequestMiddleware(recorder)(h)
	h = RecoveryMiddleware()(h)

	return h
}
