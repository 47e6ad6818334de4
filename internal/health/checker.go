// Package health answers the liveness and readiness probes.
//
// Readiness combines independent checks. A failing extractor makes the
// service unready; memory pressure and unreachable callback hosts only
// degrade it, since jobs still run in both cases.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docflow/internal/dispatcher"
)

// ReadinessChecker is implemented by collaborators that can tell whether
// they are able to take work, such as the HTTP extraction client.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// PressureReporter is implemented by the memory governor.
type PressureReporter interface {
	UnderPressure() bool
	Usage() float64
}

// CallbackReporter is implemented by the callback dispatcher.
type CallbackReporter interface {
	Stats() dispatcher.Stats
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the worst check decides the overall one.
func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// IsHealthy reports a fully healthy service.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady is false only when unhealthy. A degraded service still takes work.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// Config holds the dependencies a Checker inspects. Nil dependencies are
// skipped.
type Config struct {
	Extractor ReadinessChecker
	Memory    PressureReporter
	Callbacks CallbackReporter
	Timeout   time.Duration // per check (default: 5s)
	CacheFor  time.Duration // readiness result reuse (default: 1s)
}

type check func(ctx context.Context) CheckResult

// Checker runs the readiness checks and caches the outcome briefly so
// frequent probes do not hammer the extractor.
type Checker struct {
	timeout  time.Duration
	cacheFor time.Duration
	checks   map[string]check

	mu           sync.Mutex
	cached       *Response
	shuttingDown bool
	now          func() time.Time
}

// NewChecker builds a checker for the configured dependencies.
func NewChecker(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheFor <= 0 {
		cfg.CacheFor = time.Second
	}

	c := &Checker{
		timeout:  cfg.Timeout,
		cacheFor: cfg.CacheFor,
		checks:   make(map[string]check),
		now:      time.Now,
	}
	if cfg.Extractor != nil {
		c.checks["extractor"] = extractorCheck(cfg.Extractor)
	}
	if cfg.Memory != nil {
		c.checks["memory"] = memoryCheck(cfg.Memory)
	}
	if cfg.Callbacks != nil {
		c.checks["callbacks"] = callbackCheck(cfg.Callbacks)
	}
	return c
}

// Liveness never consults dependencies: a live process that cannot reach
// the extractor should be taken out of rotation, not restarted.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy, CheckedAt: c.now().UTC()}
}

// Readiness runs every check concurrently, each bounded by the timeout.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return &Response{
			Status:    StatusUnhealthy,
			Checks:    map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
			CheckedAt: c.now().UTC(),
		}
	}
	if c.cached != nil && c.now().Sub(c.cached.CheckedAt) < c.cacheFor {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	results := make(map[string]CheckResult, len(c.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, run := range c.checks {
		wg.Go(func() {
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			result := run(checkCtx)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: results, CheckedAt: c.now().UTC()}
	for _, r := range results {
		if r.Status.severity() > response.Status.severity() {
			response.Status = r.Status
		}
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached = response
	}
	c.mu.Unlock()
	return response
}

// SetShuttingDown makes readiness fail from now on so load balancers
// stop routing new jobs here while in-flight work drains.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}

func extractorCheck(e ReadinessChecker) check {
	return func(ctx context.Context) CheckResult {
		if err := e.Ready(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

func memoryCheck(m PressureReporter) check {
	return func(context.Context) CheckResult {
		msg := fmt.Sprintf("%.0f%% of system memory in use", m.Usage()*100)
		if m.UnderPressure() {
			return CheckResult{Status: StatusDegraded, Message: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

func callbackCheck(cb CallbackReporter) check {
	return func(context.Context) CheckResult {
		stats := cb.Stats()
		if len(stats.OpenHosts) > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "circuit open for " + strings.Join(stats.OpenHosts, ", "),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d queued", stats.QueueDepth)}
	}
}
