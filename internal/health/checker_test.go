package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"docflow/internal/dispatcher"
)

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

type fakeGovernor struct {
	pressure bool
	usage    float64
}

func (g fakeGovernor) UnderPressure() bool { return g.pressure }
func (g fakeGovernor) Usage() float64      { return g.usage }

type fakeCallbacks struct{ open []string }

func (f fakeCallbacks) Stats() dispatcher.Stats {
	return dispatcher.Stats{QueueDepth: 3, OpenHosts: f.open}
}

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	down := readyFunc(func(context.Context) error { return errors.New("unreachable") })
	response := NewChecker(Config{Extractor: down}).Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("liveness must ignore dependencies, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	down := readyFunc(func(context.Context) error { return errors.New("circuit open") })
	up := readyFunc(func(context.Context) error { return nil })

	tests := []struct {
		name   string
		config Config
		want   Status
		checks map[string]Status
	}{
		{
			name:   "nothing configured",
			config: Config{},
			want:   StatusHealthy,
			checks: map[string]Status{},
		},
		{
			name:   "all healthy",
			config: Config{Extractor: up, Memory: fakeGovernor{usage: 0.3}, Callbacks: fakeCallbacks{}},
			want:   StatusHealthy,
			checks: map[string]Status{"extractor": StatusHealthy, "memory": StatusHealthy, "callbacks": StatusHealthy},
		},
		{
			name:   "memory pressure degrades",
			config: Config{Extractor: up, Memory: fakeGovernor{pressure: true, usage: 0.95}},
			want:   StatusDegraded,
			checks: map[string]Status{"extractor": StatusHealthy, "memory": StatusDegraded},
		},
		{
			name:   "open callback circuit degrades",
			config: Config{Extractor: up, Callbacks: fakeCallbacks{open: []string{"hooks.example.com"}}},
			want:   StatusDegraded,
			checks: map[string]Status{"extractor": StatusHealthy, "callbacks": StatusDegraded},
		},
		{
			name:   "extractor down wins",
			config: Config{Extractor: down, Memory: fakeGovernor{pressure: true}},
			want:   StatusUnhealthy,
			checks: map[string]Status{"extractor": StatusUnhealthy, "memory": StatusDegraded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := NewChecker(tt.config).Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("status = %s, want %s", response.Status, tt.want)
			}
			if len(response.Checks) != len(tt.checks) {
				t.Errorf("got checks %v, want %v", response.Checks, tt.checks)
			}
			for name, want := range tt.checks {
				if got := response.Checks[name].Status; got != want {
					t.Errorf("%s check = %s, want %s", name, got, want)
				}
			}
		})
	}
}

func TestChecker_CallbackMessageNamesHosts(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Config{Callbacks: fakeCallbacks{open: []string{"a.example.com", "b.example.com"}}})
	msg := checker.Readiness(context.Background()).Checks["callbacks"].Message
	if msg != "circuit open for a.example.com, b.example.com" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestChecker_ExtractorTimeout(t *testing.T) {
	t.Parallel()
	slow := readyFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	checker := NewChecker(Config{Extractor: slow, Timeout: 20 * time.Millisecond})

	start := time.Now()
	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy on timeout, got %s", response.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("check was not bounded by its timeout: %v", elapsed)
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	now := time.Unix(1700000000, 0)
	checker := NewChecker(Config{
		Extractor: readyFunc(func(context.Context) error { calls.Add(1); return nil }),
		CacheFor:  time.Minute,
	})
	checker.now = func() time.Time { return now }

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())
	if calls.Load() != 1 {
		t.Errorf("expected 1 readiness call within the cache window, got %d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	checker.Readiness(context.Background())
	if calls.Load() != 2 {
		t.Errorf("expected a fresh check after the window, got %d calls", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(Config{CacheFor: time.Hour})
	if !checker.Readiness(context.Background()).IsReady() {
		t.Fatal("expected ready before shutdown")
	}

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())
	if response.IsReady() {
		t.Error("cached healthy result must not survive shutdown")
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("expected shutdown check")
	}
}

func TestResponse_IsReady(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status  Status
		healthy bool
		ready   bool
	}{
		{StatusHealthy, true, true},
		{StatusDegraded, false, true},
		{StatusUnhealthy, false, false},
	}

	for _, tt := range tests {
		response := &Response{Status: tt.status}
		if response.IsHealthy() != tt.healthy || response.IsReady() != tt.ready {
			t.Errorf("%s: IsHealthy=%v IsReady=%v, want %v %v",
				tt.status, response.IsHealthy(), response.IsReady(), tt.healthy, tt.ready)
		}
	}
}
