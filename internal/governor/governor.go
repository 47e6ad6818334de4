// Package governor samples memory pressure and reacts to it: it downsizes
// oversized images before extraction, reaps temporary artifacts and
// releases cached memory when usage crosses a threshold.
package governor

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
)

// Config holds configuration for the governor.
type Config struct {
	CheckInterval    time.Duration // sampling period (default: 10s)
	CleanupThreshold float64       // used fraction that triggers Cleanup (default: 0.8)
	CompressFloor    int64         // bytes; smaller images are left alone under pressure (default: 5MiB)
	MaxDimension     int           // longest side that always triggers compression (default: 4096)
	TargetDimension  int           // longest side after compression (default: 2048)
	Quality          int           // JPEG quality (default: 85)
	TempDir          string        // default: $TMPDIR/docflow
	TempLifetime     time.Duration // default: 1h
	MemoryLimit      int64         // bound for the runtime sampler fallback
	Sampler          Sampler       // default: NewSampler(MemoryLimit)
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.CleanupThreshold <= 0 || c.CleanupThreshold > 1 {
		c.CleanupThreshold = 0.8
	}
	if c.CompressFloor <= 0 {
		c.CompressFloor = 5 * units.MiB
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = 4096
	}
	if c.TargetDimension <= 0 {
		c.TargetDimension = 2048
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "docflow")
	}
	if c.TempLifetime <= 0 {
		c.TempLifetime = time.Hour
	}
	if c.Sampler == nil {
		c.Sampler = NewSampler(c.MemoryLimit)
	}
	return c
}

// MemoryReleaser drops in-memory caches on request. The cache store's
// memory tier satisfies it.
type MemoryReleaser interface {
	ReleaseMemory() int
}

// MetricsRecorder is an optional interface for recording governor metrics.
type MetricsRecorder interface {
	RecordMemoryUsage(ctx context.Context, fraction float64, processBytes int64)
	RecordGovernorCleanup(ctx context.Context)
	RecordGovernorTempReaped(ctx context.Context, n int)
}

// CleanupResult summarises one Cleanup pass.
type CleanupResult struct {
	ReleasedEntries int `json:"releasedEntries"`
	ReapedTemp      int `json:"reapedTemp"`
}

// Governor watches memory usage. All methods are safe for concurrent use.
type Governor struct {
	config    Config
	releaser  MemoryReleaser
	metrics   MetricsRecorder
	logger    *slog.Logger
	threshold atomic.Uint64 // math.Float64bits of the cleanup threshold
	now       func() time.Time

	mu    sync.Mutex
	temps map[string]time.Time // temp file -> creation time
	memo  map[memoKey]Item
	last  Snapshot
}

// New creates a governor. releaser may be nil.
func New(cfg Config, releaser MemoryReleaser, metrics MetricsRecorder) *Governor {
	cfg = cfg.withDefaults()
	g := &Governor{
		config:   cfg,
		releaser: releaser,
		metrics:  metrics,
		logger:   slog.With("component", "governor"),
		now:      time.Now,
		temps:    make(map[string]time.Time),
		memo:     make(map[memoKey]Item),
	}
	g.threshold.Store(math.Float64bits(cfg.CleanupThreshold))
	return g
}

// Snapshot samples memory now. On sampler failure the previous reading is
// returned.
func (g *Governor) Snapshot() Snapshot {
	snap, err := g.config.Sampler.Sample()
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.logger.Debug("Memory sample failed", "error", err)
		return g.last
	}
	g.last = snap
	return snap
}

// Usage returns the used memory fraction in [0, 1].
func (g *Governor) Usage() float64 {
	return g.Snapshot().SystemUsedFraction
}

// AvailableBytes returns the memory currently available to new work.
func (g *Governor) AvailableBytes() int64 {
	return g.Snapshot().AvailableBytes
}

// Threshold returns the current cleanup threshold.
func (g *Governor) Threshold() float64 {
	return math.Float64frombits(g.threshold.Load())
}

// SetThreshold changes the cleanup threshold. Values outside (0, 1] are
// ignored.
func (g *Governor) SetThreshold(f float64) {
	if f <= 0 || f > 1 {
		g.logger.Warn("Ignoring invalid cleanup threshold", "threshold", f)
		return
	}
	g.threshold.Store(math.Float64bits(f))
	g.logger.Info("Cleanup threshold updated", "threshold", f)
}

// UnderPressure reports whether usage is above the cleanup threshold.
func (g *Governor) UnderPressure() bool {
	return g.Usage() > g.Threshold()
}

// Cleanup releases the cache memory tier and the compression memo, forces
// a garbage collection and reaps expired temp files. It never waits on
// in-flight jobs.
func (g *Governor) Cleanup() CleanupResult {
	var res CleanupResult
	if g.releaser != nil {
		res.ReleasedEntries = g.releaser.ReleaseMemory()
	}

	g.mu.Lock()
	clear(g.memo)
	g.mu.Unlock()

	runtime.GC()
	debug.FreeOSMemory()

	res.ReapedTemp = g.ReapTemp()
	if g.metrics != nil {
		g.metrics.RecordGovernorCleanup(context.Background())
	}
	g.logger.Info("Memory cleanup complete",
		"releasedEntries", res.ReleasedEntries,
		"reapedTemp", res.ReapedTemp,
	)
	return res
}

// Run samples on every tick until ctx is done. Temp files are reaped every
// tick; Cleanup runs when usage exceeds the threshold.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.CheckInterval)
	defer ticker.Stop()

	g.logger.Info("Governor started",
		"interval", g.config.CheckInterval,
		"threshold", g.Threshold(),
		"compressFloor", units.BytesSize(float64(g.config.CompressFloor)),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Governor) tick(ctx context.Context) {
	snap := g.Snapshot()
	if g.metrics != nil {
		g.metrics.RecordMemoryUsage(ctx, snap.SystemUsedFraction, snap.ProcessBytes)
	}
	if snap.SystemUsedFraction > g.Threshold() {
		g.logger.Warn("Memory usage above threshold",
			"usage", snap.SystemUsedFraction,
			"process", units.BytesSize(float64(snap.ProcessBytes)),
		)
		g.Cleanup()
		return
	}
	g.ReapTemp()
}

// Close removes every registered temp file regardless of age.
func (g *Governor) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for path := range g.temps {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		delete(g.temps, path)
	}
	clear(g.memo)
	return firstErr
}
