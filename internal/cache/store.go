package cache

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the cache store. A zero MemoryMaxItems
// uses the default; DiskDir == "" disables the disk tier.
type Config struct {
	DisableMemory  bool
	MemoryMaxItems int           // default: 256
	MemoryTTL      time.Duration // default: 30m
	DiskDir        string
	DiskTTL        time.Duration // default: 7 days
	DiskMaxBytes   int64         // default: 1 GiB
	DiskCompress   bool
	ReapInterval   time.Duration // default: 5m
}

func (c Config) withDefaults() Config {
	if c.MemoryMaxItems <= 0 {
		c.MemoryMaxItems = 256
	}
	if c.MemoryTTL <= 0 {
		c.MemoryTTL = 30 * time.Minute
	}
	if c.DiskTTL <= 0 {
		c.DiskTTL = 7 * 24 * time.Hour
	}
	if c.DiskMaxBytes <= 0 {
		c.DiskMaxBytes = 1 << 30
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	return c
}

// MetricsRecorder is an optional interface for recording cache metrics.
type MetricsRecorder interface {
	RecordCacheHit(ctx context.Context, tier string)
	RecordCacheMiss(ctx context.Context)
	RecordCacheEvictions(ctx context.Context, tier string, n int)
	RecordCacheExpirations(ctx context.Context, tier string, n int)
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Size        int     `json:"size"` // entries across both tiers
	MemoryItems int     `json:"memoryItems"`
	MemoryBytes int64   `json:"memoryBytes"`
	DiskItems   int     `json:"diskItems"`
	DiskBytes   int64   `json:"diskBytes"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

// Store is the two-tier cache. Each tier has its own lock, so cache
// traffic never contends with callers' own locks.
type Store struct {
	mem     *memoryTier
	disk    *diskTier
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a store. Opening the disk tier fails if DiskDir cannot be
// created or is owned by another process.
func New(cfg Config, metrics MetricsRecorder) (*Store, error) {
	cfg = cfg.withDefaults()

	s := &Store{
		config:  cfg,
		logger:  slog.With("component", "cache"),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	if !cfg.DisableMemory {
		s.mem = newMemoryTier(cfg.MemoryMaxItems, cfg.MemoryTTL)
	}
	if cfg.DiskDir != "" {
		disk, err := openDiskTier(cfg.DiskDir, cfg.DiskTTL, cfg.DiskMaxBytes, cfg.DiskCompress)
		if err != nil {
			return nil, err
		}
		s.disk = disk
		items, size := disk.stats()
		s.logger.Info("Disk tier opened", "dir", cfg.DiskDir, "items", items, "bytes", size)
	}
	return s, nil
}

// setClock replaces the time source of both tiers.
func (s *Store) setClock(now func() time.Time) {
	if s.mem != nil {
		s.mem.now = now
	}
	if s.disk != nil {
		s.disk.now = now
	}
}

// Get returns the value stored for d. Memory is consulted first; a disk hit
// is promoted into memory before returning. Every call counts exactly one
// hit or one miss. Disk read failures are misses.
func (s *Store) Get(d Descriptor) ([]byte, bool) {
	key := d.Key()
	ctx := context.Background()

	if s.mem != nil {
		value, ok, expired := s.mem.get(key)
		if expired {
			s.recordExpired(ctx, TierMemory, 1)
		}
		if ok {
			s.recordHit(ctx, TierMemory)
			return bytes.Clone(value), true
		}
	}

	if s.disk != nil {
		value, ok, expired, err := s.disk.get(key)
		if err != nil {
			s.logger.Warn("Disk read failed, treating as miss", "key", key, "error", err)
		}
		if expired {
			s.recordExpired(ctx, TierDisk, 1)
		}
		if ok {
			if s.mem != nil {
				s.recordEvicted(ctx, TierMemory, s.mem.put(key, value))
			}
			s.recordHit(ctx, TierDisk)
			return bytes.Clone(value), true
		}
	}

	s.misses.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(ctx)
	}
	return nil, false
}

// Put stores value under d in every enabled tier. It reports whether all
// enabled tiers accepted the value; disk failures are logged, not returned.
func (s *Store) Put(d Descriptor, value []byte) bool {
	if s.mem == nil && s.disk == nil {
		return false
	}
	key := d.Key()
	ctx := context.Background()
	value = bytes.Clone(value)

	ok := true
	if s.mem != nil {
		s.recordEvicted(ctx, TierMemory, s.mem.put(key, value))
	}
	if s.disk != nil {
		evicted, err := s.disk.put(key, value)
		if err != nil {
			s.logger.Warn("Disk write failed, entry not persisted", "key", key, "error", err)
			ok = false
		}
		s.recordEvicted(ctx, TierDisk, evicted)
	}
	return ok
}

// Remove deletes d from both tiers and reports whether anything was removed.
func (s *Store) Remove(d Descriptor) bool {
	key := d.Key()
	removed := false
	if s.mem != nil && s.mem.remove(key) {
		removed = true
	}
	if s.disk != nil && s.disk.remove(key) {
		removed = true
	}
	return removed
}

// Clear empties the selected tiers and returns the number of entries dropped.
func (s *Store) Clear(tier Tier) int {
	n := 0
	if tier&TierMemory != 0 && s.mem != nil {
		n += s.mem.clear()
	}
	if tier&TierDisk != 0 && s.disk != nil {
		n += s.disk.clear()
	}
	s.logger.Info("Cache cleared", "tier", tier.String(), "entries", n)
	return n
}

// ReleaseMemory empties the memory tier. It satisfies the governor's
// memory releaser.
func (s *Store) ReleaseMemory() int {
	if s.mem == nil {
		return 0
	}
	return s.mem.clear()
}

// Stats returns current counters and tier sizes.
func (s *Store) Stats() Stats {
	st := Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	if s.mem != nil {
		st.MemoryItems = s.mem.len()
		st.MemoryBytes = s.mem.bytes()
	}
	if s.disk != nil {
		st.DiskItems, st.DiskBytes = s.disk.stats()
	}
	st.Size = st.MemoryItems + st.DiskItems
	return st
}

// Reap sweeps expired entries from both tiers.
func (s *Store) Reap() int {
	ctx := context.Background()
	n := 0
	if s.mem != nil {
		removed := s.mem.reap()
		s.recordExpired(ctx, TierMemory, removed)
		n += removed
	}
	if s.disk != nil {
		removed := s.disk.reap()
		s.recordExpired(ctx, TierDisk, removed)
		n += removed
	}
	if n > 0 {
		s.logger.Debug("Reaped expired entries", "count", n)
	}
	return n
}

// Start runs the background reaper until ctx is done or Close is called.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runReaper(ctx)
	})
}

func (s *Store) runReaper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Close stops the reaper and releases the disk tier.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if s.disk != nil {
			err = s.disk.close()
		}
	})
	return err
}

func (s *Store) recordHit(ctx context.Context, tier Tier) {
	s.hits.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCacheHit(ctx, tier.String())
	}
}

func (s *Store) recordEvicted(ctx context.Context, tier Tier, n int) {
	if n == 0 {
		return
	}
	s.evictions.Add(int64(n))
	if s.metrics != nil {
		s.metrics.RecordCacheEvictions(ctx, tier.String(), n)
	}
}

func (s *Store) recordExpired(ctx context.Context, tier Tier, n int) {
	if n == 0 {
		return
	}
	s.expirations.Add(int64(n))
	if s.metrics != nil {
		s.metrics.RecordCacheExpirations(ctx, tier.String(), n)
	}
}
