package governor

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/prometheus/procfs"
)

// Snapshot is one memory reading. It is regenerated on every sample.
type Snapshot struct {
	ProcessBytes       int64     `json:"processBytes"`
	SystemUsedFraction float64   `json:"systemUsedFraction"`
	AvailableBytes     int64     `json:"availableBytes"`
	Timestamp          time.Time `json:"timestamp"`
}

// Sampler produces memory snapshots.
type Sampler interface {
	Sample() (Snapshot, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Snapshot, error)

func (f SamplerFunc) Sample() (Snapshot, error) { return f() }

// NewSampler returns a procfs-backed sampler when /proc is readable and a
// Go runtime sampler bounded by limit otherwise.
func NewSampler(limit int64) Sampler {
	if s, err := newProcfsSampler(); err == nil {
		return s
	}
	return newRuntimeSampler(limit)
}

type procfsSampler struct {
	fs procfs.FS
}

func newProcfsSampler() (*procfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	s := &procfsSampler{fs: fs}
	if _, err := s.Sample(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *procfsSampler) Sample() (Snapshot, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read self: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stat: %w", err)
	}
	mi, err := s.fs.Meminfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil || *mi.MemTotal == 0 {
		return Snapshot{}, errors.New("meminfo lacks MemTotal or MemAvailable")
	}

	total := *mi.MemTotal * 1024
	available := *mi.MemAvailable * 1024
	return Snapshot{
		ProcessBytes:       int64(stat.ResidentMemory()),
		SystemUsedFraction: 1 - float64(available)/float64(total),
		AvailableBytes:     int64(available),
		Timestamp:          time.Now(),
	}, nil
}

// runtimeSampler reports the Go heap against a fixed limit. It stands in
// for procfs on platforms without /proc.
type runtimeSampler struct {
	limit int64
}

func newRuntimeSampler(limit int64) *runtimeSampler {
	if limit <= 0 {
		limit = debug.SetMemoryLimit(-1)
	}
	if limit <= 0 || limit == math.MaxInt64 {
		limit = 4 << 30
	}
	return &runtimeSampler{limit: limit}
}

func (s *runtimeSampler) Sample() (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := int64(ms.Sys - ms.HeapReleased)
	available := max(s.limit-used, 0)
	return Snapshot{
		ProcessBytes:       used,
		SystemUsedFraction: min(float64(used)/float64(s.limit), 1),
		AvailableBytes:     available,
		Timestamp:          time.Now(),
	}, nil
}
