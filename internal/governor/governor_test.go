package governor

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu    sync.Mutex
	usage float64
}

func (s *fakeSampler) set(usage float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = usage
}

func (s *fakeSampler) Sample() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ProcessBytes:       100 << 20,
		SystemUsedFraction: s.usage,
		AvailableBytes:     int64((1 - s.usage) * float64(8<<30)),
		Timestamp:          time.Now(),
	}, nil
}

type countingReleaser struct{ calls atomic.Int64 }

func (r *countingReleaser) ReleaseMemory() int {
	r.calls.Add(1)
	return 7
}

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *fakeSampler) {
	t.Helper()
	sampler := &fakeSampler{usage: 0.2}
	cfg.Sampler = sampler
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	g := New(cfg, nil, nil)
	t.Cleanup(func() { _ = g.Close() })
	return g, sampler
}

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, "scan.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestShouldCompress(t *testing.T) {
	t.Parallel()
	g, sampler := newTestGovernor(t, Config{CleanupThreshold: 0.8, CompressFloor: 1000, MaxDimension: 500})

	tests := []struct {
		name  string
		usage float64
		item  Item
		want  bool
	}{
		{"oversized dimensions, low pressure", 0.1, Item{Size: 10, Width: 800, Height: 100}, true},
		{"large file under pressure", 0.9, Item{Size: 5000, Width: 100, Height: 100}, true},
		{"large file, low pressure", 0.5, Item{Size: 5000, Width: 100, Height: 100}, false},
		{"small file under pressure", 0.9, Item{Size: 500, Width: 100, Height: 100}, false},
	}
	for _, tt := range tests {
		sampler.set(tt.usage)
		assert.Equal(t, tt.want, g.ShouldCompress(tt.item), tt.name)
	}
}

func TestCompress_DownsizesAndMemoises(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{TargetDimension: 100})
	src := writePNG(t, t.TempDir(), 300, 200)

	item, err := Inspect(src)
	require.NoError(t, err)
	assert.Equal(t, 300, item.Width)
	assert.Equal(t, 200, item.Height)

	out, err := g.Compress(item)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Width)
	assert.Equal(t, 67, out.Height)
	assert.Equal(t, ".jpg", filepath.Ext(out.Path))

	decoded, err := Inspect(out.Path)
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Width)

	again, err := g.Compress(item)
	require.NoError(t, err)
	assert.Equal(t, out.Path, again.Path, "second call should reuse the memoised output")
	assert.Equal(t, 1, g.TempFiles())
}

func TestPrepare(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{MaxDimension: 150, TargetDimension: 100})
	dir := t.TempDir()

	text := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("plain"), 0o644))
	assert.Equal(t, text, g.Prepare(text), "non-images pass through")

	big := writePNG(t, dir, 300, 200)
	prepared := g.Prepare(big)
	assert.NotEqual(t, big, prepared)
	assert.Equal(t, g.config.TempDir, filepath.Dir(prepared))
}

func TestPrepare_SmallImageUntouched(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{MaxDimension: 1000})
	src := writePNG(t, t.TempDir(), 50, 50)

	assert.Equal(t, src, g.Prepare(src))
	assert.Zero(t, g.TempFiles())
}

func TestReapTemp(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{TargetDimension: 50, TempLifetime: time.Minute})
	now := time.Now()
	g.now = func() time.Time { return now }

	out, err := g.Compress(Item{Path: writePNG(t, t.TempDir(), 100, 100)})
	require.NoError(t, err)

	assert.Zero(t, g.ReapTemp(), "fresh temp files are kept")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, g.ReapTemp())
	_, err = os.Stat(out.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, g.TempFiles())
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	releaser := &countingReleaser{}
	g := New(Config{Sampler: &fakeSampler{}, TempDir: t.TempDir(), TargetDimension: 50}, releaser, nil)
	defer g.Close()

	_, err := g.Compress(Item{Path: writePNG(t, t.TempDir(), 100, 100)})
	require.NoError(t, err)

	res := g.Cleanup()
	assert.Equal(t, 7, res.ReleasedEntries)
	assert.Equal(t, int64(1), releaser.calls.Load())
	g.mu.Lock()
	assert.Empty(t, g.memo, "compression memo is cleared")
	g.mu.Unlock()
	assert.Equal(t, 1, g.TempFiles(), "unexpired temp files survive cleanup")
}

func TestRun_CleansUpUnderPressure(t *testing.T) {
	t.Parallel()
	sampler := &fakeSampler{usage: 0.5}
	releaser := &countingReleaser{}
	g := New(Config{Sampler: sampler, TempDir: t.TempDir(), CheckInterval: 10 * time.Millisecond, CleanupThreshold: 0.8}, releaser, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, releaser.calls.Load(), "no cleanup below threshold")

	sampler.set(0.95)
	testutil.MustWaitFor(t, func() bool { return releaser.calls.Load() > 0 },
		testutil.WithTimeout(2*time.Second), testutil.WithInterval(10*time.Millisecond))
}

func TestSetThreshold(t *testing.T) {
	t.Parallel()
	g, sampler := newTestGovernor(t, Config{CleanupThreshold: 0.8})
	sampler.set(0.7)

	assert.False(t, g.UnderPressure())
	g.SetThreshold(0.6)
	assert.InDelta(t, 0.6, g.Threshold(), 1e-9)
	assert.True(t, g.UnderPressure())

	g.SetThreshold(1.5)
	assert.InDelta(t, 0.6, g.Threshold(), 1e-9, "invalid values are ignored")
}

func TestAvailableBytes(t *testing.T) {
	t.Parallel()
	g, sampler := newTestGovernor(t, Config{})
	sampler.set(0.5)
	assert.Equal(t, int64(4<<30), g.AvailableBytes())
}

func TestRuntimeSampler(t *testing.T) {
	t.Parallel()
	s := newRuntimeSampler(1 << 40)
	snap, err := s.Sample()
	require.NoError(t, err)
	assert.Positive(t, snap.ProcessBytes)
	assert.Greater(t, snap.AvailableBytes, int64(0))
	assert.GreaterOrEqual(t, snap.SystemUsedFraction, 0.0)
	assert.LessOrEqual(t, snap.SystemUsedFraction, 1.0)
}

func TestFitWithin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		w, h, limit  int
		wantW, wantH int
	}{
		{300, 200, 100, 100, 67},
		{200, 300, 100, 67, 100},
		{50, 40, 100, 50, 40},
		{1000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		w, h := fitWithin(tt.w, tt.h, tt.limit)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
	}
}
