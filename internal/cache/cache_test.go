package cache

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func desc(input string) Descriptor {
	return Descriptor{Input: input, Fingerprint: "fp-" + input, Options: map[string]any{"lang": "en"}}
}

func newMemoryStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := newFakeClock()
	s.setClock(clock.Now)
	return s, clock
}

func TestDescriptorKey(t *testing.T) {
	t.Parallel()

	a := Descriptor{Input: "scan.png", Fingerprint: "abc", Options: map[string]any{"lang": "en", "dpi": 300, "tables": true}}
	b := Descriptor{Input: "scan.png", Fingerprint: "abc", Options: map[string]any{"tables": "true", "dpi": "300", "lang": "en"}}
	c := Descriptor{Input: "scan.png", Fingerprint: "abd", Options: map[string]any{"lang": "en", "dpi": 300, "tables": true}}

	assert.Len(t, a.Key(), 64)
	assert.Equal(t, a.Key(), b.Key(), "equivalent option values must derive the same key")
	assert.NotEqual(t, a.Key(), c.Key(), "fingerprint must be part of the key")
	assert.NotEqual(t, a.Key(), Descriptor{Input: "scan.png", Fingerprint: "abc"}.Key())
}

func TestDescriptorKey_FieldsDoNotCollide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Descriptor
	}{
		{
			name: "separator inside option name",
			a:    Descriptor{Options: map[string]any{"a=b": "c"}},
			b:    Descriptor{Options: map[string]any{"a": "b=c"}},
		},
		{
			name: "newline inside value",
			a:    Descriptor{Input: "x\nfingerprint=y"},
			b:    Descriptor{Input: "x", Fingerprint: "y"},
		},
		{
			name: "hint is not an option",
			a:    Descriptor{Input: "scan.png", Hint: "invoice"},
			b:    Descriptor{Input: "scan.png", Options: map[string]any{"hint": "invoice"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, tt.a.Key(), tt.b.Key())
		})
	}

	assert.Equal(t, Descriptor{Input: "x"}.Key(), Descriptor{Input: "x", Options: map[string]any{}}.Key(),
		"nil and empty options are the same descriptor")
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"memory", TierMemory, false},
		{"DISK", TierDisk, false},
		{"", TierAll, false},
		{"all", TierAll, false},
		{"tape", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{})

	value := []byte(`{"text":"hello"}`)
	require.True(t, s.Put(desc("a"), value))

	got, ok := s.Get(desc("a"))
	require.True(t, ok)
	assert.Equal(t, value, got)

	got[0] = 'X'
	again, _ := s.Get(desc("a"))
	assert.Equal(t, value, again, "callers must not be able to mutate stored entries")
}

func TestStore_ExpiredEntryIsOneMiss(t *testing.T) {
	t.Parallel()
	s, clock := newMemoryStore(t, Config{MemoryTTL: time.Second})

	require.True(t, s.Put(desc("a"), []byte("v")))
	before := s.Stats().Misses

	clock.Advance(2 * time.Second)
	_, ok := s.Get(desc("a"))
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, before+1, stats.Misses)
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Zero(t, stats.MemoryItems, "expired entry is removed on the read path")
}

func TestStore_LRUEvictionOrder(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{MemoryMaxItems: 3})

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, s.Put(desc(k), []byte(k)))
	}
	_, ok := s.Get(desc("a"))
	require.True(t, ok)

	require.True(t, s.Put(desc("d"), []byte("d")))

	_, ok = s.Get(desc("b"))
	assert.False(t, ok, "least recently used entry should be evicted first")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := s.Get(desc(k))
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), s.Stats().Evictions)
}

func TestStore_RemoveAndClear(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{})

	s.Put(desc("a"), []byte("1"))
	s.Put(desc("b"), []byte("2"))

	assert.True(t, s.Remove(desc("a")))
	assert.False(t, s.Remove(desc("a")))
	assert.Equal(t, 1, s.Clear(TierAll))
	assert.Zero(t, s.Stats().Size)
}

func TestStore_Reap(t *testing.T) {
	t.Parallel()
	s, clock := newMemoryStore(t, Config{MemoryTTL: time.Minute})

	s.Put(desc("old"), []byte("1"))
	clock.Advance(45 * time.Second)
	s.Put(desc("new"), []byte("2"))
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, s.Reap())
	assert.Equal(t, 1, s.Stats().MemoryItems)
}

func TestStore_HitRate(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{})

	s.Put(desc("a"), []byte("1"))
	s.Get(desc("a"))
	s.Get(desc("a"))
	s.Get(desc("a"))
	s.Get(desc("missing"))

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
}

func TestStore_NoTiersStoresNothing(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{DisableMemory: true})

	assert.False(t, s.Put(desc("a"), []byte("1")))
	_, ok := s.Get(desc("a"))
	assert.False(t, ok)
}

func TestStore_DiskPromotion(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{DiskDir: t.TempDir(), DiskCompress: true})

	value := bytes.Repeat([]byte("extracted text "), 200)
	require.True(t, s.Put(desc("a"), value))
	assert.Equal(t, 1, s.ReleaseMemory())

	got, ok := s.Get(desc("a"))
	require.True(t, ok)
	assert.Equal(t, value, got)

	stats := s.Stats()
	assert.Equal(t, 1, stats.MemoryItems, "disk hit must be promoted into memory")
	assert.Equal(t, 1, stats.DiskItems)
	assert.Less(t, stats.DiskBytes, int64(len(value)), "payload should be compressed on disk")
}

func TestStore_DiskSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := New(Config{DiskDir: dir}, nil)
	require.NoError(t, err)
	require.True(t, s.Put(desc("a"), []byte("persisted")))
	require.NoError(t, s.Close())

	reopened, err := New(Config{DiskDir: dir}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(desc("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got)
}

func TestStore_ClosedDiskTierMissesWithoutDeleting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := New(Config{DiskDir: dir, DiskCompress: true}, nil)
	require.NoError(t, err)
	require.True(t, s.Put(desc("a"), []byte("compressed payload")))
	s.ReleaseMemory()
	require.NoError(t, s.Close())

	_, ok := s.Get(desc("a"))
	assert.False(t, ok)
	assert.False(t, s.Put(desc("b"), []byte("late")))
	require.NoError(t, s.Close())

	reopened, err := New(Config{DiskDir: dir, DiskCompress: true}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(desc("a"))
	require.True(t, ok, "entry must survive reads after close")
	assert.Equal(t, []byte("compressed payload"), got)
	_, ok = reopened.Get(desc("b"))
	assert.False(t, ok)
}

func TestStore_DiskDirLocked(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := New(Config{DiskDir: dir}, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = New(Config{DiskDir: dir}, nil)
	assert.ErrorIs(t, err, ErrDirLocked)
}

func TestStore_CorruptDiskFileIsMiss(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{DiskDir: t.TempDir(), DisableMemory: true})

	require.True(t, s.Put(desc("a"), []byte("good")))
	path := s.disk.path(desc("a").Key())
	require.NoError(t, os.WriteFile(path, []byte("not a header\ngarbage"), 0o644))

	_, ok := s.Get(desc("a"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Misses)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file should be discarded")
}

func TestStore_DiskTTL(t *testing.T) {
	t.Parallel()
	s, clock := newMemoryStore(t, Config{DiskDir: t.TempDir(), DisableMemory: true, DiskTTL: time.Hour})

	require.True(t, s.Put(desc("a"), []byte("v")))
	clock.Advance(2 * time.Hour)

	_, ok := s.Get(desc("a"))
	assert.False(t, ok)
	assert.Zero(t, s.Stats().DiskItems)
}

func TestStore_DiskMaxBytesEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()
	s, clock := newMemoryStore(t, Config{DiskDir: t.TempDir(), DisableMemory: true, DiskMaxBytes: 600})

	value := bytes.Repeat([]byte("x"), 100)
	require.True(t, s.Put(desc("a"), value))
	clock.Advance(time.Second)
	require.True(t, s.Put(desc("b"), value))
	clock.Advance(time.Second)
	_, ok := s.Get(desc("a"))
	require.True(t, ok)
	clock.Advance(time.Second)
	require.True(t, s.Put(desc("c"), value))

	stats := s.Stats()
	assert.Equal(t, 2, stats.DiskItems)
	assert.LessOrEqual(t, stats.DiskBytes, int64(600))
	_, ok = s.Get(desc("b"))
	assert.False(t, ok, "b was least recently accessed")
}

func TestStore_DiskRejectsOversizedEntry(t *testing.T) {
	t.Parallel()
	s, _ := newMemoryStore(t, Config{DiskDir: t.TempDir(), DiskMaxBytes: 64})

	assert.False(t, s.Put(desc("a"), bytes.Repeat([]byte("x"), 1024)))
	_, ok := s.Get(desc("a"))
	assert.True(t, ok, "memory tier still serves the value")
}
