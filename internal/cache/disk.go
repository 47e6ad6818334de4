package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
)

const (
	diskExt      = ".bin"
	diskLockName = ".lock"
)

var (
	// ErrDirLocked is returned when another process owns the cache directory.
	ErrDirLocked = errors.New("cache directory is locked by another process")

	errTierClosed = errors.New("disk tier closed")
)

// diskHeader is the first line of every cache file.
type diskHeader struct {
	Key        string    `json:"key"`
	CreatedAt  time.Time `json:"createdAt"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
}

type diskMeta struct {
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	fileSize    int64
	size        int64
	compressed  bool
}

// diskTier stores one file per key under dir/<key[0:2]>/<key>.bin. The
// in-memory index mirrors the directory and is rebuilt on open.
type diskTier struct {
	mu       sync.Mutex
	dir      string
	ttl      time.Duration
	maxBytes int64
	compress bool
	lock     *flock.Flock
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	index    map[string]*diskMeta
	total    int64
	closed   bool
	now      func() time.Time
}

func openDiskTier(dir string, ttl time.Duration, maxBytes int64, compress bool) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, diskLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache dir: %w", err)
	}
	if !locked {
		return nil, ErrDirLocked
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	d := &diskTier{
		dir:      dir,
		ttl:      ttl,
		maxBytes: maxBytes,
		compress: compress,
		lock:     lock,
		enc:      enc,
		dec:      dec,
		index:    make(map[string]*diskMeta),
		now:      time.Now,
	}
	if err := d.load(); err != nil {
		_ = d.close()
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	return d, nil
}

// load rebuilds the index from the directory, discarding leftovers from
// interrupted writes and unreadable files.
func (d *diskTier) load() error {
	return filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(path)
			return nil
		}
		if !strings.HasSuffix(name, diskExt) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}
		hdr, err := readHeader(path)
		if err != nil || hdr.Key+diskExt != name {
			_ = os.Remove(path)
			return nil
		}
		d.index[hdr.Key] = &diskMeta{
			createdAt:  hdr.CreatedAt,
			accessedAt: info.ModTime(),
			fileSize:   info.Size(),
			size:       hdr.Size,
			compressed: hdr.Compressed,
		}
		d.total += info.Size()
		return nil
	})
}

func readHeader(path string) (diskHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return diskHeader{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return diskHeader{}, err
	}
	var hdr diskHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return diskHeader{}, err
	}
	return hdr, nil
}

func (d *diskTier) path(key string) string {
	return filepath.Join(d.dir, key[:2], key+diskExt)
}

func (d *diskTier) expired(m *diskMeta, now time.Time) bool {
	return d.ttl > 0 && now.Sub(m.createdAt) > d.ttl
}

// get reads key from disk. Unreadable or corrupt files are removed and
// reported as err; expired entries are removed and reported via expired.
func (d *diskTier) get(key string) (value []byte, ok, expired bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, false, false, nil
	}
	m, found := d.index[key]
	if !found {
		return nil, false, false, nil
	}
	now := d.now()
	if d.expired(m, now) {
		d.removeLocked(key)
		return nil, false, true, nil
	}

	value, err = d.read(key, m)
	if err != nil {
		d.removeLocked(key)
		return nil, false, false, err
	}

	m.accessedAt = now
	m.accessCount++
	_ = os.Chtimes(d.path(key), now, now)
	return value, true, false, nil
}

func (d *diskTier) read(key string, m *diskMeta) ([]byte, error) {
	f, err := os.Open(d.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var hdr diskHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Key != key {
		return nil, fmt.Errorf("header key mismatch: %s", hdr.Key)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if hdr.Compressed {
		payload, err = d.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}
	if int64(len(payload)) != hdr.Size {
		return nil, fmt.Errorf("payload size %d, header says %d", len(payload), hdr.Size)
	}
	return payload, nil
}

// put writes value atomically (temp file + rename) and evicts least
// recently accessed files while the tier exceeds maxBytes. It returns the
// number of evicted entries.
func (d *diskTier) put(key string, value []byte) (int, error) {
	if d.isClosed() {
		return 0, errTierClosed
	}
	now := d.now()
	hdr := diskHeader{Key: key, CreatedAt: now, Size: int64(len(value)), Compressed: d.compress}
	payload := value
	if d.compress {
		payload = d.enc.EncodeAll(value, make([]byte, 0, len(value)/2))
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(line) + 1 + len(payload))
	buf.Write(line)
	buf.WriteByte('\n')
	buf.Write(payload)
	fileSize := int64(buf.Len())

	if d.maxBytes > 0 && fileSize > d.maxBytes {
		return 0, fmt.Errorf("entry of %d bytes exceeds disk tier capacity %d", fileSize, d.maxBytes)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errTierClosed
	}

	final := d.path(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return 0, fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), "."+key+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	if old, found := d.index[key]; found {
		d.total -= old.fileSize
	}
	d.index[key] = &diskMeta{
		createdAt:  now,
		accessedAt: now,
		fileSize:   fileSize,
		size:       hdr.Size,
		compressed: hdr.Compressed,
	}
	d.total += fileSize

	return d.evictLocked(key), nil
}

// evictLocked removes least recently accessed entries, never keep, until
// the tier fits maxBytes.
func (d *diskTier) evictLocked(keep string) int {
	if d.maxBytes <= 0 || d.total <= d.maxBytes {
		return 0
	}

	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		if k != keep {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return d.index[keys[i]].accessedAt.Before(d.index[keys[j]].accessedAt)
	})

	evicted := 0
	for _, k := range keys {
		if d.total <= d.maxBytes {
			break
		}
		d.removeLocked(k)
		evicted++
	}
	return evicted
}

func (d *diskTier) remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, found := d.index[key]; !found || d.closed {
		return false
	}
	d.removeLocked(key)
	return true
}

// removeLocked must be called with mu held.
func (d *diskTier) removeLocked(key string) {
	m, found := d.index[key]
	if !found {
		return
	}
	_ = os.Remove(d.path(key))
	d.total -= m.fileSize
	delete(d.index, key)
}

func (d *diskTier) clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	n := len(d.index)
	for key := range d.index {
		d.removeLocked(key)
	}
	return n
}

func (d *diskTier) reap() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	now := d.now()
	removed := 0
	for key, m := range d.index {
		if d.expired(m, now) {
			d.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (d *diskTier) stats() (items int, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index), d.total
}

func (d *diskTier) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// close releases the codecs and the directory lock. Files stay on disk; a
// closed tier answers every read with a miss.
func (d *diskTier) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.dec.Close()
	err := d.enc.Close()
	if uerr := d.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
