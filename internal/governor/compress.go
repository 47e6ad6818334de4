package governor

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// Item is an image the governor may downsize before extraction.
type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Inspect reads an image's size and dimensions without decoding pixels.
func Inspect(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Item{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Item{}, fmt.Errorf("decode image config: %w", err)
	}
	return Item{Path: path, Size: info.Size(), Width: cfg.Width, Height: cfg.Height}, nil
}

type memoKey struct {
	path  string
	size  int64
	mtime int64
}

func memoKeyFor(item Item) (memoKey, error) {
	info, err := os.Stat(item.Path)
	if err != nil {
		return memoKey{}, err
	}
	return memoKey{path: item.Path, size: info.Size(), mtime: info.ModTime().UnixNano()}, nil
}

// ShouldCompress reports whether item should be downsized: it is larger
// than the size floor while memory usage is above the cleanup threshold, or
// its longest side exceeds the maximum dimension.
func (g *Governor) ShouldCompress(item Item) bool {
	if max(item.Width, item.Height) > g.config.MaxDimension {
		return true
	}
	return item.Size > g.config.CompressFloor && g.Usage() > g.Threshold()
}

// Compress scales item to fit within the target dimension and re-encodes
// it as JPEG into the temp directory. Results are memoised per source path,
// size and modification time until the next Cleanup.
func (g *Governor) Compress(item Item) (Item, error) {
	key, err := memoKeyFor(item)
	if err != nil {
		return Item{}, fmt.Errorf("stat source: %w", err)
	}

	g.mu.Lock()
	if out, ok := g.memo[key]; ok {
		if _, err := os.Stat(out.Path); err == nil {
			g.mu.Unlock()
			return out, nil
		}
		delete(g.memo, key)
	}
	g.mu.Unlock()

	src, err := os.Open(item.Path)
	if err != nil {
		return Item{}, fmt.Errorf("open source: %w", err)
	}
	img, _, err := image.Decode(src)
	src.Close()
	if err != nil {
		return Item{}, fmt.Errorf("decode source: %w", err)
	}

	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), g.config.TargetDimension)
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	if err := os.MkdirAll(g.config.TempDir, 0o755); err != nil {
		return Item{}, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(g.config.TempDir, "compressed-*.jpg")
	if err != nil {
		return Item{}, fmt.Errorf("create temp file: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: g.config.Quality}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return Item{}, fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return Item{}, fmt.Errorf("close temp file: %w", err)
	}
	info, err := os.Stat(f.Name())
	if err != nil {
		return Item{}, err
	}

	out := Item{Path: f.Name(), Size: info.Size(), Width: w, Height: h}
	g.mu.Lock()
	g.temps[out.Path] = g.now()
	g.memo[key] = out
	g.mu.Unlock()

	g.logger.Debug("Image compressed",
		"source", item.Path,
		"from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"to", fmt.Sprintf("%dx%d", w, h),
	)
	return out, nil
}

// Prepare returns the path a worker should hand to the extractor: a
// compressed copy when path is an image that ShouldCompress, otherwise
// path itself. Non-images and compression failures fall back to path.
func (g *Governor) Prepare(path string) string {
	item, err := Inspect(path)
	if err != nil {
		return path
	}
	if !g.ShouldCompress(item) {
		return path
	}
	out, err := g.Compress(item)
	if err != nil {
		g.logger.Warn("Compression failed, using original", "path", path, "error", err)
		return path
	}
	return out.Path
}

// ReapTemp removes registered temp files older than the configured
// lifetime and returns how many were removed.
func (g *Governor) ReapTemp() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for path, created := range g.temps {
		if now.Sub(created) < g.config.TempLifetime {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			g.logger.Warn("Failed to remove temp file", "path", path, "error", err)
			continue
		}
		delete(g.temps, path)
		for k, out := range g.memo {
			if out.Path == path {
				delete(g.memo, k)
			}
		}
		removed++
	}
	if removed > 0 && g.metrics != nil {
		g.metrics.RecordGovernorTempReaped(context.Background(), removed)
	}
	return removed
}

// TempFiles returns the number of registered temp files.
func (g *Governor) TempFiles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.temps)
}

// fitWithin scales (w, h) down so the longest side is at most limit,
// preserving aspect ratio.
func fitWithin(w, h, limit int) (int, int) {
	longest := max(w, h)
	if limit <= 0 || longest <= limit {
		return w, h
	}
	scale := float64(limit) / float64(longest)
	return max(int(float64(w)*scale+0.5), 1), max(int(float64(h)*scale+0.5), 1)
}
