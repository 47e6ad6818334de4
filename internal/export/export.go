// Package export converts extracted text into office documents with
// pandoc and guards the filesystem paths the results are written to.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"docflow/internal/apperrors"
)

// Markdown dialect handed to pandoc. Extracted text is GitHub flavoured
// markdown with pipe tables and significant line breaks.
const inputFormat = "gfm+pipe_tables+hard_line_breaks"

// extensions maps supported pandoc output formats to file extensions.
var extensions = map[string]string{
	"docx":     ".docx",
	"odt":      ".odt",
	"html":     ".html",
	"rtf":      ".rtf",
	"epub":     ".epub",
	"latex":    ".tex",
	"markdown": ".md",
	"plain":    ".txt",
}

// Extension returns the file extension for format, or false when the
// format is not supported.
func Extension(format string) (string, bool) {
	ext, ok := extensions[strings.ToLower(format)]
	return ext, ok
}

// Config holds exporter settings.
type Config struct {
	Path    string        // pandoc binary (default: "pandoc")
	Timeout time.Duration // per conversion (default: 30s)
	TempDir string        // scratch space for markdown input (default: os.TempDir())
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "pandoc"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// Error reports a failed conversion with pandoc's stderr attached.
type Error struct {
	Format string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pandoc export to %s failed: %v", e.Format, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Pandoc runs the pandoc CLI. It is safe for concurrent use.
type Pandoc struct {
	config Config
	logger *slog.Logger
}

// NewPandoc creates an exporter. The binary is not looked up until the
// first conversion; see Available.
func NewPandoc(cfg Config) *Pandoc {
	return &Pandoc{
		config: cfg.withDefaults(),
		logger: slog.With("component", "export"),
	}
}

// Available reports whether the pandoc binary can be run.
func (p *Pandoc) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	if err := exec.CommandContext(ctx, p.config.Path, "--version").Run(); err != nil {
		return apperrors.Unavailable("pandoc", err.Error())
	}
	return nil
}

// Convert writes text to a scratch markdown file and converts it to
// format at outPath. outPath must already be a vetted destination; use
// Export to derive one from an untrusted name.
func (p *Pandoc) Convert(ctx context.Context, text, format, outPath string) error {
	if _, ok := Extension(format); !ok {
		return apperrors.Validation("format", fmt.Sprintf("unsupported export format %q", format))
	}

	in, err := os.CreateTemp(p.config.TempDir, "docflow-export-*.md")
	if err != nil {
		return fmt.Errorf("create export input: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.WriteString(text); err != nil {
		in.Close()
		return fmt.Errorf("write export input: %w", err)
	}
	if err := in.Close(); err != nil {
		return fmt.Errorf("close export input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.config.Path,
		"--from", inputFormat,
		"--to", strings.ToLower(format),
		"--wrap=none",
		"--output", outPath,
		in.Name(),
	)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", p.config.Timeout)
		}
		return &Error{Format: format, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	p.logger.Debug("Exported document", "format", format, "path", outPath, "duration", time.Since(start))
	return nil
}

// Export converts text into baseDir under a sanitised form of name plus
// the format's extension and returns the written path.
func (p *Pandoc) Export(ctx context.Context, text, format, baseDir, name string) (string, error) {
	ext, ok := Extension(format)
	if !ok {
		return "", apperrors.Validation("format", fmt.Sprintf("unsupported export format %q", format))
	}
	out, err := SafeJoin(baseDir, SanitizeFilename(name)+ext)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	if err := p.Convert(ctx, text, format, out); err != nil {
		return "", err
	}
	return out, nil
}
