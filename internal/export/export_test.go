package export

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/apperrors"
)

// fakePandoc writes an executable shell script standing in for pandoc.
func fakePandoc(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "pandoc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// copyScript copies the markdown input to --output and records its args.
const copyScript = `out=""
echo "$@" > "$(dirname "$0")/args"
while [ $# -gt 1 ]; do
  case "$1" in --output) out="$2"; shift;; esac
  shift
done
cat "$1" > "$out"
`

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"report", "report"},
		{"My Document", "My Document"},
		{"文档<>:tests", "文档tests"},
		{`a/b\c|d?e*f"g`, "abcdefg"},
		{"tab\tand\nnewline", "tabandnewline"},
		{"  ..hidden.. ", "hidden"},
		{"", FallbackFilename},
		{"<>:|", FallbackFilename},
		{"...", FallbackFilename},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeFilename_TruncatesRunes(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("测", 250)
	got := SanitizeFilename(long)
	assert.Equal(t, 200, len([]rune(got)))
	assert.True(t, strings.HasPrefix(long, got))
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "scan-01", BaseName("/data/in/scan-01.png"))
	assert.Equal(t, "invoice", BaseName("https://example.com/docs/invoice.pdf?sig=abc"))
	assert.Equal(t, "page", BaseName(`C:\scans\page.tiff`))
	assert.Equal(t, FallbackFilename, BaseName("/data/in/.png"))
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()
	base := t.TempDir()

	got, err := SafeJoin(base, "out/report.docx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "out", "report.docx"), got)

	rejected := []string{"", "../exploit.png", "a/../../exploit.png", "/etc/passwd"}
	for _, rel := range rejected {
		_, err := SafeJoin(base, rel)
		require.Error(t, err, "rel %q", rel)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), "rel %q", rel)
	}

	// Dot segments that stay inside base are fine.
	got, err = SafeJoin(base, "a/../b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "b.txt"), got)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	ext, ok := Extension("DOCX")
	assert.True(t, ok)
	assert.Equal(t, ".docx", ext)

	_, ok = Extension("pdf")
	assert.False(t, ok)
}

func TestPandoc_Export(t *testing.T) {
	t.Parallel()
	bin := fakePandoc(t, copyScript)
	out := t.TempDir()
	p := NewPandoc(Config{Path: bin, TempDir: t.TempDir()})

	path, err := p.Export(t.Context(), "# Title\n\n| a | b |\n", "docx", out, "../../scan<1>")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "scan1.docx"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\n| a | b |\n", string(data))

	args, err := os.ReadFile(filepath.Join(filepath.Dir(bin), "args"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--from gfm+pipe_tables+hard_line_breaks --to docx --wrap=none")

	leftovers, err := filepath.Glob(filepath.Join(p.config.TempDir, "docflow-export-*.md"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "scratch input must be removed")
}

func TestPandoc_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	p := NewPandoc(Config{Path: "/nonexistent/pandoc"})

	_, err := p.Export(t.Context(), "text", "pdf", t.TempDir(), "x")
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.ErrorIs(t, p.Convert(t.Context(), "text", "pdf", "x.pdf"), apperrors.ErrValidation)
}

func TestPandoc_FailureCarriesStderr(t *testing.T) {
	t.Parallel()
	bin := fakePandoc(t, "echo 'unknown writer' >&2\nexit 3\n")
	p := NewPandoc(Config{Path: bin})

	err := p.Convert(t.Context(), "text", "odt", filepath.Join(t.TempDir(), "x.odt"))
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, "odt", exportErr.Format)
	assert.Equal(t, "unknown writer", exportErr.Stderr)
}

func TestPandoc_Timeout(t *testing.T) {
	t.Parallel()
	bin := fakePandoc(t, "exec sleep 5\n")
	p := NewPandoc(Config{Path: bin, Timeout: 100 * time.Millisecond})

	start := time.Now()
	err := p.Convert(t.Context(), "text", "html", filepath.Join(t.TempDir(), "x.html"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPandoc_Available(t *testing.T) {
	t.Parallel()

	ok := NewPandoc(Config{Path: fakePandoc(t, "exit 0\n")})
	require.NoError(t, ok.Available(t.Context()))

	missing := NewPandoc(Config{Path: "/nonexistent/pandoc"})
	require.ErrorIs(t, missing.Available(t.Context()), apperrors.ErrUnavailable)
}
