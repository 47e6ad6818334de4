package export

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"docflow/internal/apperrors"
)

// FallbackFilename replaces names that sanitise to nothing.
const FallbackFilename = "scanned_document"

const maxFilenameRunes = 200

const forbiddenChars = `<>:"|?*\/`

// SanitizeFilename strips characters that are unsafe in file names on
// common filesystems, trims surrounding spaces and dots, and truncates
// to 200 runes. It never returns an empty string.
func SanitizeFilename(name string) string {
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(forbiddenChars, r) {
			return -1
		}
		return r
	}, name)
	clean = strings.Trim(clean, " .")
	if clean == "" {
		return FallbackFilename
	}
	if utf8.RuneCountInString(clean) > maxFilenameRunes {
		clean = string([]rune(clean)[:maxFilenameRunes])
	}
	return clean
}

// BaseName returns the sanitised file name of a path or URL reference
// without its extension, for naming the export of a source document.
func BaseName(ref string) string {
	if strings.Contains(ref, "://") {
		if i := strings.IndexAny(ref, "?#"); i >= 0 {
			ref = ref[:i]
		}
	}
	if i := strings.LastIndexAny(ref, `/\`); i >= 0 {
		ref = ref[i+1:]
	}
	return SanitizeFilename(strings.TrimSuffix(ref, filepath.Ext(ref)))
}

// SafeJoin joins rel onto base and refuses results that escape base.
// Absolute rel paths are rejected.
func SafeJoin(base, rel string) (string, error) {
	if rel == "" {
		return "", apperrors.Validation("path", "path is required")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", apperrors.Validation("path", "path must be relative, not absolute")
	}
	root, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base directory: %w", err)
	}
	joined := filepath.Join(root, rel)
	within, err := filepath.Rel(root, joined)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", apperrors.Validation("path", "path traversal not allowed")
	}
	return joined, nil
}
