//go:build tesseract

// Package tesseract implements a local extract.Extractor backed by the
// Tesseract OCR engine. Building it requires libtesseract and the
// `tesseract` build tag.
package tesseract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"docflow/internal/extract"

	"github.com/otiai10/gosseract/v2"
)

// Engine runs OCR in-process. Each call uses its own client, so an Engine
// is safe for concurrent use.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
}

// New creates an engine for the given languages (default: eng).
func New(languages ...string) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Engine{languages: languages, clientFactory: gosseract.NewClient}
}

// Extract reads the referenced local image and returns its text. The
// "lang" option, when present, overrides the engine languages with a
// '+'-separated list.
func (e *Engine) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	if err := ctx.Err(); err != nil {
		return extract.Result{}, err
	}
	data, err := os.ReadFile(in.Reference)
	if err != nil {
		return extract.Result{}, &extract.Error{Code: extract.CodeInvalidInput, Message: "cannot read input", Cause: err}
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return extract.Result{}, &extract.Error{Code: extract.CodeInvalidInput, Message: "unsupported image", Cause: err}
	}
	langs := e.languages
	if v, ok := in.Options["lang"].(string); ok && v != "" {
		langs = strings.Split(v, "+")
	}
	if err := c.SetLanguage(langs...); err != nil {
		return extract.Result{}, fmt.Errorf("set languages: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return extract.Result{}, &extract.Error{Code: extract.CodeBadResponse, Message: "recognition failed", Cause: err}
	}
	if err := ctx.Err(); err != nil {
		return extract.Result{}, err
	}
	return extract.Result{
		Text:     strings.TrimSpace(text),
		Pages:    1,
		Metadata: map[string]string{"engine": "tesseract", "languages": strings.Join(langs, "+")},
	}, nil
}

var _ extract.Extractor = (*Engine)(nil)
