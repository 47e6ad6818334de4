//go:build tesseract

package main

import (
	"docflow/internal/extract"
	"docflow/internal/extract/tesseract"
)

func newTesseract(languages []string) (extract.Extractor, error) {
	return tesseract.New(languages...), nil
}
