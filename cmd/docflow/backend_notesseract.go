//go:build !tesseract

package main

import (
	"errors"

	"docflow/internal/extract"
)

func newTesseract([]string) (extract.Extractor, error) {
	return nil, errors.New("this binary was built without the tesseract build tag")
}
