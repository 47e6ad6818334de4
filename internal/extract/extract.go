// Package extract defines the recognition collaborator the orchestrator
// calls for every job, plus an HTTP client for remote recognition
// services.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// Input is what a worker hands to an extractor.
type Input struct {
	Reference string         `json:"reference"` // local path or http(s) URL
	Hint      string         `json:"hint,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result is structured recognition output.
type Result struct {
	Text     string            `json:"text"`
	Pages    int               `json:"pages,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Extractor turns a document into text. Implementations must honour ctx
// and report failures as errors rather than panicking.
type Extractor interface {
	Extract(ctx context.Context, in Input) (Result, error)
}

// Func adapts an ordinary function to Extractor.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Extract(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// Error codes reported by extractors.
const (
	CodeInvalidInput = "invalid_input"
	CodeRejected     = "rejected"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeTimeout      = "timeout"
	CodeBadResponse  = "bad_response"
	CodeCircuitOpen  = "circuit_open"
)

// Error is a structured collaborator failure.
type Error struct {
	Code       string
	Message    string
	StatusCode int // HTTP status when the failure came from a response
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("extract %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("extract %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// Readiness is implemented by extractors that can report whether they
// are currently able to serve calls.
type Readiness interface {
	Ready(ctx context.Context) error
}
