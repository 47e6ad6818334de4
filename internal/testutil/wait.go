// Package testutil provides polling helpers for tests that observe
// asynchronous workers, caches and dispatchers.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures the polling helpers.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Message  string // reported when a Must helper times out
}

// WaitOption is a functional option for the polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WithMessage describes what is being waited for in timeout failures.
func WithMessage(msg string) WaitOption {
	return func(o *WaitOptions) {
		o.Message = msg
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
		Message:  "condition",
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Counter is satisfied by *atomic.Int64.
type Counter interface {
	Load() int64
}

// WaitForValue polls fn until it reports ok, the timeout passes or the
// test's context ends. It returns the last value fn produced.
func WaitForValue[T any](tb testing.TB, fn func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()
	o := resolve(opts)

	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	for {
		v, ok := fn()
		if ok {
			return v, true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			v, ok = fn()
			return v, ok
		case <-tb.Context().Done():
			return v, false
		}
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := WaitForValue(tb, func() (struct{}, bool) {
		return struct{}{}, condition()
	}, opts...)
	return ok
}

// WaitForCount polls until counter reaches the target value or timeout is reached.
// Returns true if target was reached, false on timeout.
func WaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("timed out waiting for %s", resolve(opts).Message)
	}
}

// MustWaitForValue is WaitForValue that fails the test on timeout.
func MustWaitForValue[T any](tb testing.TB, fn func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := WaitForValue(tb, fn, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for %s (last value: %+v)", resolve(opts).Message, v)
	}
	return v
}

// MustWaitForCount polls until counter reaches the target value or fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
