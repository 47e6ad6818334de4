package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	if !WaitFor(t, func() bool { return true }, WithTimeout(time.Second)) {
		t.Error("expected WaitFor to return true for immediate success")
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(10*time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestWaitForValue_ReturnsLastValue(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	go func() {
		for range 5 {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}
	}()

	v, ok := WaitForValue(t, func() (int64, bool) {
		v := n.Load()
		return v, v == 5
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))
	if !ok || v != 5 {
		t.Errorf("expected (5, true), got (%d, %v)", v, ok)
	}

	v, ok = WaitForValue(t, func() (int64, bool) {
		return 7, false
	}, WithTimeout(20*time.Millisecond), WithInterval(5*time.Millisecond))
	if ok || v != 7 {
		t.Errorf("expected (7, false), got (%d, %v)", v, ok)
	}
}

func TestMustWaitForValue(t *testing.T) {
	t.Parallel()
	got := MustWaitForValue(t, func() (string, bool) {
		return "ready", true
	}, WithTimeout(time.Second))
	if got != "ready" {
		t.Errorf("expected ready, got %q", got)
	}
}

func TestWaitForCount_Success(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64

	go func() {
		for range 5 {
			time.Sleep(10 * time.Millisecond)
			counter.Add(1)
		}
	}()

	if !WaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(10*time.Millisecond)) {
		t.Error("expected WaitForCount to return true")
	}
}

func TestWaitForCount_Timeout(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	counter.Store(2)

	if WaitForCount(t, &counter, 10, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond)) {
		t.Error("expected WaitForCount to return false on timeout")
	}
}

func TestMustWaitFor_Success(t *testing.T) {
	t.Parallel()
	MustWaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))
}

func TestMustWaitForCount_Success(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	counter.Store(5)

	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestOptions(t *testing.T) {
	t.Parallel()
	o := resolve([]WaitOption{WithTimeout(5 * time.Second), WithInterval(50 * time.Millisecond), WithMessage("cache reap")})

	if o.Timeout != 5*time.Second {
		t.Errorf("expected Timeout to be 5s, got %v", o.Timeout)
	}
	if o.Interval != 50*time.Millisecond {
		t.Errorf("expected Interval to be 50ms, got %v", o.Interval)
	}
	if o.Message != "cache reap" {
		t.Errorf("expected Message to be set, got %q", o.Message)
	}
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()

	if opts.Timeout != 30*time.Second {
		t.Errorf("expected default Timeout to be 30s, got %v", opts.Timeout)
	}
	if opts.Interval != 100*time.Millisecond {
		t.Errorf("expected default Interval to be 100ms, got %v", opts.Interval)
	}
}
