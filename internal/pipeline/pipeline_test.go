package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docflow/internal/extract"
	"docflow/internal/job"
	"docflow/internal/planner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedBudget int64

func (b fixedBudget) AvailableBytes() int64 { return int64(b) }

type planRecorder struct {
	mu    sync.Mutex
	plans [][2]int
}

func (p *planRecorder) RecordPlan(_ context.Context, groups, items int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, [2]int{groups, items})
}

func writeFiles(t *testing.T, sizes ...int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(sizes))
	for i, size := range sizes {
		paths[i] = filepath.Join(dir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(paths[i], make([]byte, size), 0o644))
	}
	return paths
}

func newOrchestrator(t *testing.T, workers int, ext extract.Extractor) *job.Orchestrator {
	t.Helper()
	o, err := job.New(job.Config{Workers: workers, Extractor: ext})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func TestNew_RequiresOrchestrator(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRun_GroupsRespectBudget(t *testing.T) {
	paths := writeFiles(t, 100, 100, 100, 100, 100)

	var inFlight, peak atomic.Int64
	ext := extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return extract.Result{Text: filepath.Base(in.Reference)}, nil
	})

	metrics := &planRecorder{}
	var results atomic.Int64
	r, err := New(Config{
		Orchestrator: newOrchestrator(t, 4, ext),
		// estimate 100*4 = 400 per item; effective budget 1000*0.5 = 500
		Planner:  planner.New(planner.Config{Amplification: 4, Headroom: 0.5, Workers: 4}),
		Budget:   fixedBudget(1000),
		Metrics:  metrics,
		OnResult: func(job.View) { results.Add(1) },
	})
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Groups)
	assert.Equal(t, int64(1), peak.Load(), "a group holds one item at this budget")
	assert.Equal(t, int64(5), results.Load())
	assert.False(t, summary.Failed())
	require.Len(t, summary.Views, 5)
	for i, v := range summary.Views {
		assert.Equal(t, paths[i], v.Reference)
		assert.Equal(t, job.StatusCompleted, v.Status)
		assert.Equal(t, filepath.Base(paths[i]), v.Result.Text)
	}
	require.NotEmpty(t, metrics.plans)
	assert.Equal(t, [2]int{5, 5}, metrics.plans[0])
}

func TestRun_NoBudgetUsesGroupCap(t *testing.T) {
	refs := []string{
		"https://example.com/1.png", "https://example.com/2.png",
		"https://example.com/3.png", "https://example.com/4.png",
		"https://example.com/5.png",
	}
	ext := extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		if in.Reference == refs[2] {
			return extract.Result{}, &extract.Error{Code: extract.CodeRejected, Message: "unreadable"}
		}
		return extract.Result{Text: "ok"}, nil
	})

	r, err := New(Config{
		Orchestrator: newOrchestrator(t, 2, ext),
		Planner:      planner.New(planner.Config{Workers: 1, GroupCapMultiple: 2}),
	})
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Groups)
	assert.True(t, summary.Failed())
	assert.Equal(t, 4, summary.Counts[string(job.StatusCompleted)])
	assert.Equal(t, 1, summary.Counts[string(job.StatusFailed)])
	assert.Equal(t, job.StatusFailed, summary.Views[2].Status)
}

func TestRun_ExhaustedBudgetRunsItemsAlone(t *testing.T) {
	refs := []string{"https://example.com/1.png", "https://example.com/2.png", "https://example.com/3.png"}
	ext := extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		return extract.Result{Text: "ok"}, nil
	})

	for _, available := range []int64{0, -1} {
		r, err := New(Config{
			Orchestrator: newOrchestrator(t, 3, ext),
			Planner:      planner.New(planner.Config{Workers: 3}),
			Budget:       fixedBudget(available),
		})
		require.NoError(t, err)

		summary, err := r.Run(context.Background(), refs)
		require.NoError(t, err)
		assert.Equalf(t, 3, summary.Groups, "available %d", available)
		assert.False(t, summary.Failed())
	}
}

func TestRun_DuplicateReferencesKeepInputOrder(t *testing.T) {
	ext := extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		return extract.Result{Text: in.Reference}, nil
	})
	r, err := New(Config{Orchestrator: newOrchestrator(t, 2, ext)})
	require.NoError(t, err)

	refs := []string{"https://example.com/x.png", "https://example.com/y.png", "https://example.com/x.png"}
	summary, err := r.Run(context.Background(), refs)
	require.NoError(t, err)
	for i, v := range summary.Views {
		assert.Equal(t, refs[i], v.Reference)
	}
	assert.NotEqual(t, summary.Views[0].ID, summary.Views[2].ID)
}

func TestRun_ContextCancelledCancelsJobs(t *testing.T) {
	ext := extract.Func(func(ctx context.Context, in extract.Input) (extract.Result, error) {
		<-ctx.Done()
		return extract.Result{}, ctx.Err()
	})
	o := newOrchestrator(t, 2, ext)
	r, err := New(Config{Orchestrator: o})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, []string{"https://example.com/a.png", "https://example.com/b.png"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for _, v := range o.StatusAll() {
		assert.Equal(t, job.StatusCancelled, v.Status)
	}
}

func TestRun_Empty(t *testing.T) {
	r, err := New(Config{Orchestrator: newOrchestrator(t, 1, extract.Func(nil))})
	require.NoError(t, err)
	summary, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Groups)
	assert.False(t, summary.Failed())
}

func TestSizeOf(t *testing.T) {
	paths := writeFiles(t, 42)
	assert.Equal(t, int64(42), sizeOf(paths[0]))
	assert.Zero(t, sizeOf("https://example.com/a.png"))
	assert.Zero(t, sizeOf(filepath.Join(t.TempDir(), "missing")))
	assert.Zero(t, sizeOf(t.TempDir()))
}
