// Package pipeline drives a set of inputs through the orchestrator one
// planned group at a time: plan, submit the group, wait for it, re-plan
// the remainder against the budget that is available then.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"docflow/internal/job"
	"docflow/internal/planner"

	"github.com/docker/go-units"
)

// Orchestrator is the part of the job orchestrator the runner drives.
type Orchestrator interface {
	SubmitBatch(reqs []job.Request) ([]string, error)
	Wait(ctx context.Context, id string) (job.View, error)
	Cancel(id string) bool
}

// Budget reports how many bytes the next group may use.
type Budget interface {
	AvailableBytes() int64
}

// MetricsRecorder is an optional interface for recording plan metrics.
type MetricsRecorder interface {
	RecordPlan(ctx context.Context, groups, items int)
}

// Config holds configuration for a Runner.
type Config struct {
	Orchestrator Orchestrator     // required
	Planner      *planner.Planner // default: planner.New(planner.Config{})
	Budget       Budget           // nil means only the group cap applies
	Metrics      MetricsRecorder

	Hint    string
	Options map[string]any

	// OnResult is called once per input as soon as its job ends.
	OnResult func(job.View)
}

// Runner executes inputs group by group.
type Runner struct {
	config Config
	logger *slog.Logger
}

// New creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Planner == nil {
		cfg.Planner = planner.New(planner.Config{})
	}
	return &Runner{
		config: cfg,
		logger: slog.With("component", "pipeline"),
	}, nil
}

// Summary is the outcome of a Run.
type Summary struct {
	Views     []job.View     `json:"views"`
	Groups    int            `json:"groups"`
	Counts    map[string]int `json:"counts"`
	CacheHits int            `json:"cacheHits"`
}

// Failed reports whether any job did not complete.
func (s Summary) Failed() bool {
	return s.Counts[string(job.StatusCompleted)] != len(s.Views)
}

// Run submits every reference and waits for all of them. Views are
// returned in input order. When ctx ends, jobs already submitted are
// cancelled and ctx's error is returned with the views gathered so far.
func (r *Runner) Run(ctx context.Context, refs []string) (Summary, error) {
	summary := Summary{Counts: make(map[string]int)}
	if len(refs) == 0 {
		return summary, nil
	}

	items := make([]planner.Item, len(refs))
	for i, ref := range refs {
		items[i] = planner.Item{ID: ref, Size: sizeOf(ref)}
	}
	order := make(map[string][]int, len(refs))
	for i, ref := range refs {
		order[ref] = append(order[ref], i)
	}
	views := make([]job.View, len(refs))

	remaining := items
	for len(remaining) > 0 {
		budget := planner.Unbounded
		if r.config.Budget != nil {
			budget = max(r.config.Budget.AvailableBytes(), 0)
		}
		groups := r.config.Planner.Plan(remaining, budget)
		if r.config.Metrics != nil {
			r.config.Metrics.RecordPlan(ctx, len(groups), len(remaining))
		}
		group := groups[0]
		summary.Groups++
		r.logger.Info("Running group",
			"group", summary.Groups,
			"items", len(group),
			"budget", units.BytesSize(float64(max(budget, 0))),
			"left", len(remaining)-len(group))

		groupViews, err := r.runGroup(ctx, group)
		for i, v := range groupViews {
			ref := group[i].ID
			idx := order[ref][0]
			order[ref] = order[ref][1:]
			views[idx] = v
		}
		if err != nil {
			summary.Views = views
			return summary, err
		}

		remaining = remaining[:0:0]
		for _, g := range groups[1:] {
			remaining = append(remaining, g...)
		}
	}

	for _, v := range views {
		summary.Counts[string(v.Status)]++
		if v.CacheHit {
			summary.CacheHits++
		}
	}
	summary.Views = views
	return summary, nil
}

func (r *Runner) runGroup(ctx context.Context, group []planner.Item) ([]job.View, error) {
	reqs := make([]job.Request, len(group))
	for i, item := range group {
		reqs[i] = job.Request{Reference: item.ID, Hint: r.config.Hint, Options: r.config.Options}
	}
	ids, err := r.config.Orchestrator.SubmitBatch(reqs)
	if err != nil {
		return nil, fmt.Errorf("submitting group: %w", err)
	}

	views := make([]job.View, 0, len(ids))
	for i, id := range ids {
		v, err := r.config.Orchestrator.Wait(ctx, id)
		if err != nil {
			for _, rest := range ids[i:] {
				r.config.Orchestrator.Cancel(rest)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.logger.Warn("Run interrupted", "pending", len(ids)-i)
			}
			return views, err
		}
		if r.config.OnResult != nil {
			r.config.OnResult(v)
		}
		views = append(views, v)
	}
	return views, nil
}

// sizeOf returns the size of a local file, or 0 (unknown) for remote or
// unreadable references.
func sizeOf(ref string) int64 {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return 0
	}
	info, err := os.Stat(ref)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
