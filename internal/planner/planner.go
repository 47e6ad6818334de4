// Package planner groups work items into batches whose estimated peak
// memory fits a budget.
package planner

import (
	"log/slog"
	"slices"

	"github.com/docker/go-units"
)

// Unbounded is the budget that disables the memory bound; only the group
// cap applies.
const Unbounded int64 = -1

// Item is one unit of planned work. Size is a cheap proxy for its memory
// cost, usually the source file size; zero or negative means unknown.
type Item struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Config holds configuration for the planner.
type Config struct {
	Amplification    float64 // estimated working set per byte of input (default: 4)
	Headroom         float64 // fraction of the budget held back (default: 0.5)
	Workers          int     // orchestrator pool size (default: 3)
	GroupCapMultiple int     // max group size as a multiple of Workers (default: 2)
	DefaultItemSize  int64   // size assumed for items with unknown size (default: 1MiB)
}

func (c Config) withDefaults() Config {
	if c.Amplification <= 0 {
		c.Amplification = 4
	}
	if c.Headroom <= 0 || c.Headroom >= 1 {
		c.Headroom = 0.5
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.GroupCapMultiple <= 0 {
		c.GroupCapMultiple = 2
	}
	if c.DefaultItemSize <= 0 {
		c.DefaultItemSize = units.MiB
	}
	return c
}

// Planner partitions items into memory-bounded groups. It is stateless
// and safe for concurrent use.
type Planner struct {
	config Config
	logger *slog.Logger
}

// New creates a planner.
func New(cfg Config) *Planner {
	return &Planner{config: cfg.withDefaults(), logger: slog.With("component", "planner")}
}

// Estimate returns the projected peak working set of item.
func (p *Planner) Estimate(item Item) int64 {
	size := item.Size
	if size <= 0 {
		size = p.config.DefaultItemSize
	}
	return int64(float64(size) * p.config.Amplification)
}

// EffectiveBudget is the part of budget groups may fill. It is zero when
// budget is not positive, in which case every item is planned alone.
func (p *Planner) EffectiveBudget(budget int64) int64 {
	if budget <= 0 {
		return 0
	}
	return int64(float64(budget) * (1 - p.config.Headroom))
}

// GroupCap is the largest number of items a single group may hold.
func (p *Planner) GroupCap() int {
	return p.config.Workers * p.config.GroupCapMultiple
}

// Plan sorts items by ascending size and greedily fills groups while the
// summed estimate stays within the effective budget and the group is below
// the cap. An item whose own estimate exceeds the budget is placed alone.
// A zero budget, or one too small to hold any item, plans every item
// alone. A negative budget (Unbounded) disables the memory bound; only the
// cap applies.
// The input slice is not modified.
func (p *Planner) Plan(items []Item, budget int64) [][]Item {
	if len(items) == 0 {
		return nil
	}

	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b Item) int {
		switch {
		case a.Size < b.Size:
			return -1
		case a.Size > b.Size:
			return 1
		default:
			return 0
		}
	})

	bounded := budget >= 0
	limit := p.EffectiveBudget(budget)
	groupCap := p.GroupCap()

	var (
		groups  [][]Item
		current []Item
		total   int64
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			total = 0
		}
	}

	for _, item := range sorted {
		est := p.Estimate(item)
		overBudget := bounded && total+est > limit
		if len(current) > 0 && (overBudget || len(current) >= groupCap) {
			flush()
		}
		current = append(current, item)
		total += est
		if bounded && est > limit {
			flush()
		}
	}
	flush()

	p.logger.Debug("Plan built",
		"items", len(items),
		"groups", len(groups),
		"bounded", bounded,
		"budget", units.BytesSize(float64(max(budget, 0))),
		"effective", units.BytesSize(float64(limit)),
	)
	return groups
}
