package planner

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(sizes ...int64) []Item {
	out := make([]Item, len(sizes))
	for i, s := range sizes {
		out[i] = Item{ID: fmt.Sprintf("item-%d", i), Size: s}
	}
	return out
}

func TestPlan_TenHundredMegabyteItems(t *testing.T) {
	t.Parallel()
	p := New(Config{Amplification: 1})

	in := make([]int64, 10)
	for i := range in {
		in[i] = 100 * units.MB
	}
	groups := p.Plan(items(in...), 500*units.MB)

	require.Len(t, groups, 5)
	for _, g := range groups {
		assert.LessOrEqual(t, len(g), 2)
	}
}

func TestPlan_SortsAscending(t *testing.T) {
	t.Parallel()
	p := New(Config{})

	groups := p.Plan(items(30, 10, 20), Unbounded)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{10, 20, 30}, []int64{groups[0][0].Size, groups[0][1].Size, groups[0][2].Size})
}

func TestPlan_OversizedItemAlone(t *testing.T) {
	t.Parallel()
	p := New(Config{Amplification: 1})

	groups := p.Plan(items(10, 20, 1000, 30), 100)
	require.Len(t, groups, 3)
	assert.Equal(t, []Item{{ID: "item-0", Size: 10}, {ID: "item-1", Size: 20}}, groups[0])
	assert.Equal(t, []Item{{ID: "item-3", Size: 30}}, groups[1])
	assert.Equal(t, []Item{{ID: "item-2", Size: 1000}}, groups[2])
}

func TestPlan_GroupCap(t *testing.T) {
	t.Parallel()
	p := New(Config{Workers: 2, GroupCapMultiple: 2})

	in := make([]int64, 9)
	for i := range in {
		in[i] = 1
	}
	groups := p.Plan(items(in...), Unbounded)

	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 4)
	assert.Len(t, groups[1], 4)
	assert.Len(t, groups[2], 1)
}

func TestPlan_TinyBudgetPlansItemsAlone(t *testing.T) {
	t.Parallel()
	p := New(Config{})

	for _, budget := range []int64{0, 1} {
		groups := p.Plan(items(1, 1, 1, 1), budget)
		require.Lenf(t, groups, 4, "budget %d", budget)
		for _, g := range groups {
			assert.Len(t, g, 1)
		}
	}
}

func TestPlan_UnknownSizeUsesDefault(t *testing.T) {
	t.Parallel()
	p := New(Config{Amplification: 1, DefaultItemSize: 50})

	assert.Equal(t, int64(50), p.Estimate(Item{ID: "x"}))
	groups := p.Plan(items(0, 0, 0), 200)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
}

func TestPlan_Empty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, New(Config{}).Plan(nil, 100))
}

func TestPlan_DoesNotModifyInput(t *testing.T) {
	t.Parallel()
	in := items(3, 1, 2)
	New(Config{}).Plan(in, Unbounded)
	assert.Equal(t, items(3, 1, 2), in)
}

func TestPlan_GroupsNeverExceedBudget(t *testing.T) {
	t.Parallel()
	p := New(Config{})
	r := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 200; round++ {
		n := 1 + r.IntN(40)
		sizes := make([]int64, n)
		for i := range sizes {
			sizes[i] = r.Int64N(50 * units.MiB)
		}
		budget := 1 + r.Int64N(400*units.MiB)
		limit := p.EffectiveBudget(budget)

		groups := p.Plan(items(sizes...), budget)
		seen := 0
		for _, g := range groups {
			require.NotEmpty(t, g)
			require.LessOrEqual(t, len(g), p.GroupCap())
			seen += len(g)

			var sum int64
			for _, it := range g {
				sum += p.Estimate(it)
			}
			if len(g) > 1 {
				require.LessOrEqualf(t, sum, limit, "round %d: group of %d exceeds budget", round, len(g))
			}
		}
		require.Equal(t, n, seen, "every item is planned exactly once")
	}
}
