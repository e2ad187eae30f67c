package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeshift/homeshift/pkg/types"
)

func rec(net float64, kv ...any) types.Record {
	r := types.Record{types.ChannelNet: net}
	for i := 0; i < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1].(float64)
	}
	return r
}

func TestUpdateSquashesNoise(t *testing.T) {
	w := New(4, 0.1)
	w.Update(rec(0.05, "ev", 0.04, "heat", -0.2, "pool", 0.1))

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 0.0, latest[types.ChannelNet])
	assert.Equal(t, 0.0, latest["ev"])
	// negative values and values at or above the threshold survive
	assert.Equal(t, -0.2, latest["heat"])
	assert.Equal(t, 0.1, latest["pool"])
}

func TestUpdateCopiesRecord(t *testing.T) {
	w := New(4, 0.1)
	r := rec(-1.0, "ev", 1.5)
	w.Update(r)
	r["ev"] = 9.9

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 1.5, latest["ev"])
}

func TestUpdateEvictsOldest(t *testing.T) {
	w := New(3, 0.1)
	for i := 1; i <= 4; i++ {
		w.Update(rec(float64(i)))
	}
	assert.Equal(t, 3, w.Len())

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.Net())
}

func TestClear(t *testing.T) {
	w := New(3, 0.1)
	w.Update(rec(1.0))
	w.Update(rec(2.0))
	w.Clear()
	assert.Equal(t, 0, w.Len())
	_, ok := w.Latest()
	assert.False(t, ok)

	w.Update(rec(3.0))
	assert.Equal(t, 1, w.Len())
}

func TestPowerUsedBy(t *testing.T) {
	w := New(4, 0.1)
	d := types.TaskDetails{Name: "ev", Power: 2.0, Keys: []string{"ev", "ev2"}}

	assert.Equal(t, 0.0, w.PowerUsedBy(d), "empty window draws nothing")

	w.Update(rec(0.0, "ev", 1.5, "ev2", 0.5))
	assert.Equal(t, 2.0, w.PowerUsedBy(d))

	w.Update(rec(0.0, "ev", -3.0))
	assert.Equal(t, 0.0, w.PowerUsedBy(d), "negative sums clamp to zero")
}

func TestAvailableForSurplus(t *testing.T) {
	w := New(4, 0.1)
	w.Update(rec(-3.0, "t", 0.0))
	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}

	got := w.AvailableFor(d, nil, []types.TaskDetails{d})
	assert.InDelta(t, 1.5, got, 1e-9)
}

func TestAvailableForIgnoreBacksOutUsage(t *testing.T) {
	w := New(4, 0.1)
	// net -0.5 while the candidate itself draws 1.2: ignoring it frees
	// that draw, so the hypothetical net is -1.7.
	w.Update(rec(-0.5, "c", 1.2))
	d := types.TaskDetails{Name: "c", Power: 2.0, Keys: []string{"c"}}

	got := w.AvailableFor(d, nil, []types.TaskDetails{d})
	assert.InDelta(t, 0.85, got, 1e-9)
}

func TestAvailableForMinimumPinsRunningTasks(t *testing.T) {
	w := New(4, 0.1)
	// running task r measured at 1.4 but floors at 1.0, so the rewrite
	// moves net from -0.5 to -0.9.
	w.Update(rec(-0.5, "r", 1.4, "c", 0.0))
	running := types.TaskDetails{Name: "r", Power: 1.0, Keys: []string{"r"}}
	d := types.TaskDetails{Name: "c", Power: 2.0, Keys: []string{"c"}}

	got := w.AvailableFor(d, []types.TaskDetails{running}, []types.TaskDetails{d})
	assert.InDelta(t, 0.45, got, 1e-9)
}

func TestAvailableForMinimumSplitsAcrossKeys(t *testing.T) {
	w := New(4, 0.1)
	w.Update(rec(0.0, "a", 2.0, "b", 0.0))
	running := types.TaskDetails{Name: "ab", Power: 1.0, Keys: []string{"a", "b"}}
	d := types.TaskDetails{Name: "c", Power: 1.0, Keys: []string{"c"}}

	// usage 2.0 backed out, 1.0 added back: net 0 -> -1.0
	got := w.AvailableFor(d, []types.TaskDetails{running}, nil)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestAvailableForEdges(t *testing.T) {
	w := New(4, 0.1)
	none := types.TaskDetails{Name: "z", Power: 0}
	assert.Equal(t, 1.0, w.AvailableFor(none, nil, nil), "zero power is always covered")

	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}
	assert.Equal(t, 0.0, w.AvailableFor(d, nil, nil), "empty window offers nothing")

	w.Update(rec(1.5))
	assert.Equal(t, 0.0, w.AvailableFor(d, nil, nil), "importing clamps to zero")
}

func TestCoveredByProductionSingleRecord(t *testing.T) {
	w := New(4, 0.1)
	w.Update(rec(-0.3, "t", 2.0))
	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}

	// production minus other load is 2.3, usage 2.0
	got := w.CoveredByProduction(d, nil, nil)
	assert.InDelta(t, 1.15, got, 1e-9)
}

func TestCoveredByProductionSuffix(t *testing.T) {
	w := New(6, 0.1)
	w.Update(rec(-9.0, "t", 0.0)) // excluded: the drawing streak breaks here
	w.Update(rec(0.5, "t", 2.0))
	w.Update(rec(-0.5, "t", 2.0))
	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}

	// accumulated net 0.0, usage 4.0 over the two-record suffix
	got := w.CoveredByProduction(d, nil, nil)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestCoveredByProductionLatestAlwaysCounts(t *testing.T) {
	w := New(6, 0.1)
	w.Update(rec(-5.0, "t", 2.0))
	w.Update(rec(3.0, "t", 0.0))
	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}

	// the task draws nothing in the latest record, so the suffix is just
	// that record and there is no usage to evaluate
	got := w.CoveredByProduction(d, nil, nil)
	assert.Equal(t, 1.0, got)
}

func TestCoveredByProductionRewritesOnlyDrawingRecords(t *testing.T) {
	w := New(6, 0.1)
	// other task o draws only in the older record
	w.Update(rec(-1.0, "t", 1.0, "o", 3.0))
	w.Update(rec(-1.0, "t", 1.0, "o", 0.0))
	d := types.TaskDetails{Name: "t", Power: 1.0, Keys: []string{"t"}}
	other := types.TaskDetails{Name: "o", Power: 1.0, Keys: []string{"o"}}

	// older record rewrites to net -3.0, latest stays -1.0:
	// accumulated net -4.0, usage 2.0 -> (4.0 + 2.0) / 2.0
	got := w.CoveredByProduction(d, []types.TaskDetails{other}, nil)
	assert.InDelta(t, 3.0, got, 1e-9)
}

func TestCoveredByProductionIgnore(t *testing.T) {
	w := New(6, 0.1)
	w.Update(rec(0.5, "t", 2.0, "o", 1.5))
	d := types.TaskDetails{Name: "t", Power: 2.0, Keys: []string{"t"}}
	other := types.TaskDetails{Name: "o", Power: 1.5, Keys: []string{"o"}}

	// backing the other task out moves net to -1.0:
	// (1.0 + 2.0) / 2.0
	got := w.CoveredByProduction(d, nil, []types.TaskDetails{other})
	assert.InDelta(t, 1.5, got, 1e-9)
}

func TestCoveredByProductionClampsAtZero(t *testing.T) {
	w := New(6, 0.1)
	w.Update(rec(5.0, "t", 1.0))
	d := types.TaskDetails{Name: "t", Power: 1.0, Keys: []string{"t"}}

	got := w.CoveredByProduction(d, nil, nil)
	assert.Equal(t, 0.0, got)
}

func TestCoveredByProductionEmptyWindow(t *testing.T) {
	w := New(6, 0.1)
	d := types.TaskDetails{Name: "t", Power: 1.0, Keys: []string{"t"}}
	assert.Equal(t, 1.0, w.CoveredByProduction(d, nil, nil))
}
