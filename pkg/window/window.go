// Package window keeps the recent history of whole-home power records and
// answers the scheduler's availability and coverage queries against
// hypothetical rewrites of those records.
package window

import (
	"github.com/homeshift/homeshift/pkg/types"
)

const (
	// DefaultCapacity is how many records the window keeps when the
	// caller does not say otherwise.
	DefaultCapacity = 12
	// DefaultIgnoreThreshold squashes sub-100 W readings to zero so
	// sensor noise and trickle loads don't look like real draw.
	DefaultIgnoreThreshold = 0.1
)

// Window is a fixed-capacity buffer of power records, oldest first. It is
// owned by a single goroutine (the scheduler cycle) and is not safe for
// concurrent use.
type Window struct {
	capacity  int
	threshold float64
	records   []types.Record
}

// New returns a window with the given capacity and ignore threshold.
// Non-positive arguments fall back to the defaults.
func New(capacity int, threshold float64) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if threshold <= 0 {
		threshold = DefaultIgnoreThreshold
	}
	return &Window{
		capacity:  capacity,
		threshold: threshold,
		records:   make([]types.Record, 0, capacity),
	}
}

// Update ingests a record: positive values below the ignore threshold are
// squashed to zero, the record is stored by copy, and the oldest record is
// evicted once the window is full.
func (w *Window) Update(rec types.Record) {
	c := rec.Clone()
	for k, v := range c {
		if v > 0 && v < w.threshold {
			c[k] = 0
		}
	}
	if len(w.records) == w.capacity {
		copy(w.records, w.records[1:])
		w.records[len(w.records)-1] = c
		return
	}
	w.records = append(w.records, c)
}

// Clear empties the window. Called on resume from paused mode so decisions
// are not made on pre-outage data.
func (w *Window) Clear() {
	w.records = w.records[:0]
}

// Len returns the number of records currently held.
func (w *Window) Len() int {
	return len(w.records)
}

// Capacity returns the configured maximum number of records.
func (w *Window) Capacity() int {
	return w.capacity
}

// Latest returns a copy of the most recent record, or ok=false when the
// window is empty.
func (w *Window) Latest() (types.Record, bool) {
	if len(w.records) == 0 {
		return nil, false
	}
	return w.records[len(w.records)-1].Clone(), true
}

// PowerUsedBy returns the draw of the task's channels in the most recent
// record, never negative. Zero when the window is empty.
func (w *Window) PowerUsedBy(d types.TaskDetails) float64 {
	if len(w.records) == 0 {
		return 0
	}
	return d.Usage(w.records[len(w.records)-1])
}

// rewriteMinimum pretends t draws exactly its declared power: its measured
// usage is backed out of net, its channels are set to an even split of
// t.Power, and t.Power is added back to net.
func rewriteMinimum(rec types.Record, t types.TaskDetails) {
	rec[types.ChannelNet] -= rec.UsedBy(t.Keys)
	if len(t.Keys) > 0 {
		per := t.Power / float64(len(t.Keys))
		for _, k := range t.Keys {
			rec[k] = per
		}
	}
	rec[types.ChannelNet] += t.Power
}

// rewriteIgnore pretends t is off: its usage is backed out of net and its
// channels are zeroed.
func rewriteIgnore(rec types.Record, t types.TaskDetails) {
	rec[types.ChannelNet] -= rec.UsedBy(t.Keys)
	for _, k := range t.Keys {
		rec[k] = 0
	}
}

// AvailableFor answers: if the minimum tasks ran at exactly their floor
// power and the ignored tasks did not run at all, what fraction of
// d.Power could the surplus in the latest record cover? The rewrites are
// applied sequentially to a copy, minimum first, so tasks sharing a channel
// see each other's edits the way the sweep order dictates. Returns 1.0 when
// d declares no power, 0 when the window is empty.
func (w *Window) AvailableFor(d types.TaskDetails, minimum, ignore []types.TaskDetails) float64 {
	if d.Power == 0 {
		return 1.0
	}
	if len(w.records) == 0 {
		return 0
	}
	rec := w.records[len(w.records)-1].Clone()
	for _, t := range minimum {
		rewriteMinimum(rec, t)
	}
	for _, t := range ignore {
		rewriteIgnore(rec, t)
	}
	ratio := -rec.Net() / d.Power
	if ratio < 0 {
		return 0
	}
	return ratio
}

// CoveredByProduction answers: over the stretch of history in which d was
// drawing power, what fraction of its consumption was covered by on-site
// production? The stretch is the longest tail suffix of records where d
// drew power; the latest record always counts even if d drew nothing in it.
// Within each record, minimize tasks are rewritten to their floor power and
// ignore tasks to zero, but only when they were drawing in that record.
// Returns 1.0 when d had no usage to evaluate.
func (w *Window) CoveredByProduction(d types.TaskDetails, minimize, ignore []types.TaskDetails) float64 {
	if len(w.records) == 0 {
		return 1.0
	}

	last := len(w.records) - 1
	suffix := []types.Record{w.records[last].Clone()}
	if w.records[last].UsedBy(d.Keys) > 0 {
		for i := last - 1; i >= 0 && w.records[i].UsedBy(d.Keys) > 0; i-- {
			suffix = append(suffix, w.records[i].Clone())
		}
	}

	acc := make(types.Record)
	for _, rec := range suffix {
		for _, t := range minimize {
			if rec.UsedBy(t.Keys) > 0 {
				rewriteMinimum(rec, t)
			}
		}
		for _, t := range ignore {
			if rec.UsedBy(t.Keys) > 0 {
				rewriteIgnore(rec, t)
			}
		}
		for k, v := range rec {
			acc[k] += v
		}
	}

	usage := acc.UsedBy(d.Keys)
	if usage == 0 {
		return 1.0
	}
	ratio := -(acc.Net() - usage) / usage
	if ratio < 0 {
		return 0
	}
	return ratio
}
