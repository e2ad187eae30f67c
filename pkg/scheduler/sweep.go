package scheduler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
	"github.com/homeshift/homeshift/pkg/window"
)

// handle is one registered task as seen during a single cycle: the proxy
// plus the probe snapshot the decision rules work from. Stoppability is
// queried lazily and memoized because several rules ask for it.
type handle struct {
	uri      string
	task     task.Task
	details  types.TaskDetails
	desc     string
	runnable bool
	running  bool

	stoppable    bool
	stoppableSet bool
}

func (h *handle) isStoppable(ctx context.Context) bool {
	if h.stoppableSet {
		return h.stoppable
	}
	v, err := h.task.IsStoppable(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to query stoppable",
			slog.String("task", h.details.Name),
			slog.Any("error", err))
		v = false
	}
	h.stoppable, h.stoppableSet = v, true
	return v
}

// sweep is the mutable working set of one schedule() pass. The running and
// stopped slices are edited in place as evictions and admissions happen so
// later rules see the effect of earlier ones. A task acted on once is not
// touched again in the same cycle.
type sweep struct {
	window  *window.Window
	running []*handle // ascending importance, admissions appended at tail
	stopped []*handle // descending importance
	acted   map[string]bool
}

func newSweep(w *window.Window, handles []*handle) *sweep {
	sw := &sweep{window: w, acted: make(map[string]bool)}
	runnable := lo.Filter(handles, func(h *handle, _ int) bool { return h.runnable })
	sw.running = lo.Filter(handles, func(h *handle, _ int) bool { return h.running })
	sort.SliceStable(sw.running, func(i, j int) bool {
		return sw.running[i].details.Compare(sw.running[j].details) < 0
	})
	runningSet := lo.SliceToMap(sw.running, func(h *handle) (string, bool) { return h.uri, true })
	sw.stopped = lo.Filter(runnable, func(h *handle, _ int) bool { return !runningSet[h.uri] })
	sort.SliceStable(sw.stopped, func(i, j int) bool {
		return sw.stopped[i].details.Compare(sw.stopped[j].details) > 0
	})
	return sw
}

func (sw *sweep) adjustable() []*handle {
	return lo.Filter(sw.running, func(h *handle, _ int) bool { return h.details.AutoAdjust })
}

func detailsOf(handles []*handle) []types.TaskDetails {
	return lo.Map(handles, func(h *handle, _ int) types.TaskDetails { return h.details })
}

// findConflictingPowerKeys returns running tasks whose keys overlap a task
// earlier in the running order. Per-channel attribution is ambiguous when
// two tasks share a channel, so all but the first claimant must stop.
func (sw *sweep) findConflictingPowerKeys() []*handle {
	var victims []*handle
	var claimed []types.TaskDetails
	for _, h := range sw.running {
		conflict := lo.SomeBy(claimed, func(d types.TaskDetails) bool {
			return h.details.SharesKeys(d)
		})
		if conflict {
			victims = append(victims, h)
			continue
		}
		claimed = append(claimed, h.details)
	}
	return victims
}

// findFailingCriteria returns the first running task, in ascending priority
// order, that no longer accepts its own production coverage and is
// stoppable.
func (sw *sweep) findFailingCriteria(ctx context.Context) []*handle {
	byPriority := make([]*handle, len(sw.running))
	copy(byPriority, sw.running)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].details.Priority < byPriority[j].details.Priority
	})
	minimize := detailsOf(sw.adjustable())
	for _, h := range byPriority {
		ratio := sw.window.CoveredByProduction(h.details, minimize, nil)
		power := sw.window.PowerUsedBy(h.details)
		met, err := h.task.MeetsRunningCriteria(ctx, ratio, power)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to query running criteria",
				slog.String("task", h.details.Name),
				slog.Any("error", err))
			continue
		}
		if !met && h.isStoppable(ctx) {
			log.Ctx(ctx).InfoContext(ctx, "task does not meet its running criteria",
				slog.String("task", h.details.Name),
				slog.Float64("ratio", ratio),
				slog.Float64("power", power))
			return []*handle{h}
		}
	}
	return nil
}

// findDiminishingAdjustable returns the lowest-importance stoppable
// fixed-power task running below the best adjustable task's priority. A
// fixed load should not eat the headroom an adjustable load could absorb.
func (sw *sweep) findDiminishingAdjustable(ctx context.Context) []*handle {
	adjustable := sw.adjustable()
	if len(sw.running) <= 1 || len(adjustable) == 0 {
		return nil
	}
	best := lo.MaxBy(adjustable, func(a, b *handle) bool {
		return a.details.Priority > b.details.Priority
	}).details.Priority
	for _, h := range sw.running {
		if h.details.AutoAdjust || h.details.Priority >= best {
			continue
		}
		if !h.isStoppable(ctx) {
			continue
		}
		log.Ctx(ctx).InfoContext(ctx, "task prevents adjustable tasks from scaling up",
			slog.String("task", h.details.Name))
		return []*handle{h}
	}
	return nil
}

// findLowerPriorityTasks returns the running tasks preventing a more
// important stopped task from starting, when stopping them would free
// enough surplus for it.
func (sw *sweep) findLowerPriorityTasks(ctx context.Context) []*handle {
	for _, cand := range sw.stopped {
		challengers := lo.Filter(sw.running, func(h *handle, _ int) bool {
			return cand.details.Compare(h.details) > 0 && h.isStoppable(ctx)
		})
		if len(challengers) == 0 {
			continue
		}
		challenged := lo.SliceToMap(challengers, func(h *handle) (string, bool) { return h.uri, true })
		minimum := lo.Filter(sw.adjustable(), func(h *handle, _ int) bool { return !challenged[h.uri] })
		ratio := sw.window.AvailableFor(cand.details, detailsOf(minimum), detailsOf(challengers))
		met, err := cand.task.MeetsRunningCriteria(ctx, ratio, 0)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to query running criteria",
				slog.String("task", cand.details.Name),
				slog.Any("error", err))
			continue
		}
		if met {
			log.Ctx(ctx).InfoContext(ctx, "running tasks prevent a more important task from starting",
				slog.String("task", cand.details.Name),
				slog.Any("challengers", lo.Map(challengers, func(h *handle, _ int) string { return h.details.Name })))
			return challengers
		}
	}
	return nil
}

// electTask returns the most suitable stopped task to start, or nil. The
// candidate must accept the surplus ratio, still be runnable, and either
// match the mean priority of the running set or be adjustable. Tasks
// evicted earlier in the cycle stay in the eligible set, since their
// measured draw must still be backed out of the surplus estimate, but they
// are never elected twice in one cycle.
func (sw *sweep) electTask(ctx context.Context) *handle {
	eligible := lo.Filter(sw.stopped, func(h *handle, _ int) bool {
		return !lo.SomeBy(sw.running, func(r *handle) bool {
			return h.details.SharesKeys(r.details)
		})
	})
	eligibleDetails := detailsOf(eligible)
	for _, cand := range eligible {
		if sw.acted[cand.uri] {
			continue
		}
		ratio := sw.window.AvailableFor(cand.details, detailsOf(sw.running), eligibleDetails)
		var meanPriority float64
		if len(sw.running) > 0 {
			meanPriority = lo.SumBy(sw.running, func(h *handle) float64 {
				return float64(h.details.Priority)
			}) / float64(len(sw.running))
		}
		met, err := cand.task.MeetsRunningCriteria(ctx, ratio, 0)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to query running criteria",
				slog.String("task", cand.details.Name),
				slog.Any("error", err))
			continue
		}
		runnable, err := cand.task.IsRunnable(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to query runnable",
				slog.String("task", cand.details.Name),
				slog.Any("error", err))
			continue
		}
		if met && runnable &&
			(float64(cand.details.Priority) >= meanPriority || cand.details.AutoAdjust) {
			return cand
		}
	}
	return nil
}

// evict moves a stopped victim out of the running set.
func (sw *sweep) evict(h *handle) {
	sw.running = lo.Without(sw.running, h)
	sw.stopped = append(sw.stopped, h)
	sw.acted[h.uri] = true
}

// admit moves a started task into the running set.
func (sw *sweep) admit(h *handle) {
	sw.stopped = lo.Without(sw.stopped, h)
	sw.running = append(sw.running, h)
	sw.acted[h.uri] = true
}
