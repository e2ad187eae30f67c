package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeshift/homeshift/pkg/types"
)

func TestScheduleStartsTaskOnSurplus(t *testing.T) {
	heater := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityMedium,
			Power:    2,
			Keys:     []string{"wh"},
		},
		runnable: true,
		criteria: func(ratio, power float64) bool { return ratio >= 1 },
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.wh": heater}, "task.wh")

	// exporting 3 kW, the heater needs 2: ratio 1.5
	sens.push(types.Record{
		types.ChannelNet:   -3,
		types.ChannelSolar: -5,
		"wh":               0,
		"other":            2,
	})
	s.cycle(context.Background())

	starts, stops := heater.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	require.Len(t, heater.lastRatios, 1)
	assert.InDelta(t, 1.5, heater.lastRatios[0], 0.0001)
	assert.Equal(t, []float64{0}, heater.lastPowers)
}

func TestScheduleSkipsTaskBelowMeanPriority(t *testing.T) {
	run := func(t *testing.T, adjust bool) *fakeTask {
		running := &fakeTask{
			details: types.TaskDetails{
				Name:     "hvac",
				Priority: types.PriorityHigh,
				Power:    1,
				Keys:     []string{"hv"},
			},
			runnable: true,
			running:  true,
		}
		cand := &fakeTask{
			details: types.TaskDetails{
				Name:       "charger",
				Priority:   types.PriorityLow,
				Power:      1,
				Keys:       []string{"ev"},
				AutoAdjust: adjust,
			},
			runnable: true,
		}
		s, sens := testScheduler(map[string]*fakeTask{"task.hv": running, "task.ev": cand}, "task.hv", "task.ev")
		sens.push(types.Record{types.ChannelNet: -5, "hv": 1})
		s.cycle(context.Background())
		return cand
	}

	t.Run("fixed task below the mean stays stopped", func(t *testing.T) {
		cand := run(t, false)
		starts, _ := cand.counts()
		assert.Equal(t, 0, starts)
	})

	t.Run("adjustable task below the mean starts", func(t *testing.T) {
		cand := run(t, true)
		starts, _ := cand.counts()
		assert.Equal(t, 1, starts)
	})
}

func TestScheduleConflictingPowerKeys(t *testing.T) {
	newCharger := func(name string, stoppable bool) *fakeTask {
		return &fakeTask{
			details: types.TaskDetails{
				Name:     name,
				Priority: types.PriorityMedium,
				Power:    1.5,
				Keys:     []string{"ev"},
			},
			runnable:  true,
			running:   true,
			stoppable: stoppable,
		}
	}

	t.Run("the later claimant is stopped", func(t *testing.T) {
		a := newCharger("charger_a", true)
		b := newCharger("charger_b", true)
		s, sens := testScheduler(map[string]*fakeTask{"task.a": a, "task.b": b}, "task.a", "task.b")
		sens.push(types.Record{types.ChannelNet: -4, "ev": 1.5})
		s.cycle(context.Background())

		_, aStops := a.counts()
		_, bStops := b.counts()
		assert.Equal(t, 0, aStops)
		assert.Equal(t, 1, bStops)
		aStarts, _ := a.counts()
		bStarts, _ := b.counts()
		assert.Equal(t, 0, aStarts)
		assert.Equal(t, 0, bStarts)
	})

	t.Run("an unstoppable victim is not sent a stop", func(t *testing.T) {
		a := newCharger("charger_a", true)
		b := newCharger("charger_b", false)
		s, sens := testScheduler(map[string]*fakeTask{"task.a": a, "task.b": b}, "task.a", "task.b")
		sens.push(types.Record{types.ChannelNet: -4, "ev": 1.5})
		s.cycle(context.Background())

		_, aStops := a.counts()
		_, bStops := b.counts()
		assert.Equal(t, 0, aStops)
		assert.Equal(t, 0, bStops)
	})
}

func TestScheduleStopsTaskFailingCriteria(t *testing.T) {
	heater := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityMedium,
			Power:    2,
			Keys:     []string{"wh"},
		},
		runnable:  true,
		running:   true,
		stoppable: true,
		criteria:  func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.wh": heater}, "task.wh")

	// drawing 2 kW but importing 0.3: only 1.7 of the 2 is covered
	sens.push(types.Record{types.ChannelNet: 0.3, "wh": 2})
	s.cycle(context.Background())

	starts, stops := heater.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, starts)
	require.Len(t, heater.lastRatios, 1)
	assert.InDelta(t, 0.85, heater.lastRatios[0], 0.0001)
	assert.Equal(t, []float64{2}, heater.lastPowers)
}

func TestSchedulePreemptsLowerPriorityTask(t *testing.T) {
	low := &fakeTask{
		details: types.TaskDetails{
			Name:     "pool_pump",
			Priority: types.PriorityLow,
			Power:    2,
			Keys:     []string{"pp"},
		},
		runnable:  true,
		running:   true,
		stoppable: true,
		criteria:  func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	high := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityHigh,
			Power:    1.5,
			Keys:     []string{"wh"},
		},
		runnable:  true,
		stoppable: true,
		criteria:  func(ratio, power float64) bool { return ratio >= 1 },
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.pp": low, "task.wh": high}, "task.pp", "task.wh")

	// with the pump's 2 kW backed out the export covers the heater 1.6 times
	sens.push(types.Record{
		types.ChannelNet:   -0.4,
		types.ChannelSolar: -3,
		"pp":               2,
		"other":            0.6,
	})
	s.cycle(context.Background())

	lowStarts, lowStops := low.counts()
	assert.Equal(t, 1, lowStops)
	assert.Equal(t, 0, lowStarts)
	highStarts, highStops := high.counts()
	assert.Equal(t, 1, highStarts)
	assert.Equal(t, 0, highStops)
	// once as the preemption challenger check, once at election
	require.Len(t, high.lastRatios, 2)
	assert.InDelta(t, 1.6, high.lastRatios[0], 0.0001)
	assert.InDelta(t, 1.6, high.lastRatios[1], 0.0001)
}

func TestScheduleStopsFixedLoadDiminishingAdjustable(t *testing.T) {
	charger := &fakeTask{
		details: types.TaskDetails{
			Name:       "charger",
			Priority:   types.PriorityHigh,
			Power:      1.4,
			Keys:       []string{"ev"},
			AutoAdjust: true,
		},
		runnable:  true,
		running:   true,
		stoppable: true,
		criteria:  func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	pump := &fakeTask{
		details: types.TaskDetails{
			Name:     "pool_pump",
			Priority: types.PriorityLow,
			Power:    2,
			Keys:     []string{"pp"},
		},
		runnable:  true,
		running:   true,
		stoppable: true,
		criteria:  func(ratio, power float64) bool { return ratio >= 0.9 },
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.ev": charger, "task.pp": pump}, "task.ev", "task.pp")

	// both meet their criteria, but the fixed pump caps how far the
	// adjustable charger can scale up
	sens.push(types.Record{types.ChannelNet: -1, "ev": 1.4, "pp": 2})
	s.cycle(context.Background())

	_, pumpStops := pump.counts()
	assert.Equal(t, 1, pumpStops)
	chargerStarts, chargerStops := charger.counts()
	assert.Equal(t, 0, chargerStops)
	assert.Equal(t, 0, chargerStarts)
	pumpStarts, _ := pump.counts()
	assert.Equal(t, 0, pumpStarts)
}

func TestCyclePausesWhenSensorsSilent(t *testing.T) {
	ctx := context.Background()
	heater := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityMedium,
			Power:    1,
			Keys:     []string{"wh"},
		},
		runnable: true,
		running:  true,
		criteria: func(ratio, power float64) bool { return ratio >= 1 },
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.wh": heater}, "task.wh")

	sens.push(types.Record{types.ChannelNet: -2, "wh": 1})
	s.cycle(ctx)
	require.Equal(t, 1, s.window.Len())
	require.False(t, s.IsOnPause())

	// both the sensor and the simulator have been silent past the limit
	s.mtx.Lock()
	s.lastRecord = time.Now().Add(-10 * time.Minute)
	s.lastSimRecord = time.Now().Add(-10 * time.Minute)
	s.mtx.Unlock()
	s.cycle(ctx)

	assert.True(t, s.IsOnPause())
	assert.True(t, s.Status().Paused)
	// stopped even though the task is not stoppable
	starts, stops := heater.counts()
	assert.Equal(t, 0, starts)
	assert.Equal(t, 1, stops)

	// the next record resumes scheduling on a fresh window
	sens.push(types.Record{types.ChannelNet: 1, "wh": 0})
	s.cycle(ctx)

	assert.False(t, s.IsOnPause())
	assert.Equal(t, 1, s.window.Len())
	starts, stops = heater.counts()
	assert.Equal(t, 0, starts)
	assert.Equal(t, 1, stops)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	heater := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityMedium,
			Power:    1,
			Keys:     []string{"wh"},
		},
		runnable: true,
		running:  true,
	}
	s, sens := testScheduler(map[string]*fakeTask{"task.wh": heater}, "task.wh")

	sens.push(types.Record{types.ChannelNet: -2, "wh": 1})
	s.cycle(ctx)
	require.Equal(t, 1, s.window.Len())

	s.Pause(ctx)
	assert.True(t, s.IsOnPause())
	_, stops := heater.counts()
	assert.Equal(t, 1, stops)

	// pausing again is a no-op
	s.Pause(ctx)
	_, stops = heater.counts()
	assert.Equal(t, 1, stops)

	// records keep flowing while paused but nothing is scheduled, and the
	// window restarts from the pause point
	sens.push(types.Record{types.ChannelNet: -2, "wh": 0})
	s.cycle(ctx)
	assert.Equal(t, 1, s.window.Len())
	starts, _ := heater.counts()
	assert.Equal(t, 0, starts)
	st := s.Status()
	assert.True(t, st.Paused)
	assert.Empty(t, st.Tasks)

	// a manual pause does not lift itself when records arrive
	assert.True(t, s.IsOnPause())

	s.Resume(ctx)
	sens.push(types.Record{types.ChannelNet: -2, "wh": 0})
	s.cycle(ctx)

	assert.False(t, s.IsOnPause())
	assert.Equal(t, 2, s.window.Len())
	starts, stops = heater.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	st = s.Status()
	assert.False(t, st.Paused)
	assert.Len(t, st.Tasks, 1)
}

func TestSanitizeRemovesDeadTask(t *testing.T) {
	old := sanitizeDelay
	sanitizeDelay = time.Millisecond
	defer func() { sanitizeDelay = old }()

	good := &fakeTask{
		details: types.TaskDetails{
			Name:     "water_heater",
			Priority: types.PriorityMedium,
			Power:    1,
			Keys:     []string{"wh"},
		},
		runnable: true,
	}
	dead := &fakeTask{err: errors.New("connection refused")}
	s, sens := testScheduler(map[string]*fakeTask{"task.good": good, "task.dead": dead}, "task.good", "task.dead")

	sens.push(types.Record{types.ChannelNet: -2, "wh": 0})
	s.cycle(context.Background())

	assert.Equal(t, []string{"task.good"}, s.tasksURIs())
	// the dead task did not keep the healthy one from being scheduled
	starts, _ := good.counts()
	assert.Equal(t, 1, starts)
}

func TestRegisterTask(t *testing.T) {
	s, _ := testScheduler(nil)

	s.RegisterTask("task.a")
	s.RegisterTask("task.a")
	assert.Equal(t, []string{"task.a"}, s.tasksURIs())

	s.UnregisterTask("task.b")
	assert.Equal(t, []string{"task.a"}, s.tasksURIs())

	s.UnregisterTask("task.a")
	assert.Empty(t, s.tasksURIs())
}

func TestCycleWithoutTasks(t *testing.T) {
	s, sens := testScheduler(nil)

	rec := types.Record{types.ChannelNet: -1.5}
	sens.push(rec)
	s.cycle(context.Background())

	st := s.Status()
	assert.False(t, st.Paused)
	assert.Equal(t, 1, st.WindowLength)
	assert.Equal(t, rec, st.Record)
	assert.Empty(t, st.Tasks)
	assert.False(t, st.LastRecordAt.IsZero())
}
