package hvac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

type hold struct {
	heat, cool float64
	d          time.Duration
}

type fakeThermostat struct {
	mu       sync.Mutex
	state    State
	stateErr error
	temps    map[string]float64
	tempsErr error
	holdErr  error

	holds   []hold
	resumes int
}

func (f *fakeThermostat) State(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return State{}, f.stateErr
	}
	return f.state, nil
}

func (f *fakeThermostat) Temperatures(context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tempsErr != nil {
		return nil, f.tempsErr
	}
	return f.temps, nil
}

func (f *fakeThermostat) Hold(_ context.Context, heat, cool float64, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return f.holdErr
	}
	f.holds = append(f.holds, hold{heat: heat, cool: cool, d: d})
	f.state.OnHold = true
	return nil
}

func (f *fakeThermostat) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	f.state.OnHold = false
	return nil
}

func (f *fakeThermostat) setMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Mode = mode
}

func (f *fakeThermostat) setActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Active = active
}

func (f *fakeThermostat) setHolding(holding bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.OnHold = holding
}

func (f *fakeThermostat) setIndoor(temp float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps["Home"] = temp
}

type fakeOracle struct {
	max float64
	end time.Time
	err error
}

func (o *fakeOracle) MaxAvailablePowerAt(context.Context, time.Time) (float64, error) {
	return o.max, o.err
}

func (o *fakeOracle) NextPowerWindow(context.Context, float64) (time.Time, time.Time, error) {
	return time.Now(), o.end, o.err
}

type fakeWeather struct {
	current float64
	err     error
}

func (w *fakeWeather) Read(context.Context, types.RecordScale) (types.Record, error) {
	if w.err != nil {
		return nil, w.err
	}
	return types.Record{"temperature": w.current}, nil
}

func (w *fakeWeather) TemperatureAt(context.Context, time.Time) (float64, error) {
	return w.current, w.err
}

type fakeScheduler struct {
	mu           sync.Mutex
	registered   int
	unregistered int
}

func (s *fakeScheduler) RegisterTask(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered++
	return nil
}

func (s *fakeScheduler) UnregisterTask(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered++
	return nil
}

type fakeTracker struct {
	mu    sync.Mutex
	facts map[string]bool
}

func (t *fakeTracker) Track(_ context.Context, name string, healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.facts == nil {
		t.facts = make(map[string]bool)
	}
	t.facts[name] = healthy
}

func (t *fakeTracker) fact(name string) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.facts[name]
	return v, ok
}

// testModels holds draw and pace flat so estimates stay easy to reason
// about: 4 kW and 20 minutes per degree at any temperature.
func testModels(t *testing.T) *Models {
	models, err := NewModels(
		[]SystemPoint{
			{Temperature: 40, Power: 4, MinutePerDegree: 20},
			{Temperature: 100, Power: 4, MinutePerDegree: 20},
		},
		[]DriftPoint{
			{Temperature: 40, DegreePerMinute: -0.01},
			{Temperature: 100, DegreePerMinute: 0.01},
		})
	require.NoError(t, err)
	return models
}

func primePlan(h *HVAC, pl plan) {
	h.planner.mtx.Lock()
	defer h.planner.mtx.Unlock()
	h.planner.data = pl
	h.planner.have.max = true
	h.planner.have.outdoor = true
	h.planner.have.target = true
	h.planner.have.temp = true
}

type hvacFixture struct {
	h       *HVAC
	therm   *fakeThermostat
	sched   *fakeScheduler
	tracker *fakeTracker
}

// newTestHVAC returns a cooling fixture: 76°F indoors against a 73°F
// target, so a run needs an hour.
func newTestHVAC(t *testing.T) *hvacFixture {
	therm := &fakeThermostat{
		state: State{Mode: ModeCool},
		temps: map[string]float64{"Home": 76, "Bedroom": 74},
	}
	sched := &fakeScheduler{}
	tracker := &fakeTracker{}
	h := New(Config{
		Driver:            therm,
		Scheduler:         sched,
		Tracker:           tracker,
		DB:                storage.NewMemory(),
		URI:               "http://hvac.localhost",
		Name:              "hvac",
		Keys:              []string{"A/C", "air handler"},
		TemperatureSensor: "Home",
		Power:             5,
		Offset:            2,
		MinRun:            7 * time.Minute,
		MinPause:          5 * time.Minute,
		GoalTemperature:   73,
		GoalHour:          22,
		GoalMinute:        30,
		ComfortLow:        71,
		ComfortHigh:       78,
	})
	h.mtx.Lock()
	h.models = testModels(t)
	h.mtx.Unlock()
	primePlan(h, plan{
		maxAvailable: 6,
		outdoor:      70,
		targetTime:   time.Now().Add(4 * time.Hour),
		targetTemp:   73,
	})
	return &hvacFixture{h: h, therm: therm, sched: sched, tracker: tracker}
}

func TestHelpfulMode(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	sign, err := f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, sign)

	f.therm.setMode(ModeHeat)
	sign, err = f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sign)

	f.therm.setMode(ModeAuto)
	sign, err = f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, sign)

	f.therm.setIndoor(70)
	sign, err = f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sign)

	f.therm.setMode(ModeCool)
	sign, err = f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sign)

	f.therm.setIndoor(73)
	sign, err = f.h.helpfulMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sign)

	unplanned := newTestHVAC(t)
	unplanned.h.planner.have.target = false
	_, err = unplanned.h.helpfulMode(ctx)
	assert.ErrorIs(t, err, errPlanPending)
}

func TestEstimateRuntime(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	// 3 degrees at 20 minutes per degree.
	est, err := f.h.estimateRuntime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, est)

	f.therm.setMode(ModeHeat)
	est, err = f.h.estimateRuntime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), est)
}

func TestDesc(t *testing.T) {
	f := newTestHVAC(t)
	primePlan(f.h, plan{
		maxAvailable: 6,
		outdoor:      70,
		targetTime:   time.Date(2026, 7, 1, 17, 45, 0, 0, time.Local),
		targetTemp:   73,
	})
	desc, err := f.h.Desc(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cool at 76.0°F, planning 73.0°F by 17:45", desc)

	f.therm.setHolding(true)
	desc, err = f.h.Desc(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cool at 76.0°F, holding, planning 73.0°F by 17:45", desc)
}

func TestStartHoldsThermostat(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	require.NoError(t, f.h.Start(ctx))
	require.Len(t, f.therm.holds, 1)
	assert.InDelta(t, 71, f.therm.holds[0].heat, 0.0001)
	assert.InDelta(t, 69, f.therm.holds[0].cool, 0.0001)
	assert.Equal(t, time.Hour, f.therm.holds[0].d)
	f.h.mtx.Lock()
	assert.WithinDuration(t, time.Now(), f.h.startedAt, time.Second)
	f.h.mtx.Unlock()

	f.therm.setMode(ModeHeat)
	assert.Error(t, f.h.Start(ctx))
	assert.Len(t, f.therm.holds, 1)

	broken := newTestHVAC(t)
	broken.therm.holdErr = errors.New("api down")
	require.Error(t, broken.h.Start(ctx))
	broken.h.mtx.Lock()
	assert.True(t, broken.h.startedAt.IsZero())
	broken.h.mtx.Unlock()
}

func TestStopResumesProgram(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)
	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-30 * time.Minute)
	f.h.mtx.Unlock()

	require.NoError(t, f.h.Stop(ctx))
	assert.Equal(t, 1, f.therm.resumes)
	f.h.mtx.Lock()
	assert.True(t, f.h.startedAt.IsZero())
	assert.WithinDuration(t, time.Now(), f.h.stoppedAt, time.Second)
	f.h.mtx.Unlock()
}

func TestIsRunnable(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	runnable, err := f.h.IsRunnable(ctx)
	require.NoError(t, err)
	assert.True(t, runnable)

	// A fresh stop starts the pause.
	f.h.mtx.Lock()
	f.h.stoppedAt = time.Now()
	f.h.mtx.Unlock()
	runnable, err = f.h.IsRunnable(ctx)
	require.NoError(t, err)
	assert.False(t, runnable)

	f.h.mtx.Lock()
	f.h.stoppedAt = time.Now().Add(-10 * time.Minute)
	f.h.mtx.Unlock()
	runnable, err = f.h.IsRunnable(ctx)
	require.NoError(t, err)
	assert.True(t, runnable)

	f.therm.setMode(ModeOff)
	runnable, err = f.h.IsRunnable(ctx)
	require.NoError(t, err)
	assert.False(t, runnable)

	// Too small a gap to be worth a compressor start.
	f.therm.setMode(ModeCool)
	f.therm.setIndoor(73.1)
	runnable, err = f.h.IsRunnable(ctx)
	require.NoError(t, err)
	assert.False(t, runnable)
}

func TestIsStoppable(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	// Idle.
	stoppable, err := f.h.IsStoppable(ctx)
	require.NoError(t, err)
	assert.False(t, stoppable)

	f.therm.setActive(true)
	f.therm.setHolding(true)
	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-3 * time.Minute)
	f.h.mtx.Unlock()
	stoppable, err = f.h.IsStoppable(ctx)
	require.NoError(t, err)
	assert.False(t, stoppable)

	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-10 * time.Minute)
	f.h.mtx.Unlock()
	stoppable, err = f.h.IsStoppable(ctx)
	require.NoError(t, err)
	assert.True(t, stoppable)

	// The schedule engaged the equipment, not a hold. Leave it alone.
	f.therm.setHolding(false)
	stoppable, err = f.h.IsStoppable(ctx)
	require.NoError(t, err)
	assert.False(t, stoppable)
}

func TestMeetsRunningCriteriaUrgent(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)
	f.h.mtx.Lock()
	f.h.priority = types.PriorityUrgent
	f.h.mtx.Unlock()

	met, err := f.h.MeetsRunningCriteria(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestMeetsRunningCriteriaStarting(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)
	primePlan(f.h, plan{
		maxAvailable: 4,
		outdoor:      70,
		targetTime:   time.Now().Add(4 * time.Hour),
		targetTemp:   73,
	})

	// 0.95 * 4 / 5 declared kW.
	met, err := f.h.MeetsRunningCriteria(ctx, 0.76, 0)
	require.NoError(t, err)
	assert.True(t, met)
	met, err = f.h.MeetsRunningCriteria(ctx, 0.75, 0)
	require.NoError(t, err)
	assert.False(t, met)
}

func TestMeetsRunningCriteriaRunning(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)
	primePlan(f.h, plan{
		maxAvailable: 4,
		outdoor:      70,
		targetTime:   time.Now().Add(4 * time.Hour),
		targetTemp:   73,
	})
	f.therm.setActive(true)
	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-10 * time.Minute)
	f.h.mtx.Unlock()

	// 0.9 * 4 / 4 measured kW.
	met, err := f.h.MeetsRunningCriteria(ctx, 0.9, 4)
	require.NoError(t, err)
	assert.True(t, met)
	met, err = f.h.MeetsRunningCriteria(ctx, 0.89, 4)
	require.NoError(t, err)
	assert.False(t, met)

	// A draw below a third of the declared power is not the heat pump.
	met, err = f.h.MeetsRunningCriteria(ctx, 1, 1.5)
	require.NoError(t, err)
	assert.False(t, met)

	// Inside the minimum run anything goes.
	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-3 * time.Minute)
	f.h.mtx.Unlock()
	met, err = f.h.MeetsRunningCriteria(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, met)

	// Past the planned temperature the run stops paying.
	f.h.mtx.Lock()
	f.h.startedAt = time.Now().Add(-10 * time.Minute)
	f.h.mtx.Unlock()
	f.therm.setIndoor(72.9)
	met, err = f.h.MeetsRunningCriteria(ctx, 1, 4)
	require.NoError(t, err)
	assert.False(t, met)
}

func TestMeetsRunningCriteriaRelaxesNearDeadline(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	// An hour of work left but only half of that before the target:
	// the required ratio drops to a quarter of the usual 0.76.
	primePlan(f.h, plan{
		maxAvailable: 4,
		outdoor:      70,
		targetTime:   time.Now().Add(30 * time.Minute),
		targetTemp:   73,
	})
	met, err := f.h.MeetsRunningCriteria(ctx, 0.19, 0)
	require.NoError(t, err)
	assert.True(t, met)
	met, err = f.h.MeetsRunningCriteria(ctx, 0.1, 0)
	require.NoError(t, err)
	assert.False(t, met)

	// Past the target any production at all is worth taking.
	primePlan(f.h, plan{
		maxAvailable: 4,
		outdoor:      70,
		targetTime:   time.Now().Add(-time.Minute),
		targetTemp:   73,
	})
	met, err = f.h.MeetsRunningCriteria(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestAdjustPriority(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	// An hour of work to do. Priority climbs as fewer runs fit before
	// the target.
	for _, tc := range []struct {
		until time.Duration
		want  types.Priority
	}{
		{30 * time.Minute, types.PriorityUrgent},
		{90 * time.Minute, types.PriorityHigh},
		{150 * time.Minute, types.PriorityMedium},
		{210 * time.Minute, types.PriorityLow},
		{270 * time.Minute, types.PriorityLow},
	} {
		primePlan(f.h, plan{
			maxAvailable: 6,
			outdoor:      70,
			targetTime:   time.Now().Add(tc.until),
			targetTemp:   73,
		})
		require.NoError(t, f.h.adjustPriority(ctx))
		details, err := f.h.Details(ctx)
		require.NoError(t, err)
		assert.Equal(t, tc.want, details.Priority, "target in %s", tc.until)
	}

	// Nothing worth running keeps the priority low.
	f.therm.setIndoor(73.1)
	primePlan(f.h, plan{
		maxAvailable: 6,
		outdoor:      70,
		targetTime:   time.Now().Add(30 * time.Minute),
		targetTemp:   73,
	})
	require.NoError(t, f.h.adjustPriority(ctx))
	details, err := f.h.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityLow, details.Priority)
}

func TestAdjustPriorityComfortBump(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	// 80°F indoors sits above the comfort zone, so whatever the ladder
	// says moves up one level.
	f.therm.setIndoor(80)
	primePlan(f.h, plan{
		maxAvailable: 6,
		outdoor:      70,
		targetTime:   time.Now().Add(600 * time.Minute),
		targetTemp:   73,
	})
	require.NoError(t, f.h.adjustPriority(ctx))
	details, err := f.h.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityMedium, details.Priority)

	primePlan(f.h, plan{
		maxAvailable: 6,
		outdoor:      70,
		targetTime:   time.Now().Add(30 * time.Minute),
		targetTemp:   73,
	})
	require.NoError(t, f.h.adjustPriority(ctx))
	details, err = f.h.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityUrgent, details.Priority)
}

func TestAdjustPower(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	details, err := f.h.Details(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5, details.Power, 0.0001)

	require.NoError(t, f.h.adjustPower(ctx))
	details, err = f.h.Details(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4, details.Power, 0.0001)
}

func TestCycleTracksThermostat(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	f.h.cycle(ctx)
	healthy, ok := f.tracker.fact(factThermostat)
	require.True(t, ok)
	assert.True(t, healthy)
	assert.Equal(t, 1, f.sched.registered)
	assert.Equal(t, 0, f.sched.unregistered)

	f.therm.mu.Lock()
	f.therm.tempsErr = errors.New("api down")
	f.therm.mu.Unlock()
	f.h.cycle(ctx)
	healthy, ok = f.tracker.fact(factThermostat)
	require.True(t, ok)
	assert.False(t, healthy)
	assert.Equal(t, 1, f.sched.registered)
	assert.Equal(t, 1, f.sched.unregistered)

	// The sensor standing for the home has to be present.
	f.therm.mu.Lock()
	f.therm.tempsErr = nil
	delete(f.therm.temps, "Home")
	f.therm.mu.Unlock()
	f.h.cycle(ctx)
	healthy, _ = f.tracker.fact(factThermostat)
	assert.False(t, healthy)
	assert.Equal(t, 2, f.sched.unregistered)
}

func TestRunRequiresModels(t *testing.T) {
	f := newTestHVAC(t)
	err := f.h.Run(context.Background())
	require.ErrorContains(t, err, "loading thermal models")
}

func TestRunStartsAndStops(t *testing.T) {
	ctx := context.Background()
	therm := &fakeThermostat{
		state: State{Mode: ModeCool},
		temps: map[string]float64{"Home": 76},
	}
	db := storage.NewMemory()
	require.NoError(t, storage.SaveState(ctx, db, StorageService, SystemModelKey, []SystemPoint{
		{Temperature: 40, Power: 4, MinutePerDegree: 20},
		{Temperature: 100, Power: 4, MinutePerDegree: 20},
	}))
	require.NoError(t, storage.SaveState(ctx, db, StorageService, HomeModelKey, []DriftPoint{
		{Temperature: 40, DegreePerMinute: -0.01},
		{Temperature: 100, DegreePerMinute: 0.01},
	}))
	h := New(Config{
		Driver:            therm,
		Oracle:            &fakeOracle{max: 6, end: time.Now().Add(2 * time.Hour)},
		Weather:           &fakeWeather{current: 70},
		Scheduler:         &fakeScheduler{},
		Tracker:           &fakeTracker{},
		DB:                db,
		URI:               "http://hvac.localhost",
		Name:              "hvac",
		TemperatureSensor: "Home",
		Power:             5,
		MinRun:            7 * time.Minute,
		MinPause:          5 * time.Minute,
		GoalTemperature:   73,
		GoalHour:          22,
		GoalMinute:        30,
		ComfortLow:        71,
		ComfortHigh:       78,
	})

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, h.Run(runCtx))
	_, err := h.loadedModels()
	require.NoError(t, err)
}

func TestPlannerUpdateWindow(t *testing.T) {
	ctx := context.Background()
	end := time.Now().Add(3 * time.Hour)
	p := &planner{
		oracle:  &fakeOracle{max: 6, end: end},
		weather: &fakeWeather{current: 70},
	}

	require.NoError(t, p.updateWindow(ctx, testModels(t)))
	assert.InDelta(t, 5.9999, p.data.maxAvailable, 0.0001)
	assert.True(t, p.have.max)
	assert.True(t, p.have.target)
	assert.Equal(t, end, p.data.targetTime)
}

func TestPlannerUpdateOutdoor(t *testing.T) {
	ctx := context.Background()
	p := &planner{weather: &fakeWeather{current: 82.5}}

	require.NoError(t, p.updateOutdoor(ctx))
	assert.True(t, p.have.outdoor)
	assert.InDelta(t, 82.5, p.data.outdoor, 0.0001)

	p.weather = &fakeWeather{err: errors.New("api down")}
	require.Error(t, p.updateOutdoor(ctx))
}

func TestPlannerTargetTemperature(t *testing.T) {
	ctx := context.Background()
	// The home gains a steady hundredth of a degree per minute.
	models, err := NewModels(
		[]SystemPoint{
			{Temperature: 40, Power: 4, MinutePerDegree: 20},
			{Temperature: 100, Power: 4, MinutePerDegree: 20},
		},
		[]DriftPoint{
			{Temperature: 40, DegreePerMinute: 0.01},
			{Temperature: 100, DegreePerMinute: 0.01},
		})
	require.NoError(t, err)

	tomorrow := time.Now().AddDate(0, 0, 1)
	target := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 20, 30, 0, 0, time.Local)
	p := &planner{
		weather:         &fakeWeather{current: 70},
		goalHour:        22,
		goalMinute:      30,
		goalTemperature: 73,
		comfortLow:      60,
		comfortHigh:     80,
	}
	p.data.targetTime = target
	p.have.target = true

	// Two hours of drift to walk back: 73 - 120 * 0.01.
	require.NoError(t, p.updateTargetTemperature(ctx, models))
	assert.True(t, p.have.temp)
	assert.InDelta(t, 71.8, p.data.targetTemp, 0.0001)

	// The comfort zone caps the walk.
	p.comfortLow = 72
	require.NoError(t, p.updateTargetTemperature(ctx, models))
	assert.InDelta(t, 72, p.data.targetTemp, 0.0001)

	// A target already behind us is left alone.
	stale := &planner{weather: &fakeWeather{current: 70}}
	stale.data.targetTime = time.Now().Add(-time.Hour)
	stale.have.target = true
	require.NoError(t, stale.updateTargetTemperature(ctx, models))
	assert.False(t, stale.have.temp)
}

func TestReadReportsEverySensor(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)

	rec, err := f.h.Read(ctx, types.ScaleSecond)
	require.NoError(t, err)
	assert.Equal(t, types.Record{"Home": 76, "Bedroom": 74}, rec)
}

func TestHandlerServesTaskAndSensor(t *testing.T) {
	ctx := context.Background()
	f := newTestHVAC(t)
	srv := httptest.NewServer(Handler(f.h))
	defer srv.Close()

	details, err := task.NewClient(srv.URL).Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hvac", details.Name)
	assert.Equal(t, []string{"A/C", "air handler"}, details.Keys)

	rec, err := sensor.NewClient(srv.URL).Read(ctx, types.ScaleSecond)
	require.NoError(t, err)
	assert.InDelta(t, 76, rec["Home"], 0.0001)

	resp, err := http.Get(srv.URL + "/api/units")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var units map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&units))
	assert.Equal(t, map[string]string{"Home": "°F", "Bedroom": "°F"}, units)
}
