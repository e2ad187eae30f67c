package poolpump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

const (
	// minHealthyPower is the least draw a running pump should show once
	// healthGrace has passed; anything under it means the pump is not
	// actually pumping.
	minHealthyPower = 0.2
	healthGrace     = 2 * time.Minute

	// priorityAdjustEvery throttles priority changes to once per this
	// many minute cycles.
	priorityAdjustEvery = 10

	serviceName = "pool_pump"
	runStateKey = "run_today"
)

// Monitor facts the task maintains.
const (
	factSwitch  = "ewelink service"
	factHealthy = "pool pump operational"
	factFilter  = "pool filter is clean"
)

// Oracle answers when enough production is expected for a given draw.
type Oracle interface {
	NextPowerWindow(ctx context.Context, power float64) (time.Time, time.Time, error)
}

// TemperatureSource estimates the coldest upcoming temperature, used when
// the pool has no working sensor.
type TemperatureSource interface {
	MinimumTemperature(ctx context.Context, hours int) (float64, error)
}

// Scheduler is the slice of the scheduler API the health loop drives.
type Scheduler interface {
	RegisterTask(ctx context.Context, uri string) error
	UnregisterTask(ctx context.Context, uri string) error
}

// Tracker mirrors the monitor's fact API.
type Tracker interface {
	Track(ctx context.Context, name string, healthy bool)
}

// PoolPump is the pool pump task. Each day it gets a filtration budget
// sized from the water temperature; the budget burns down while the pump
// runs and the priority rises as the target time closes in on what is
// left. A pump that stops drawing power is flagged, stopped and taken out
// of the scheduler until the next start attempt.
type PoolPump struct {
	sw      Switch
	oracle  Oracle
	weather TemperatureSource
	pool    sensor.Reader
	sched   Scheduler
	tracker Tracker
	db      storage.Database

	uri                  string
	name                 string
	key                  string
	power                float64
	minRun               time.Duration
	cleanFilterThreshold float64

	mtx         sync.Mutex
	priority    types.Priority
	healthy     bool
	filterClean bool
	powers      []float64
	startedAt   time.Time
	targetTime  time.Time
	remaining   time.Duration
	lastUpdate  time.Time
	ranToday    time.Duration
	ranDate     string
	cycleEnd    time.Time
	lastSaved   runState
}

var (
	_ task.Task     = (*PoolPump)(nil)
	_ sensor.Reader = (*PoolPump)(nil)
)

// Config carries the pool pump task's wiring.
type Config struct {
	Switch  Switch
	Oracle  Oracle
	Weather TemperatureSource
	// Pool (optional) measures the water temperature directly; without
	// it the forecast minimum stands in.
	Pool      sensor.Reader
	Scheduler Scheduler
	Tracker   Tracker
	// DB persists today's accumulated runtime across restarts.
	DB storage.Database
	// URI is what the health loop registers with the scheduler.
	URI string

	Name string
	Key  string
	// Power is the pump's rated draw in kW, used until a real draw has
	// been observed.
	Power  float64
	MinRun time.Duration
	// CleanFilterThreshold is the mean draw below which the filter is
	// assumed dirty.
	CleanFilterThreshold float64
}

// New returns a pool pump task.
func New(cfg Config) *PoolPump {
	return &PoolPump{
		sw:                   cfg.Switch,
		oracle:               cfg.Oracle,
		weather:              cfg.Weather,
		pool:                 cfg.Pool,
		sched:                cfg.Scheduler,
		tracker:              cfg.Tracker,
		db:                   cfg.DB,
		uri:                  cfg.URI,
		name:                 cfg.Name,
		key:                  cfg.Key,
		power:                cfg.Power,
		minRun:               cfg.MinRun,
		cleanFilterThreshold: cfg.CleanFilterThreshold,
		priority:             types.PriorityLow,
		healthy:              true,
		filterClean:          true,
		lastUpdate:           time.Now(),
	}
}

// Configured returns a pool pump task against a flag-configured cloud
// switch.
func Configured(oracle Oracle, weather TemperatureSource, pool sensor.Reader, sched Scheduler, tracker Tracker, db storage.Database, uri string) *PoolPump {
	sw := configuredEwelink()
	uriFlag := lflag.String("poolpump-uri", uri, "base URL this task advertises to the scheduler")
	name := lflag.String("poolpump-name", "pool_pump", "registered name of the pool pump task")
	key := lflag.String("poolpump-power-key", "pool", "meter channel the pump draws on")
	power := lflag.String("poolpump-power", "2", "rated draw of the pump in kW")
	threshold := lflag.String("poolpump-clean-filter-threshold", "1.55", "mean draw in kW below which the filter is dirty")
	minRun := lflag.Duration("poolpump-min-run", 7*time.Minute, "least time a started pump keeps going")

	p := New(Config{Switch: sw, Oracle: oracle, Weather: weather, Pool: pool, Scheduler: sched, Tracker: tracker, DB: db, URI: uri})
	lflag.Do(func() {
		p.uri = *uriFlag
		p.name = *name
		p.key = *key
		p.power = parseFloatPanic("poolpump-power", *power)
		p.cleanFilterThreshold = parseFloatPanic("poolpump-clean-filter-threshold", *threshold)
		p.minRun = *minRun
	})
	return p
}

func parseFloatPanic(name, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return v
}

// runtimeForTemperature maps water temperature to daily filtration need,
// 60 minutes at 52 °F climbing linearly to 300 at 75 °F.
func runtimeForTemperature(temp float64) time.Duration {
	const (
		coldTemp, warmTemp       = 52.0, 75.0
		coldMinutes, warmMinutes = 60.0, 300.0
	)
	var minutes float64
	switch {
	case temp <= coldTemp:
		minutes = coldMinutes
	case temp >= warmTemp:
		minutes = warmMinutes
	default:
		minutes = coldMinutes + (warmMinutes-coldMinutes)*(temp-coldTemp)/(warmTemp-coldTemp)
	}
	return time.Duration(math.Round(minutes)) * time.Minute
}

// observedPowerLocked reports the pump's real draw once measured, the
// configured rating before that. mtx must be held.
func (p *PoolPump) observedPowerLocked() float64 {
	if len(p.powers) == 0 {
		return p.power
	}
	return lo.Max(p.powers)
}

// Name returns the task's registered name.
func (p *PoolPump) Name() string {
	return p.name
}

func (p *PoolPump) Details(ctx context.Context) (types.TaskDetails, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return types.TaskDetails{
		Name:     p.name,
		Priority: p.priority,
		Power:    p.observedPowerLocked(),
		Keys:     []string{p.key},
	}, nil
}

// Desc summarizes the pump in one line.
func (p *PoolPump) Desc(ctx context.Context) (string, error) {
	st, err := p.sw.State(ctx)
	if err != nil {
		return "", err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	state := "off"
	switch {
	case !st.Online:
		state = "offline"
	case st.On:
		state = "on"
	}
	s := fmt.Sprintf("%s, %s of filtering left today", state, p.remaining.Round(time.Minute))
	if !p.healthy {
		s += ", flagged for no draw"
	}
	return s, nil
}

func (p *PoolPump) Start(ctx context.Context) error {
	if err := p.sw.TurnOn(ctx); err != nil {
		return err
	}
	p.mtx.Lock()
	p.startedAt = time.Now()
	if !p.healthy {
		// Give a flagged pump the chance to prove itself again.
		p.healthy = true
	}
	p.powers = nil
	p.mtx.Unlock()
	log.Ctx(ctx).Info("pool pump started")
	return nil
}

func (p *PoolPump) Stop(ctx context.Context) error {
	p.mtx.Lock()
	p.startedAt = time.Time{}
	p.mtx.Unlock()
	if err := p.sw.TurnOff(ctx); err != nil {
		return err
	}
	log.Ctx(ctx).Info("pool pump stopped")
	return nil
}

func (p *PoolPump) IsRunning(ctx context.Context) (bool, error) {
	st, err := p.sw.State(ctx)
	if err != nil {
		return false, err
	}
	return st.On, nil
}

func (p *PoolPump) IsRunnable(ctx context.Context) (bool, error) {
	st, err := p.sw.State(ctx)
	if err != nil {
		return false, err
	}
	p.mtx.Lock()
	remaining := p.remaining
	p.mtx.Unlock()
	return remaining > 0 && st.Online, nil
}

func (p *PoolPump) IsStoppable(ctx context.Context) (bool, error) {
	st, err := p.sw.State(ctx)
	if err != nil {
		return false, err
	}
	ranFor, err := p.runningFor(ctx)
	if err != nil {
		return false, err
	}
	return ranFor > p.minRun && st.Online, nil
}

// runningFor reports how long the pump has been on. When it was switched
// on outside the task the clock starts at the first observation.
func (p *PoolPump) runningFor(ctx context.Context) (time.Duration, error) {
	running, err := p.IsRunning(ctx)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, nil
	}
	now := time.Now()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
	return now.Sub(p.startedAt), nil
}

func (p *PoolPump) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	ranFor, err := p.runningFor(ctx)
	if err != nil {
		return false, err
	}
	if ranFor > healthGrace {
		p.mtx.Lock()
		p.healthy = power > minHealthyPower
		p.powers = append(p.powers, power)
		mean := lo.Sum(p.powers) / float64(len(p.powers))
		p.filterClean = mean > p.cleanFilterThreshold
		healthy := p.healthy
		p.mtx.Unlock()
		if !healthy {
			log.Ctx(ctx).Warn("pool pump drawing no power", slog.Float64("power", power))
		}
	}
	runnable, err := p.IsRunnable(ctx)
	if err != nil {
		return false, err
	}
	return runnable && ratio >= 0.9, nil
}

// poolTemperature prefers the pool's own sensor and falls back to the
// forecast's coming daily minimum.
func (p *PoolPump) poolTemperature(ctx context.Context) (float64, error) {
	if p.pool != nil {
		rec, err := p.pool.Read(ctx, types.ScaleSecond)
		if err == nil {
			if temp, ok := rec["temperature"]; ok {
				return temp, nil
			}
		}
	}
	return p.weather.MinimumTemperature(ctx, 24)
}

// configureCycle sizes today's budget from the water temperature, minus
// what already ran today, due by the end of the next power window.
func (p *PoolPump) configureCycle(ctx context.Context) error {
	p.mtx.Lock()
	power := p.observedPowerLocked()
	p.mtx.Unlock()
	_, end, err := p.oracle.NextPowerWindow(ctx, power)
	if err != nil {
		return err
	}
	temp, err := p.poolTemperature(ctx)
	if err != nil {
		return err
	}
	budget := runtimeForTemperature(temp)
	now := time.Now()
	p.mtx.Lock()
	if end.Year() == now.Year() && end.YearDay() == now.YearDay() {
		budget -= p.ranToday
		if budget < 0 {
			budget = 0
		}
	}
	p.remaining = budget
	p.targetTime = end
	p.mtx.Unlock()
	log.Ctx(ctx).Info("pool pump cycle configured",
		slog.Float64("temperature", temp),
		slog.Duration("budget", budget),
		slog.Time("target", end))
	return nil
}

// updateRuntime burns the budget down for the time the pump ran since the
// last call and accumulates today's total.
func (p *PoolPump) updateRuntime(ctx context.Context) error {
	running, err := p.IsRunning(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	today := now.Format(time.DateOnly)
	if p.ranDate != today {
		p.ranDate = today
		p.ranToday = 0
	}
	if running {
		if p.startedAt.IsZero() {
			p.startedAt = now
		}
		since := p.lastUpdate
		if p.startedAt.After(since) {
			since = p.startedAt
		}
		elapsed := now.Sub(since)
		p.remaining -= elapsed
		p.ranToday += elapsed
	}
	if p.remaining < 0 {
		p.remaining = 0
	}
	p.lastUpdate = now
	return nil
}

// runState is what survives a restart: how long the pump already ran on a
// given day.
type runState struct {
	Date    string `json:"date"`
	Minutes int    `json:"minutes"`
}

func (p *PoolPump) loadRunState(ctx context.Context) {
	if p.db == nil {
		return
	}
	var st runState
	err := storage.LoadState(ctx, p.db, serviceName, runStateKey, &st)
	if errors.Is(err, storage.ErrStateNotFound) {
		return
	}
	if err != nil {
		log.Ctx(ctx).Warn("loading pool pump run state", slog.Any("error", err))
		return
	}
	if st.Date != time.Now().Format(time.DateOnly) {
		return
	}
	p.mtx.Lock()
	p.ranDate = st.Date
	p.ranToday = time.Duration(st.Minutes) * time.Minute
	p.lastSaved = st
	p.mtx.Unlock()
}

func (p *PoolPump) saveRunState(ctx context.Context) {
	if p.db == nil {
		return
	}
	p.mtx.Lock()
	st := runState{Date: p.ranDate, Minutes: int(p.ranToday.Minutes())}
	last := p.lastSaved
	p.mtx.Unlock()
	if st == last {
		return
	}
	if err := storage.SaveState(ctx, p.db, serviceName, runStateKey, st); err != nil {
		log.Ctx(ctx).Warn("saving pool pump run state", slog.Any("error", err))
		return
	}
	p.mtx.Lock()
	p.lastSaved = st
	p.mtx.Unlock()
}

// adjustPriority raises urgency as the target time closes in on the
// remaining budget.
func (p *PoolPump) adjustPriority(ctx context.Context) {
	now := time.Now()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	prev := p.priority
	headStart := time.Duration(float64(p.remaining) * 1.5)
	switch {
	case p.remaining == 0 || now.Before(p.targetTime.Add(-headStart)):
		p.priority = types.PriorityLow
	case now.Before(p.targetTime.Add(-p.remaining)):
		p.priority = types.PriorityMedium
	default:
		p.priority = types.PriorityHigh
	}
	if p.priority != prev {
		log.Ctx(ctx).Info("pool pump priority changed",
			slog.String("priority", p.priority.String()),
			slog.Duration("remaining", p.remaining))
	}
}

// checkHealth probes the cloud and gates scheduler membership on the pump
// actually pumping. A broken pump gets stopped and unregistered until the
// next start attempt; the facts feed the monitor.
func (p *PoolPump) checkHealth(ctx context.Context) {
	if _, err := p.sw.State(ctx); err != nil {
		log.Ctx(ctx).Warn("switch unreachable, leaving the scheduler", slog.Any("error", err))
		p.tracker.Track(ctx, factSwitch, false)
		if err := p.sched.UnregisterTask(ctx, p.uri); err != nil {
			log.Ctx(ctx).Warn("unregistering from scheduler", slog.Any("error", err))
		}
		return
	}
	p.tracker.Track(ctx, factSwitch, true)

	p.mtx.Lock()
	healthy := p.healthy
	filterClean := p.filterClean
	p.mtx.Unlock()
	p.tracker.Track(ctx, factHealthy, healthy)
	p.tracker.Track(ctx, factFilter, filterClean)
	if healthy {
		if err := p.sched.RegisterTask(ctx, p.uri); err != nil {
			log.Ctx(ctx).Warn("registering with scheduler", slog.Any("error", err))
		}
		return
	}
	log.Ctx(ctx).Warn("pool pump not operating, leaving the scheduler")
	if err := p.sched.UnregisterTask(ctx, p.uri); err != nil {
		log.Ctx(ctx).Warn("unregistering from scheduler", slog.Any("error", err))
	}
	if err := p.Stop(ctx); err != nil {
		log.Ctx(ctx).Warn("stopping pool pump", slog.Any("error", err))
	}
}

func (p *PoolPump) cycle(ctx context.Context) {
	p.mtx.Lock()
	cycleStale := time.Now().After(p.cycleEnd)
	p.mtx.Unlock()
	if cycleStale {
		if err := p.configureCycle(ctx); err != nil {
			log.Ctx(ctx).Warn("configuring pool pump cycle", slog.Any("error", err))
		} else {
			now := time.Now()
			p.mtx.Lock()
			p.cycleEnd = time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 0, 0, now.Location())
			p.mtx.Unlock()
		}
	}
	if err := p.updateRuntime(ctx); err != nil {
		log.Ctx(ctx).Warn("updating pool pump runtime", slog.Any("error", err))
	}
	p.saveRunState(ctx)
	p.checkHealth(ctx)
}

// Run drives the minute loop until ctx is done.
func (p *PoolPump) Run(ctx context.Context) error {
	p.loadRunState(ctx)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	sinceAdjust := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cycle(ctx)
			if sinceAdjust == -1 || sinceAdjust >= priorityAdjustEvery {
				p.adjustPriority(ctx)
				sinceAdjust = 0
			} else {
				sinceAdjust++
			}
		}
	}
}

// Read exposes the remaining budget as a sensor, in minutes.
func (p *PoolPump) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return types.Record{"remaining_runtime": p.remaining.Truncate(time.Minute).Minutes()}, nil
}

// Handler serves the task API plus the runtime sensor.
func Handler(p *PoolPump) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", task.Handler(p))
	mux.Handle("GET /api/read", sensor.Handler(p))
	mux.HandleFunc("GET /api/units", func(rw http.ResponseWriter, req *http.Request) {
		service.WriteJSON(rw, map[string]string{"remaining_runtime": "minutes"})
	})
	return mux
}
