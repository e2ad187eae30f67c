package hvac

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

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

// factThermostat is the monitor fact tracking thermostat reachability.
const factThermostat = "ecobee service"

var (
	errPlanPending  = errors.New("planning data not ready yet")
	errModelPending = errors.New("thermal model not loaded yet")
)

// Scheduler is the slice of the scheduler API the health loop drives.
type Scheduler interface {
	RegisterTask(ctx context.Context, uri string) error
	UnregisterTask(ctx context.Context, uri string) error
}

// Tracker mirrors the monitor's fact API.
type Tracker interface {
	Track(ctx context.Context, name string, healthy bool)
}

// HVAC is the heating and cooling task. A planner goroutine keeps the
// production ceiling, outdoor temperature and the target time and
// temperature fresh; the task heats or cools through thermostat holds so
// the home passively coasts to the goal temperature by the goal time.
// The declared draw follows the thermal model, so the scheduler sees the
// real cost of a run at today's outdoor temperature.
type HVAC struct {
	driver  Driver
	sched   Scheduler
	tracker Tracker
	db      storage.Database
	uri     string

	planner *planner

	name        string
	keys        []string
	sensorName  string
	offset      float64
	minRun      time.Duration
	minPause    time.Duration
	comfortLow  float64
	comfortHigh float64

	mtx       sync.Mutex
	models    *Models
	priority  types.Priority
	power     float64
	startedAt time.Time
	stoppedAt time.Time
}

var (
	_ task.Task     = (*HVAC)(nil)
	_ sensor.Reader = (*HVAC)(nil)
)

// Config carries the HVAC task's wiring.
type Config struct {
	Driver    Driver
	Oracle    Oracle
	Weather   Weather
	Scheduler Scheduler
	Tracker   Tracker
	// DB holds the calibration tables and the thermostat tokens.
	DB storage.Database
	// URI is what the health loop registers with the scheduler.
	URI string

	Name string
	// Keys are the meter channels the system draws on.
	Keys []string
	// TemperatureSensor names the thermostat sensor that stands for the
	// home's temperature.
	TemperatureSensor string
	// Power is the declared draw in kW until the model has spoken.
	Power float64
	// Offset is how far past the planned temperature a hold pushes.
	Offset   float64
	MinRun   time.Duration
	MinPause time.Duration
	// GoalTemperature should be reached by GoalHour:GoalMinute.
	GoalTemperature float64
	GoalHour        int
	GoalMinute      int
	// ComfortLow and ComfortHigh bound the planned temperature and mark
	// when discomfort raises the priority.
	ComfortLow  float64
	ComfortHigh float64
}

// New returns an HVAC task.
func New(cfg Config) *HVAC {
	return &HVAC{
		driver:      cfg.Driver,
		sched:       cfg.Scheduler,
		tracker:     cfg.Tracker,
		db:          cfg.DB,
		uri:         cfg.URI,
		name:        cfg.Name,
		keys:        cfg.Keys,
		sensorName:  cfg.TemperatureSensor,
		offset:      cfg.Offset,
		minRun:      cfg.MinRun,
		minPause:    cfg.MinPause,
		comfortLow:  cfg.ComfortLow,
		comfortHigh: cfg.ComfortHigh,
		power:       cfg.Power,
		priority:    types.PriorityLow,
		planner: &planner{
			oracle:          cfg.Oracle,
			weather:         cfg.Weather,
			goalHour:        cfg.GoalHour,
			goalMinute:      cfg.GoalMinute,
			goalTemperature: cfg.GoalTemperature,
			comfortLow:      cfg.ComfortLow,
			comfortHigh:     cfg.ComfortHigh,
		},
	}
}

// Configured returns an HVAC task against a flag-configured thermostat.
func Configured(oracle Oracle, weather Weather, sched Scheduler, tracker Tracker, db storage.Database, uri string) *HVAC {
	driver := configuredEcobee(db)
	uriFlag := lflag.String("hvac-uri", uri, "base URL this task advertises to the scheduler")
	name := lflag.String("hvac-name", "hvac", "registered name of the HVAC task")
	var keys []string
	lflag.JSON(&keys, "hvac-power-keys", []string{"A/C", "air handler"},
		"JSON list of meter channels the system draws on")
	sensorName := lflag.String("hvac-temperature-sensor", "Home",
		"thermostat sensor standing for the home's temperature")
	power := lflag.String("hvac-power", "5", "declared draw in kW until the model has data")
	offset := lflag.String("hvac-temperature-offset", "2", "degrees a hold pushes past the planned temperature")
	minRun := lflag.Duration("hvac-min-run", 7*time.Minute, "least time the compressor keeps going")
	minPause := lflag.Duration("hvac-min-pause", 5*time.Minute, "least pause between two runs")
	goalTime := lflag.String("hvac-goal-time", "22:30", "time of day the goal temperature should hold at")
	goalTemp := lflag.String("hvac-goal-temperature", "73", "temperature in °F to reach by the goal time")
	var comfort [2]float64
	lflag.JSON(&comfort, "hvac-comfort-zone", [2]float64{71, 78},
		"JSON [low, high] °F band the home should stay inside")

	h := New(Config{Driver: driver, Oracle: oracle, Weather: weather, Scheduler: sched, Tracker: tracker, DB: db, URI: uri})
	lflag.Do(func() {
		h.uri = *uriFlag
		h.name = *name
		h.keys = keys
		h.sensorName = *sensorName
		h.power = parseFloatPanic("hvac-power", *power)
		h.offset = parseFloatPanic("hvac-temperature-offset", *offset)
		h.minRun = *minRun
		h.minPause = *minPause
		h.comfortLow, h.comfortHigh = comfort[0], comfort[1]
		hour, minute := parseClockPanic("hvac-goal-time", *goalTime)
		h.planner.goalHour, h.planner.goalMinute = hour, minute
		h.planner.goalTemperature = parseFloatPanic("hvac-goal-temperature", *goalTemp)
		h.planner.comfortLow, h.planner.comfortHigh = comfort[0], comfort[1]
	})
	return h
}

func parseFloatPanic(name, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return v
}

func parseClockPanic(name, value string) (int, int) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return t.Hour(), t.Minute()
}

func (h *HVAC) loadedModels() (*Models, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.models == nil {
		return nil, errModelPending
	}
	return h.models, nil
}

// indoorTemperature reads the sensor standing for the home.
func (h *HVAC) indoorTemperature(ctx context.Context) (float64, error) {
	temps, err := h.driver.Temperatures(ctx)
	if err != nil {
		return 0, err
	}
	temp, ok := temps[h.sensorName]
	if !ok {
		return 0, fmt.Errorf("no %s temperature reading", h.sensorName)
	}
	return temp, nil
}

// helpfulMode reports the direction a run would move the home toward the
// planned temperature: +1 to heat, -1 to cool, 0 when the target is met
// or the thermostat's mode cannot help.
func (h *HVAC) helpfulMode(ctx context.Context) (int, error) {
	pl, ok := h.planner.snapshot()
	if !ok {
		return 0, errPlanPending
	}
	indoor, err := h.indoorTemperature(ctx)
	if err != nil {
		return 0, err
	}
	st, err := h.driver.State(ctx)
	if err != nil {
		return 0, err
	}
	deviation := indoor - pl.targetTemp
	switch {
	case deviation < 0 && (st.Mode == ModeHeat || st.Mode == ModeAuto):
		return 1, nil
	case deviation > 0 && (st.Mode == ModeCool || st.Mode == ModeAuto):
		return -1, nil
	}
	return 0, nil
}

// estimateRuntime is how long a run would take to close the gap to the
// planned temperature at the current outdoor temperature.
func (h *HVAC) estimateRuntime(ctx context.Context) (time.Duration, error) {
	sign, err := h.helpfulMode(ctx)
	if err != nil {
		return 0, err
	}
	if sign == 0 {
		return 0, nil
	}
	models, err := h.loadedModels()
	if err != nil {
		return 0, err
	}
	pl, ok := h.planner.snapshot()
	if !ok {
		return 0, errPlanPending
	}
	indoor, err := h.indoorTemperature(ctx)
	if err != nil {
		return 0, err
	}
	deviation := math.Abs(indoor - pl.targetTemp)
	return time.Duration(deviation * float64(models.TimePerDegree(pl.outdoor))), nil
}

// Name returns the task's registered name.
func (h *HVAC) Name() string {
	return h.name
}

func (h *HVAC) Details(ctx context.Context) (types.TaskDetails, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return types.TaskDetails{
		Name:     h.name,
		Priority: h.priority,
		Power:    h.power,
		Keys:     h.keys,
	}, nil
}

// Desc summarizes the system in one line.
func (h *HVAC) Desc(ctx context.Context) (string, error) {
	st, err := h.driver.State(ctx)
	if err != nil {
		return "", err
	}
	temp, err := h.indoorTemperature(ctx)
	if err != nil {
		return "", err
	}
	s := fmt.Sprintf("%s at %.1f°F", st.Mode, temp)
	if st.OnHold {
		s += ", holding"
	}
	if pl, ok := h.planner.snapshot(); ok {
		s += fmt.Sprintf(", planning %.1f°F by %s",
			pl.targetTemp, pl.targetTime.Format("15:04"))
	}
	return s, nil
}

// Start places a hold past the planned temperature so the equipment
// engages.
func (h *HVAC) Start(ctx context.Context) error {
	sign, err := h.helpfulMode(ctx)
	if err != nil {
		return err
	}
	if sign == 0 {
		return fmt.Errorf("nothing helpful to run")
	}
	duration, err := h.estimateRuntime(ctx)
	if err != nil {
		return err
	}
	pl, ok := h.planner.snapshot()
	if !ok {
		return errPlanPending
	}
	setpoint := pl.targetTemp + float64(sign)*h.offset
	if err := h.driver.Hold(ctx, setpoint, setpoint+float64(sign)*2, duration); err != nil {
		return err
	}
	h.mtx.Lock()
	h.startedAt = time.Now()
	h.mtx.Unlock()
	log.Ctx(ctx).Info("holding thermostat",
		slog.Float64("setpoint", setpoint), slog.Duration("for", duration))
	return nil
}

// Stop resumes the thermostat's own program.
func (h *HVAC) Stop(ctx context.Context) error {
	if err := h.driver.Resume(ctx); err != nil {
		return err
	}
	h.mtx.Lock()
	h.startedAt = time.Time{}
	h.stoppedAt = time.Now()
	h.mtx.Unlock()
	log.Ctx(ctx).Info("resumed thermostat program")
	return nil
}

func (h *HVAC) IsRunning(ctx context.Context) (bool, error) {
	st, err := h.driver.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Active || st.OnHold, nil
}

// IsRunnable wants the pause between runs honored, a mode that can act
// and enough of a gap to be worth a compressor start.
func (h *HVAC) IsRunnable(ctx context.Context) (bool, error) {
	h.mtx.Lock()
	stoppedAt := h.stoppedAt
	h.mtx.Unlock()
	if time.Now().Before(stoppedAt.Add(h.minPause)) {
		return false, nil
	}
	st, err := h.driver.State(ctx)
	if err != nil {
		return false, err
	}
	if st.Mode == ModeOff {
		return false, nil
	}
	estimate, err := h.estimateRuntime(ctx)
	if err != nil {
		return false, err
	}
	return estimate >= h.minRun, nil
}

// IsStoppable protects the compressor through the minimum run, and only
// claims runs the task itself started, a hold.
func (h *HVAC) IsStoppable(ctx context.Context) (bool, error) {
	ranFor, err := h.runningFor(ctx)
	if err != nil {
		return false, err
	}
	if ranFor <= h.minRun {
		return false, nil
	}
	st, err := h.driver.State(ctx)
	if err != nil {
		return false, err
	}
	return st.OnHold, nil
}

// runningFor reports how long the system has been on. When it engaged
// outside the task the clock starts at the first observation.
func (h *HVAC) runningFor(ctx context.Context) (time.Duration, error) {
	running, err := h.IsRunning(ctx)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, nil
	}
	now := time.Now()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.startedAt.IsZero() {
		h.startedAt = now
	}
	return now.Sub(h.startedAt), nil
}

func (h *HVAC) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	h.mtx.Lock()
	priority, declared := h.priority, h.power
	h.mtx.Unlock()
	if priority == types.PriorityUrgent {
		return true, nil
	}
	pl, ok := h.planner.snapshot()
	if !ok {
		return false, errPlanPending
	}
	need, err := h.estimateRuntime(ctx)
	if err != nil {
		return false, err
	}
	// Close to the deadline with work outstanding, the bar drops with
	// the square of the time left.
	relax := 1.0
	if need > 0 {
		if left := time.Until(pl.targetTime); left <= 0 {
			relax = 0
		} else if left < need {
			f := float64(left) / float64(need)
			relax = f * f
		}
	}
	running, err := h.IsRunning(ctx)
	if err != nil {
		return false, err
	}
	if running {
		if need == 0 {
			// Target reached.
			return false, nil
		}
		ranFor, err := h.runningFor(ctx)
		if err != nil {
			return false, err
		}
		if ranFor <= h.minRun {
			return true, nil
		}
		if power <= declared/3 {
			// The measured draw cannot be the heat pump.
			return false, nil
		}
		return ratio >= math.Min(1, 0.9*pl.maxAvailable/power)*relax, nil
	}
	return ratio >= math.Min(1, 0.95*pl.maxAvailable/declared)*relax, nil
}

// adjustPriority sets urgency from how many runs of the current size fit
// before the target time, bumped one level while the home sits outside
// the comfort zone.
func (h *HVAC) adjustPriority(ctx context.Context) error {
	runTime, err := h.estimateRuntime(ctx)
	if err != nil {
		return err
	}
	next := types.PriorityLow
	if runTime >= h.minRun {
		pl, ok := h.planner.snapshot()
		if !ok {
			return errPlanPending
		}
		count := float64(time.Until(pl.targetTime)) / float64(runTime)
		levels := float64(types.PriorityUrgent-types.PriorityLow) + 1
		if count >= 0 && count < levels {
			next = types.PriorityUrgent - types.Priority(math.Floor(count))
		}
	}
	indoor, err := h.indoorTemperature(ctx)
	if err != nil {
		return err
	}
	if indoor < h.comfortLow || indoor > h.comfortHigh {
		next = next.Bump()
	}
	h.mtx.Lock()
	if next != h.priority {
		log.Ctx(ctx).Info("hvac priority changed",
			slog.String("priority", next.String()),
			slog.Duration("run_time", runTime))
	}
	h.priority = next
	h.mtx.Unlock()
	return nil
}

// adjustPower refreshes the declared draw from the model at the current
// outdoor temperature.
func (h *HVAC) adjustPower(ctx context.Context) error {
	models, err := h.loadedModels()
	if err != nil {
		return err
	}
	pl, ok := h.planner.snapshot()
	if !ok {
		return errPlanPending
	}
	h.mtx.Lock()
	h.power = models.Power(pl.outdoor)
	h.mtx.Unlock()
	return nil
}

// SelfTest proves the thermostat answers and the home sensor reports.
func (h *HVAC) SelfTest(ctx context.Context) error {
	_, err := h.indoorTemperature(ctx)
	return err
}

func (h *HVAC) cycle(ctx context.Context) {
	if err := h.adjustPower(ctx); err != nil {
		log.Ctx(ctx).Warn("adjusting declared power", slog.Any("error", err))
	}
	if err := h.adjustPriority(ctx); err != nil {
		log.Ctx(ctx).Warn("adjusting priority", slog.Any("error", err))
	}
	if err := h.SelfTest(ctx); err != nil {
		log.Ctx(ctx).Warn("thermostat unreachable, leaving the scheduler", slog.Any("error", err))
		h.tracker.Track(ctx, factThermostat, false)
		if err := h.sched.UnregisterTask(ctx, h.uri); err != nil {
			log.Ctx(ctx).Warn("unregistering from scheduler", slog.Any("error", err))
		}
		return
	}
	h.tracker.Track(ctx, factThermostat, true)
	if err := h.sched.RegisterTask(ctx, h.uri); err != nil {
		log.Ctx(ctx).Warn("registering with scheduler", slog.Any("error", err))
	}
}

// Run loads the thermal models, starts the planner and drives the minute
// loop until ctx is done.
func (h *HVAC) Run(ctx context.Context) error {
	models, err := LoadModels(ctx, h.db)
	if err != nil {
		return fmt.Errorf("loading thermal models: %w", err)
	}
	h.mtx.Lock()
	h.models = models
	h.mtx.Unlock()
	go h.planner.run(ctx, models)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.cycle(ctx)
		}
	}
}

// Read exposes every thermostat sensor in °F.
func (h *HVAC) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	temps, err := h.driver.Temperatures(ctx)
	if err != nil {
		return nil, err
	}
	rec := make(types.Record, len(temps))
	for name, temp := range temps {
		rec[name] = temp
	}
	return rec, nil
}

// Handler serves the task API plus the temperature sensors.
func Handler(h *HVAC) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", task.Handler(h))
	mux.Handle("GET /api/read", sensor.Handler(h))
	mux.HandleFunc("GET /api/units", func(rw http.ResponseWriter, req *http.Request) {
		temps, err := h.driver.Temperatures(req.Context())
		if err != nil {
			service.WriteJSONError(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		units := make(map[string]string, len(temps))
		for name := range temps {
			units[name] = "°F"
		}
		service.WriteJSON(rw, units)
	})
	return mux
}
