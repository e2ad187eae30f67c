package waterheater

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

// coldInletTemp is what refills the tank when hot water is drawn, in °F.
// The run time estimate models the tank as a blend of usable water at the
// measured temperature and inlet water at this one.
const coldInletTemp = 60.0

// Oracle answers when enough production is expected for a given draw.
type Oracle interface {
	NextPowerWindow(ctx context.Context, power float64) (time.Time, time.Time, error)
}

// Pauser reports whether the scheduler is currently managing tasks.
type Pauser interface {
	IsOnPause(ctx context.Context) bool
}

// WaterHeater is the water heater task. The device stays in timer mode;
// heating on surplus happens through boost overrides and scheduled timer
// windows get covered with away mode while the scheduler is alive, so a
// dead scheduler degrades to the device's own program.
type WaterHeater struct {
	driver Driver
	oracle Oracle
	pauser Pauser

	name             string
	key              string
	power            float64
	minutesPerDegree float64
	desiredTemp      float64
	minRun           time.Duration
	noPowerDelay     time.Duration

	mtx sync.Mutex
	// temperature (°F) and tankLevel (0..1) are pessimistic: readings
	// only move them up while a no-power backoff is active or on the
	// first observation, so a brief mid-draw spike cannot convince the
	// task the tank is done.
	temperature      float64
	tankLevel        float64
	stateKnown       bool
	priority         types.Priority
	reachedTarget    bool
	notRunnableUntil time.Time
	startedAt        time.Time
	targetTime       time.Time
}

var (
	_ task.Task     = (*WaterHeater)(nil)
	_ sensor.Reader = (*WaterHeater)(nil)
)

// Config carries the water heater task's wiring.
type Config struct {
	Driver Driver
	// Oracle supplies the end of the next power window as the target
	// time; Pauser gates covering timer windows on the scheduler being
	// alive.
	Oracle Oracle
	Pauser Pauser
	// Name is the task's registered name; Key its meter channel.
	Name string
	Key  string
	// Power is the element's draw in kW. MinutesPerDegree and
	// DesiredTemperature size the run time estimate.
	Power              float64
	MinutesPerDegree   float64
	DesiredTemperature float64
	// MinRun is the least time a started heat keeps going. NoPowerDelay
	// is the backoff after the element stops drawing.
	MinRun       time.Duration
	NoPowerDelay time.Duration
}

// New returns a water heater task.
func New(cfg Config) *WaterHeater {
	return &WaterHeater{
		driver:           cfg.Driver,
		oracle:           cfg.Oracle,
		pauser:           cfg.Pauser,
		name:             cfg.Name,
		key:              cfg.Key,
		power:            cfg.Power,
		minutesPerDegree: cfg.MinutesPerDegree,
		desiredTemp:      cfg.DesiredTemperature,
		minRun:           cfg.MinRun,
		noPowerDelay:     cfg.NoPowerDelay,
		priority:         types.PriorityLow,
	}
}

// Configured returns a water heater task against a flag-configured cloud
// driver.
func Configured(oracle Oracle, pauser Pauser) *WaterHeater {
	driver := configuredAquanta()
	name := lflag.String("waterheater-name", "water_heater", "registered name of the water heater task")
	key := lflag.String("waterheater-power-key", "water_heater", "meter channel the heater draws on")
	power := lflag.String("waterheater-power", "4.65", "draw of the heating element in kW")
	perDegree := lflag.String("waterheater-minutes-per-degree", "2", "minutes of heating per °F of deficit")
	desired := lflag.String("waterheater-desired-temperature", "125", "tank temperature to heat towards in °F")
	minRun := lflag.Duration("waterheater-min-run", 10*time.Minute, "least time a started heat keeps going")
	noPower := lflag.Duration("waterheater-no-power-delay", 30*time.Minute, "backoff after the element stops drawing")

	w := New(Config{Driver: driver, Oracle: oracle, Pauser: pauser})
	lflag.Do(func() {
		w.name = *name
		w.key = *key
		w.power = parseFloatPanic("waterheater-power", *power)
		w.minutesPerDegree = parseFloatPanic("waterheater-minutes-per-degree", *perDegree)
		w.desiredTemp = parseFloatPanic("waterheater-desired-temperature", *desired)
		w.minRun = *minRun
		w.noPowerDelay = *noPower
	})
	return w
}

func parseFloatPanic(name, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return v
}

func fahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

// state folds a fresh device reading into the sticky view and returns the
// temperature in °F and the available hot water in percent.
func (w *WaterHeater) state(ctx context.Context) (temp, availPct float64, err error) {
	ws, err := w.driver.Water(ctx)
	if err != nil {
		return 0, 0, err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.fold(ws)
	return w.temperature, w.tankLevel * 100, nil
}

// fold applies the reading. mtx must be held.
func (w *WaterHeater) fold(ws WaterState) {
	force := time.Now().Before(w.notRunnableUntil)
	if w.stateKnown && ws.Available < w.tankLevel {
		// Hot water was drawn, let the task run again right away.
		w.notRunnableUntil = time.Time{}
	}
	temp := fahrenheit(ws.Temperature)
	if force || !w.stateKnown || temp < w.temperature || ws.Available < w.tankLevel {
		w.temperature = temp
		w.tankLevel = ws.Available
		w.stateKnown = true
	}
}

// estimateLocked guesses how long heating back to the desired temperature
// takes. mtx must be held.
func (w *WaterHeater) estimateLocked() time.Duration {
	availPct := w.tankLevel * 100
	blend := coldInletTemp*(100-availPct)/100 + w.temperature*availPct/100
	minutes := int((w.desiredTemp - blend) * w.minutesPerDegree)
	return time.Duration(minutes) * time.Minute
}

// Name returns the task's registered name.
func (w *WaterHeater) Name() string {
	return w.name
}

func (w *WaterHeater) Details(ctx context.Context) (types.TaskDetails, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return types.TaskDetails{
		Name:     w.name,
		Priority: w.priority,
		Power:    w.power,
		Keys:     []string{w.key},
	}, nil
}

// Desc summarizes the tank in one line.
func (w *WaterHeater) Desc(ctx context.Context) (string, error) {
	if _, _, err := w.state(ctx); err != nil {
		return "", err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	s := fmt.Sprintf("tank at %.0f%%, %.0f°F", w.tankLevel*100, w.temperature)
	if !w.targetTime.IsZero() {
		s += ", hot by " + w.targetTime.Format("15:04")
	}
	return s, nil
}

func (w *WaterHeater) Start(ctx context.Context) error {
	mode, err := w.driver.Mode(ctx)
	if err != nil {
		return err
	}
	if mode == ModeBoost || mode == ModeSetpoint {
		return nil
	}
	if mode == ModeAway {
		if err := w.driver.CancelAway(ctx); err != nil {
			return err
		}
	}
	if _, _, err := w.state(ctx); err != nil {
		return err
	}
	w.mtx.Lock()
	duration := w.estimateLocked()
	w.mtx.Unlock()
	if duration < w.minRun {
		duration = w.minRun
	}
	// Boost from a minute in the past so the portal considers the
	// override already active.
	now := time.Now()
	if err := w.driver.Boost(ctx, now.Add(-time.Minute), now.Add(duration)); err != nil {
		return err
	}
	w.mtx.Lock()
	w.startedAt = now
	w.mtx.Unlock()
	log.Ctx(ctx).Info("boosting water heater", slog.Duration("duration", duration))
	return nil
}

func (w *WaterHeater) Stop(ctx context.Context) error {
	mode, err := w.driver.Mode(ctx)
	if err != nil {
		return err
	}
	if mode == ModeBoost {
		if err := w.driver.CancelBoost(ctx); err != nil {
			return err
		}
	}
	// If a timer window is open the program would just heat on, cover
	// the rest of it with away mode.
	now := time.Now()
	windows, err := w.driver.OnWindows(ctx, now)
	if err != nil {
		return err
	}
	for _, win := range windows {
		if !now.Before(win.Start) && now.Before(win.End) {
			if err := w.driver.Away(ctx, now.Add(-time.Minute), win.End); err != nil {
				return err
			}
			log.Ctx(ctx).Info("covering heating window with away mode", slog.Time("until", win.End))
			break
		}
	}
	w.mtx.Lock()
	w.startedAt = time.Time{}
	w.mtx.Unlock()
	return nil
}

func (w *WaterHeater) IsRunning(ctx context.Context) (bool, error) {
	mode, err := w.driver.Mode(ctx)
	if err != nil {
		return false, err
	}
	return mode == ModeSetpoint || mode == ModeBoost, nil
}

func (w *WaterHeater) IsRunnable(ctx context.Context) (bool, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return time.Now().After(w.notRunnableUntil) && !w.reachedTarget, nil
}

func (w *WaterHeater) IsStoppable(ctx context.Context) (bool, error) {
	runnable, err := w.IsRunnable(ctx)
	if err != nil {
		return false, err
	}
	if !runnable {
		return true, nil
	}
	ranFor, err := w.runningFor(ctx)
	if err != nil {
		return false, err
	}
	return ranFor > w.minRun, nil
}

// runningFor reports how long the heater has been heating. When heating
// started outside the task (the timer program kicked in) the clock starts
// at the first observation.
func (w *WaterHeater) runningFor(ctx context.Context) (time.Duration, error) {
	running, err := w.IsRunning(ctx)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, nil
	}
	now := time.Now()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.startedAt.IsZero() {
		w.startedAt = now
	}
	return now.Sub(w.startedAt), nil
}

func (w *WaterHeater) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	duration, err := w.runningFor(ctx)
	if err != nil {
		return false, err
	}
	_, availPct, err := w.state(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if duration > 0 {
		// An element that draws nothing is either satisfied or broken,
		// either way stop asking for power for a while. Right after a
		// start the thermostat may still be deciding, so give it a
		// grace period unless the tank is already full.
		minTime, minPower := 90*time.Second, 0.0
		if availPct >= 100 || duration >= 4*time.Minute {
			minTime, minPower = 30*time.Second, w.power/2
		}
		if duration > minTime && power <= minPower {
			delay := w.noPowerDelay
			if duration > 3*time.Minute {
				delay *= 4
			}
			w.notRunnableUntil = now.Add(delay)
			log.Ctx(ctx).Warn("water heater drawing no power, backing off",
				slog.Float64("power", power),
				slog.Duration("delay", delay))
			return false, nil
		}
	}
	if w.priority == types.PriorityUrgent && w.targetTime.Sub(now) < w.estimateLocked() {
		// Out of runway before the target, take any power we can get.
		return true, nil
	}
	return ratio >= 1, nil
}

// adjustPriority refreshes the tank state and walks the thresholds the
// tank has to clear, most urgent first. Clearing all of them parks the
// task until hot water is drawn again.
func (w *WaterHeater) adjustPriority(ctx context.Context) error {
	if _, _, err := w.state(ctx); err != nil {
		return err
	}
	now := time.Now()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	availPct := w.tankLevel * 100
	thresholds := []struct {
		priority    types.Priority
		available   float64
		temperature float64
	}{
		{types.PriorityUrgent, 50, 110},
		{types.PriorityHigh, 70, 120},
		{types.PriorityMedium, 90, w.desiredTemp},
		{types.PriorityLow, 100, w.desiredTemp},
	}
	prev := w.priority
	w.reachedTarget = true
	for _, th := range thresholds {
		if availPct >= th.available && w.temperature >= th.temperature {
			continue
		}
		w.reachedTarget = false
		w.priority = th.priority
		if w.priority < types.PriorityUrgent && w.targetTime.After(now) && w.targetTime.Sub(now) < w.estimateLocked() {
			// Not enough runway left before the power window closes.
			w.priority = w.priority.Bump()
		}
		break
	}
	if w.priority != prev {
		log.Ctx(ctx).Info("water heater priority changed",
			slog.String("priority", w.priority.String()),
			slog.Float64("available", availPct),
			slog.Float64("temperature", w.temperature))
	}
	return nil
}

// preventAutoStart covers a timer window about to open with away mode so
// the program does not start a heat under the scheduler's feet.
func (w *WaterHeater) preventAutoStart(ctx context.Context) error {
	mode, err := w.driver.Mode(ctx)
	if err != nil {
		return err
	}
	if mode != ModeTimer {
		return nil
	}
	now := time.Now()
	soon := now.Add(3 * time.Minute)
	windows, err := w.driver.OnWindows(ctx, now)
	if err != nil {
		return err
	}
	for _, win := range windows {
		if !soon.Before(win.Start) && soon.Before(win.End) {
			if err := w.driver.Away(ctx, now.Add(-time.Minute), win.End); err != nil {
				return err
			}
			log.Ctx(ctx).Info("covering heating window with away mode", slog.Time("until", win.End))
			return nil
		}
	}
	return nil
}

func (w *WaterHeater) refreshTarget(ctx context.Context) {
	w.mtx.Lock()
	stale := time.Now().After(w.targetTime)
	w.mtx.Unlock()
	if !stale {
		return
	}
	_, end, err := w.oracle.NextPowerWindow(ctx, w.power)
	if err != nil {
		log.Ctx(ctx).Warn("looking up next power window", slog.Any("error", err))
		return
	}
	w.mtx.Lock()
	w.targetTime = end
	w.mtx.Unlock()
	log.Ctx(ctx).Debug("water heater target updated", slog.Time("target", end))
}

func (w *WaterHeater) cycle(ctx context.Context) {
	if err := w.adjustPriority(ctx); err != nil {
		log.Ctx(ctx).Warn("adjusting water heater priority", slog.Any("error", err))
	}
	if !w.pauser.IsOnPause(ctx) {
		if err := w.preventAutoStart(ctx); err != nil {
			log.Ctx(ctx).Warn("preventing timer start", slog.Any("error", err))
		}
	}
	w.refreshTarget(ctx)
}

// Run keeps the task current until ctx is done: priority follows the tank
// once a minute, upcoming timer windows get covered while the scheduler
// is alive and the target time tracks the production forecast.
func (w *WaterHeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// SelfTest probes the portal so a broken device unregisters the task.
func (w *WaterHeater) SelfTest(ctx context.Context) error {
	_, _, err := w.state(ctx)
	return err
}

// Read exposes the tank as a sensor, temperature in °F and available hot
// water in percent.
func (w *WaterHeater) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	temp, availPct, err := w.state(ctx)
	if err != nil {
		return nil, err
	}
	return types.Record{"temperature": temp, "available": availPct}, nil
}

// Handler serves the task API plus the tank sensor.
func Handler(w *WaterHeater) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", task.Handler(w))
	mux.Handle("GET /api/read", sensor.Handler(w))
	mux.HandleFunc("GET /api/units", func(rw http.ResponseWriter, req *http.Request) {
		service.WriteJSON(rw, map[string]string{
			"temperature": "°F",
			"available":   "%",
		})
	})
	return mux
}
