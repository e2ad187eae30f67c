package evse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

const (
	// kwPerAmp is what one ampere of charge current draws at 240 V.
	kwPerAmp = 0.24

	// adjustInterval is how often the charge rate follows the surplus
	// while charging.
	adjustInterval = 15 * time.Second
)

// Charger state descriptions as the cloud reports them.
const (
	statusCharging     = "Charging"
	statusFullyCharged = "Connected: waiting for car demand"
)

// pluggedInStatuses are the states in which a car is connected and a
// start request could lead to charging.
var pluggedInStatuses = []string{
	statusCharging,
	statusFullyCharged,
	"Connected: waiting for next schedule",
	"Paused by user",
}

// EVSE is the EV charger task. It charges opportunistically: the
// scheduler starts and stops it on surplus, and while charging the task
// resizes the charge current every few seconds to track the surplus
// exactly. AutoAdjust marks it as infinitely divisible above its minimum.
type EVSE struct {
	driver  Driver
	power   sensor.Reader
	backup  sensor.Reader
	name    string
	key     string
	minAmps int
	maxSoC  float64

	mtx      sync.Mutex
	priority types.Priority
}

var _ task.Task = (*EVSE)(nil)

// Config carries the EVSE task's wiring.
type Config struct {
	Driver Driver
	// Power serves measured records; Backup (optional) stands in when the
	// meter has no fresh data, usually the simulator.
	Power  sensor.Reader
	Backup sensor.Reader
	// Name is the task's registered name; Key its meter channel.
	Name string
	Key  string
	// MinAmps is the least current the charger will deliver; MaxSoC the
	// battery level past which charging stops being runnable.
	MinAmps int
	MaxSoC  float64
}

// New returns an EVSE task.
func New(cfg Config) *EVSE {
	return &EVSE{
		driver:   cfg.Driver,
		power:    cfg.Power,
		backup:   cfg.Backup,
		name:     cfg.Name,
		key:      cfg.Key,
		minAmps:  cfg.MinAmps,
		maxSoC:   cfg.MaxSoC,
		priority: types.PriorityLow,
	}
}

// Configured returns an EVSE task against a flag-configured cloud
// driver.
func Configured(power, backup sensor.Reader) *EVSE {
	driver := configuredWallbox()
	name := lflag.String("evse-name", "ev_charger", "registered name of the charger task")
	key := lflag.String("evse-power-key", "ev_charger", "meter channel the charger draws on")
	minAmps := lflag.String("evse-min-amps", "6", "least current the charger will deliver")
	maxSoC := lflag.String("evse-max-soc", "79.6", "battery percent past which charging stops")

	e := New(Config{Driver: driver, Power: power, Backup: backup})
	lflag.Do(func() {
		e.name = *name
		e.key = *key
		e.minAmps = atoiPanic("evse-min-amps", *minAmps)
		e.maxSoC = parseFloatPanic("evse-max-soc", *maxSoC)
	})
	return e
}

func atoiPanic(name, value string) int {
	v, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return v
}

func parseFloatPanic(name, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s: %s", name, value))
	}
	return v
}

// priorityForSoC maps the car's battery level to how urgently it should
// charge.
func priorityForSoC(soc float64) types.Priority {
	switch {
	case soc < 40:
		return types.PriorityUrgent
	case soc < 55:
		return types.PriorityHigh
	case soc < 70:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

// Name returns the task's registered name.
func (e *EVSE) Name() string {
	return e.name
}

// SelfTest reports whether the charger cloud answers.
func (e *EVSE) SelfTest(ctx context.Context) error {
	_, err := e.driver.Status(ctx)
	return err
}

// Details reports the task's current shape. Power is the draw at the
// minimum charge current, the least the scheduler must find to admit it.
func (e *EVSE) Details(ctx context.Context) (types.TaskDetails, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return types.TaskDetails{
		Name:       e.name,
		Priority:   e.priority,
		Power:      float64(e.minAmps) * kwPerAmp,
		Keys:       []string{e.key},
		AutoAdjust: true,
	}, nil
}

// Start resumes the charging session.
func (e *EVSE) Start(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting charge session")
	return e.driver.Resume(ctx)
}

// Stop pauses the session and resets the charge current so the next
// session begins at the minimum.
func (e *EVSE) Stop(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "stopping charge session")
	if err := e.driver.Pause(ctx); err != nil {
		return err
	}
	return e.driver.SetMaxCurrent(ctx, e.minAmps)
}

// IsRunning reports whether the charger is actively delivering power.
func (e *EVSE) IsRunning(ctx context.Context) (bool, error) {
	s, err := e.driver.Status(ctx)
	if err != nil {
		return false, err
	}
	return s.Description == statusCharging, nil
}

// IsStoppable is always true, pausing a charge session is harmless.
func (e *EVSE) IsStoppable(ctx context.Context) (bool, error) {
	return true, nil
}

// IsRunnable reports whether a start request would lead to charging: a
// car is plugged in, still asks for charge, and is below the cap.
func (e *EVSE) IsRunnable(ctx context.Context) (bool, error) {
	s, err := e.driver.Status(ctx)
	if err != nil {
		return false, err
	}
	if s.StateOfCharge >= e.maxSoC {
		return false, nil
	}
	return lo.Contains(pluggedInStatuses, s.Description) &&
		s.Description != statusFullyCharged, nil
}

// MeetsRunningCriteria wants the full declared power to start but keeps
// charging while most of it is still covered, brief clouds should not
// cycle the session.
func (e *EVSE) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	runnable, err := e.IsRunnable(ctx)
	if err != nil || !runnable {
		return false, err
	}
	running, err := e.IsRunning(ctx)
	if err != nil {
		return false, err
	}
	if running {
		return ratio >= 0.9, nil
	}
	return ratio >= 1, nil
}

// Desc summarizes the charger in one line.
func (e *EVSE) Desc(ctx context.Context) (string, error) {
	s, err := e.driver.Status(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, battery at %.0f%%, %dA limit",
		s.Description, s.StateOfCharge, s.MaxChargingAmps), nil
}

// Run tracks the car's battery level and, while charging, follows the
// surplus with the charge current. Blocks until ctx is canceled.
func (e *EVSE) Run(ctx context.Context) error {
	ticker := time.NewTicker(adjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

func (e *EVSE) cycle(ctx context.Context) {
	s, err := e.driver.Status(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read charger status",
			slog.Any("error", err))
		return
	}

	e.mtx.Lock()
	prev := e.priority
	e.priority = priorityForSoC(s.StateOfCharge)
	if e.priority != prev {
		log.Ctx(ctx).InfoContext(ctx, "charge priority changed",
			slog.String("priority", e.priority.String()),
			slog.Float64("stateOfCharge", s.StateOfCharge))
	}
	e.mtx.Unlock()

	if s.Description != statusCharging {
		return
	}

	rec, err := e.power.Read(ctx, types.ScaleSecond)
	if errors.Is(err, sensor.ErrNoData) && e.backup != nil {
		log.Ctx(ctx).DebugContext(ctx, "no fresh power record, using the simulator")
		rec, err = e.backup.Read(ctx, types.ScaleSecond)
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read a power record",
			slog.Any("error", err))
		return
	}
	e.adjustChargeRate(ctx, s, rec)
}

// ampsFor converts an available power into a charge current, clamped to
// what the charger supports.
func (e *EVSE) ampsFor(power float64, s Status) int {
	amps := int(power / kwPerAmp)
	if amps < e.minAmps {
		amps = e.minAmps
	}
	if s.MaxAvailableAmps > 0 && amps > s.MaxAvailableAmps {
		amps = s.MaxAvailableAmps
	}
	return amps
}

// adjustChargeRate resizes the charge current to the surplus: what the
// house is exporting plus what the charger itself is already drawing.
func (e *EVSE) adjustChargeRate(ctx context.Context, s Status, rec types.Record) {
	available := -(rec.Net() - rec.UsedBy([]string{e.key}))
	amps := e.ampsFor(available, s)
	if amps == s.MaxChargingAmps {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "adjusting charge current",
		slog.Int("amps", amps),
		slog.Float64("available", available))
	if err := e.driver.SetMaxCurrent(ctx, amps); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to adjust charge current",
			slog.Any("error", err))
	}
}
