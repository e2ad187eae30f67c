package hvac

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/types"
)

// Oracle answers production questions: the most power to expect and when
// at least a given power will be on offer.
type Oracle interface {
	MaxAvailablePowerAt(ctx context.Context, t time.Time) (float64, error)
	NextPowerWindow(ctx context.Context, power float64) (time.Time, time.Time, error)
}

// Weather reports current and forecast outdoor temperatures.
type Weather interface {
	Read(ctx context.Context, scale types.RecordScale) (types.Record, error)
	TemperatureAt(ctx context.Context, t time.Time) (float64, error)
}

// plan is one consistent snapshot of the planner's outputs.
type plan struct {
	// maxAvailable is the most power production will offer.
	maxAvailable float64
	// outdoor is the current outdoor temperature.
	outdoor float64
	// targetTime is when production last carries the system's own draw.
	targetTime time.Time
	// targetTemp is the temperature to hold at targetTime so the home
	// passively drifts to the goal temperature by the goal time.
	targetTemp float64
}

// planner keeps the task's slow-moving inputs fresh. Collecting them
// costs many oracle round trips, so a goroutine refreshes them once a
// minute and the task reads mutex-guarded snapshots.
type planner struct {
	oracle  Oracle
	weather Weather

	goalHour        int
	goalMinute      int
	goalTemperature float64
	comfortLow      float64
	comfortHigh     float64

	mtx  sync.Mutex
	data plan
	have struct {
		max, outdoor, target, temp bool
	}
}

// snapshot returns the latest plan, false until every field has been
// computed at least once.
func (p *planner) snapshot() (plan, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.data, p.have.max && p.have.outdoor && p.have.target && p.have.temp
}

func (p *planner) run(ctx context.Context, models *Models) {
	for {
		p.refresh(ctx, models)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

func (p *planner) refresh(ctx context.Context, models *Models) {
	// The window only needs recomputing once the previous target passed.
	p.mtx.Lock()
	stale := !p.have.target || time.Now().After(p.data.targetTime)
	p.mtx.Unlock()
	if stale {
		if err := p.updateWindow(ctx, models); err != nil {
			log.Ctx(ctx).Warn("updating production window", slog.Any("error", err))
		}
	}
	if err := p.updateOutdoor(ctx); err != nil {
		log.Ctx(ctx).Warn("updating outdoor temperature", slog.Any("error", err))
	}
	if err := p.updateTargetTemperature(ctx, models); err != nil {
		log.Ctx(ctx).Warn("updating target temperature", slog.Any("error", err))
	}
}

// updateWindow refreshes the available power ceiling and the target
// time. The window end and the draw depend on each other (a later end
// means a different outdoor temperature, so a different draw), so walk
// the power down until the window carries it.
func (p *planner) updateWindow(ctx context.Context, models *Models) error {
	now := time.Now()
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	available, err := p.oracle.MaxAvailablePowerAt(ctx, tomorrow)
	if err != nil {
		return err
	}
	available -= 0.0001
	p.mtx.Lock()
	p.data.maxAvailable = available
	p.have.max = true
	p.mtx.Unlock()

	power := available
	for i := 0; i < 10; i++ {
		_, end, err := p.oracle.NextPowerWindow(ctx, power)
		if err != nil {
			return err
		}
		temp, err := p.weather.TemperatureAt(ctx, end)
		if err != nil {
			return err
		}
		draw := models.Power(temp)
		if draw >= power {
			p.mtx.Lock()
			p.data.targetTime = end
			p.have.target = true
			p.mtx.Unlock()
			log.Ctx(ctx).Info("target time updated",
				slog.Time("target", end), slog.Float64("draw", draw))
			return nil
		}
		power = draw
	}
	return fmt.Errorf("window search did not settle")
}

func (p *planner) updateOutdoor(ctx context.Context) error {
	rec, err := p.weather.Read(ctx, types.ScaleSecond)
	if err != nil {
		return err
	}
	temp, ok := rec["temperature"]
	if !ok {
		return fmt.Errorf("weather record has no temperature")
	}
	p.mtx.Lock()
	p.data.outdoor = temp
	p.have.outdoor = true
	p.mtx.Unlock()
	return nil
}

// updateTargetTemperature walks the passive drift backward from the goal:
// the temperature held at target time from which the home coasts to the
// goal temperature by the goal time, clamped to the comfort zone.
func (p *planner) updateTargetTemperature(ctx context.Context, models *Models) error {
	p.mtx.Lock()
	target, have := p.data.targetTime, p.have.target
	p.mtx.Unlock()
	if !have || !time.Now().Before(target) {
		return nil
	}
	goal := time.Date(target.Year(), target.Month(), target.Day(),
		p.goalHour, p.goalMinute, 0, 0, target.Location())
	temp := p.goalTemperature
	minutes := int(goal.Sub(target).Minutes())
	for minute := 0; minute < minutes; minute++ {
		outdoor, err := p.weather.TemperatureAt(ctx, target.Add(time.Duration(minute)*time.Minute))
		if err != nil {
			return err
		}
		temp -= models.Drift(outdoor)
	}
	if temp > p.comfortHigh {
		temp = p.comfortHigh
	} else if temp < p.comfortLow {
		temp = p.comfortLow
	}
	p.mtx.Lock()
	p.data.targetTemp = temp
	p.have.temp = true
	p.mtx.Unlock()
	return nil
}
