package hvac

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/storage"
)

// Storage keys of the persisted calibration tables and credentials.
const (
	StorageService = "hvac"
	SystemModelKey = "hvac_model"
	HomeModelKey   = "home_model"
	TokensKey      = "ecobee_tokens"
)

// SystemPoint is one calibration row of the heating/cooling system: what
// it draws and how long it needs per degree at an outdoor temperature.
type SystemPoint struct {
	Temperature     float64 `json:"temperature"`
	Power           float64 `json:"power"`
	MinutePerDegree float64 `json:"minute_per_degree"`
}

// DriftPoint is one calibration row of the home itself: how far the
// indoor temperature moves on its own in a minute at an outdoor
// temperature.
type DriftPoint struct {
	Temperature     float64 `json:"temperature"`
	DegreePerMinute float64 `json:"degree_per_minute"`
}

// curve smooths calibration points with a Bézier curve. The outdoor
// temperature maps linearly onto the curve parameter; outside the sampled
// range the end values hold.
type curve struct {
	xs, ys []float64
}

func newCurve(xs, ys []float64) (*curve, error) {
	if len(xs) < 2 {
		return nil, fmt.Errorf("need at least 2 calibration points, have %d", len(xs))
	}
	if xs[len(xs)-1] <= xs[0] {
		return nil, fmt.Errorf("calibration points must span a temperature range")
	}
	return &curve{xs: xs, ys: ys}, nil
}

func (c *curve) at(temperature float64) float64 {
	first, last := c.xs[0], c.xs[len(c.xs)-1]
	if temperature <= first {
		return c.ys[0]
	}
	if temperature >= last {
		return c.ys[len(c.ys)-1]
	}
	return deCasteljau(c.ys, (temperature-first)/(last-first))
}

// deCasteljau evaluates the Bézier curve over the control values at
// parameter t in [0, 1].
func deCasteljau(points []float64, t float64) float64 {
	p := make([]float64, len(points))
	copy(p, points)
	for n := len(p) - 1; n > 0; n-- {
		for i := 0; i < n; i++ {
			p[i] = p[i]*(1-t) + p[i+1]*t
		}
	}
	return p[0]
}

// Models holds the thermal curves built from months of metering
// statistics.
type Models struct {
	power *curve
	pace  *curve
	drift *curve
}

// NewModels builds the curves from calibration rows ordered by
// temperature.
func NewModels(system []SystemPoint, home []DriftPoint) (*Models, error) {
	temps := lo.Map(system, func(p SystemPoint, _ int) float64 { return p.Temperature })
	power, err := newCurve(temps, lo.Map(system, func(p SystemPoint, _ int) float64 { return p.Power }))
	if err != nil {
		return nil, fmt.Errorf("system model: %w", err)
	}
	pace, err := newCurve(temps, lo.Map(system, func(p SystemPoint, _ int) float64 { return p.MinutePerDegree }))
	if err != nil {
		return nil, fmt.Errorf("system model: %w", err)
	}
	drift, err := newCurve(
		lo.Map(home, func(p DriftPoint, _ int) float64 { return p.Temperature }),
		lo.Map(home, func(p DriftPoint, _ int) float64 { return p.DegreePerMinute }))
	if err != nil {
		return nil, fmt.Errorf("home model: %w", err)
	}
	return &Models{power: power, pace: pace, drift: drift}, nil
}

// LoadModels reads the calibration tables from storage.
func LoadModels(ctx context.Context, db storage.Database) (*Models, error) {
	var system []SystemPoint
	if err := storage.LoadState(ctx, db, StorageService, SystemModelKey, &system); err != nil {
		return nil, fmt.Errorf("loading %s: %w", SystemModelKey, err)
	}
	var home []DriftPoint
	if err := storage.LoadState(ctx, db, StorageService, HomeModelKey, &home); err != nil {
		return nil, fmt.Errorf("loading %s: %w", HomeModelKey, err)
	}
	return NewModels(system, home)
}

// Power estimates the draw in kW of the running system at an outdoor
// temperature.
func (m *Models) Power(temperature float64) float64 {
	return m.power.at(temperature)
}

// TimePerDegree estimates how long the system needs to move the home one
// degree at an outdoor temperature.
func (m *Models) TimePerDegree(temperature float64) time.Duration {
	return time.Duration(m.pace.at(temperature) * float64(time.Minute))
}

// Drift estimates how far the home's temperature moves on its own over a
// minute at an outdoor temperature, positive or negative.
func (m *Models) Drift(temperature float64) float64 {
	return m.drift.at(temperature)
}
