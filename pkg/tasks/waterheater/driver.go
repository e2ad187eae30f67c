// Package waterheater implements the water heater task. The device is an
// Aquanta-style controller kept in timer mode: the task boosts it to heat
// and covers scheduled heating windows with away mode to stay in control,
// so if the scheduler dies the device falls back on its own program.
package waterheater

import (
	"context"
	"time"
)

// Device modes as the controller reports them.
const (
	ModeTimer    = "timer"
	ModeBoost    = "boost"
	ModeAway     = "away"
	ModeSetpoint = "setpoint"
)

// WaterState is the controller's view of the tank.
type WaterState struct {
	// Temperature in °C as the device reports it.
	Temperature float64
	// Available is the usable hot water as a fraction, 0 through 1.
	Available float64
}

// Window is one programmed heating window of the device's timer.
type Window struct {
	Start time.Time
	End   time.Time
}

// Driver is the slice of the controller API the task needs.
type Driver interface {
	Water(ctx context.Context) (WaterState, error)
	Mode(ctx context.Context) (string, error)
	// Boost heats regardless of the timer program until end.
	Boost(ctx context.Context, start, end time.Time) error
	CancelBoost(ctx context.Context) error
	// Away suppresses heating until end.
	Away(ctx context.Context, start, end time.Time) error
	CancelAway(ctx context.Context) error
	// OnWindows returns the timer program's heating windows for now's day.
	OnWindows(ctx context.Context, now time.Time) ([]Window, error)
}
