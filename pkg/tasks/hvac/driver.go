// Package hvac runs the heating and cooling system through a thermostat's
// temporary holds. The thermostat's own program stays untouched: the task
// pins an offset setpoint while production power is there and resumes the
// program when it stops, so a dead scheduler leaves the home on the
// device's schedule.
package hvac

import (
	"context"
	"time"
)

// Thermostat operating modes as the device reports them.
const (
	ModeHeat = "heat"
	ModeCool = "cool"
	ModeAuto = "auto"
	ModeOff  = "off"
)

// State is the slice of the thermostat snapshot the task decides on.
type State struct {
	// Mode is the configured operating mode.
	Mode string
	// OnHold reports an active temperature hold.
	OnHold bool
	// Active reports equipment actually working. A bare fan does not
	// count.
	Active bool
}

// Driver is a thermostat the task can drive.
type Driver interface {
	State(ctx context.Context) (State, error)
	// Temperatures reports each of the thermostat's sensors in °F.
	Temperatures(ctx context.Context) (map[string]float64, error)
	// Hold pins the heat and cool setpoints for roughly the given
	// duration.
	Hold(ctx context.Context, heat, cool float64, d time.Duration) error
	// Resume drops any hold and returns to the device's own program.
	Resume(ctx context.Context) error
}
