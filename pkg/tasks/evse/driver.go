// Package evse implements the EV charger task. The charger is driven
// through its vendor cloud API and the charge rate follows the measured
// production surplus while the task runs.
package evse

import "context"

// Status is a snapshot of the charger as the cloud reports it.
type Status struct {
	// Description is the vendor's human-readable charger state.
	Description string
	// StateOfCharge is the connected car's battery level in percent.
	StateOfCharge float64
	// MaxAvailableAmps is the most current the installation supports.
	MaxAvailableAmps int
	// MaxChargingAmps is the currently configured charge current.
	MaxChargingAmps int
}

// Driver is the slice of the vendor API the task needs.
type Driver interface {
	Status(ctx context.Context) (Status, error)
	// Resume starts or resumes the charging session.
	Resume(ctx context.Context) error
	// Pause suspends the charging session without unlocking the car.
	Pause(ctx context.Context) error
	SetMaxCurrent(ctx context.Context, amps int) error
}
