// Package poolpump implements the pool pump task. The pump hangs off a
// Sonoff-style smart switch reached through the eWeLink cloud; the task
// sizes a daily filtration budget from the water temperature and burns it
// down whenever the scheduler finds surplus.
package poolpump

import "context"

// SwitchState is the cloud's view of the smart switch.
type SwitchState struct {
	On     bool
	Online bool
}

// Switch is the slice of the smart switch API the task needs.
type Switch interface {
	State(ctx context.Context) (SwitchState, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}
