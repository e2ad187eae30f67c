package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/homeshift/homeshift/pkg/types"
)

// Plan describes a time-of-use rate plan. Rates are indexed by month.
// On-peak hour spans are inclusive on both ends, [5, 9] covers 05:00
// through 09:59. Weekends are always off-peak.
type Plan struct {
	// Export is the flat credit for an exported kWh.
	Export float64 `json:"export"`
	// OnPeakRates and OffPeakRates hold one import rate per month.
	OnPeakRates  []float64 `json:"onPeakRates"`
	OffPeakRates []float64 `json:"offPeakRates"`
	// Seasons names the season of each month, keying into OnPeakHours.
	Seasons     []string            `json:"seasons"`
	OnPeakHours map[string][][2]int `json:"onPeakHours"`
	// Location is the IANA time zone the schedule is written in. Empty
	// means local time.
	Location string `json:"location,omitempty"`
}

// Validate ensures the plan is internally consistent.
func (p Plan) Validate() error {
	if len(p.OnPeakRates) != 12 {
		return fmt.Errorf("onPeakRates must have 12 entries, got %d", len(p.OnPeakRates))
	}
	if len(p.OffPeakRates) != 12 {
		return fmt.Errorf("offPeakRates must have 12 entries, got %d", len(p.OffPeakRates))
	}
	if len(p.Seasons) != 12 {
		return fmt.Errorf("seasons must have 12 entries, got %d", len(p.Seasons))
	}
	for _, season := range p.Seasons {
		if _, ok := p.OnPeakHours[season]; !ok {
			return fmt.Errorf("season %q has no on-peak schedule", season)
		}
	}
	for season, spans := range p.OnPeakHours {
		for _, span := range spans {
			if span[0] < 0 || span[1] > 23 || span[0] > span[1] {
				return fmt.Errorf("season %q has an invalid hour span %v", season, span)
			}
		}
	}
	return nil
}

// defaultPlan is a two-season residential plan with morning and evening
// winter peaks and a single summer afternoon peak.
func defaultPlan() Plan {
	return Plan{
		Export: 0.0281,
		OnPeakRates: []float64{
			0.0951, 0.0951, 0.0951, 0.0951,
			0.2094, 0.2094, 0.2409, 0.2409,
			0.2094, 0.2094, 0.0951, 0.0951,
		},
		OffPeakRates: []float64{
			0.0691, 0.0691, 0.0691, 0.0691,
			0.0727, 0.0727, 0.0730, 0.0730,
			0.0727, 0.0727, 0.0691, 0.0691,
		},
		Seasons: []string{
			"winter", "winter", "winter", "winter",
			"summer", "summer", "summer", "summer",
			"summer", "summer", "winter", "winter",
		},
		OnPeakHours: map[string][][2]int{
			"winter": {{5, 9}, {17, 20}},
			"summer": {{14, 20}},
		},
	}
}

// TOU is a time-of-use provider answering from a fixed Plan.
type TOU struct {
	plan     Plan
	location *time.Location
}

var _ Provider = (*TOU)(nil)

// NewTOU returns a TOU for the given plan.
func NewTOU(plan Plan) (*TOU, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	loc := time.Local
	if plan.Location != "" {
		var err error
		if loc, err = time.LoadLocation(plan.Location); err != nil {
			return nil, fmt.Errorf("failed to load plan location: %w", err)
		}
	}
	return &TOU{plan: plan, location: loc}, nil
}

// IsOnPeak reports whether t falls in an on-peak span of its month's
// season.
func (t *TOU) IsOnPeak(at time.Time) bool {
	at = at.In(t.location)
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	season := t.plan.Seasons[at.Month()-1]
	for _, span := range t.plan.OnPeakHours[season] {
		if span[0] <= at.Hour() && at.Hour() <= span[1] {
			return true
		}
	}
	return false
}

// Rates returns the month's import rate for t's peak category and the
// flat export credit.
func (t *TOU) Rates(_ context.Context, at time.Time) (types.Rates, error) {
	month := at.In(t.location).Month() - 1
	rate := t.plan.OffPeakRates[month]
	if t.IsOnPeak(at) {
		rate = t.plan.OnPeakRates[month]
	}
	return types.Rates{FromGrid: rate, ToGrid: t.plan.Export}, nil
}
