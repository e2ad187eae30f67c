// Package tariff answers what a grid kWh costs and what an exported one
// earns. Providers cover fixed time-of-use plans and utilities that
// publish an hourly price feed. The rates are also exposed as a sensor so
// they land in the record stream next to the power data.
package tariff

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Provider answers tariff questions for one rate plan.
type Provider interface {
	// Rates returns the import and export prices in effect at t.
	Rates(ctx context.Context, t time.Time) (types.Rates, error)

	// IsOnPeak reports whether t falls in an on-peak period. Providers
	// without a schedule answer from whatever data they already hold.
	IsOnPeak(t time.Time) bool
}

// Configured sets up the tariff provider based on flags.
func Configured() Provider {
	providerName := lflag.String("tariff-provider", "tou",
		"Tariff provider to use (available: tou, hourly)")
	var plan Plan
	lflag.JSON(&plan, "tariff-plan", defaultPlan(),
		"time-of-use rate plan as JSON")
	hourly := configuredHourly()

	var p struct{ Provider }

	lflag.Do(func() {
		switch *providerName {
		case "tou":
			t, err := NewTOU(plan)
			if err != nil {
				panic(fmt.Sprintf("invalid tariff plan: %v", err))
			}
			p.Provider = t
		case "hourly":
			if err := hourly.Validate(); err != nil {
				panic(fmt.Sprintf("hourly tariff validation failed: %v", err))
			}
			p.Provider = hourly
		default:
			panic(fmt.Sprintf("unknown tariff provider: %s", *providerName))
		}
	})

	return &p
}

// Reader exposes a Provider's rates at the current time as a sensor
// record.
type Reader struct {
	provider Provider
}

var _ sensor.Reader = (*Reader)(nil)

// NewReader returns a Reader over p.
func NewReader(p Provider) *Reader {
	return &Reader{provider: p}
}

// Read returns the rates in effect right now. The scale is irrelevant for
// a tariff.
func (r *Reader) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	rates, err := r.provider.Rates(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return types.Record{"from_grid": rates.FromGrid, "to_grid": rates.ToGrid}, nil
}

type onPeakResponse struct {
	OnPeak bool `json:"onPeak"`
}

// Handler serves p's remote interface: the sensor read surface plus rate
// queries for arbitrary times.
func Handler(p Provider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/read", sensor.Handler(NewReader(p)))
	mux.HandleFunc("GET /api/units", func(rw http.ResponseWriter, req *http.Request) {
		service.WriteJSON(rw, map[string]string{
			"from_grid": "$/kWh",
			"to_grid":   "$/kWh",
		})
	})
	mux.HandleFunc("GET /api/rates", func(rw http.ResponseWriter, req *http.Request) {
		at, ok := parseAt(rw, req)
		if !ok {
			return
		}
		rates, err := p.Rates(req.Context(), at)
		if err != nil {
			service.WriteJSONError(rw, err.Error(), http.StatusNotFound)
			return
		}
		service.WriteJSON(rw, rates)
	})
	mux.HandleFunc("GET /api/on-peak", func(rw http.ResponseWriter, req *http.Request) {
		at, ok := parseAt(rw, req)
		if !ok {
			return
		}
		service.WriteJSON(rw, onPeakResponse{OnPeak: p.IsOnPeak(at)})
	})
	return mux
}

// parseAt reads the optional at query parameter, defaulting to now.
func parseAt(rw http.ResponseWriter, req *http.Request) (time.Time, bool) {
	at := time.Now()
	if v := req.URL.Query().Get("at"); v != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			service.WriteJSONError(rw, "invalid at parameter", http.StatusBadRequest)
			return time.Time{}, false
		}
	}
	return at, true
}
