// Package monitor collects boolean health facts from the other services:
// process liveness from the watchdog, stuck-meter detection, task health.
// Facts are served back as a 0/1 record through the sensor interface so
// they land in the same pipelines as the power channels.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// escalateAfter is how many consecutive unhealthy reports a fact takes
// before it is logged as an error instead of a warning.
const escalateAfter = 3

type fact struct {
	healthy  bool
	since    time.Time
	failures int
}

// Monitor holds the current value of every tracked fact.
type Monitor struct {
	mtx   sync.Mutex
	facts map[string]*fact
}

var _ sensor.Reader = (*Monitor)(nil)

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{facts: make(map[string]*fact)}
}

// Track records the latest health observation for name, starting to track
// it if needed. Since only moves on transitions, so it reports how long the
// fact has held its current value.
func (m *Monitor) Track(ctx context.Context, name string, healthy bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, ok := m.facts[name]
	if !ok {
		f = &fact{healthy: healthy, since: time.Now()}
		m.facts[name] = f
		log.Ctx(ctx).InfoContext(ctx, "tracking new health fact",
			slog.String("name", name),
			slog.Bool("healthy", healthy))
		if healthy {
			return
		}
	}
	if healthy {
		if !f.healthy {
			log.Ctx(ctx).InfoContext(ctx, "health fact recovered",
				slog.String("name", name),
				slog.Duration("down", time.Since(f.since)))
			f.since = time.Now()
		}
		f.healthy = true
		f.failures = 0
		return
	}
	if f.healthy {
		f.since = time.Now()
		f.healthy = false
	}
	f.failures++
	logger := log.Ctx(ctx).WarnContext
	if f.failures >= escalateAfter {
		logger = log.Ctx(ctx).ErrorContext
	}
	logger(ctx, "health fact is failing",
		slog.String("name", name),
		slog.Int("failures", f.failures))
}

// Fact is one tracked fact as reported over HTTP.
type Fact struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Since   time.Time `json:"since"`
}

// Facts returns every tracked fact sorted by name.
func (m *Monitor) Facts() []Fact {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	facts := make([]Fact, 0, len(m.facts))
	for name, f := range m.facts {
		facts = append(facts, Fact{Name: name, Healthy: f.healthy, Since: f.since})
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].Name < facts[j].Name })
	return facts
}

// Read reports each fact as a 1 (healthy) or 0 (failing) channel. Facts
// have no aggregation so the scale is ignored.
func (m *Monitor) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.facts) == 0 {
		return nil, sensor.ErrNoData
	}
	rec := make(types.Record, len(m.facts))
	for name, f := range m.facts {
		if f.healthy {
			rec[name] = 1
		} else {
			rec[name] = 0
		}
	}
	return rec, nil
}

type trackRequest struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// Handler serves the monitor's remote interface, including the sensor
// read/units endpoints.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/track", m.handleTrack)
	mux.HandleFunc("GET /api/facts", m.handleFacts)
	sensorHandler := sensor.Handler(m)
	mux.Handle("GET /api/read", sensorHandler)
	mux.Handle("GET /api/units", sensorHandler)
	return mux
}

func (m *Monitor) handleTrack(w http.ResponseWriter, req *http.Request) {
	var r trackRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		service.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if r.Name == "" {
		service.WriteJSONError(w, "name is required", http.StatusBadRequest)
		return
	}
	m.Track(req.Context(), r.Name, r.Healthy)
	service.WriteJSON(w, struct{}{})
}

func (m *Monitor) handleFacts(w http.ResponseWriter, req *http.Request) {
	service.WriteJSON(w, m.Facts())
}
