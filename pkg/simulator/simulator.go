// Package simulator estimates solar production from the sun's position and
// serves it three ways: as a clear-sky power oracle (power now, peak budget
// left today, next window with a given surplus), as the record source the
// scheduler falls back to when the meter goes dark, and as planning input
// for the task services.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/patrickmn/go-cache"
	"github.com/sixdouglas/suncalc"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Tasks lists the details of the tasks currently running so the simulated
// record can include their draw. RegistryTasks is the production
// implementation.
type Tasks interface {
	Running(ctx context.Context) ([]types.TaskDetails, error)
}

type dayTimes struct {
	sunrise time.Time
	noon    time.Time
	sunset  time.Time
}

type cachedRecord struct {
	bucket time.Time
	rec    types.Record
}

// Simulator models a fixed array producing peakPower at solar noon under a
// clear sky.
type Simulator struct {
	lat       float64
	lon       float64
	peakPower float64
	basePower float64
	tasks     Tasks

	days *cache.Cache

	mtx    sync.Mutex
	cached map[types.RecordScale]cachedRecord
}

var _ sensor.Reader = (*Simulator)(nil)

// New returns a Simulator for an array at lat/lon producing peakPower kW at
// solar noon, on top of a house drawing basePower kW with every task
// stopped. tasks may be nil.
func New(lat, lon, peakPower, basePower float64, tasks Tasks) *Simulator {
	return &Simulator{
		lat:       lat,
		lon:       lon,
		peakPower: peakPower,
		basePower: basePower,
		tasks:     tasks,
		days:      cache.New(24*time.Hour, time.Hour),
		cached:    make(map[types.RecordScale]cachedRecord),
	}
}

// Configured returns a Simulator configured through flags.
func Configured(tasks Tasks) *Simulator {
	lat := lflag.RequiredString("sim-latitude", "latitude of the PV array in decimal degrees")
	lon := lflag.RequiredString("sim-longitude", "longitude of the PV array in decimal degrees")
	peak := lflag.RequiredString("sim-peak-power", "clear-sky production at solar noon in kW")
	base := lflag.String("sim-base-power", "0.4", "house draw with every task stopped in kW")
	s := New(0, 0, 0, 0, tasks)
	lflag.Do(func() {
		var err error
		if s.lat, err = strconv.ParseFloat(*lat, 64); err != nil {
			panic(fmt.Sprintf("invalid sim-latitude: %s", *lat))
		}
		if s.lon, err = strconv.ParseFloat(*lon, 64); err != nil {
			panic(fmt.Sprintf("invalid sim-longitude: %s", *lon))
		}
		if s.peakPower, err = strconv.ParseFloat(*peak, 64); err != nil || s.peakPower <= 0 {
			panic(fmt.Sprintf("invalid sim-peak-power: %s", *peak))
		}
		if s.basePower, err = strconv.ParseFloat(*base, 64); err != nil || s.basePower < 0 {
			panic(fmt.Sprintf("invalid sim-base-power: %s", *base))
		}
	})
	return s
}

// PowerAt returns the estimated clear-sky production at t in kW.
func (s *Simulator) PowerAt(t time.Time) float64 {
	pos := suncalc.GetPosition(t, s.lat, s.lon)
	factor := math.Sin(pos.Altitude)
	if factor <= 0 {
		return 0
	}
	return s.peakPower * factor
}

func (s *Simulator) dayTimesAt(t time.Time) dayTimes {
	key := strconv.FormatInt(types.ScaleDay.BucketStart(t).Unix(), 10)
	if v, ok := s.days.Get(key); ok {
		return v.(dayTimes)
	}
	times := suncalc.GetTimes(t, s.lat, s.lon)
	d := dayTimes{
		sunrise: times["sunrise"].Value.Truncate(time.Minute),
		noon:    times["solarNoon"].Value.Truncate(time.Minute),
		sunset:  times["sunset"].Value.Truncate(time.Minute),
	}
	s.days.SetDefault(key, d)
	return d
}

// DaytimeAt returns sunrise and sunset for t's day.
func (s *Simulator) DaytimeAt(t time.Time) (time.Time, time.Time) {
	d := s.dayTimesAt(t)
	return d.sunrise, d.sunset
}

// MaxAvailablePowerAt returns the largest surplus the array can still
// deliver between t and dusk: production at solar noon (or at t once noon
// has passed) minus the base draw.
func (s *Simulator) MaxAvailablePowerAt(t time.Time) float64 {
	d := s.dayTimesAt(t)
	if t.After(d.sunset) {
		return 0
	}
	production := s.PowerAt(d.noon)
	if t.After(d.noon) {
		production = s.PowerAt(t)
	}
	return production - s.basePower
}

// searchRising returns the first minute in [from, to) with production above
// minPower, or to when production never gets there.
func (s *Simulator) searchRising(from, to time.Time, minPower float64) time.Time {
	n := int(to.Sub(from) / time.Minute)
	if n < 0 {
		n = 0
	}
	i := sort.Search(n, func(i int) bool {
		return s.PowerAt(from.Add(time.Duration(i)*time.Minute)) > minPower
	})
	return from.Add(time.Duration(i) * time.Minute)
}

// searchFalling returns the last minute in [from, to) with production above
// minPower, or from when production is already below it.
func (s *Simulator) searchFalling(from, to time.Time, minPower float64) time.Time {
	n := int(to.Sub(from) / time.Minute)
	if n < 0 {
		n = 0
	}
	j := sort.Search(n, func(i int) bool {
		return s.PowerAt(from.Add(time.Duration(i)*time.Minute)) <= minPower
	})
	if j == 0 {
		return from
	}
	return from.Add(time.Duration(j-1) * time.Minute)
}

// NextPowerWindowAt returns the next window starting at or after now during
// which the array should produce power kW on top of the base draw. When
// today's curve cannot reach that high anymore the search moves to
// tomorrow.
func (s *Simulator) NextPowerWindowAt(now time.Time, power float64) (time.Time, time.Time, error) {
	minPower := power + s.basePower
	now = now.Truncate(time.Minute)
	d := s.dayTimesAt(now)
	if s.PowerAt(now) >= minPower {
		from := now
		if d.noon.After(from) {
			from = d.noon
		}
		return now, s.searchFalling(from, d.sunset, minPower), nil
	}
	early := now
	if !now.Before(d.noon) {
		d = s.dayTimesAt(now.Add(24 * time.Hour))
		early = d.sunrise
	}
	start := s.searchRising(early, d.noon, minPower)
	end := s.searchFalling(d.noon, d.sunset, minPower)
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("no window with %.3f kW available", power)
	}
	return start, end, nil
}

// Read synthesizes a record from the production estimate, the base draw and
// the tasks currently running. Only the second and minute scales exist, the
// simulator has no energy history to aggregate a day from.
func (s *Simulator) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	return s.readAt(ctx, scale, time.Now())
}

func (s *Simulator) readAt(ctx context.Context, scale types.RecordScale, now time.Time) (types.Record, error) {
	if scale != types.ScaleSecond && scale != types.ScaleMinute {
		return nil, fmt.Errorf("unsupported record scale: %s", scale)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	bucket := scale.BucketStart(now)
	if c, ok := s.cached[scale]; ok && c.bucket.Equal(bucket) {
		return c.rec.Clone(), nil
	}

	production := s.PowerAt(now)
	if scale == types.ScaleMinute {
		// the midpoint of the previous minute stands in for its mean
		production = s.PowerAt(bucket.Add(-30 * time.Second))
	}
	rec := types.Record{
		types.ChannelSolar: -production,
		types.ChannelNet:   s.basePower - production,
	}
	if s.tasks != nil {
		running, err := s.tasks.Running(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to survey running tasks",
				slog.Any("error", err))
		}
		for _, d := range running {
			if len(d.Keys) == 0 {
				continue
			}
			usage := d.Power / float64(len(d.Keys))
			for _, k := range d.Keys {
				rec[k] += usage
			}
			rec[types.ChannelNet] += d.Power
		}
	}

	s.cached[scale] = cachedRecord{bucket: bucket, rec: rec}
	return rec.Clone(), nil
}

// Handler serves the simulator's remote interface: the sensor endpoints
// plus the oracle queries.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	sensorHandler := sensor.Handler(s)
	mux.Handle("GET /api/read", sensorHandler)
	mux.Handle("GET /api/units", sensorHandler)
	mux.HandleFunc("GET /api/power", s.handlePower)
	mux.HandleFunc("GET /api/max-available-power", s.handleMaxAvailablePower)
	mux.HandleFunc("GET /api/next-power-window", s.handleNextPowerWindow)
	mux.HandleFunc("GET /api/daytime", s.handleDaytime)
	return mux
}

// parseAt reads the optional at query parameter, defaulting to now.
func parseAt(req *http.Request) (time.Time, error) {
	v := req.URL.Query().Get("at")
	if v == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, v)
}

type powerResponse struct {
	Power float64 `json:"power"`
}

func (s *Simulator) handlePower(w http.ResponseWriter, req *http.Request) {
	at, err := parseAt(req)
	if err != nil {
		service.WriteJSONError(w, "invalid at parameter", http.StatusBadRequest)
		return
	}
	service.WriteJSON(w, powerResponse{Power: s.PowerAt(at)})
}

func (s *Simulator) handleMaxAvailablePower(w http.ResponseWriter, req *http.Request) {
	at, err := parseAt(req)
	if err != nil {
		service.WriteJSONError(w, "invalid at parameter", http.StatusBadRequest)
		return
	}
	service.WriteJSON(w, powerResponse{Power: s.MaxAvailablePowerAt(at)})
}

type windowResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Simulator) handleNextPowerWindow(w http.ResponseWriter, req *http.Request) {
	power, err := strconv.ParseFloat(req.URL.Query().Get("power"), 64)
	if err != nil {
		service.WriteJSONError(w, "invalid power parameter", http.StatusBadRequest)
		return
	}
	start, end, err := s.NextPowerWindowAt(time.Now(), power)
	if err != nil {
		service.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	service.WriteJSON(w, windowResponse{Start: start, End: end})
}

type daytimeResponse struct {
	Sunrise time.Time `json:"sunrise"`
	Sunset  time.Time `json:"sunset"`
}

func (s *Simulator) handleDaytime(w http.ResponseWriter, req *http.Request) {
	at, err := parseAt(req)
	if err != nil {
		service.WriteJSONError(w, "invalid at parameter", http.StatusBadRequest)
		return
	}
	sunrise, sunset := s.DaytimeAt(at)
	service.WriteJSON(w, daytimeResponse{Sunrise: sunrise, Sunset: sunset})
}
