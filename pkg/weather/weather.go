// Package weather serves current and forecast conditions from a
// locationforecast-style API. Forecast points are interpolated so callers
// can ask about arbitrary times, and the service doubles as a sensor
// reporting the conditions right now.
package weather

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

const (
	// refreshInterval is how long a fetched forecast is trusted before the
	// API is asked again.
	refreshInterval = time.Hour

	// maxForecastLag is how far behind now the first forecast point may be
	// before the data counts as outdated.
	maxForecastLag = 2 * time.Hour

	fetchAttempts = 3
	factName      = "weather forecast data"
)

var fetchRetryDelay = 200 * time.Millisecond

// Tracker receives the forecast-freshness health fact. *monitor.Client
// satisfies it; nil disables reporting.
type Tracker interface {
	Track(ctx context.Context, name string, healthy bool)
}

type forecastPoint struct {
	at          time.Time
	temperature float64 // °F
	windSpeed   float64 // mph
}

// Weather fetches and caches a forecast for one location.
type Weather struct {
	client  *http.Client
	baseURL string
	lat     float64
	lon     float64
	tracker Tracker

	mtx       sync.Mutex
	points    []forecastPoint
	fetchedAt time.Time
}

var _ sensor.Reader = (*Weather)(nil)

// New returns a Weather for the forecast API at baseURL.
func New(baseURL string, lat, lon float64, tracker Tracker) *Weather {
	return &Weather{
		client:  common.HTTPClient(30 * time.Second),
		baseURL: baseURL,
		lat:     lat,
		lon:     lon,
		tracker: tracker,
	}
}

// Configured returns a Weather configured through flags.
func Configured(tracker Tracker) *Weather {
	apiURL := lflag.String("weather-api-url",
		"https://api.met.no/weatherapi/locationforecast/2.0",
		"base URL of the locationforecast API")
	lat := lflag.RequiredString("weather-latitude", "latitude of the home in decimal degrees")
	lon := lflag.RequiredString("weather-longitude", "longitude of the home in decimal degrees")
	w := New("", 0, 0, tracker)
	lflag.Do(func() {
		var err error
		w.baseURL = *apiURL
		if w.lat, err = strconv.ParseFloat(*lat, 64); err != nil {
			panic(fmt.Sprintf("invalid weather-latitude: %s", *lat))
		}
		if w.lon, err = strconv.ParseFloat(*lon, 64); err != nil {
			panic(fmt.Sprintf("invalid weather-longitude: %s", *lon))
		}
	})
	return w
}

func fahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

func milesPerHour(metersPerSecond float64) float64 {
	return metersPerSecond * 2.23694
}

type metForecast struct {
	Properties struct {
		Timeseries []struct {
			Time time.Time `json:"time"`
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature *float64 `json:"air_temperature"`
						WindSpeed      *float64 `json:"wind_speed"`
					} `json:"details"`
				} `json:"instant"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

// refresh fetches the compact forecast. Points are only installed when the
// data is current, an outdated forecast keeps the previous one and reports
// the fact as failing.
func (w *Weather) refresh(ctx context.Context) error {
	w.fetchedAt = time.Now()
	u := fmt.Sprintf("%s/compact?lat=%s&lon=%s", w.baseURL,
		url.QueryEscape(strconv.FormatFloat(w.lat, 'f', 4, 64)),
		url.QueryEscape(strconv.FormatFloat(w.lon, 'f', 4, 64)))
	var forecast metForecast
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if err = service.GetJSON(ctx, w.client, u, &forecast); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fetchRetryDelay):
		}
	}
	if err != nil {
		return err
	}

	points := make([]forecastPoint, 0, len(forecast.Properties.Timeseries))
	for _, ts := range forecast.Properties.Timeseries {
		details := ts.Data.Instant.Details
		if details.AirTemperature == nil {
			continue
		}
		p := forecastPoint{at: ts.Time, temperature: fahrenheit(*details.AirTemperature)}
		if details.WindSpeed != nil {
			p.windSpeed = milesPerHour(*details.WindSpeed)
		}
		points = append(points, p)
	}
	valid := len(points) > 0 && time.Since(points[0].at) <= maxForecastLag
	if w.tracker != nil {
		w.tracker.Track(ctx, factName, valid)
	}
	if !valid {
		log.Ctx(ctx).WarnContext(ctx, "forecast data is outdated",
			slog.Int("points", len(points)))
		return nil
	}
	w.points = points
	return nil
}

// ensureFresh refreshes the forecast when it is missing or older than
// refreshInterval. Called with the mutex held.
func (w *Weather) ensureFresh(ctx context.Context) error {
	if len(w.points) > 0 && time.Since(w.fetchedAt) < refreshInterval {
		return nil
	}
	if err := w.refresh(ctx); err != nil && len(w.points) == 0 {
		return err
	}
	if len(w.points) == 0 {
		return fmt.Errorf("no forecast data available")
	}
	return nil
}

// interpolate returns the value of field at t, linearly interpolated
// between the bracketing forecast points.
func (w *Weather) interpolate(t time.Time, field func(forecastPoint) float64) (float64, error) {
	if len(w.points) == 0 || t.Before(w.points[0].at) || t.After(w.points[len(w.points)-1].at) {
		return 0, fmt.Errorf("no forecast data for %s", t.Format(time.RFC3339))
	}
	for i := 1; i < len(w.points); i++ {
		if t.After(w.points[i].at) {
			continue
		}
		p0, p1 := w.points[i-1], w.points[i]
		span := p1.at.Sub(p0.at).Seconds()
		if span == 0 {
			return field(p1), nil
		}
		frac := t.Sub(p0.at).Seconds() / span
		return field(p0) + (field(p1)-field(p0))*frac, nil
	}
	return field(w.points[0]), nil
}

// TemperatureAt returns the forecast temperature at t in °F.
func (w *Weather) TemperatureAt(ctx context.Context, t time.Time) (float64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.ensureFresh(ctx); err != nil {
		return 0, err
	}
	return w.interpolate(t, func(p forecastPoint) float64 { return p.temperature })
}

// WindSpeedAt returns the forecast wind speed at t in mph.
func (w *Weather) WindSpeedAt(ctx context.Context, t time.Time) (float64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.ensureFresh(ctx); err != nil {
		return 0, err
	}
	return w.interpolate(t, func(p forecastPoint) float64 { return p.windSpeed })
}

// temperatures samples the forecast hourly from its first point.
func (w *Weather) temperatures(ctx context.Context, hours int) ([]float64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.ensureFresh(ctx); err != nil {
		return nil, err
	}
	temps := make([]float64, 0, hours)
	start := w.points[0].at
	for i := 0; i < hours; i++ {
		v, err := w.interpolate(start.Add(time.Duration(i)*time.Hour),
			func(p forecastPoint) float64 { return p.temperature })
		if err != nil {
			break
		}
		temps = append(temps, v)
	}
	if len(temps) == 0 {
		return nil, fmt.Errorf("no forecast data available")
	}
	return temps, nil
}

// MinimumTemperature returns the lowest forecast temperature over the next
// hours hours in °F.
func (w *Weather) MinimumTemperature(ctx context.Context, hours int) (float64, error) {
	temps, err := w.temperatures(ctx, hours)
	if err != nil {
		return 0, err
	}
	min := temps[0]
	for _, v := range temps[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

// MaximumTemperature returns the highest forecast temperature over the next
// hours hours in °F.
func (w *Weather) MaximumTemperature(ctx context.Context, hours int) (float64, error) {
	temps, err := w.temperatures(ctx, hours)
	if err != nil {
		return 0, err
	}
	max := temps[0]
	for _, v := range temps[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}

// Read reports the conditions right now. The scale is irrelevant for
// weather.
func (w *Weather) Read(ctx context.Context, _ types.RecordScale) (types.Record, error) {
	now := time.Now()
	temp, err := w.TemperatureAt(ctx, now)
	if err != nil {
		return nil, err
	}
	wind, err := w.WindSpeedAt(ctx, now)
	if err != nil {
		return nil, err
	}
	return types.Record{"temperature": temp, "wind_speed": wind}, nil
}

// Handler serves the weather's remote interface. The units endpoint is
// weather-specific, everything a record carries here is °F or mph.
func (w *Weather) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/read", sensor.Handler(w))
	mux.HandleFunc("GET /api/units", func(rw http.ResponseWriter, req *http.Request) {
		service.WriteJSON(rw, map[string]string{
			"temperature": "°F",
			"wind_speed":  "mph",
		})
	})
	mux.HandleFunc("GET /api/conditions", w.handleConditions)
	mux.HandleFunc("GET /api/minimum-temperature", w.handleMinimum)
	mux.HandleFunc("GET /api/maximum-temperature", w.handleMaximum)
	return mux
}

type conditionsResponse struct {
	Temperature float64 `json:"temperature"`
	WindSpeed   float64 `json:"windSpeed"`
}

func (w *Weather) handleConditions(rw http.ResponseWriter, req *http.Request) {
	at := time.Now()
	if v := req.URL.Query().Get("at"); v != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			service.WriteJSONError(rw, "invalid at parameter", http.StatusBadRequest)
			return
		}
	}
	temp, err := w.TemperatureAt(req.Context(), at)
	if err != nil {
		service.WriteJSONError(rw, err.Error(), http.StatusNotFound)
		return
	}
	wind, err := w.WindSpeedAt(req.Context(), at)
	if err != nil {
		service.WriteJSONError(rw, err.Error(), http.StatusNotFound)
		return
	}
	service.WriteJSON(rw, conditionsResponse{Temperature: temp, WindSpeed: wind})
}

type temperatureResponse struct {
	Temperature float64 `json:"temperature"`
}

func (w *Weather) handleMinimum(rw http.ResponseWriter, req *http.Request) {
	w.handleExtreme(rw, req, w.MinimumTemperature)
}

func (w *Weather) handleMaximum(rw http.ResponseWriter, req *http.Request) {
	w.handleExtreme(rw, req, w.MaximumTemperature)
}

func (w *Weather) handleExtreme(rw http.ResponseWriter, req *http.Request,
	f func(context.Context, int) (float64, error)) {
	hours := 24
	if v := req.URL.Query().Get("hours"); v != "" {
		var err error
		if hours, err = strconv.Atoi(v); err != nil || hours <= 0 {
			service.WriteJSONError(rw, "invalid hours parameter", http.StatusBadRequest)
			return
		}
	}
	temp, err := f(req.Context(), hours)
	if err != nil {
		service.WriteJSONError(rw, err.Error(), http.StatusNotFound)
		return
	}
	service.WriteJSON(rw, temperatureResponse{Temperature: temp})
}
