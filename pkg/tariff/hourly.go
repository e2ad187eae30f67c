package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Hourly is a provider for utilities that publish a five-minute price
// feed, averaged here into hourly buckets. The feed is the ComEd hourly
// pricing wire format: a JSON array of {millisUTC, price} pairs with the
// price in cents per kWh.
type Hourly struct {
	apiURL      string
	export      float64
	onPeakAbove float64
	location    *time.Location
	client      *http.Client

	mtx       sync.Mutex
	lastFetch time.Time
	cached    []hourPrice
}

type hourPrice struct {
	start   time.Time
	end     time.Time
	dollars float64
	samples int
}

var _ Provider = (*Hourly)(nil)

// configuredHourly sets up flags for the hourly provider and returns the
// instance. Validation happens later once flags are parsed.
func configuredHourly() *Hourly {
	h := &Hourly{
		client: common.HTTPClient(10 * time.Second),
	}
	apiURL := lflag.String("tariff-hourly-api-url",
		"https://hourlypricing.comed.com/api",
		"URL of the five-minute price feed API")
	locName := lflag.String("tariff-hourly-location", "America/Chicago",
		"IANA time zone the feed's hours are billed in")
	export := lflag.String("tariff-hourly-export", "0",
		"flat export credit in $/kWh")
	onPeakAbove := lflag.String("tariff-hourly-on-peak-above", "0.1",
		"price in $/kWh above which an hour counts as on-peak")

	lflag.Do(func() {
		var err error
		h.apiURL = *apiURL
		if h.location, err = time.LoadLocation(*locName); err != nil {
			panic(fmt.Sprintf("invalid tariff-hourly-location: %s", *locName))
		}
		if h.export, err = strconv.ParseFloat(*export, 64); err != nil {
			panic(fmt.Sprintf("invalid tariff-hourly-export: %s", *export))
		}
		if h.onPeakAbove, err = strconv.ParseFloat(*onPeakAbove, 64); err != nil {
			panic(fmt.Sprintf("invalid tariff-hourly-on-peak-above: %s", *onPeakAbove))
		}
	})

	return h
}

// NewHourly returns an Hourly against the feed at apiURL, used by tests.
func NewHourly(apiURL string, location *time.Location, export, onPeakAbove float64) *Hourly {
	return &Hourly{
		apiURL:      apiURL,
		export:      export,
		onPeakAbove: onPeakAbove,
		location:    location,
		client:      common.HTTPClient(10 * time.Second),
	}
}

// Validate ensures the configuration is valid.
func (h *Hourly) Validate() error {
	if h.apiURL == "" {
		return fmt.Errorf("tariff-hourly-api-url is required")
	}
	if _, err := url.Parse(h.apiURL); err != nil {
		return fmt.Errorf("failed to parse feed url (%s): %w", h.apiURL, err)
	}
	return nil
}

type feedEntry struct {
	MillisUTC string `json:"millisUTC"`
	Price     string `json:"price"`
}

// fetch returns hourly averages of the last six hours of the feed. The
// result is cached until a new five minute block starts.
func (h *Hourly) fetch(ctx context.Context) ([]hourPrice, error) {
	now := time.Now().In(h.location)

	h.mtx.Lock()
	if !h.lastFetch.IsZero() && !now.Truncate(5*time.Minute).After(h.lastFetch) {
		cached := h.cached
		h.mtx.Unlock()
		return cached, nil
	}
	h.mtx.Unlock()

	prices, err := h.fetchRange(ctx, now.Add(-6*time.Hour), now)
	if err != nil {
		return nil, err
	}

	h.mtx.Lock()
	h.cached = prices
	h.lastFetch = now
	h.mtx.Unlock()

	return prices, nil
}

// fetchRange retrieves the feed for a specific range and averages it into
// hourly buckets.
func (h *Hourly) fetchRange(ctx context.Context, start, end time.Time) ([]hourPrice, error) {
	start = start.In(h.location)
	end = end.In(h.location)

	u, err := url.Parse(h.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	params := url.Values{}
	params.Set("type", "5minutefeed")
	params.Set("datestart", start.Format("200601021504"))
	params.Set("dateend", end.Format("200601021504"))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	var data []feedEntry
	if err := service.GetJSON(ctx, h.client, u.String(), &data); err != nil {
		return nil, fmt.Errorf("failed to fetch price feed: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched price feed",
		slog.Int("count", len(data)),
		slog.Time("start", start),
		slog.Time("end", end),
	)

	type hourlyData struct {
		start time.Time
		sum   float64
		count int
		last  time.Time
	}
	hours := make(map[int64]*hourlyData)

	for _, item := range data {
		ms, err := strconv.ParseInt(item.MillisUTC, 10, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse feed timestamp",
				slog.String("value", item.MillisUTC), slog.Any("error", err))
			continue
		}
		centsPerKWH, err := strconv.ParseFloat(item.Price, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse feed price",
				slog.String("value", item.Price), slog.Any("error", err))
			continue
		}

		ts := time.UnixMilli(ms).In(h.location)
		hourStart := ts.Truncate(time.Hour)
		hd, ok := hours[hourStart.Unix()]
		if !ok {
			hd = &hourlyData{start: hourStart}
			hours[hourStart.Unix()] = hd
		}
		hd.sum += centsPerKWH
		hd.count++
		if ts.After(hd.last) {
			hd.last = ts
		}
	}

	prices := make([]hourPrice, 0, len(hours))
	for _, hd := range hours {
		prices = append(prices, hourPrice{
			start:   hd.start,
			end:     hd.last.Add(5 * time.Minute),
			dollars: hd.sum / float64(hd.count) / 100,
			samples: hd.count,
		})
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].start.Before(prices[j].start)
	})

	return prices, nil
}

// priceAt finds the bucket covering t, falling back to the latest bucket
// for times past the end of the feed (the running hour is incomplete).
func priceAt(prices []hourPrice, t time.Time) (hourPrice, bool) {
	for _, p := range prices {
		if !t.Before(p.start) && t.Before(p.start.Add(time.Hour)) {
			return p, true
		}
	}
	if len(prices) > 0 && !t.Before(prices[len(prices)-1].start) {
		return prices[len(prices)-1], true
	}
	return hourPrice{}, false
}

// Rates returns the hourly-averaged import price covering t and the flat
// export credit.
func (h *Hourly) Rates(ctx context.Context, t time.Time) (types.Rates, error) {
	prices, err := h.fetch(ctx)
	if err != nil {
		return types.Rates{}, err
	}
	p, ok := priceAt(prices, t)
	if !ok {
		return types.Rates{}, fmt.Errorf("no price for %s", t.Format(time.RFC3339))
	}
	return types.Rates{FromGrid: p.dollars, ToGrid: h.export}, nil
}

// IsOnPeak reports whether the price around t exceeds the configured
// threshold. Only already-fetched data is consulted, an empty cache means
// off-peak.
func (h *Hourly) IsOnPeak(t time.Time) bool {
	h.mtx.Lock()
	cached := h.cached
	h.mtx.Unlock()
	p, ok := priceAt(cached, t)
	return ok && p.dollars > h.onPeakAbove
}
