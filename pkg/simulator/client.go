package simulator

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Locator resolves a service name to a base URL. *registry.Client
// satisfies it.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client talks to the simulator service. It doubles as the scheduler's
// fallback sensor and as the production oracle the task services plan
// against.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

var _ sensor.Reader = (*Client)(nil)

// NewClient returns a Client that finds the simulator through loc.
func NewClient(loc Locator) *Client {
	return &Client{
		locator: loc,
		client:  common.HTTPClient(10 * time.Second),
	}
}

func (c *Client) attempt(ctx context.Context, call func(baseURL string) error) error {
	var lastErr error
	for i := 0; i < 2; i++ {
		c.mtx.Lock()
		base := c.baseURL
		c.mtx.Unlock()
		if base == "" {
			var err error
			base, err = c.locator.Lookup(ctx, registry.ServiceName("simulator"))
			if err != nil {
				lastErr = err
				continue
			}
			c.mtx.Lock()
			c.baseURL = base
			c.mtx.Unlock()
		}
		if err := call(base); err != nil {
			lastErr = err
			c.mtx.Lock()
			c.baseURL = ""
			c.mtx.Unlock()
			continue
		}
		return nil
	}
	return lastErr
}

// Read fetches a simulated record at the given scale.
func (c *Client) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	var rec types.Record
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/read?scale="+url.QueryEscape(scale.String()), &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PowerAt returns the estimated clear-sky production at t.
func (c *Client) PowerAt(ctx context.Context, t time.Time) (float64, error) {
	var out powerResponse
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/power?at="+url.QueryEscape(t.Format(time.RFC3339)), &out)
	})
	return out.Power, err
}

// MaxAvailablePower returns the largest surplus still available today.
func (c *Client) MaxAvailablePower(ctx context.Context) (float64, error) {
	return c.MaxAvailablePowerAt(ctx, time.Now())
}

// MaxAvailablePowerAt returns the largest surplus available between t and
// the same day's dusk.
func (c *Client) MaxAvailablePowerAt(ctx context.Context, t time.Time) (float64, error) {
	var out powerResponse
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/max-available-power?at="+url.QueryEscape(t.Format(time.RFC3339)), &out)
	})
	return out.Power, err
}

// NextPowerWindow returns the next window during which power kW of surplus
// should be available.
func (c *Client) NextPowerWindow(ctx context.Context, power float64) (time.Time, time.Time, error) {
	var out windowResponse
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/next-power-window?power="+
			strconv.FormatFloat(power, 'f', -1, 64), &out)
	})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.Start, out.End, nil
}

// DaytimeAt returns sunrise and sunset for t's day.
func (c *Client) DaytimeAt(ctx context.Context, t time.Time) (time.Time, time.Time, error) {
	var out daytimeResponse
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/daytime?at="+url.QueryEscape(t.Format(time.RFC3339)), &out)
	})
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.Sunrise, out.Sunset, nil
}
