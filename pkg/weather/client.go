package weather

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Locator resolves service names to base URLs.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client calls a remote weather service found through a Locator.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

var _ sensor.Reader = (*Client)(nil)

// NewClient returns a Client that locates the weather service on each
// call and caches the resolved address until a call fails.
func NewClient(locator Locator) *Client {
	return &Client{
		locator: locator,
		client:  common.HTTPClient(10 * time.Second),
	}
}

func (c *Client) url(ctx context.Context) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.baseURL != "" {
		return c.baseURL, nil
	}
	u, err := c.locator.Lookup(ctx, registry.ServiceName("weather"))
	if err != nil {
		return "", err
	}
	c.baseURL = u
	return u, nil
}

func (c *Client) forget() {
	c.mtx.Lock()
	c.baseURL = ""
	c.mtx.Unlock()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		u, err := c.url(ctx)
		if err != nil {
			return fmt.Errorf("locating weather service: %w", err)
		}
		if err := service.GetJSON(ctx, c.client, u+path, out); err != nil {
			lastErr = err
			c.forget()
			continue
		}
		return nil
	}
	return lastErr
}

// Read returns the current conditions from the remote weather service.
func (c *Client) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	var rec types.Record
	if err := c.get(ctx, "/api/read?scale="+scale.String(), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TemperatureAt returns the forecast temperature at t in °F.
func (c *Client) TemperatureAt(ctx context.Context, t time.Time) (float64, error) {
	var resp conditionsResponse
	err := c.get(ctx, "/api/conditions?at="+t.Format(time.RFC3339), &resp)
	if err != nil {
		return 0, err
	}
	return resp.Temperature, nil
}

// MinimumTemperature returns the lowest forecast temperature over the
// next hours hours in °F.
func (c *Client) MinimumTemperature(ctx context.Context, hours int) (float64, error) {
	var resp temperatureResponse
	err := c.get(ctx, "/api/minimum-temperature?hours="+strconv.Itoa(hours), &resp)
	if err != nil {
		return 0, err
	}
	return resp.Temperature, nil
}
