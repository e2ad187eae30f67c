package tariff

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Locator resolves service names to base URLs.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client calls a remote tariff service found through a Locator.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

// NewClient returns a Client that locates the tariff service on each call
// and caches the resolved address until a call fails.
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
	u, err := c.locator.Lookup(ctx, registry.ServiceName("tariff"))
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
			return fmt.Errorf("locating tariff service: %w", err)
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

// Rates returns the import and export prices in effect at t.
func (c *Client) Rates(ctx context.Context, t time.Time) (types.Rates, error) {
	var rates types.Rates
	err := c.get(ctx, "/api/rates?at="+t.Format(time.RFC3339), &rates)
	if err != nil {
		return types.Rates{}, err
	}
	return rates, nil
}

// IsOnPeak reports whether t falls in an on-peak period.
func (c *Client) IsOnPeak(ctx context.Context, t time.Time) (bool, error) {
	var resp onPeakResponse
	err := c.get(ctx, "/api/on-peak?at="+t.Format(time.RFC3339), &resp)
	if err != nil {
		return false, err
	}
	return resp.OnPeak, nil
}
