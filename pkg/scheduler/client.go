package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/service"
)

// Locator resolves a service name to a base URL. *registry.Client
// satisfies it.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client is the scheduler proxy task services use. It locates the
// scheduler through the registry on first use, retries failed calls once,
// and relocates in between so a restarted scheduler is found again.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

// NewClient returns a Client that finds the scheduler through loc.
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
			base, err = c.locator.Lookup(ctx, registry.ServiceName("scheduler"))
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

// RegisterTask registers uri with the scheduler. Idempotent, expected to be
// called every task cycle.
func (c *Client) RegisterTask(ctx context.Context, uri string) error {
	return c.attempt(ctx, func(base string) error {
		return service.PostJSON(ctx, c.client, base+"/api/tasks/register", registerRequest{URI: uri}, nil)
	})
}

// UnregisterTask removes uri from the scheduler.
func (c *Client) UnregisterTask(ctx context.Context, uri string) error {
	return c.attempt(ctx, func(base string) error {
		return service.PostJSON(ctx, c.client, base+"/api/tasks/unregister", registerRequest{URI: uri}, nil)
	})
}

// IsOnPause reports whether the scheduler is paused. When the scheduler
// cannot be reached it is assumed dead and therefore paused.
func (c *Client) IsOnPause(ctx context.Context) bool {
	var out struct {
		Paused bool `json:"paused"`
	}
	err := c.attempt(ctx, func(base string) error {
		return service.GetJSON(ctx, c.client, base+"/api/paused", &out)
	})
	if err != nil {
		return true
	}
	return out.Paused
}
