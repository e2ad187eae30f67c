package watchdog

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/task"
)

// Locator resolves a service name to a base URL. *registry.Client
// satisfies it.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client is the watchdog proxy the other services use. It locates the
// watchdog through the registry on first use, retries failed calls once,
// and relocates in between so a restarted watchdog is found again.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

var _ task.Watchdog = (*Client)(nil)

// NewClient returns a Client that finds the watchdog through loc.
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
			base, err = c.locator.Lookup(ctx, registry.ServiceName("watchdog"))
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

// Register starts watchdog monitoring of pid under name with the default
// timeout. Idempotent.
func (c *Client) Register(ctx context.Context, name string, pid int) error {
	return c.attempt(ctx, func(base string) error {
		return service.PostJSON(ctx, c.client, base+"/api/register", registerRequest{Name: name, PID: pid}, nil)
	})
}

// Unregister stops monitoring name.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.attempt(ctx, func(base string) error {
		return service.PostJSON(ctx, c.client, base+"/api/unregister", nameRequest{Name: name}, nil)
	})
}

// Kick resets the timer for name.
func (c *Client) Kick(ctx context.Context, name string) error {
	return c.attempt(ctx, func(base string) error {
		return service.PostJSON(ctx, c.client, base+"/api/kick", nameRequest{Name: name}, nil)
	})
}
