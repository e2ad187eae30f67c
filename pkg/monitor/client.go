package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/watchdog"
)

// Locator resolves a service name to a base URL. *registry.Client
// satisfies it.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Client reports health facts to the monitor service. Delivery failures are
// logged and dropped so an unreachable monitor never blocks a caller.
type Client struct {
	locator Locator
	client  *http.Client

	mtx     sync.Mutex
	baseURL string
}

var _ watchdog.Tracker = (*Client)(nil)

// NewClient returns a Client that finds the monitor through loc.
func NewClient(loc Locator) *Client {
	return &Client{
		locator: loc,
		client:  common.HTTPClient(10 * time.Second),
	}
}

// Track reports the latest health observation for name.
func (c *Client) Track(ctx context.Context, name string, healthy bool) {
	var lastErr error
	for i := 0; i < 2; i++ {
		c.mtx.Lock()
		base := c.baseURL
		c.mtx.Unlock()
		if base == "" {
			var err error
			base, err = c.locator.Lookup(ctx, registry.ServiceName("monitor"))
			if err != nil {
				lastErr = err
				continue
			}
			c.mtx.Lock()
			c.baseURL = base
			c.mtx.Unlock()
		}
		err := service.PostJSON(ctx, c.client, base+"/api/track", trackRequest{Name: name, Healthy: healthy}, nil)
		if err != nil {
			lastErr = err
			c.mtx.Lock()
			c.baseURL = ""
			c.mtx.Unlock()
			continue
		}
		return
	}
	log.Ctx(ctx).WarnContext(ctx, "failed to report health fact to the monitor",
		slog.String("name", name),
		slog.Any("error", lastErr))
}
