package registry

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/patrickmn/go-cache"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/service"
)

// ErrNotRegistered is returned by Lookup for unknown names.
var ErrNotRegistered = errors.New("name not registered")

// Client talks to the registry service. Lookups are cached briefly so a
// scheduler cycle does not hit the registry once per task per probe.
type Client struct {
	baseURL string
	client  *http.Client
	lookups *cache.Cache
}

// NewClient returns a Client for the registry at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  common.HTTPClient(10 * time.Second),
		lookups: cache.New(15*time.Second, time.Minute),
	}
}

// ConfiguredClient returns a Client whose registry address comes from the
// "registry-url" flag. Usable once lflag.Configure has run.
func ConfiguredClient() *Client {
	baseURL := lflag.String("registry-url", "http://127.0.0.1:8080", "base URL of the registry service")
	c := &Client{}
	lflag.Do(func() {
		c.baseURL = strings.TrimRight(*baseURL, "/")
		c.client = common.HTTPClient(10 * time.Second)
		c.lookups = cache.New(15*time.Second, time.Minute)
	})
	return c
}

// Register points name at uri.
func (c *Client) Register(ctx context.Context, name, uri string) error {
	c.lookups.Delete(name)
	return service.PostJSON(ctx, c.client, c.baseURL+"/api/register", registration{Name: name, URI: uri}, nil)
}

// Unregister removes name.
func (c *Client) Unregister(ctx context.Context, name string) error {
	c.lookups.Delete(name)
	return service.PostJSON(ctx, c.client, c.baseURL+"/api/unregister", registration{Name: name}, nil)
}

// Lookup resolves name to its registered URI. Unknown names return
// ErrNotRegistered.
func (c *Client) Lookup(ctx context.Context, name string) (string, error) {
	if uri, ok := c.lookups.Get(name); ok {
		return uri.(string), nil
	}
	var reg registration
	err := service.GetJSON(ctx, c.client, c.baseURL+"/api/lookup?name="+url.QueryEscape(name), &reg)
	if err != nil {
		var se *service.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", ErrNotRegistered
		}
		return "", err
	}
	c.lookups.SetDefault(name, reg.URI)
	return reg.URI, nil
}

// List returns the registered names matching prefix, sorted.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var out struct {
		Names []string `json:"names"`
	}
	err := service.GetJSON(ctx, c.client, c.baseURL+"/api/list?prefix="+url.QueryEscape(prefix), &out)
	if err != nil {
		return nil, err
	}
	return out.Names, nil
}
