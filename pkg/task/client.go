package task

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Client is a Task proxy over HTTP. Start and Stop are one-way: they post
// the request with a short timeout and do not wait for the load to finish
// transitioning.
type Client struct {
	baseURL string
	client  *http.Client
	oneWay  *http.Client
}

var _ Task = (*Client)(nil)

// NewClient returns a Client for the task service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  common.HTTPClient(10 * time.Second),
		oneWay:  common.HTTPClient(5 * time.Second),
	}
}

// URL returns the base URL the client talks to.
func (c *Client) URL() string {
	return c.baseURL
}

func (c *Client) Details(ctx context.Context) (types.TaskDetails, error) {
	var d types.TaskDetails
	err := service.GetJSON(ctx, c.client, c.baseURL+"/api/details", &d)
	return d, err
}

func (c *Client) Start(ctx context.Context) error {
	return service.PostJSON(ctx, c.oneWay, c.baseURL+"/api/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return service.PostJSON(ctx, c.oneWay, c.baseURL+"/api/stop", nil, nil)
}

func (c *Client) IsRunnable(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/api/runnable")
}

func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/api/running")
}

func (c *Client) IsStoppable(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/api/stoppable")
}

func (c *Client) Desc(ctx context.Context) (string, error) {
	var out descResponse
	err := service.GetJSON(ctx, c.client, c.baseURL+"/api/desc", &out)
	return out.Desc, err
}

func (c *Client) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	var out boolResponse
	err := service.PostJSON(ctx, c.client, c.baseURL+"/api/meetRunningCriteria",
		criteriaRequest{Ratio: ratio, Power: power}, &out)
	return out.Value, err
}

func (c *Client) getBool(ctx context.Context, path string) (bool, error) {
	var out boolResponse
	err := service.GetJSON(ctx, c.client, c.baseURL+path, &out)
	return out.Value, err
}
