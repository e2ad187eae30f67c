package sensor

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/homeshift/homeshift/pkg/common"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/types"
)

// Client is a Reader backed by a remote sensor service. Transient transport
// errors are retried once; a 404 maps back to ErrNoData.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ Reader = (*Client)(nil)

// NewClient returns a Client for the sensor at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  common.HTTPClient(10 * time.Second),
	}
}

// Read fetches a record at the given scale.
func (c *Client) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	u := c.baseURL + "/api/read?scale=" + url.QueryEscape(scale.String())
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var rec types.Record
		err := service.GetJSON(ctx, c.client, u, &rec)
		if err == nil {
			return rec, nil
		}
		var se *service.StatusError
		if errors.As(err, &se) {
			if se.StatusCode == http.StatusNotFound {
				return nil, ErrNoData
			}
			// a definitive response from the sensor, retrying won't help
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Units fetches the units the sensor reports at the given scale.
func (c *Client) Units(ctx context.Context, scale types.RecordScale) (string, error) {
	var out struct {
		Units string `json:"units"`
	}
	u := c.baseURL + "/api/units?scale=" + url.QueryEscape(scale.String())
	if err := service.GetJSON(ctx, c.client, u, &out); err != nil {
		return "", err
	}
	return out.Units, nil
}
