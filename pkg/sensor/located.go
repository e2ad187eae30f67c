package sensor

import (
	"context"
	"errors"
	"sync"

	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/types"
)

// Locator resolves a registered name to a base URL. *registry.Client
// satisfies it.
type Locator interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// Located is a Reader that finds its sensor through the registry: the name
// resolves on first read, a failed read drops the address so the next read
// resolves again. Consumers hold a stable Reader while the sensor itself
// moves or comes up late.
type Located struct {
	locator Locator
	name    string

	mtx    sync.Mutex
	client *Client
}

var _ Reader = (*Located)(nil)

// NewLocated returns a Reader for the sensor registered under the bare
// name (the sensor. prefix is added here).
func NewLocated(loc Locator, name string) *Located {
	return &Located{locator: loc, name: name}
}

func (l *Located) resolve(ctx context.Context) (*Client, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	base, err := l.locator.Lookup(ctx, registry.SensorName(l.name))
	if err != nil {
		return nil, err
	}
	l.client = NewClient(base)
	return l.client, nil
}

func (l *Located) forget() {
	l.mtx.Lock()
	l.client = nil
	l.mtx.Unlock()
}

// Read resolves the sensor and reads from it. ErrNoData is an answer from
// the right sensor and keeps the address.
func (l *Located) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		c, err := l.resolve(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		rec, err := c.Read(ctx, scale)
		if err == nil || errors.Is(err, ErrNoData) {
			return rec, err
		}
		lastErr = err
		l.forget()
	}
	return nil, lastErr
}
