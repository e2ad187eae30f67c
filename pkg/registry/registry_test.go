package registry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := New()
	r.Register(TaskName("ev charger"), "http://box:8101")
	r.Register(TaskName("water heater"), "http://box:8102")
	r.Register(SensorName("power"), "http://box:8090")

	uri, ok := r.Lookup("task.ev charger")
	require.True(t, ok)
	assert.Equal(t, "http://box:8101", uri)

	_, ok = r.Lookup("task.nope")
	assert.False(t, ok)

	assert.Equal(t, []string{"task.ev charger", "task.water heater"}, r.List(TaskPrefix))
	assert.Equal(t, []string{"sensor.power"}, r.List(SensorPrefix))

	// re-registration overwrites
	r.Register("task.ev charger", "http://box:9999")
	uri, _ = r.Lookup("task.ev charger")
	assert.Equal(t, "http://box:9999", uri)

	r.Unregister("task.ev charger")
	_, ok = r.Lookup("task.ev charger")
	assert.False(t, ok)
	// unregistering twice is fine
	r.Unregister("task.ev charger")
}

func TestRegistryHTTP(t *testing.T) {
	r := New()
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := NewClient(ts.URL)

	require.NoError(t, c.Register(ctx, SensorName("power"), "http://box:8090"))

	uri, err := c.Lookup(ctx, "sensor.power")
	require.NoError(t, err)
	assert.Equal(t, "http://box:8090", uri)

	// served from cache even if the backing entry changes underneath
	r.Register("sensor.power", "http://box:7070")
	uri, err = c.Lookup(ctx, "sensor.power")
	require.NoError(t, err)
	assert.Equal(t, "http://box:8090", uri)

	_, err = c.Lookup(ctx, "sensor.unknown")
	assert.ErrorIs(t, err, ErrNotRegistered)

	names, err := c.List(ctx, SensorPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor.power"}, names)

	names, err = c.List(ctx, TaskPrefix)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, c.Unregister(ctx, "sensor.power"))
	_, err = c.Lookup(ctx, "sensor.power")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryHTTPValidation(t *testing.T) {
	ts := httptest.NewServer(New().Handler())
	defer ts.Close()

	c := NewClient(ts.URL)
	err := c.Register(context.Background(), "", "http://box:1")
	assert.Error(t, err)
}
