package task

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homeshift/homeshift/pkg/types"
)

// fakeTask is a minimal in-memory Task.
type fakeTask struct {
	mtx       sync.Mutex
	details   types.TaskDetails
	desc      string
	running   bool
	runnable  bool
	stoppable bool
	starts    int
	stops     int
	lastRatio float64
	lastPower float64
	criteria  bool
}

func (f *fakeTask) Details(ctx context.Context) (types.TaskDetails, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.details, nil
}

func (f *fakeTask) Start(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.starts++
	f.running = true
	return nil
}

func (f *fakeTask) Stop(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeTask) IsRunnable(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.runnable, nil
}

func (f *fakeTask) IsRunning(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.running, nil
}

func (f *fakeTask) IsStoppable(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.stoppable, nil
}

func (f *fakeTask) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.lastRatio = ratio
	f.lastPower = power
	return f.criteria, nil
}

func (f *fakeTask) Desc(ctx context.Context) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.desc, nil
}

func TestHandlerAndClient(t *testing.T) {
	f := &fakeTask{
		details: types.TaskDetails{
			Name:     "ev charger",
			Priority: types.PriorityHigh,
			Power:    2.4,
			Keys:     []string{"ev"},
		},
		desc:      "charging at 10A",
		runnable:  true,
		stoppable: true,
		criteria:  true,
	}
	ts := httptest.NewServer(Handler(f))
	defer ts.Close()
	c := NewClient(ts.URL)
	ctx := context.Background()

	d, err := c.Details(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ev charger", d.Name)
	assert.Equal(t, types.PriorityHigh, d.Priority)
	assert.Equal(t, 2.4, d.Power)
	assert.Equal(t, []string{"ev"}, d.Keys)

	running, err := c.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, c.Start(ctx))
	running, err = c.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	// idempotent
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 2, f.starts)

	require.NoError(t, c.Stop(ctx))
	running, err = c.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	runnable, err := c.IsRunnable(ctx)
	require.NoError(t, err)
	assert.True(t, runnable)

	stoppable, err := c.IsStoppable(ctx)
	require.NoError(t, err)
	assert.True(t, stoppable)

	met, err := c.MeetsRunningCriteria(ctx, 0.95, 2.2)
	require.NoError(t, err)
	assert.True(t, met)
	assert.Equal(t, 0.95, f.lastRatio)
	assert.Equal(t, 2.2, f.lastPower)

	desc, err := c.Desc(ctx)
	require.NoError(t, err)
	assert.Equal(t, "charging at 10A", desc)
}

func TestClientAgainstDeadServer(t *testing.T) {
	ts := httptest.NewServer(Handler(&fakeTask{}))
	ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Details(context.Background())
	assert.Error(t, err)
	_, err = c.IsRunning(context.Background())
	assert.Error(t, err)
	assert.Error(t, c.Start(context.Background()))
}
