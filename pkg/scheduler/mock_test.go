package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

// fakeTask is a controllable in-process task. criteria receives the exact
// ratio and power the scheduler passed, so tests can assert on them.
type fakeTask struct {
	mtx       sync.Mutex
	details   types.TaskDetails
	runnable  bool
	running   bool
	stoppable bool
	criteria  func(ratio, power float64) bool

	starts     int
	stops      int
	lastRatios []float64
	lastPowers []float64
	err        error
}

var _ task.Task = (*fakeTask)(nil)

func (f *fakeTask) Details(ctx context.Context) (types.TaskDetails, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.details, f.err
}

func (f *fakeTask) Start(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeTask) Stop(ctx context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stops++
	f.running = false
	return nil
}

func (f *fakeTask) IsRunnable(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.runnable, f.err
}

func (f *fakeTask) IsRunning(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.running, f.err
}

func (f *fakeTask) IsStoppable(ctx context.Context) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.stoppable, f.err
}

func (f *fakeTask) MeetsRunningCriteria(ctx context.Context, ratio, power float64) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.lastRatios = append(f.lastRatios, ratio)
	f.lastPowers = append(f.lastPowers, power)
	if f.criteria == nil {
		return true, nil
	}
	return f.criteria(ratio, power), nil
}

func (f *fakeTask) Desc(ctx context.Context) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.details.Name, f.err
}

func (f *fakeTask) counts() (starts, stops int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.starts, f.stops
}

// fakeSensor returns queued records in order, then ErrNoData forever.
type fakeSensor struct {
	mtx  sync.Mutex
	recs []types.Record
}

var _ sensor.Reader = (*fakeSensor)(nil)

func (f *fakeSensor) push(recs ...types.Record) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.recs = append(f.recs, recs...)
}

func (f *fakeSensor) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.recs) == 0 {
		return nil, sensor.ErrNoData
	}
	rec := f.recs[0]
	f.recs = f.recs[1:]
	return rec, nil
}

// testScheduler wires a Scheduler whose task proxies resolve from an
// in-process map. Tasks are registered in the given order, since tie-breaks
// in the decision rules follow registration order.
func testScheduler(tasks map[string]*fakeTask, order ...string) (*Scheduler, *fakeSensor) {
	sens := &fakeSensor{}
	s := New(Config{
		Sensor: sens,
		NewTask: func(uri string) task.Task {
			return tasks[uri]
		},
	})
	if len(order) == 0 {
		order = lo.Keys(tasks)
		sort.Strings(order)
	}
	for _, uri := range order {
		s.RegisterTask(uri)
	}
	return s, sens
}
