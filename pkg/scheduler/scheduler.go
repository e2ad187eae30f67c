// Package scheduler decides, once a minute, which registered tasks should
// run so that as much load as possible is covered by on-site production.
// Tasks register their URI and the scheduler probes them over the task
// contract; it never mutates task state except through start and stop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
	"github.com/homeshift/homeshift/pkg/window"
)

const (
	// DefaultMaxRecordGap is how long the scheduler tolerates running
	// without any real power record before falling back hard.
	DefaultMaxRecordGap = 3 * time.Minute

	cycleInterval    = time.Minute
	probeTTL         = 15 * time.Second
	sanitizeAttempts = 3
	watchdogName     = "scheduler"
)

// var so tests can shorten the retry delay.
var sanitizeDelay = time.Second

// Config carries the scheduler's dependencies. Sensor is required;
// Simulator and Watchdog may be nil.
type Config struct {
	Window       *window.Window
	Sensor       sensor.Reader
	Simulator    sensor.Reader
	Watchdog     task.Watchdog
	MaxRecordGap time.Duration
	// NewTask builds a proxy for a registered URI. Defaults to the HTTP
	// task client.
	NewTask func(uri string) task.Task
}

// probe is the cached per-task snapshot sanitize collects and schedule
// consumes.
type probe struct {
	details types.TaskDetails
	desc    string
	running bool
}

// TaskStatus is one task's entry in the status report.
type TaskStatus struct {
	types.TaskDetails
	URI      string `json:"uri"`
	Desc     string `json:"desc,omitempty"`
	Running  bool   `json:"running"`
	Runnable bool   `json:"runnable"`
}

// Status is the snapshot served by the status endpoint, refreshed at the
// end of every cycle.
type Status struct {
	Paused       bool         `json:"paused"`
	LastRecordAt time.Time    `json:"lastRecordAt"`
	WindowLength int          `json:"windowLength"`
	Record       types.Record `json:"record,omitempty"`
	Tasks        []TaskStatus `json:"tasks"`
}

// Scheduler owns the task list, the sliding window, and the cycle loop.
type Scheduler struct {
	window       *window.Window
	sensor       sensor.Reader
	simulator    sensor.Reader
	watchdog     task.Watchdog
	maxRecordGap time.Duration
	newTask      func(uri string) task.Task

	// probes hold per-URI snapshots for the duration of a cycle; the TTL
	// bounds their staleness if a cycle overruns.
	probes *cache.Cache

	mtx           sync.Mutex
	uris          []string
	paused        bool
	pausedLocally bool
	pendingClear  bool
	lastRecord    time.Time
	lastSimRecord time.Time
	status        Status
}

// New returns a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	if cfg.Window == nil {
		cfg.Window = window.New(0, 0)
	}
	if cfg.MaxRecordGap <= 0 {
		cfg.MaxRecordGap = DefaultMaxRecordGap
	}
	if cfg.NewTask == nil {
		cfg.NewTask = func(uri string) task.Task { return task.NewClient(uri) }
	}
	return &Scheduler{
		window:       cfg.Window,
		sensor:       cfg.Sensor,
		simulator:    cfg.Simulator,
		watchdog:     cfg.Watchdog,
		maxRecordGap: cfg.MaxRecordGap,
		newTask:      cfg.NewTask,
		probes:       cache.New(probeTTL, time.Minute),
	}
}

// RegisterTask adds a task URI. Registering an existing URI is a no-op, so
// tasks can re-register every cycle.
func (s *Scheduler) RegisterTask(uri string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if lo.Contains(s.uris, uri) {
		return
	}
	s.uris = append(s.uris, uri)
	s.probes.Flush()
}

// UnregisterTask removes a task URI.
func (s *Scheduler) UnregisterTask(uri string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !lo.Contains(s.uris, uri) {
		return
	}
	s.uris = lo.Without(s.uris, uri)
	s.probes.Flush()
}

func (s *Scheduler) tasksURIs() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	uris := make([]string, len(s.uris))
	copy(uris, s.uris)
	return uris
}

// IsOnPause reports whether scheduling is suspended.
func (s *Scheduler) IsOnPause() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.paused
}

// Pause suspends scheduling and stops every running task, regardless of
// stoppability; the tasks decide whether to honor it. It stays paused until
// Resume is called.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mtx.Lock()
	if s.paused {
		s.mtx.Unlock()
		return
	}
	s.paused = true
	s.pausedLocally = false
	s.pendingClear = true
	s.mtx.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "putting the scheduler on pause")
	s.stopAll(ctx)
}

// Resume lifts a pause. The window is cleared before the next record is
// ingested so decisions are not made on pre-pause data.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.paused {
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "resuming the scheduler")
	s.paused = false
	s.pausedLocally = false
}

// Status returns the last cycle's snapshot.
func (s *Scheduler) Status() Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.status
}

// Run executes the cycle loop, aligned to minute boundaries, until ctx is
// canceled. An overrunning cycle defers the next one rather than dropping
// it.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now()
	s.mtx.Lock()
	s.lastRecord = now
	s.lastSimRecord = now
	s.mtx.Unlock()
	for {
		now := time.Now()
		timer := time.NewTimer(time.Until(now.Truncate(cycleInterval).Add(cycleInterval)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.cycle(ctx)
	}
}

// cycle is one pass: heartbeat, record ingest with simulator fallback and
// pause handling, sanitize, schedule.
func (s *Scheduler) cycle(ctx context.Context) {
	s.heartbeat(ctx)

	rec := s.readRecord(ctx)
	if rec == nil {
		s.publishStatus(nil)
		return
	}

	s.mtx.Lock()
	if s.paused && s.pausedLocally {
		log.Ctx(ctx).InfoContext(ctx, "resuming the scheduler, power records are available again")
		s.paused = false
		s.pausedLocally = false
	}
	clearWindow := s.pendingClear
	s.pendingClear = false
	s.mtx.Unlock()
	if clearWindow {
		s.window.Clear()
	}
	s.window.Update(rec)

	s.sanitize(ctx)
	s.schedule(ctx)
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if s.watchdog == nil {
		return
	}
	if err := s.watchdog.Register(ctx, watchdogName, os.Getpid()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to register with watchdog", slog.Any("error", err))
		return
	}
	if err := s.watchdog.Kick(ctx, watchdogName); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to kick watchdog", slog.Any("error", err))
	}
}

// readRecord fetches the cycle's power record: live sensor first, simulator
// as fallback, and the pause transition when both have been silent past
// maxRecordGap.
func (s *Scheduler) readRecord(ctx context.Context) types.Record {
	now := time.Now()
	rec, err := s.sensor.Read(ctx, types.ScaleMinute)
	if err == nil {
		s.mtx.Lock()
		s.lastRecord = now
		s.mtx.Unlock()
		return rec
	}
	if !errors.Is(err, sensor.ErrNoData) {
		log.Ctx(ctx).WarnContext(ctx, "failed to read power sensor", slog.Any("error", err))
	}

	s.mtx.Lock()
	gap := now.Sub(s.lastRecord)
	simGap := now.Sub(s.lastSimRecord)
	s.mtx.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "no new power sensor record", slog.Duration("gap", gap))

	if s.simulator != nil {
		simRec, simErr := s.simulator.Read(ctx, types.ScaleMinute)
		if simErr == nil {
			log.Ctx(ctx).InfoContext(ctx, "using a record from the simulator")
			s.mtx.Lock()
			s.lastSimRecord = now
			s.mtx.Unlock()
			return simRec
		}
		if !errors.Is(simErr, sensor.ErrNoData) {
			log.Ctx(ctx).WarnContext(ctx, "failed to read power simulator", slog.Any("error", simErr))
		}
	}

	if gap > s.maxRecordGap && simGap > s.maxRecordGap && !s.IsOnPause() {
		log.Ctx(ctx).ErrorContext(ctx, "no power records available, pausing and stopping all tasks",
			slog.Duration("gap", gap))
		s.stopAll(ctx)
		s.mtx.Lock()
		s.paused = true
		s.pausedLocally = true
		s.pendingClear = true
		s.mtx.Unlock()
	}
	return nil
}

// stopAll issues stop to every running task, irrespective of stoppability.
// Cached probes are dropped afterwards since they no longer reflect reality.
func (s *Scheduler) stopAll(ctx context.Context) {
	defer s.probes.Flush()
	for _, uri := range s.tasksURIs() {
		p, err := s.probeTask(ctx, uri)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to probe task for stop",
				slog.String("uri", uri),
				slog.Any("error", err))
			continue
		}
		if !p.running {
			continue
		}
		log.Ctx(ctx).InfoContext(ctx, "stopping task", slog.String("task", p.details.Name))
		if err := s.newTask(uri).Stop(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to stop task",
				slog.String("task", p.details.Name),
				slog.Any("error", err))
		}
	}
}

// probeTask returns the cached snapshot for uri, probing the remote task on
// a miss.
func (s *Scheduler) probeTask(ctx context.Context, uri string) (probe, error) {
	if v, ok := s.probes.Get(uri); ok {
		return v.(probe), nil
	}
	t := s.newTask(uri)
	details, err := t.Details(ctx)
	if err != nil {
		return probe{}, err
	}
	running, err := t.IsRunning(ctx)
	if err != nil {
		return probe{}, err
	}
	p := probe{details: details, running: running}
	// the summary is cosmetic; a task that can't produce one is still fine
	if desc, err := t.Desc(ctx); err == nil {
		p.desc = desc
	}
	s.probes.SetDefault(uri, p)
	return p, nil
}

// sanitize removes tasks that fail to answer a probe three times in a row.
func (s *Scheduler) sanitize(ctx context.Context) {
	for _, uri := range s.tasksURIs() {
		var ok bool
		for attempt := 0; attempt < sanitizeAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(sanitizeDelay):
				}
			}
			if _, err := s.probeTask(ctx, uri); err == nil {
				ok = true
				break
			}
		}
		if !ok {
			log.Ctx(ctx).InfoContext(ctx, "communication error with task, removing",
				slog.String("uri", uri))
			s.UnregisterTask(uri)
		}
	}
}

// schedule runs the eviction sweep then the admission sweep on the current
// task set.
func (s *Scheduler) schedule(ctx context.Context) {
	if s.IsOnPause() {
		log.Ctx(ctx).DebugContext(ctx, "scheduler is on pause, task scheduling aborted")
		s.publishStatus(nil)
		return
	}
	defer s.probes.Flush()

	handles := s.collect(ctx)
	defer s.publishStatus(handles)
	if len(handles) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "no registered task")
		return
	}

	sw := newSweep(s.window, handles)
	names := func(hs []*handle) []string {
		return lo.Map(hs, func(h *handle, _ int) string { return h.details.Name })
	}
	log.Ctx(ctx).DebugContext(ctx, "task state",
		slog.Any("running", names(sw.running)),
		slog.Any("stopped", names(sw.stopped)))

	if len(sw.running) > 0 {
		finders := []func(context.Context) []*handle{
			func(context.Context) []*handle { return sw.findConflictingPowerKeys() },
			sw.findFailingCriteria,
			sw.findDiminishingAdjustable,
			sw.findLowerPriorityTasks,
		}
		for _, find := range finders {
			victims := find(ctx)
			if len(victims) == 0 {
				continue
			}
			for _, v := range victims {
				if v.isStoppable(ctx) {
					log.Ctx(ctx).InfoContext(ctx, "stopping task", slog.String("task", v.details.Name))
					if err := v.task.Stop(ctx); err != nil {
						log.Ctx(ctx).WarnContext(ctx, "failed to stop task",
							slog.String("task", v.details.Name),
							slog.Any("error", err))
					}
				}
				sw.evict(v)
			}
			break
		}
	}

	for {
		cand := sw.electTask(ctx)
		if cand == nil {
			break
		}
		log.Ctx(ctx).InfoContext(ctx, "starting task", slog.String("task", cand.details.Name))
		if err := cand.task.Start(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to start task",
				slog.String("task", cand.details.Name),
				slog.Any("error", err))
			sw.acted[cand.uri] = true
			continue
		}
		sw.admit(cand)
	}
}

// collect builds the cycle's handles; tasks that fail a probe are skipped
// for this cycle without aborting it.
func (s *Scheduler) collect(ctx context.Context) []*handle {
	var handles []*handle
	for _, uri := range s.tasksURIs() {
		p, err := s.probeTask(ctx, uri)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to probe task, skipping this cycle",
				slog.String("uri", uri),
				slog.Any("error", err))
			continue
		}
		t := s.newTask(uri)
		runnable, err := t.IsRunnable(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to query runnable, skipping this cycle",
				slog.String("task", p.details.Name),
				slog.Any("error", err))
			continue
		}
		handles = append(handles, &handle{
			uri:      uri,
			task:     t,
			details:  p.details,
			desc:     p.desc,
			runnable: runnable,
			running:  p.running,
		})
	}
	return handles
}

func (s *Scheduler) publishStatus(handles []*handle) {
	statuses := lo.Map(handles, func(h *handle, _ int) TaskStatus {
		return TaskStatus{
			TaskDetails: h.details,
			URI:         h.uri,
			Desc:        h.desc,
			Running:     h.running,
			Runnable:    h.runnable,
		}
	})
	rec, _ := s.window.Latest()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.status = Status{
		Paused:       s.paused,
		LastRecordAt: s.lastRecord,
		WindowLength: s.window.Len(),
		Record:       rec,
		Tasks:        statuses,
	}
}
