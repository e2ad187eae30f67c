// Package watchdog supervises the processes of the other services. Each one
// registers its pid under a name and kicks its timer every cycle; a process
// that stays silent past its timeout is killed so systemd (or the operator)
// can restart it cleanly.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/service"
)

const (
	// DefaultTimeout is how long a process may stay silent before it is
	// considered hung.
	DefaultTimeout = 3 * time.Minute

	reapInterval = 5 * time.Second
	termChecks   = 3
)

// var so tests can shorten the SIGTERM grace wait.
var termCheckDelay = time.Second

// Tracker receives liveness facts about supervised processes. The monitor
// client satisfies it; nil disables reporting.
type Tracker interface {
	Track(ctx context.Context, name string, healthy bool)
}

type process struct {
	name     string
	pid      int
	timeout  time.Duration
	deadline time.Time
}

// Watchdog tracks processes by name and reaps the ones whose timer expires.
type Watchdog struct {
	tracker Tracker

	// signal delivers sig to pid; replaced in tests.
	signal func(pid int, sig syscall.Signal) error

	mtx   sync.Mutex
	procs map[string]*process
}

// New returns a Watchdog reporting liveness to tracker.
func New(tracker Tracker) *Watchdog {
	return &Watchdog{
		tracker: tracker,
		signal:  syscall.Kill,
		procs:   make(map[string]*process),
	}
}

// Register starts monitoring pid under name. Registering an existing name
// with the same pid keeps the running timer; a different pid replaces the
// entry, since the process evidently restarted.
func (w *Watchdog) Register(ctx context.Context, name string, pid int, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if p, ok := w.procs[name]; ok && p.pid == pid {
		return
	}
	w.procs[name] = &process{
		name:     name,
		pid:      pid,
		timeout:  timeout,
		deadline: time.Now().Add(timeout),
	}
	log.Ctx(ctx).InfoContext(ctx, "start monitoring process",
		slog.String("name", name),
		slog.Int("pid", pid))
}

// Kick resets the timer for name.
func (w *Watchdog) Kick(name string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	p, ok := w.procs[name]
	if !ok {
		return fmt.Errorf("process %q is not registered", name)
	}
	p.deadline = time.Now().Add(p.timeout)
	return nil
}

// Unregister stops monitoring name.
func (w *Watchdog) Unregister(ctx context.Context, name string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if _, ok := w.procs[name]; ok {
		log.Ctx(ctx).InfoContext(ctx, "stop monitoring process", slog.String("name", name))
		delete(w.procs, name)
	}
}

// ProcessStatus is one monitored process as reported over HTTP.
type ProcessStatus struct {
	Name     string    `json:"name"`
	PID      int       `json:"pid"`
	Deadline time.Time `json:"deadline"`
}

// Processes returns the monitored set sorted by name.
func (w *Watchdog) Processes() []ProcessStatus {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	statuses := make([]ProcessStatus, 0, len(w.procs))
	for _, p := range w.procs {
		statuses = append(statuses, ProcessStatus{Name: p.name, PID: p.pid, Deadline: p.deadline})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Run checks liveness and reaps hung processes until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.monitor(ctx)
			w.reap(ctx)
		}
	}
}

// alive reports whether pid exists. Only ESRCH proves death; a permission
// error means the pid is taken.
func (w *Watchdog) alive(pid int) bool {
	return w.signal(pid, 0) != syscall.ESRCH
}

func (w *Watchdog) snapshot() []*process {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	procs := make([]*process, 0, len(w.procs))
	for _, p := range w.procs {
		procs = append(procs, p)
	}
	return procs
}

// monitor reports liveness for every process and drops the ones that no
// longer exist.
func (w *Watchdog) monitor(ctx context.Context) {
	for _, p := range w.snapshot() {
		alive := w.alive(p.pid)
		if w.tracker != nil {
			w.tracker.Track(ctx, "process "+p.name, alive)
		}
		if !alive {
			log.Ctx(ctx).InfoContext(ctx, "process does not exist anymore",
				slog.String("name", p.name),
				slog.Int("pid", p.pid))
			w.Unregister(ctx, p.name)
		}
	}
}

// reap kills processes whose timer expired: SIGTERM first, SIGKILL if they
// survive the grace checks.
func (w *Watchdog) reap(ctx context.Context) {
	now := time.Now()
	var hung []*process
	for _, p := range w.snapshot() {
		if now.After(p.deadline) {
			hung = append(hung, p)
		}
	}
	for _, p := range hung {
		log.Ctx(ctx).WarnContext(ctx, "killing hung process",
			slog.String("name", p.name),
			slog.Int("pid", p.pid))
		if err := w.signal(p.pid, syscall.SIGTERM); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to signal process",
				slog.String("name", p.name),
				slog.Any("error", err))
		}
		for i := 0; i < termChecks && w.alive(p.pid); i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(termCheckDelay):
			}
		}
		if w.alive(p.pid) {
			if err := w.signal(p.pid, syscall.SIGKILL); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to kill process",
					slog.String("name", p.name),
					slog.Any("error", err))
			}
		}
		w.Unregister(ctx, p.name)
	}
}

type registerRequest struct {
	Name           string `json:"name"`
	PID            int    `json:"pid"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type nameRequest struct {
	Name string `json:"name"`
}

// Handler serves the watchdog's remote interface.
func (w *Watchdog) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", w.handleRegister)
	mux.HandleFunc("POST /api/unregister", w.handleUnregister)
	mux.HandleFunc("POST /api/kick", w.handleKick)
	mux.HandleFunc("GET /api/processes", w.handleProcesses)
	return mux
}

func (w *Watchdog) handleRegister(rw http.ResponseWriter, req *http.Request) {
	var r registerRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		service.WriteJSONError(rw, "invalid request body", http.StatusBadRequest)
		return
	}
	if r.Name == "" || r.PID <= 0 {
		service.WriteJSONError(rw, "name and pid are required", http.StatusBadRequest)
		return
	}
	w.Register(req.Context(), r.Name, r.PID, time.Duration(r.TimeoutSeconds)*time.Second)
	service.WriteJSON(rw, struct{}{})
}

func (w *Watchdog) handleUnregister(rw http.ResponseWriter, req *http.Request) {
	var r nameRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		service.WriteJSONError(rw, "invalid request body", http.StatusBadRequest)
		return
	}
	if r.Name == "" {
		service.WriteJSONError(rw, "name is required", http.StatusBadRequest)
		return
	}
	w.Unregister(req.Context(), r.Name)
	service.WriteJSON(rw, struct{}{})
}

func (w *Watchdog) handleKick(rw http.ResponseWriter, req *http.Request) {
	var r nameRequest
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		service.WriteJSONError(rw, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := w.Kick(r.Name); err != nil {
		service.WriteJSONError(rw, err.Error(), http.StatusNotFound)
		return
	}
	service.WriteJSON(rw, struct{}{})
}

func (w *Watchdog) handleProcesses(rw http.ResponseWriter, req *http.Request) {
	service.WriteJSON(rw, w.Processes())
}
