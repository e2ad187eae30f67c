package task

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/homeshift/homeshift/pkg/log"
)

const upkeepInterval = 30 * time.Second

// Registry is the slice of the registry client the runner needs.
type Registry interface {
	Register(ctx context.Context, name, uri string) error
	Unregister(ctx context.Context, name string) error
}

// Watchdog is the slice of the watchdog client the runner needs. A nil
// Watchdog disables supervision.
type Watchdog interface {
	Register(ctx context.Context, name string, pid int) error
	Kick(ctx context.Context, name string) error
}

// Scheduler is the slice of the scheduler client the runner needs when it
// also enrolls the task for scheduling.
type Scheduler interface {
	RegisterTask(ctx context.Context, uri string) error
	UnregisterTask(ctx context.Context, uri string) error
}

// Runner keeps a hosted task (or any service) visible: it re-registers the
// name with the registry and kicks the watchdog on an interval, and
// unregisters on shutdown. Registration failures are logged and retried on
// the next tick rather than treated as fatal.
type Runner struct {
	name     string
	uri      string
	registry Registry
	watchdog Watchdog
	sched    Scheduler
	check    func(context.Context) error
}

// NewRunner returns a Runner that advertises name at uri.
func NewRunner(name, uri string, reg Registry, wd Watchdog) *Runner {
	return &Runner{name: name, uri: uri, registry: reg, watchdog: wd}
}

// SetCheck installs a self-test consulted before each registration. While
// the check fails the name is unregistered instead, hiding the task from
// the scheduler until its device answers again. The watchdog is still
// kicked, the process itself is fine.
func (r *Runner) SetCheck(f func(context.Context) error) {
	r.check = f
}

// SetScheduler additionally enrolls the task with the scheduler on each
// upkeep and withdraws it while the check fails and on shutdown. Tasks
// that manage their own scheduler membership leave this unset.
func (r *Runner) SetScheduler(s Scheduler) {
	r.sched = s
}

// Run blocks until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.upkeep(ctx)
	ticker := time.NewTicker(upkeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// best effort, the registry entry goes stale otherwise
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.registry.Unregister(shutdownCtx, r.name); err != nil {
				log.Ctx(shutdownCtx).WarnContext(shutdownCtx, "failed to unregister",
					slog.String("name", r.name),
					slog.Any("error", err))
			}
			r.withdraw(shutdownCtx)
			return nil
		case <-ticker.C:
			r.upkeep(ctx)
		}
	}
}

func (r *Runner) upkeep(ctx context.Context) {
	if r.check != nil {
		if err := r.check(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "self-test failed, unregistering",
				slog.String("name", r.name),
				slog.Any("error", err))
			if err := r.registry.Unregister(ctx, r.name); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to unregister",
					slog.String("name", r.name),
					slog.Any("error", err))
			}
			r.withdraw(ctx)
			r.kick(ctx)
			return
		}
	}
	if err := r.registry.Register(ctx, r.name, r.uri); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to register",
			slog.String("name", r.name),
			slog.Any("error", err))
	}
	if r.sched != nil {
		if err := r.sched.RegisterTask(ctx, r.uri); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to enroll with scheduler",
				slog.String("name", r.name),
				slog.Any("error", err))
		}
	}
	r.kick(ctx)
}

func (r *Runner) withdraw(ctx context.Context) {
	if r.sched == nil {
		return
	}
	if err := r.sched.UnregisterTask(ctx, r.uri); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to withdraw from scheduler",
			slog.String("name", r.name),
			slog.Any("error", err))
	}
}

func (r *Runner) kick(ctx context.Context) {
	if r.watchdog == nil {
		return
	}
	if err := r.watchdog.Register(ctx, r.name, os.Getpid()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to register with watchdog",
			slog.String("name", r.name),
			slog.Any("error", err))
		return
	}
	if err := r.watchdog.Kick(ctx, r.name); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to kick watchdog",
			slog.String("name", r.name),
			slog.Any("error", err))
	}
}
