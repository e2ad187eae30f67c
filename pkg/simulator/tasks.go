package simulator

import (
	"context"
	"log/slog"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/types"
)

// Directory is the slice of the registry client the task survey uses.
type Directory interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Lookup(ctx context.Context, name string) (string, error)
}

// RegistryTasks surveys the registry for running tasks. A task that cannot
// be reached is skipped, the simulated record is best effort.
type RegistryTasks struct {
	dir Directory
}

var _ Tasks = (*RegistryTasks)(nil)

// NewRegistryTasks returns a survey over dir.
func NewRegistryTasks(dir Directory) *RegistryTasks {
	return &RegistryTasks{dir: dir}
}

// Running returns the details of every registered task that reports itself
// running.
func (r *RegistryTasks) Running(ctx context.Context) ([]types.TaskDetails, error) {
	names, err := r.dir.List(ctx, registry.TaskPrefix)
	if err != nil {
		return nil, err
	}
	var details []types.TaskDetails
	for _, name := range names {
		uri, err := r.dir.Lookup(ctx, name)
		if err != nil {
			continue
		}
		t := task.NewClient(uri)
		running, err := t.IsRunning(ctx)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "task did not answer the survey",
				slog.String("name", name),
				slog.Any("error", err))
			continue
		}
		if !running {
			continue
		}
		d, err := t.Details(ctx)
		if err != nil {
			continue
		}
		details = append(details, d)
	}
	return details, nil
}
