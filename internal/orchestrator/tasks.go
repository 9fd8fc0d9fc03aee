package orchestrator

import (
	"context"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/schedule"
)

// TaskConfig sets the intervals of the orchestrator's background tasks.
type TaskConfig struct {
	FleetSweepInterval time.Duration
	CacheSweepInterval time.Duration
	IdleCheckInterval  time.Duration
}

// BackgroundTasks returns the periodic maintenance tasks of the orchestrator.
// A nil idle scheduler leaves the idle refresh out.
func BackgroundTasks(svc *Service, fleet *Fleet, idle *IdleScheduler, cfg TaskConfig) []schedule.Task {
	tasks := []schedule.Task{
		{
			Name:     "fleet-sweep",
			Interval: cfg.FleetSweepInterval,
			Run: func(ctx context.Context) error {
				_, err := fleet.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "cache-sweep",
			Interval: cfg.CacheSweepInterval,
			Run:      svc.SweepCache,
		},
	}
	if idle != nil {
		tasks = append(tasks, schedule.Task{
			Name:     "idle-update",
			Interval: cfg.IdleCheckInterval,
			Run: func(ctx context.Context) error {
				_, err := idle.Tick(ctx)
				return err
			},
		})
	}
	return tasks
}
