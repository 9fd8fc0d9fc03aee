// Package schedule runs named periodic tasks until their context ends.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Func is one run of a periodic task. Errors are logged and the task keeps
// its schedule.
type Func func(ctx context.Context) error

// Task is a named function invoked on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the function once before the first tick.
	Immediate bool
	Run       Func
}

// Runner owns a set of tasks and stops them together.
type Runner struct {
	tasks  []Task
	logger *zap.Logger
}

// NewRunner builds a Runner. Tasks with a non-positive interval are dropped.
func NewRunner(logger *zap.Logger, tasks ...Task) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{logger: logger}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			logger.Warn("scheduled task disabled", zap.String("task", t.Name))
			continue
		}
		r.tasks = append(r.tasks, t)
	}
	return r
}

// Start launches every task and blocks until ctx is done and all running
// invocations have returned.
func (r *Runner) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range r.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			r.loop(ctx, task)
		}(t)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, task Task) {
	logger := r.logger.With(zap.String("task", task.Name))
	logger.Info("scheduled task started", zap.Duration("interval", task.Interval))
	defer logger.Info("scheduled task stopped")

	if task.Immediate {
		r.invoke(ctx, logger, task)
	}
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.invoke(ctx, logger, task)
		}
	}
}

func (r *Runner) invoke(ctx context.Context, logger *zap.Logger, task Task) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("scheduled task panicked", zap.Any("panic", rec))
		}
	}()
	if err := task.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("scheduled task failed", zap.Error(err))
	}
}
