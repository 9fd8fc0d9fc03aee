// Package dispatcher polls the orchestrator for tasks and fans accepted ones
// out to a pool of crawl workers through the local queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
	"github.com/JakeFAU/maimai-sync/internal/worker"
)

const (
	// DefaultPollInterval is the dispatch tick.
	DefaultPollInterval = 2 * time.Second
	// DefaultTaskStaleAfter rejects tasks that waited too long before a bot picked them up.
	DefaultTaskStaleAfter = 60 * time.Second

	failTimeout = 10 * time.Second
)

// Tick decisions, also used as metric labels.
const (
	DecisionLocked     = "locked"
	DecisionBackoff    = "backoff"
	DecisionNoIdentity = "no_identity"
	DecisionEmpty      = "empty"
	DecisionError      = "error"
	DecisionAckFailed  = "ack_failed"
	DecisionStale      = "stale"
	DecisionEnqueued   = "enqueued"
)

// Tasks is the orchestrator task surface used by the loop.
type Tasks interface {
	ClaimTask(ctx context.Context, botID string) (maisync.Task, error)
	StartTask(ctx context.Context, jobID, botID string) (maisync.Job, error)
	FailJob(ctx context.Context, jobID, botID, message string) error
	ReleaseJob(ctx context.Context, jobID, botID string) error
}

// Queue is the bounded local queue between the loop and the workers.
type Queue interface {
	worker.Queue
	Enqueue(ctx context.Context, task maisync.Task) error
	Len() int
	Close()
}

// IdentityFunc resolves the friend code this bot claims work as.
type IdentityFunc func(ctx context.Context) (string, error)

// Config tunes the loop.
type Config struct {
	PollInterval   time.Duration
	TaskStaleAfter time.Duration
	// Windows defaults to DefaultWindows when empty.
	Windows []Window
}

// Dispatcher owns the poll loop and the worker pool.
type Dispatcher struct {
	tasks     Tasks
	queue     Queue
	workers   []*worker.Worker
	identity  IdentityFunc
	admission *Admission
	clock     maisync.Clock
	cfg       Config
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(
	tasks Tasks,
	queue Queue,
	workers []*worker.Worker,
	identity IdentityFunc,
	clock maisync.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskStaleAfter <= 0 {
		cfg.TaskStaleAfter = DefaultTaskStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:     tasks,
		queue:     queue,
		workers:   workers,
		identity:  identity,
		admission: NewAdmission(clock, cfg.Windows...),
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Admission exposes the scheduler state.
func (d *Dispatcher) Admission() *Admission {
	return d.admission
}

// Run starts all workers and the poll loop and blocks until the context
// finishes. Ticks run on their own goroutines so a slow claim makes the
// following ticks skip on the fetch lock instead of queueing up.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, d.queue)
		}(w)
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatch loop started",
		zap.Duration("interval", d.cfg.PollInterval),
		zap.Int("workers", len(d.workers)))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Tick(ctx)
			}()
		}
	}
}

// Tick runs one admission check and, when admitted, one claim. It returns the
// decision taken.
func (d *Dispatcher) Tick(ctx context.Context) string {
	decision := d.tick(ctx)
	metrics.ObserveDispatchTick(decision)
	return decision
}

func (d *Dispatcher) tick(ctx context.Context) string {
	depth := d.queue.Len()
	if decision, ok := d.admission.Acquire(depth); !ok {
		d.logger.Debug("tick skipped", zap.String("decision", decision), zap.Int("queue_depth", depth))
		return decision
	}
	defer d.admission.Release()

	botID, err := d.identity(ctx)
	if err != nil {
		d.logger.Debug("no identity to claim with", zap.Error(err))
		return DecisionNoIdentity
	}

	task, err := d.tasks.ClaimTask(ctx, botID)
	switch {
	case errors.Is(err, maisync.ErrNoTask):
		return DecisionEmpty
	case err != nil:
		d.logger.Warn("claim task failed", zap.Error(err))
		return DecisionError
	}
	logger := d.logger.With(zap.String("job_id", task.UUID), zap.String("bot_id", botID))

	if _, err := d.tasks.StartTask(ctx, task.UUID, botID); err != nil {
		logger.Warn("acknowledge task failed", zap.Error(err))
		return DecisionAckFailed
	}
	if waited := d.clock.Now().Sub(task.AppendedAt()); waited > d.cfg.TaskStaleAfter {
		logger.Warn("task too old to run", zap.Duration("waited", waited))
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		if err := d.tasks.FailJob(failCtx, task.UUID, botID, maisync.ErrTaskStale.Error()); err != nil {
			logger.Warn("fail stale task failed", zap.Error(err))
		}
		return DecisionStale
	}

	if task.Data.BotID == "" {
		task.Data.BotID = botID
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		logger.Warn("enqueue task failed", zap.Error(err))
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		if relErr := d.tasks.ReleaseJob(relCtx, task.UUID, botID); relErr != nil {
			logger.Warn("release unqueued task failed", zap.Error(relErr))
		}
		return DecisionError
	}
	logger.Info("task accepted",
		zap.String("stage", string(task.Data.Stage)),
		zap.Int("queue_depth", d.queue.Len()))
	return DecisionEnqueued
}

// StaticIdentity always claims as botID.
func StaticIdentity(botID string) IdentityFunc {
	return func(context.Context) (string, error) {
		if botID == "" {
			return "", fmt.Errorf("bot id: %w", maisync.ErrNoSession)
		}
		return botID, nil
	}
}
