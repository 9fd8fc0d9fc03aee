package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

// DefaultStaleAfter is how long a bot may go without reporting before it is
// treated as unavailable.
const DefaultStaleAfter = 5 * time.Minute

type failureNotifier interface {
	JobsFailed(ctx context.Context, jobs []maisync.Job)
}

// Fleet tracks bot heartbeats and fails work bound to bots that went away.
type Fleet struct {
	bots       maisync.BotStore
	jobs       maisync.JobStore
	notify     failureNotifier
	clock      maisync.Clock
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewFleet builds a Fleet. notify, when set, is told about every job a sweep
// fails.
func NewFleet(bots maisync.BotStore, jobs maisync.JobStore, notify failureNotifier, clock maisync.Clock,
	staleAfter time.Duration, logger *zap.Logger,
) *Fleet {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fleet{bots: bots, jobs: jobs, notify: notify, clock: clock, staleAfter: staleAfter, logger: logger}
}

// Report records a heartbeat batch.
func (f *Fleet) Report(ctx context.Context, reports []maisync.BotReport) error {
	for _, r := range reports {
		if r.FriendCode == "" {
			return fmt.Errorf("bot friend code: %w", maisync.ErrInvalidRequest)
		}
	}
	if err := f.bots.UpsertBots(ctx, reports, f.clock.Now()); err != nil {
		return fmt.Errorf("record bot reports: %w", err)
	}
	return nil
}

// GetAll lists every bot. A bot whose last report is older than the stale
// window is reported unavailable whatever it last claimed.
func (f *Fleet) GetAll(ctx context.Context) ([]maisync.BotStatus, error) {
	bots, err := f.bots.ListBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	now := f.clock.Now()
	for i := range bots {
		if now.Sub(bots[i].LastReportedAt) > f.staleAfter {
			bots[i].Available = false
		}
	}
	return bots, nil
}

// Sweep fails every queued or processing job bound to an unavailable bot and
// returns how many jobs it failed. Jobs keep their assigned bot and are never
// handed to another one.
func (f *Fleet) Sweep(ctx context.Context) (int, error) {
	bots, err := f.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	var down []string
	for _, b := range bots {
		if !b.Available {
			down = append(down, b.FriendCode)
		}
	}
	if len(down) == 0 {
		return 0, nil
	}
	failed, err := f.jobs.FailJobsForBots(ctx, down, maisync.BotUnavailableMessage, f.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("fail jobs of unavailable bots: %w", err)
	}
	if len(failed) == 0 {
		return 0, nil
	}
	metrics.ObserveSwept(len(failed))
	f.logger.Warn("jobs of unavailable bots failed", zap.Strings("bots", down), zap.Int("jobs", len(failed)))
	if f.notify != nil {
		f.notify.JobsFailed(ctx, failed)
	}
	return len(failed), nil
}
