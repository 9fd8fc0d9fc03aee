// Package worker runs the bot side of a sync job: friend request, acceptance
// wait and the resumable score grid crawl.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/archive"
	"github.com/JakeFAU/maimai-sync/internal/clock/system"
	"github.com/JakeFAU/maimai-sync/internal/maimai"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

const (
	// DefaultAcceptPollInterval is the pause between friend list checks.
	DefaultAcceptPollInterval = 10 * time.Second
	// DefaultAcceptTimeout bounds the wait for a friend request to be accepted.
	DefaultAcceptTimeout = 5 * time.Minute

	releaseTimeout = 10 * time.Second
)

// Jobs is the orchestrator surface the pipeline reports to. Both
// orchestrator.Service and jobclient.Client satisfy it.
type Jobs interface {
	AdvanceStage(ctx context.Context, jobID, botID string, from, to maisync.JobStage, sentAt *time.Time) error
	RecordCell(ctx context.Context, jobID, botID string, cell int) error
	GetPage(ctx context.Context, key maisync.CacheKey) (string, bool, error)
	PutPage(ctx context.Context, jobID, botID string, cell maisync.Cell, page string) error
	CompleteJob(ctx context.Context, jobID, botID string, result maisync.JobResult) error
	FailJob(ctx context.Context, jobID, botID, message string) error
	ReleaseJob(ctx context.Context, jobID, botID string) error
}

// Sessions loads and validates the bot's stored session.
type Sessions interface {
	Load(ctx context.Context, key string) (maisync.Session, bool, error)
	IsExpired(ctx context.Context, sess maisync.Session) bool
}

// Queue feeds accepted tasks to the worker.
type Queue interface {
	Dequeue(ctx context.Context) (maisync.Task, error)
}

// ClientFactory builds a crawl client bound to a session.
type ClientFactory func(maisync.Session) (maisync.CrawlClient, error)

// Config controls the acceptance wait.
type Config struct {
	AcceptPollInterval time.Duration
	AcceptTimeout      time.Duration
	// Sleep replaces the poll pause; tests use it to drive a fake clock.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Worker executes tasks.
type Worker struct {
	jobs      Jobs
	sessions  Sessions
	newClient ClientFactory
	archive   *archive.Archiver
	clock     maisync.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archiver may be nil.
func New(
	jobs Jobs,
	sessions Sessions,
	newClient ClientFactory,
	archiver *archive.Archiver,
	clock maisync.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.AcceptPollInterval <= 0 {
		cfg.AcceptPollInterval = DefaultAcceptPollInterval
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = system.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:      jobs,
		sessions:  sessions,
		newClient: newClient,
		archive:   archiver,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context, queue Queue) {
	for {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("queue drained", zap.Error(err))
			}
			return
		}
		metrics.IncActiveWorkers()
		_ = w.Process(ctx, task)
		metrics.DecActiveWorkers()
	}
}

// Process runs one task from its current stage to a terminal state. When ctx
// is canceled mid-run the job is released so this bot resumes it later from
// the cached pages; any other error fails the job.
func (w *Worker) Process(ctx context.Context, task maisync.Task) error {
	jobID, botID := task.UUID, task.Data.BotID
	logger := w.logger.With(
		zap.String("job_id", jobID),
		zap.String("bot_id", botID),
		zap.String("friend_code", task.Data.Username))
	logger.Info("task started",
		zap.String("stage", string(task.Data.Stage)),
		zap.Ints("completed_cells", task.Data.PageInfo.CompletedCells))

	err := w.run(ctx, task, logger)
	switch {
	case err == nil:
		logger.Info("task completed")
		return nil
	case ctx.Err() != nil:
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := w.jobs.ReleaseJob(relCtx, jobID, botID); relErr != nil {
			logger.Warn("release after shutdown failed", zap.Error(relErr))
		} else {
			logger.Info("task released for resume")
		}
		return err
	case errors.Is(err, maisync.ErrJobTerminal), errors.Is(err, maisync.ErrClaimConflict):
		logger.Warn("task abandoned, job no longer held", zap.Error(err))
		return err
	}

	logger.Error("task failed", zap.Error(err))
	if failErr := w.jobs.FailJob(ctx, jobID, botID, FailureMessage(err)); failErr != nil {
		logger.Warn("report failure failed", zap.Error(failErr))
	}
	return err
}

// FailureMessage turns a pipeline error into the text stored on the job.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, maisync.ErrSessionExpired):
		return maisync.SessionExpiredMessage
	case errors.Is(err, maisync.ErrNoSession):
		return "bot has no stored session"
	case errors.Is(err, maisync.ErrFriendAcceptanceTimeout):
		return maisync.ErrFriendAcceptanceTimeout.Error()
	default:
		return err.Error()
	}
}

func (w *Worker) run(ctx context.Context, task maisync.Task, logger *zap.Logger) error {
	botID := task.Data.BotID
	sess, ok, err := w.sessions.Load(ctx, botID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bot %s: %w", botID, maisync.ErrNoSession)
	}
	if w.sessions.IsExpired(ctx, sess) {
		return fmt.Errorf("bot %s: %w", botID, maisync.ErrSessionExpired)
	}
	client, err := w.newClient(sess)
	if err != nil {
		return fmt.Errorf("build crawl client: %w", err)
	}

	stage := task.Data.Stage
	sentAt := task.Data.FriendRequestSentAt
	if stage == maisync.StageSendRequest {
		if stage, sentAt, err = w.sendRequest(ctx, client, task); err != nil {
			return err
		}
	}
	if stage == maisync.StageWaitAcceptance {
		if err := w.waitAcceptance(ctx, client, task, sentAt, logger); err != nil {
			return err
		}
	}
	return w.updateScore(ctx, client, task, logger)
}

func (w *Worker) sendRequest(
	ctx context.Context,
	client maisync.CrawlClient,
	task maisync.Task,
) (maisync.JobStage, *time.Time, error) {
	target := task.Data.Username
	friends, err := client.ListFriends(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list friends: %w", err)
	}
	if slices.Contains(friends, target) {
		err := w.jobs.AdvanceStage(ctx, task.UUID, task.Data.BotID, maisync.StageSendRequest, maisync.StageUpdateScore, nil)
		return maisync.StageUpdateScore, nil, err
	}

	sent, err := client.ListSentRequests(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list sent requests: %w", err)
	}
	if !slices.Contains(sent, target) {
		if err := client.SendFriendRequest(ctx, target); err != nil {
			return "", nil, err
		}
	}
	now := w.clock.Now()
	err = w.jobs.AdvanceStage(ctx, task.UUID, task.Data.BotID, maisync.StageSendRequest, maisync.StageWaitAcceptance, &now)
	return maisync.StageWaitAcceptance, &now, err
}

func (w *Worker) waitAcceptance(
	ctx context.Context,
	client maisync.CrawlClient,
	task maisync.Task,
	sentAt *time.Time,
	logger *zap.Logger,
) error {
	start := w.clock.Now()
	if sentAt != nil {
		start = *sentAt
	}
	for {
		friends, err := client.ListFriends(ctx)
		if err != nil {
			return fmt.Errorf("list friends: %w", err)
		}
		if slices.Contains(friends, task.Data.Username) {
			logger.Info("friend request accepted")
			return w.jobs.AdvanceStage(ctx, task.UUID, task.Data.BotID, maisync.StageWaitAcceptance, maisync.StageUpdateScore, nil)
		}
		if w.clock.Now().Sub(start) >= w.cfg.AcceptTimeout {
			return maisync.ErrFriendAcceptanceTimeout
		}
		if err := w.cfg.Sleep(ctx, w.cfg.AcceptPollInterval); err != nil {
			return err
		}
	}
}

func (w *Worker) updateScore(
	ctx context.Context,
	client maisync.CrawlClient,
	task maisync.Task,
	logger *zap.Logger,
) error {
	jobID, botID, target := task.UUID, task.Data.BotID, task.Data.Username
	if task.Data.SkipUpdateScore {
		return w.jobs.CompleteJob(ctx, jobID, botID, maisync.JobResult{FriendCode: target, SkippedScores: true})
	}

	favorited := false
	pages := make(map[int]string, maisync.GridSize)
	for _, cell := range maisync.Grid() {
		idx := cell.Index()
		page, cached, err := w.jobs.GetPage(ctx, cell.Key(jobID))
		if err != nil {
			return fmt.Errorf("read cache for cell %d: %w", idx, err)
		}
		if cached {
			metrics.ObserveCell("cache")
		} else {
			if !favorited {
				if err := client.FavoriteFriend(ctx, target); err != nil {
					return err
				}
				favorited = true
			}
			if page, err = client.FetchComparisonPage(ctx, target, cell.ScoreType, cell.Difficulty); err != nil {
				return err
			}
			metrics.ObserveCell("fetch")
			if err := w.jobs.PutPage(ctx, jobID, botID, cell, page); err != nil && !errors.Is(err, maisync.ErrCacheExists) {
				return fmt.Errorf("cache cell %d: %w", idx, err)
			}
			w.archive.Page(ctx, jobID, cell, page)
		}
		pages[idx] = page
		if !task.Data.PageInfo.Has(idx) {
			if err := w.jobs.RecordCell(ctx, jobID, botID, idx); err != nil {
				return fmt.Errorf("record cell %d: %w", idx, err)
			}
		}
		logger.Debug("cell done", zap.Int("cell", idx), zap.Bool("cached", cached))
	}

	records, err := maimai.ParsePages(pages)
	if err != nil {
		return err
	}
	result := maimai.BuildResult(target, records)
	if err := w.jobs.CompleteJob(ctx, jobID, botID, result); err != nil {
		return err
	}
	logger.Info("scores synced", zap.Int("records", len(result.Records)), zap.Int("rating", result.Rating))
	return nil
}
