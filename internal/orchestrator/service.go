// Package orchestrator owns the job lifecycle: creation, claiming by bots,
// stage transitions, completion side effects and the periodic maintenance
// tasks that keep the queue healthy.
package orchestrator

import (
	"context"
	"fmt"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/archive"
	"github.com/JakeFAU/maimai-sync/internal/maimai"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

const (
	// EventJobCompleted is published once per completed job.
	EventJobCompleted = "job.completed"
	// EventJobFailed is published once per failed job.
	EventJobFailed = "job.failed"

	maxFriendCodeLen = 20
)

// CompletedEvent is the payload of EventJobCompleted.
type CompletedEvent struct {
	JobID         string    `json:"jobId"`
	FriendCode    string    `json:"friendCode"`
	BotID         string    `json:"botId"`
	Rating        int       `json:"rating"`
	RecordCount   int       `json:"recordCount"`
	SkippedScores bool      `json:"skippedScores"`
	ResultURI     string    `json:"resultUri,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

// FailedEvent is the payload of EventJobFailed.
type FailedEvent struct {
	JobID      string    `json:"jobId"`
	FriendCode string    `json:"friendCode"`
	BotID      string    `json:"botId,omitempty"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Jobs      maisync.JobStore
	Cache     maisync.CacheStore
	Users     maisync.UserStore
	Publisher maisync.Publisher
	Archive   *archive.Archiver
	Clock     maisync.Clock
	IDs       maisync.IDGenerator
}

// Config tunes the Service.
type Config struct {
	// AuthURL is handed to bots in every task envelope.
	AuthURL string
	// CacheTTL bounds how long crawled pages of unfinished jobs are kept.
	CacheTTL time.Duration
}

// Service implements the job operations exposed over the API.
type Service struct {
	jobs      maisync.JobStore
	cache     maisync.CacheStore
	users     maisync.UserStore
	publisher maisync.Publisher
	archive   *archive.Archiver
	clock     maisync.Clock
	ids       maisync.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewService validates deps and builds a Service.
func NewService(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Jobs == nil || deps.Cache == nil || deps.Users == nil {
		return nil, fmt.Errorf("job, cache and user stores are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 12 * time.Hour
	}
	return &Service{
		jobs:      deps.Jobs,
		cache:     deps.Cache,
		users:     deps.Users,
		publisher: deps.Publisher,
		archive:   deps.Archive,
		clock:     deps.Clock,
		ids:       deps.IDs,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// ValidFriendCode reports whether code looks like a platform friend code.
func ValidFriendCode(code string) bool {
	if code == "" || len(code) > maxFriendCodeLen {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// CreateJob upserts the user and queues a sync job for it.
func (s *Service) CreateJob(ctx context.Context, friendCode string, skipUpdateScore bool) (maisync.Job, error) {
	if !ValidFriendCode(friendCode) {
		return maisync.Job{}, fmt.Errorf("friend code %q: %w", friendCode, maisync.ErrInvalidRequest)
	}
	now := s.clock.Now()
	if _, err := s.users.EnsureUser(ctx, friendCode, now); err != nil {
		return maisync.Job{}, fmt.Errorf("ensure user: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return maisync.Job{}, fmt.Errorf("job id: %w", err)
	}
	job := maisync.NewJob(id, friendCode, skipUpdateScore, now)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return maisync.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(maisync.JobStatusQueued))
	s.logger.Info("job queued",
		zap.String("job_id", id),
		zap.String("friend_code", friendCode),
		zap.Bool("skip_update_score", skipUpdateScore))
	return job, nil
}

// GetJob returns the job.
func (s *Service) GetJob(ctx context.Context, jobID string) (maisync.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return maisync.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ClaimTask hands botID a task envelope: its own unacknowledged job if it has
// one, otherwise the oldest queued job.
func (s *Service) ClaimTask(ctx context.Context, botID string) (maisync.Task, error) {
	if botID == "" {
		return maisync.Task{}, fmt.Errorf("bot id: %w", maisync.ErrInvalidRequest)
	}
	job, err := s.jobs.ClaimNext(ctx, botID, s.clock.Now())
	if err != nil {
		return maisync.Task{}, fmt.Errorf("claim: %w", err)
	}
	s.logger.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("bot_id", botID),
		zap.String("stage", string(job.Stage)),
		zap.Ints("completed_cells", job.ScoreProgress.CompletedCells))
	return maisync.TaskFromJob(job, s.cfg.AuthURL), nil
}

// StartTask acknowledges a claimed task. Only the assigned bot may start it.
func (s *Service) StartTask(ctx context.Context, jobID, botID string) (maisync.Job, error) {
	job, err := s.jobs.StartJob(ctx, jobID, botID, s.clock.Now())
	if err != nil {
		return maisync.Job{}, fmt.Errorf("start job %s: %w", jobID, err)
	}
	return job, nil
}

// AdvanceStage moves the job forward. Repeating a transition that already
// happened is a no-op.
func (s *Service) AdvanceStage(
	ctx context.Context,
	jobID, botID string,
	from, to maisync.JobStage,
	sentAt *time.Time,
) error {
	if err := s.jobs.AdvanceStage(ctx, jobID, botID, from, to, sentAt, s.clock.Now()); err != nil {
		return fmt.Errorf("advance job %s to %s: %w", jobID, to, err)
	}
	s.logger.Debug("job stage advanced",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// RecordCell marks one grid cell as crawled.
func (s *Service) RecordCell(ctx context.Context, jobID, botID string, cell int) error {
	if _, ok := maisync.CellAt(cell); !ok {
		return fmt.Errorf("cell %d: %w", cell, maisync.ErrInvalidRequest)
	}
	if err := s.jobs.RecordCell(ctx, jobID, botID, cell, s.clock.Now()); err != nil {
		return fmt.Errorf("record cell %d of %s: %w", cell, jobID, err)
	}
	return nil
}

// GetPage returns a cached page.
func (s *Service) GetPage(ctx context.Context, key maisync.CacheKey) (string, bool, error) {
	page, ok, err := s.cache.GetPage(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("get cached page: %w", err)
	}
	return page, ok, nil
}

// PutPage caches a crawled page for a job held by botID. A page is written
// once; a second write for the same cell returns maisync.ErrCacheExists.
func (s *Service) PutPage(ctx context.Context, jobID, botID string, cell maisync.Cell, page string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if err := job.HeldBy(botID); err != nil {
		return fmt.Errorf("cache page for %s: %w", jobID, err)
	}
	entry := maisync.CacheEntry{CacheKey: cell.Key(jobID), Page: page, CreatedAt: s.clock.Now()}
	if err := s.cache.PutPage(ctx, entry); err != nil {
		return fmt.Errorf("cache page %d of %s: %w", cell.Index(), jobID, err)
	}
	return nil
}

// CompleteJob finishes the job, then merges the scores into the user profile,
// archives and publishes the result and drops the job's cached pages. Only the
// transition itself can fail the call.
func (s *Service) CompleteJob(ctx context.Context, jobID, botID string, result maisync.JobResult) error {
	now := s.clock.Now()
	if err := s.jobs.CompleteJob(ctx, jobID, botID, result, now); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	metrics.ObserveJob(string(maisync.JobStatusCompleted))
	logger := s.logger.With(zap.String("job_id", jobID), zap.String("bot_id", botID))
	logger.Info("job completed", zap.Int("rating", result.Rating), zap.Int("records", len(result.Records)))

	if !result.SkippedScores {
		if err := s.mergeScores(ctx, result, now); err != nil {
			logger.Warn("merge user scores failed", zap.Error(err))
		}
	}
	uri := s.archive.Result(ctx, jobID, result)
	s.publish(ctx, EventJobCompleted, CompletedEvent{
		JobID:         jobID,
		FriendCode:    result.FriendCode,
		BotID:         botID,
		Rating:        result.Rating,
		RecordCount:   len(result.Records),
		SkippedScores: result.SkippedScores,
		ResultURI:     uri,
		CompletedAt:   now,
	})
	if n, err := s.cache.DeleteJob(ctx, jobID); err != nil {
		logger.Warn("drop cached pages failed", zap.Error(err))
	} else {
		logger.Debug("cached pages dropped", zap.Int("pages", n))
	}
	return nil
}

// FailJob fails a non-terminal job. An empty botID skips the holder check.
func (s *Service) FailJob(ctx context.Context, jobID, botID, message string) error {
	now := s.clock.Now()
	if err := s.jobs.FailJob(ctx, jobID, botID, message, now); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	metrics.ObserveJob(string(maisync.JobStatusFailed))
	s.logger.Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("bot_id", botID),
		zap.String("error", message))

	friendCode := ""
	if job, err := s.jobs.GetJob(ctx, jobID); err == nil {
		friendCode = job.FriendCode
	}
	s.failed(ctx, FailedEvent{JobID: jobID, FriendCode: friendCode, BotID: botID, Error: message, FailedAt: now})
	return nil
}

// JobsFailed finishes jobs that were failed in bulk outside FailJob: it
// publishes their failure events and drops their cached pages.
func (s *Service) JobsFailed(ctx context.Context, jobs []maisync.Job) {
	for _, job := range jobs {
		metrics.ObserveJob(string(maisync.JobStatusFailed))
		s.failed(ctx, FailedEvent{
			JobID:      job.ID,
			FriendCode: job.FriendCode,
			BotID:      job.AssignedBotID,
			Error:      job.Error,
			FailedAt:   job.UpdatedAt,
		})
	}
}

func (s *Service) failed(ctx context.Context, event FailedEvent) {
	s.publish(ctx, EventJobFailed, event)
	if _, err := s.cache.DeleteJob(ctx, event.JobID); err != nil {
		s.logger.Warn("drop cached pages failed", zap.String("job_id", event.JobID), zap.Error(err))
	}
}

// ReleaseJob lets the holding bot resume the job later.
func (s *Service) ReleaseJob(ctx context.Context, jobID, botID string) error {
	if err := s.jobs.ReleaseJob(ctx, jobID, botID, s.clock.Now()); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	s.logger.Info("job released", zap.String("job_id", jobID), zap.String("bot_id", botID))
	return nil
}

// CancelJob marks the job canceled. A bot already crawling it is not
// interrupted; its later transitions fail with maisync.ErrJobTerminal.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	if err := s.jobs.CancelJob(ctx, jobID, s.clock.Now()); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	metrics.ObserveJob(string(maisync.JobStatusCanceled))
	s.logger.Info("job canceled", zap.String("job_id", jobID))
	return nil
}

// SetIdleUpdate toggles the daily refresh of a user.
func (s *Service) SetIdleUpdate(ctx context.Context, friendCode string, enabled bool) error {
	if !ValidFriendCode(friendCode) {
		return fmt.Errorf("friend code %q: %w", friendCode, maisync.ErrInvalidRequest)
	}
	if err := s.users.SetIdleUpdate(ctx, friendCode, enabled, s.clock.Now()); err != nil {
		return fmt.Errorf("set idle update: %w", err)
	}
	return nil
}

// GetUser returns a user profile.
func (s *Service) GetUser(ctx context.Context, friendCode string) (maisync.User, error) {
	u, err := s.users.GetUser(ctx, friendCode)
	if err != nil {
		return maisync.User{}, fmt.Errorf("get user %s: %w", friendCode, err)
	}
	return u, nil
}

// SweepCache deletes cached pages older than the cache TTL.
func (s *Service) SweepCache(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.CacheTTL)
	n, err := s.cache.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep cache: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired cache pages deleted", zap.Int("pages", n), zap.Time("cutoff", cutoff))
	}
	return nil
}

func (s *Service) mergeScores(ctx context.Context, result maisync.JobResult, now time.Time) error {
	user, err := s.users.EnsureUser(ctx, result.FriendCode, now)
	if err != nil {
		return err
	}
	merged := maimai.MergeRecords(result.Records, user.Scores)
	maimai.SortRecords(merged)
	return s.users.SaveScores(ctx, result.FriendCode, merged, maimai.TotalRating(merged), now)
}

func (s *Service) publish(ctx context.Context, event string, payload any) {
	if s.publisher == nil {
		return
	}
	id, err := s.publisher.Publish(ctx, event, payload)
	if err != nil {
		s.logger.Warn("publish event failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.logger.Debug("event published", zap.String("event", event), zap.String("message_id", id))
}
