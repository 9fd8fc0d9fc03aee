package maisync

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. Every transition is a single conditional update so
// concurrent callers cannot both win.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ClaimNext hands botID its own unacknowledged processing job if any,
	// otherwise moves the oldest queued job to processing. It returns
	// ErrNoTask when nothing is claimable.
	ClaimNext(ctx context.Context, botID string, now time.Time) (Job, error)
	// StartJob marks a claimed job as executing on botID.
	StartJob(ctx context.Context, jobID, botID string, now time.Time) (Job, error)
	AdvanceStage(ctx context.Context, jobID, botID string, from, to JobStage, sentAt *time.Time, now time.Time) error
	RecordCell(ctx context.Context, jobID, botID string, cell int, now time.Time) error
	CompleteJob(ctx context.Context, jobID, botID string, result JobResult, now time.Time) error
	// FailJob fails a non-terminal job. An empty botID skips the holder check.
	FailJob(ctx context.Context, jobID, botID, message string, now time.Time) error
	// ReleaseJob clears the executing flag so the holder can resume later.
	ReleaseJob(ctx context.Context, jobID, botID string, now time.Time) error
	CancelJob(ctx context.Context, jobID string, now time.Time) error
	// FailJobsForBots fails every queued or processing job bound to one of
	// botIDs and returns the jobs it failed.
	FailJobsForBots(ctx context.Context, botIDs []string, message string, now time.Time) ([]Job, error)
}

// CacheStore persists raw comparison pages keyed by job and grid cell.
type CacheStore interface {
	GetPage(ctx context.Context, key CacheKey) (string, bool, error)
	// PutPage writes a new entry and returns ErrCacheExists if the key is taken.
	PutPage(ctx context.Context, entry CacheEntry) error
	DeleteJob(ctx context.Context, jobID string) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// BotStore persists heartbeat records.
type BotStore interface {
	UpsertBots(ctx context.Context, reports []BotReport, at time.Time) error
	ListBots(ctx context.Context) ([]BotStatus, error)
}

// UserStore persists user profiles.
type UserStore interface {
	// EnsureUser returns the user, creating it when missing.
	EnsureUser(ctx context.Context, friendCode string, now time.Time) (User, error)
	GetUser(ctx context.Context, friendCode string) (User, error)
	SaveScores(ctx context.Context, friendCode string, records []ScoreRecord, rating int, now time.Time) error
	SetIdleUpdate(ctx context.Context, friendCode string, enabled bool, now time.Time) error
	ListIdleUpdateUsers(ctx context.Context) ([]User, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// CrawlClient is the set of platform operations a bot performs with one session.
type CrawlClient interface {
	OwnFriendCode(ctx context.Context) (string, error)
	ListFriends(ctx context.Context) ([]string, error)
	ListSentRequests(ctx context.Context) ([]string, error)
	SendFriendRequest(ctx context.Context, friendCode string) error
	FavoriteFriend(ctx context.Context, friendCode string) error
	FetchComparisonPage(ctx context.Context, friendCode string, scoreType ScoreType, diff Difficulty) (string, error)
}
