package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/clock/system"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// ChinaStandardTime is the zone the idle hour is expressed in.
var ChinaStandardTime = time.FixedZone("UTC+8", 8*60*60)

// IdleConfig tunes the idle-hour scheduler.
type IdleConfig struct {
	// Hour is the UTC+8 hour at which idle refreshes start.
	Hour int
	// BatchSize is how many jobs are created before pausing.
	BatchSize int
	// BatchPause is the pause between batches.
	BatchPause time.Duration
	// Sleep replaces the batch pause; tests use it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

type jobCreator interface {
	CreateJob(ctx context.Context, friendCode string, skipUpdateScore bool) (maisync.Job, error)
}

// IdleScheduler queues one refresh for every opted-in user at the idle hour
// and clears the opt-in once the job exists.
type IdleScheduler struct {
	users   maisync.UserStore
	creator jobCreator
	clock   maisync.Clock
	cfg     IdleConfig
	logger  *zap.Logger

	mu      sync.Mutex
	lastRun string
}

// NewIdleScheduler builds an IdleScheduler.
func NewIdleScheduler(users maisync.UserStore, creator jobCreator, clock maisync.Clock, cfg IdleConfig, logger *zap.Logger) *IdleScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = 2 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = system.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdleScheduler{users: users, creator: creator, clock: clock, cfg: cfg, logger: logger}
}

// Tick creates the day's idle jobs when the idle hour has come and they were
// not created yet. It returns how many jobs it created.
func (s *IdleScheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now().In(ChinaStandardTime)
	day := now.Format(time.DateOnly)
	s.mu.Lock()
	if now.Hour() != s.cfg.Hour || s.lastRun == day {
		s.mu.Unlock()
		return 0, nil
	}
	s.lastRun = day
	s.mu.Unlock()

	users, err := s.users.ListIdleUpdateUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list idle update users: %w", err)
	}
	s.logger.Info("idle update triggered", zap.String("day", day), zap.Int("users", len(users)))

	created, failed := 0, 0
	for _, u := range users {
		if _, err := s.creator.CreateJob(ctx, u.FriendCode, false); err != nil {
			failed++
			s.logger.Warn("idle update job not created", zap.String("friend_code", u.FriendCode), zap.Error(err))
			continue
		}
		created++
		// one-shot: the user opts in again for another idle refresh
		if err := s.users.SetIdleUpdate(ctx, u.FriendCode, false, s.clock.Now()); err != nil {
			s.logger.Warn("idle update flag not cleared", zap.String("friend_code", u.FriendCode), zap.Error(err))
		}
		if created%s.cfg.BatchSize == 0 {
			if err := s.cfg.Sleep(ctx, s.cfg.BatchPause); err != nil {
				return created, err
			}
		}
	}
	s.logger.Info("idle update complete",
		zap.Int("created", created),
		zap.Int("failed", failed),
		zap.Int("users", len(users)))
	return created, nil
}
