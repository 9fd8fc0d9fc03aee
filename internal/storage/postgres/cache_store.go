package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// CacheStore implements maisync.CacheStore on the score_cache table.
type CacheStore struct {
	db DB
}

// NewCacheStore wraps db.
func NewCacheStore(db DB) (*CacheStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CacheStore{db: db}, nil
}

// GetPage returns the cached page for key.
func (s *CacheStore) GetPage(ctx context.Context, key maisync.CacheKey) (string, bool, error) {
	var page string
	err := s.db.QueryRow(ctx, `
SELECT page FROM score_cache WHERE job_id = $1 AND difficulty = $2 AND score_type = $3`,
		key.JobID, int(key.Difficulty), int(key.ScoreType)).Scan(&page)
	if noRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cache page: %w", err)
	}
	return page, true, nil
}

// PutPage writes a page once.
func (s *CacheStore) PutPage(ctx context.Context, entry maisync.CacheEntry) error {
	tag, err := s.db.Exec(ctx, `
INSERT INTO score_cache (job_id, difficulty, score_type, page, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, difficulty, score_type) DO NOTHING`,
		entry.JobID, int(entry.Difficulty), int(entry.ScoreType), entry.Page, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("put cache page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return maisync.ErrCacheExists
	}
	return nil
}

// DeleteJob drops every page of a job.
func (s *CacheStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM score_cache WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete job cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteOlderThan drops pages written before cutoff.
func (s *CacheStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM score_cache WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
