package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// CacheStore keeps crawled pages in memory.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[maisync.CacheKey]maisync.CacheEntry
}

// NewCacheStore constructs a CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[maisync.CacheKey]maisync.CacheEntry)}
}

// GetPage returns the page for key.
func (s *CacheStore) GetPage(_ context.Context, key maisync.CacheKey) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry.Page, ok, nil
}

// PutPage writes a page once.
func (s *CacheStore) PutPage(_ context.Context, entry maisync.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.CacheKey]; exists {
		return maisync.ErrCacheExists
	}
	s.entries[entry.CacheKey] = entry
	return nil
}

// DeleteJob drops every page of a job.
func (s *CacheStore) DeleteJob(_ context.Context, jobID string) (int, error) {
	return s.deleteWhere(func(e maisync.CacheEntry) bool { return e.JobID == jobID }), nil
}

// DeleteOlderThan drops pages written before cutoff.
func (s *CacheStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(func(e maisync.CacheEntry) bool { return e.CreatedAt.Before(cutoff) }), nil
}

func (s *CacheStore) deleteWhere(match func(maisync.CacheEntry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if match(e) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}
