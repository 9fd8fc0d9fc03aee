package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// BotStore keeps heartbeat records in memory.
type BotStore struct {
	mu   sync.RWMutex
	bots map[string]maisync.BotStatus
}

// NewBotStore constructs a BotStore.
func NewBotStore() *BotStore {
	return &BotStore{bots: make(map[string]maisync.BotStatus)}
}

// UpsertBots records a heartbeat batch. A report without a friend count
// keeps the previously stored count.
func (s *BotStore) UpsertBots(_ context.Context, reports []maisync.BotReport, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reports {
		status := s.bots[r.FriendCode]
		status.FriendCode = r.FriendCode
		status.Available = r.Available
		status.LastReportedAt = at
		if r.FriendCount != nil {
			n := *r.FriendCount
			status.FriendCount = &n
		}
		s.bots[r.FriendCode] = status
	}
	return nil
}

// ListBots returns every bot ordered by friend code.
func (s *BotStore) ListBots(_ context.Context) ([]maisync.BotStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]maisync.BotStatus, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendCode < out[j].FriendCode })
	return out, nil
}
