package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// UserStore keeps user profiles in memory.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]maisync.User
}

// NewUserStore constructs a UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]maisync.User)}
}

// EnsureUser returns the user, creating it when missing.
func (s *UserStore) EnsureUser(_ context.Context, friendCode string, now time.Time) (maisync.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUser(s.ensure(friendCode, now)), nil
}

// GetUser fetches a user.
func (s *UserStore) GetUser(_ context.Context, friendCode string) (maisync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[friendCode]
	if !ok {
		return maisync.User{}, maisync.ErrNotFound
	}
	return cloneUser(u), nil
}

// SaveScores replaces the user's score set.
func (s *UserStore) SaveScores(
	_ context.Context,
	friendCode string,
	records []maisync.ScoreRecord,
	rating int,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensure(friendCode, now)
	u.Scores = append([]maisync.ScoreRecord(nil), records...)
	u.Rating = rating
	u.UpdatedAt = now
	s.users[friendCode] = u
	return nil
}

// SetIdleUpdate toggles scheduled refreshes for the user.
func (s *UserStore) SetIdleUpdate(_ context.Context, friendCode string, enabled bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensure(friendCode, now)
	u.IdleUpdate = enabled
	u.UpdatedAt = now
	s.users[friendCode] = u
	return nil
}

// ListIdleUpdateUsers returns users opted into scheduled refreshes.
func (s *UserStore) ListIdleUpdateUsers(_ context.Context) ([]maisync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []maisync.User
	for _, u := range s.users {
		if u.IdleUpdate {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendCode < out[j].FriendCode })
	return out, nil
}

func (s *UserStore) ensure(friendCode string, now time.Time) maisync.User {
	u, ok := s.users[friendCode]
	if !ok {
		u = maisync.User{FriendCode: friendCode, CreatedAt: now, UpdatedAt: now}
		s.users[friendCode] = u
	}
	return u
}

func cloneUser(u maisync.User) maisync.User {
	out := u
	out.Scores = append([]maisync.ScoreRecord(nil), u.Scores...)
	return out
}
