package memory

import (
	"context"
	"net/http"
	"sync"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// SessionStore keeps sessions in process memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]maisync.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]maisync.Session)}
}

// Put replaces the session for its identity.
func (s *SessionStore) Put(_ context.Context, sess maisync.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.IdentityKey] = cloneSession(sess)
	return nil
}

// Get returns a copy of the stored session.
func (s *SessionStore) Get(_ context.Context, key string) (maisync.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return maisync.Session{}, false, nil
	}
	return cloneSession(sess), true, nil
}

// Keys lists stored identities.
func (s *SessionStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys, nil
}

func cloneSession(sess maisync.Session) maisync.Session {
	out := sess
	out.Cookies = make([]*http.Cookie, 0, len(sess.Cookies))
	for _, c := range sess.Cookies {
		if c == nil {
			continue
		}
		cp := *c
		out.Cookies = append(out.Cookies, &cp)
	}
	return out
}
