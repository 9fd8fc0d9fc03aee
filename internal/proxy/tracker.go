package proxy

import (
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// DefaultAuthTimeout is how long a started login counts as in progress.
const DefaultAuthTimeout = 60 * time.Second

// AuthTracker remembers whether a user is in the middle of the OAuth login.
// A started login lapses on its own after the timeout.
type AuthTracker struct {
	mu        sync.Mutex
	startedAt time.Time
	active    bool
	timeout   time.Duration
	clock     maisync.Clock
}

// NewAuthTracker builds a tracker. A non-positive timeout uses DefaultAuthTimeout.
func NewAuthTracker(clock maisync.Clock, timeout time.Duration) *AuthTracker {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	return &AuthTracker{timeout: timeout, clock: clock}
}

// Start marks a login in progress, restarting the timeout.
func (t *AuthTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.startedAt = t.clock.Now()
}

// Finish clears the in-progress login.
func (t *AuthTracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

// Ongoing reports whether a login started less than the timeout ago and has
// not finished.
func (t *AuthTracker) Ongoing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return false
	}
	if t.clock.Now().Sub(t.startedAt) >= t.timeout {
		t.active = false
		return false
	}
	return true
}
