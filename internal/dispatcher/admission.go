package dispatcher

import (
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// Window backs off claiming while the local queue holds at least Depth tasks
// and the previous claim fired less than Within ago.
type Window struct {
	Depth  int           `mapstructure:"depth"`
	Within time.Duration `mapstructure:"within"`
}

// DefaultWindows keep a bot under the platform's rate limiter.
var DefaultWindows = []Window{
	{Depth: 40, Within: 16 * time.Second},
	{Depth: 20, Within: 8 * time.Second},
}

// Admission decides whether a tick may claim. It holds the in-flight fetch
// lock and the time of the last claim.
type Admission struct {
	mu       sync.Mutex
	inFlight bool
	lastFire time.Time
	windows  []Window
	clock    maisync.Clock
}

// NewAdmission builds an Admission using DefaultWindows when none are given.
func NewAdmission(clock maisync.Clock, windows ...Window) *Admission {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	return &Admission{windows: append([]Window(nil), windows...), clock: clock}
}

// Acquire takes the fetch lock and stamps the fire time when the queue depth
// allows a claim. Otherwise it returns the reason and false. A successful
// Acquire must be paired with Release.
func (a *Admission) Acquire(depth int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		return DecisionLocked, false
	}
	now := a.clock.Now()
	for _, w := range a.windows {
		if depth >= w.Depth && now.Sub(a.lastFire) < w.Within {
			return DecisionBackoff, false
		}
	}
	a.inFlight = true
	a.lastFire = now
	return "", true
}

// Release drops the fetch lock.
func (a *Admission) Release() {
	a.mu.Lock()
	a.inFlight = false
	a.mu.Unlock()
}

// InFlight reports whether a claim holds the fetch lock.
func (a *Admission) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// LastFire reports when the last claim started.
func (a *Admission) LastFire() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFire
}
