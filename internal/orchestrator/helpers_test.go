package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/archive"
	pubmemory "github.com/JakeFAU/maimai-sync/internal/publisher/memory"
	"github.com/JakeFAU/maimai-sync/internal/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type harness struct {
	svc   *Service
	jobs  *memory.JobStore
	cache *memory.CacheStore
	users *memory.UserStore
	bots  *memory.BotStore
	blobs *memory.BlobStore
	pub   *pubmemory.Publisher
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs:  memory.NewJobStore(),
		cache: memory.NewCacheStore(),
		users: memory.NewUserStore(),
		bots:  memory.NewBotStore(),
		blobs: memory.NewBlobStore(),
		pub:   pubmemory.New(),
		clock: &fakeClock{now: t0},
	}
	svc, err := NewService(Deps{
		Jobs:      h.jobs,
		Cache:     h.cache,
		Users:     h.users,
		Publisher: h.pub,
		Archive:   archive.New(h.blobs, zap.NewNop()),
		Clock:     h.clock,
		IDs:       &seqIDs{},
	}, Config{AuthURL: "https://auth.example/authorize", CacheTTL: 12 * time.Hour}, zap.NewNop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) fleet() *Fleet {
	return NewFleet(h.bots, h.jobs, h.svc, h.clock, DefaultStaleAfter, zap.NewNop())
}
