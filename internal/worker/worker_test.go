package worker

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/archive"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/orchestrator"
	queueMemory "github.com/JakeFAU/maimai-sync/internal/queue/memory"
	"github.com/JakeFAU/maimai-sync/internal/storage/memory"
)

const (
	botCode    = "900000000000001"
	targetCode = "634142510810999"
)

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

type fakeSessions struct {
	sessions map[string]maisync.Session
	expired  map[string]bool
}

func newFakeSessions(keys ...string) *fakeSessions {
	s := &fakeSessions{sessions: map[string]maisync.Session{}, expired: map[string]bool{}}
	for _, k := range keys {
		s.sessions[k] = maisync.Session{IdentityKey: k, Cookies: []*http.Cookie{{Name: "_t", Value: "tok"}}}
	}
	return s
}

func (s *fakeSessions) Load(_ context.Context, key string) (maisync.Session, bool, error) {
	sess, ok := s.sessions[key]
	return sess, ok, nil
}

func (s *fakeSessions) IsExpired(_ context.Context, sess maisync.Session) bool {
	return s.expired[sess.IdentityKey]
}

func (s *fakeSessions) Keys(context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// fakePlatform is a scripted crawl client.
type fakePlatform struct {
	mu sync.Mutex
	// friendsAfter is the ListFriends call from which the target shows up;
	// 0 means from the start, -1 never.
	friendsAfter int
	friendCalls  int
	sentRequests []string
	requestsSent []string
	favorites    int
	fetched      []int
	onFetch      func(cell int) error
}

func (p *fakePlatform) OwnFriendCode(context.Context) (string, error) { return botCode, nil }

func (p *fakePlatform) ListFriends(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.friendCalls
	p.friendCalls++
	if p.friendsAfter >= 0 && call >= p.friendsAfter {
		return []string{"111", targetCode}, nil
	}
	return []string{"111"}, nil
}

func (p *fakePlatform) ListSentRequests(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sentRequests), nil
}

func (p *fakePlatform) SendFriendRequest(_ context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestsSent = append(p.requestsSent, code)
	return nil
}

func (p *fakePlatform) FavoriteFriend(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.favorites++
	return nil
}

func (p *fakePlatform) FetchComparisonPage(
	_ context.Context,
	_ string,
	scoreType maisync.ScoreType,
	diff maisync.Difficulty,
) (string, error) {
	cell := maisync.Cell{Difficulty: diff, ScoreType: scoreType}
	if p.onFetch != nil {
		if err := p.onFetch(cell.Index()); err != nil {
			return "", err
		}
	}
	p.mu.Lock()
	p.fetched = append(p.fetched, cell.Index())
	p.mu.Unlock()
	return comparisonPage(cell), nil
}

func (p *fakePlatform) fetchedCells() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.fetched)
}

// comparisonPage renders one played level 13 chart per difficulty.
func comparisonPage(cell maisync.Cell) string {
	value := "100.5000%"
	if cell.ScoreType == maisync.ScoreTypeDXScore {
		value = "1,234 / 1,500"
	}
	return fmt.Sprintf(`<html><body>
<div class="screw_block">POPS&amp;ANIME</div>
<div class="music_%s_score_back">
  <div class="music_lv_block">13</div>
  <div class="music_name_block">Song %d</div>
  <img class="music_kind_icon" src="/img/music_dx.png">
  <table><tr><td class="t_l"><img src="/img/music_icon_fc.png">%s</td><td class="t_r">99.0000%%</td></tr></table>
</div></body></html>`, cell.Difficulty, int(cell.Difficulty), value)
}

type harness struct {
	svc      *orchestrator.Service
	jobs     *memory.JobStore
	cache    *memory.CacheStore
	blobs    *memory.BlobStore
	clock    *fakeClock
	sessions *fakeSessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs:     memory.NewJobStore(),
		cache:    memory.NewCacheStore(),
		blobs:    memory.NewBlobStore(),
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		sessions: newFakeSessions(botCode),
	}
	svc, err := orchestrator.NewService(orchestrator.Deps{
		Jobs:  h.jobs,
		Cache: h.cache,
		Users: memory.NewUserStore(),
		Clock: h.clock,
		IDs:   &seqIDs{},
	}, orchestrator.Config{}, zap.NewNop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) worker(p *fakePlatform) *Worker {
	return New(h.svc, h.sessions, func(maisync.Session) (maisync.CrawlClient, error) { return p, nil },
		archive.New(h.blobs, zap.NewNop()), h.clock, Config{
			Sleep: func(ctx context.Context, d time.Duration) error {
				h.clock.Advance(d)
				return ctx.Err()
			},
		}, zap.NewNop())
}

// claim queues a job for targetCode and claims and acknowledges it as botCode.
func (h *harness) claim(t *testing.T, skip bool) maisync.Task {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.CreateJob(ctx, targetCode, skip)
	require.NoError(t, err)
	return h.reclaim(t)
}

func (h *harness) reclaim(t *testing.T) maisync.Task {
	t.Helper()
	task, err := h.svc.ClaimTask(context.Background(), botCode)
	require.NoError(t, err)
	_, err = h.svc.StartTask(context.Background(), task.UUID, botCode)
	require.NoError(t, err)
	return task
}

func (h *harness) job(t *testing.T, id string) maisync.Job {
	t.Helper()
	job, err := h.svc.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func allCells() []int {
	cells := make([]int, maisync.GridSize)
	for i := range cells {
		cells[i] = i
	}
	return cells
}

func TestProcessAlreadyFriendsSkipsToUpdateScore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := &fakePlatform{}
	task := h.claim(t, false)

	require.NoError(t, h.worker(p).Process(context.Background(), task))

	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusCompleted, job.Status)
	require.Equal(t, maisync.StageUpdateScore, job.Stage)
	require.Nil(t, job.FriendRequestSentAt)
	require.Empty(t, p.requestsSent)
	require.Equal(t, 1, p.favorites)
	require.Equal(t, allCells(), p.fetchedCells())
	require.Equal(t, allCells(), job.ScoreProgress.CompletedCells)

	require.NotNil(t, job.Result)
	require.Len(t, job.Result.Records, maisync.DifficultyCount)
	for _, rec := range job.Result.Records {
		require.InDelta(t, 100.5, rec.Achievement, 1e-9)
		require.Equal(t, 1234, rec.DXScore)
		require.Equal(t, 292, rec.Rating)
		require.Equal(t, "fc", rec.FC)
		require.Equal(t, maisync.ChartKindDeluxe, rec.Kind)
	}
	require.Equal(t, 5*292, job.Result.Rating)

	_, ok := h.blobs.Object(archive.PagePath(task.UUID, maisync.Cell{Difficulty: maisync.DifficultyReMaster, ScoreType: maisync.ScoreTypeDXScore}))
	require.True(t, ok, "fetched pages are archived")

	n, err := h.cache.DeleteJob(context.Background(), task.UUID)
	require.NoError(t, err)
	require.Zero(t, n, "completion drops the cached pages")
}

func TestProcessSendsRequestAndWaitsForAcceptance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// calls 0 (send_request) and 1, 2 (polls) miss, call 3 finds the friend.
	p := &fakePlatform{friendsAfter: 3}
	task := h.claim(t, false)
	start := h.clock.Now()

	require.NoError(t, h.worker(p).Process(context.Background(), task))

	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusCompleted, job.Status)
	require.Equal(t, []string{targetCode}, p.requestsSent)
	require.NotNil(t, job.FriendRequestSentAt)
	require.True(t, start.Equal(*job.FriendRequestSentAt))
	require.Equal(t, start.Add(2*DefaultAcceptPollInterval), h.clock.Now())
}

func TestProcessDoesNotResendPendingRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := &fakePlatform{friendsAfter: 2, sentRequests: []string{targetCode}}
	task := h.claim(t, false)

	require.NoError(t, h.worker(p).Process(context.Background(), task))
	require.Empty(t, p.requestsSent)
	require.Equal(t, maisync.JobStatusCompleted, h.job(t, task.UUID).Status)
}

func TestProcessAcceptanceTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := &fakePlatform{friendsAfter: -1}
	task := h.claim(t, false)

	err := h.worker(p).Process(context.Background(), task)
	require.ErrorIs(t, err, maisync.ErrFriendAcceptanceTimeout)

	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusFailed, job.Status)
	require.Equal(t, maisync.StageWaitAcceptance, job.Stage)
	require.Equal(t, maisync.ErrFriendAcceptanceTimeout.Error(), job.Error)
	require.False(t, job.Executing)
	require.Empty(t, p.fetchedCells())
}

func TestProcessResumesFromCacheAfterShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakePlatform{onFetch: func(cell int) error {
		if cell == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}}
	task := h.claim(t, false)

	err := h.worker(first).Process(ctx, task)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{0, 1}, first.fetchedCells())

	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusProcessing, job.Status, "released, not failed")
	require.False(t, job.Executing)
	require.Equal(t, botCode, job.AssignedBotID)
	require.Equal(t, []int{0, 1}, job.ScoreProgress.CompletedCells)

	resumed := h.reclaim(t)
	require.Equal(t, task.UUID, resumed.UUID)
	require.Equal(t, maisync.StageUpdateScore, resumed.Data.Stage)

	second := &fakePlatform{}
	require.NoError(t, h.worker(second).Process(context.Background(), resumed))
	require.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, second.fetchedCells())

	done := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusCompleted, done.Status)

	// An uninterrupted run yields the same scores.
	ref := newHarness(t)
	refTask := ref.claim(t, false)
	require.NoError(t, ref.worker(&fakePlatform{}).Process(context.Background(), refTask))
	require.Equal(t, ref.job(t, refTask.UUID).Result, done.Result)
}

func TestProcessExpiredSessionFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sessions.expired[botCode] = true
	p := &fakePlatform{}
	task := h.claim(t, false)

	err := h.worker(p).Process(context.Background(), task)
	require.ErrorIs(t, err, maisync.ErrSessionExpired)
	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusFailed, job.Status)
	require.Equal(t, maisync.SessionExpiredMessage, job.Error)
	require.NotEqual(t, maisync.BotUnavailableMessage, job.Error, "fleet sweeps and dead logins read differently")
	require.Zero(t, p.friendCalls)
}

func TestProcessWithoutSessionFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sessions = newFakeSessions()
	task := h.claim(t, false)

	err := h.worker(&fakePlatform{}).Process(context.Background(), task)
	require.ErrorIs(t, err, maisync.ErrNoSession)
	require.Equal(t, "bot has no stored session", h.job(t, task.UUID).Error)
}

func TestProcessSkipUpdateScore(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := &fakePlatform{}
	task := h.claim(t, true)

	require.NoError(t, h.worker(p).Process(context.Background(), task))
	job := h.job(t, task.UUID)
	require.Equal(t, maisync.JobStatusCompleted, job.Status)
	require.True(t, job.Result.SkippedScores)
	require.Empty(t, p.fetchedCells())
	require.Zero(t, p.favorites)
}

func TestProcessAbandonsCanceledJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.claim(t, false)
	require.NoError(t, h.svc.CancelJob(context.Background(), task.UUID))

	err := h.worker(&fakePlatform{}).Process(context.Background(), task)
	require.ErrorIs(t, err, maisync.ErrJobTerminal)
	require.Equal(t, maisync.JobStatusCanceled, h.job(t, task.UUID).Status)
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := h.claim(t, false)
	q := queueMemory.NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), task))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.worker(&fakePlatform{}).Run(ctx, q)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.job(t, task.UUID).Status == maisync.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)
	q.Close()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
