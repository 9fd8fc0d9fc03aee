package jobclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/api"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/orchestrator"
	"github.com/JakeFAU/maimai-sync/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

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

func newOrchestrator(t *testing.T) (*orchestrator.Service, *Client) {
	t.Helper()
	clock := fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	jobs := memory.NewJobStore()
	svc, err := orchestrator.NewService(orchestrator.Deps{
		Jobs:  jobs,
		Cache: memory.NewCacheStore(),
		Users: memory.NewUserStore(),
		Clock: clock,
		IDs:   &seqIDs{},
	}, orchestrator.Config{}, zap.NewNop())
	require.NoError(t, err)
	fleet := orchestrator.NewFleet(memory.NewBotStore(), jobs, svc, clock, orchestrator.DefaultStaleAfter, zap.NewNop())
	srv := httptest.NewServer(api.NewServer(svc, fleet, api.Config{BotToken: "tok"}, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL + "/", Token: "tok"})
	require.NoError(t, err)
	return svc, client
}

func TestClientDrivesTaskLifecycle(t *testing.T) {
	t.Parallel()

	svc, c := newOrchestrator(t)
	ctx := context.Background()

	_, err := c.ClaimTask(ctx, "bot-a")
	require.ErrorIs(t, err, maisync.ErrNoTask)

	_, err = svc.CreateJob(ctx, "634142510810999", false)
	require.NoError(t, err)

	task, err := c.ClaimTask(ctx, "bot-a")
	require.NoError(t, err)
	require.Equal(t, "job-1", task.UUID)
	require.Equal(t, maisync.TaskType, task.Type)

	_, err = c.StartTask(ctx, task.UUID, "bot-b")
	require.ErrorIs(t, err, maisync.ErrClaimConflict)
	job, err := c.StartTask(ctx, task.UUID, "bot-a")
	require.NoError(t, err)
	require.True(t, job.Executing)

	sent := time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC)
	require.NoError(t, c.AdvanceStage(ctx, task.UUID, "bot-a", maisync.StageSendRequest, maisync.StageWaitAcceptance, &sent))
	require.NoError(t, c.AdvanceStage(ctx, task.UUID, "bot-a", maisync.StageWaitAcceptance, maisync.StageUpdateScore, nil))
	err = c.AdvanceStage(ctx, task.UUID, "bot-a", maisync.StageSendRequest, maisync.StageWaitAcceptance, nil)
	require.ErrorIs(t, err, maisync.ErrStageRegression)

	cell := maisync.Cell{Difficulty: maisync.DifficultyExpert, ScoreType: maisync.ScoreTypeDXScore}
	_, ok, err := c.GetPage(ctx, cell.Key(task.UUID))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.PutPage(ctx, task.UUID, "bot-a", cell, "<html/>"))
	require.ErrorIs(t, c.PutPage(ctx, task.UUID, "bot-a", cell, "<html/>"), maisync.ErrCacheExists)
	page, ok, err := c.GetPage(ctx, cell.Key(task.UUID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "<html/>", page)

	require.NoError(t, c.RecordCell(ctx, task.UUID, "bot-a", cell.Index()))
	job, err = c.GetJob(ctx, task.UUID)
	require.NoError(t, err)
	require.Equal(t, maisync.StageUpdateScore, job.Stage)
	require.Equal(t, []int{cell.Index()}, job.ScoreProgress.CompletedCells)
	require.NotNil(t, job.FriendRequestSentAt)
	require.True(t, sent.Equal(*job.FriendRequestSentAt))

	require.NoError(t, c.ReleaseJob(ctx, task.UUID, "bot-a"))
	again, err := c.ClaimTask(ctx, "bot-a")
	require.NoError(t, err)
	require.Equal(t, task.UUID, again.UUID)
	require.Equal(t, []int{cell.Index()}, again.Data.PageInfo.CompletedCells)

	require.NoError(t, c.CompleteJob(ctx, task.UUID, "bot-a", maisync.JobResult{FriendCode: "634142510810999"}))
	err = c.FailJob(ctx, task.UUID, "bot-a", "late")
	require.ErrorIs(t, err, maisync.ErrJobTerminal)

	_, err = c.GetJob(ctx, "missing")
	require.ErrorIs(t, err, maisync.ErrNotFound)
}

func TestClientReportsHeartbeats(t *testing.T) {
	t.Parallel()

	_, c := newOrchestrator(t)
	require.NoError(t, c.Report(context.Background(), []maisync.BotReport{{FriendCode: "bot-a", Available: true}}))
}

func TestClientMapsUncodedErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.ClaimTask(context.Background(), "bot-a")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "forbidden")

	c, err = New(Config{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)
	err = c.RecordCell(context.Background(), "job-1", "bot-a", 0)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Empty(t, apiErr.Code)
	require.NotErrorIs(t, err, maisync.ErrNotFound)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
