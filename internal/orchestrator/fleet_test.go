package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

func intPtr(n int) *int { return &n }

func TestFleetGetAllMarksStaleBotsUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fleet := h.fleet()
	ctx := context.Background()

	require.NoError(t, fleet.Report(ctx, []maisync.BotReport{{FriendCode: "bot-a", Available: true, FriendCount: intPtr(3)}}))
	h.clock.Advance(4 * time.Minute)
	require.NoError(t, fleet.Report(ctx, []maisync.BotReport{{FriendCode: "bot-b", Available: true}}))
	h.clock.Advance(2 * time.Minute)

	bots, err := fleet.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 2)
	require.Equal(t, "bot-a", bots[0].FriendCode)
	require.False(t, bots[0].Available, "last report was available but is stale")
	require.Equal(t, 3, *bots[0].FriendCount)
	require.True(t, bots[1].Available)

	require.ErrorIs(t, fleet.Report(ctx, []maisync.BotReport{{Available: true}}), maisync.ErrInvalidRequest)
}

func TestFleetSweepFailsOnlyJobsOfUnavailableBots(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fleet := h.fleet()
	ctx := context.Background()

	jobA, err := h.svc.CreateJob(ctx, "111", false)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	jobB, err := h.svc.CreateJob(ctx, "222", false)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	queued, err := h.svc.CreateJob(ctx, "333", false)
	require.NoError(t, err)

	_, err = h.svc.ClaimTask(ctx, "bot-a")
	require.NoError(t, err)
	_, err = h.svc.ClaimTask(ctx, "bot-b")
	require.NoError(t, err)

	require.NoError(t, fleet.Report(ctx, []maisync.BotReport{
		{FriendCode: "bot-a", Available: false},
		{FriendCode: "bot-b", Available: true},
	}))

	n, err := fleet.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := h.svc.GetJob(ctx, jobA.ID)
	require.NoError(t, err)
	require.Equal(t, maisync.JobStatusFailed, a.Status)
	require.Equal(t, maisync.BotUnavailableMessage, a.Error)
	require.Equal(t, "bot-a", a.AssignedBotID, "the sweep never reassigns")

	b, err := h.svc.GetJob(ctx, jobB.ID)
	require.NoError(t, err)
	require.Equal(t, maisync.JobStatusProcessing, b.Status)
	q, err := h.svc.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, maisync.JobStatusQueued, q.Status)

	h.clock.Advance(DefaultStaleAfter + time.Second)
	n, err = fleet.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "a bot that stopped reporting loses its job too")

	n, err = fleet.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFleetSweepPublishesFailuresAndDropsCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fleet := h.fleet()
	ctx := context.Background()

	job, err := h.svc.CreateJob(ctx, "634142510810999", false)
	require.NoError(t, err)
	_, err = h.svc.ClaimTask(ctx, "bot-a")
	require.NoError(t, err)
	cell, _ := maisync.CellAt(0)
	require.NoError(t, h.svc.PutPage(ctx, job.ID, "bot-a", cell, "<html>basic</html>"))

	require.NoError(t, fleet.Report(ctx, []maisync.BotReport{{FriendCode: "bot-a", Available: false}}))
	h.clock.Advance(time.Second)
	n, err := fleet.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events := h.pub.Events(EventJobFailed)
	require.Len(t, events, 1)
	ev := events[0].Payload.(FailedEvent)
	require.Equal(t, job.ID, ev.JobID)
	require.Equal(t, "634142510810999", ev.FriendCode)
	require.Equal(t, "bot-a", ev.BotID)
	require.Equal(t, maisync.BotUnavailableMessage, ev.Error)
	require.Equal(t, t0.Add(time.Second), ev.FailedAt)

	_, ok, err := h.svc.GetPage(ctx, cell.Key(job.ID))
	require.NoError(t, err)
	require.False(t, ok, "a swept job leaves no cached pages behind")

	n, err = fleet.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, h.pub.Events(EventJobFailed), 1, "nothing new to announce")
}
