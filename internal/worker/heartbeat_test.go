package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

type captureReporter struct {
	reports []maisync.BotReport
	err     error
}

func (r *captureReporter) Report(_ context.Context, reports []maisync.BotReport) error {
	r.reports = append(r.reports, reports...)
	return r.err
}

type expiringPlatform struct{ fakePlatform }

func (p *expiringPlatform) ListFriends(context.Context) ([]string, error) {
	return nil, maisync.ErrSessionExpired
}

func TestHeartbeatReportsEveryIdentity(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions("bot-a", "bot-b", "bot-c")
	sessions.expired["bot-b"] = true
	clients := func(sess maisync.Session) (maisync.CrawlClient, error) {
		if sess.IdentityKey == "bot-c" {
			return &expiringPlatform{}, nil
		}
		return &fakePlatform{}, nil
	}
	rep := &captureReporter{}

	require.NoError(t, NewHeartbeat(sessions, clients, rep, zap.NewNop()).Beat(context.Background()))
	require.Len(t, rep.reports, 3)

	a := rep.reports[0]
	require.Equal(t, "bot-a", a.FriendCode)
	require.True(t, a.Available)
	require.NotNil(t, a.FriendCount)
	require.Equal(t, 2, *a.FriendCount)

	require.Equal(t, maisync.BotReport{FriendCode: "bot-b"}, rep.reports[1])
	require.Equal(t, maisync.BotReport{FriendCode: "bot-c"}, rep.reports[2])
}

func TestHeartbeatWithoutSessionsSendsNothing(t *testing.T) {
	t.Parallel()

	rep := &captureReporter{}
	require.NoError(t, NewHeartbeat(newFakeSessions(), nil, rep, nil).Beat(context.Background()))
	require.Empty(t, rep.reports)
}

func TestHeartbeatReportError(t *testing.T) {
	t.Parallel()

	rep := &captureReporter{err: errors.New("orchestrator down")}
	hb := NewHeartbeat(newFakeSessions("bot-a"), func(maisync.Session) (maisync.CrawlClient, error) {
		return &fakePlatform{}, nil
	}, rep, nil)
	require.ErrorContains(t, hb.Beat(context.Background()), "orchestrator down")
}
