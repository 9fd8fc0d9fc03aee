package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// DefaultHeartbeatInterval is how often a bot reports its identities.
const DefaultHeartbeatInterval = time.Minute

// Reporter receives heartbeat batches.
type Reporter interface {
	Report(ctx context.Context, reports []maisync.BotReport) error
}

// SessionLister is Sessions plus enumeration of stored identities.
type SessionLister interface {
	Sessions
	Keys(ctx context.Context) ([]string, error)
}

// Heartbeat probes every stored session and reports which identities can
// take work.
type Heartbeat struct {
	sessions  SessionLister
	newClient ClientFactory
	reporter  Reporter
	logger    *zap.Logger
}

// NewHeartbeat builds a Heartbeat.
func NewHeartbeat(sessions SessionLister, newClient ClientFactory, reporter Reporter, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{sessions: sessions, newClient: newClient, reporter: reporter, logger: logger}
}

// Beat probes and reports once. Identities without a usable session are
// reported unavailable.
func (h *Heartbeat) Beat(ctx context.Context) error {
	keys, err := h.sessions.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		h.logger.Debug("no sessions to report")
		return nil
	}
	reports := make([]maisync.BotReport, 0, len(keys))
	for _, key := range keys {
		reports = append(reports, h.probe(ctx, key))
	}
	if err := h.reporter.Report(ctx, reports); err != nil {
		return fmt.Errorf("report heartbeat: %w", err)
	}
	return nil
}

func (h *Heartbeat) probe(ctx context.Context, key string) maisync.BotReport {
	report := maisync.BotReport{FriendCode: key}
	sess, ok, err := h.sessions.Load(ctx, key)
	if err != nil || !ok || h.sessions.IsExpired(ctx, sess) {
		return report
	}
	report.Available = true

	client, err := h.newClient(sess)
	if err != nil {
		h.logger.Warn("build client for heartbeat failed", zap.String("bot_id", key), zap.Error(err))
		return report
	}
	friends, err := client.ListFriends(ctx)
	switch {
	case errors.Is(err, maisync.ErrSessionExpired):
		report.Available = false
	case err != nil:
		h.logger.Warn("count friends failed", zap.String("bot_id", key), zap.Error(err))
	default:
		n := len(friends)
		report.FriendCount = &n
	}
	return report
}
