package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// BotStore implements maisync.BotStore on the bots table.
type BotStore struct {
	db DB
}

// NewBotStore wraps db.
func NewBotStore(db DB) (*BotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &BotStore{db: db}, nil
}

// UpsertBots records a heartbeat batch in one transaction.
func (s *BotStore) UpsertBots(ctx context.Context, reports []maisync.BotReport, at time.Time) error {
	if len(reports) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bot upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range reports {
		var count *int32
		if r.FriendCount != nil {
			n := int32(*r.FriendCount)
			count = &n
		}
		_, err := tx.Exec(ctx, `
INSERT INTO bots (friend_code, available, last_reported_at, friend_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (friend_code) DO UPDATE
SET available = EXCLUDED.available,
	last_reported_at = EXCLUDED.last_reported_at,
	friend_count = COALESCE(EXCLUDED.friend_count, bots.friend_count)`,
			r.FriendCode, r.Available, at, count)
		if err != nil {
			return fmt.Errorf("upsert bot %s: %w", r.FriendCode, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bot upsert: %w", err)
	}
	return nil
}

// ListBots returns every bot ordered by friend code.
func (s *BotStore) ListBots(ctx context.Context) ([]maisync.BotStatus, error) {
	rows, err := s.db.Query(ctx, `
SELECT friend_code, available, last_reported_at, friend_count
FROM bots
ORDER BY friend_code`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []maisync.BotStatus
	for rows.Next() {
		var (
			b     maisync.BotStatus
			count *int32
		)
		if err := rows.Scan(&b.FriendCode, &b.Available, &b.LastReportedAt, &count); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		if count != nil {
			n := int(*count)
			b.FriendCount = &n
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bots: %w", err)
	}
	return bots, nil
}
