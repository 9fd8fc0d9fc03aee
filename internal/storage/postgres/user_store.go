package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

const userColumns = `friend_code, idle_update, scores, rating, created_at, updated_at`

// UserStore implements maisync.UserStore on the users table.
type UserStore struct {
	db DB
}

// NewUserStore wraps db.
func NewUserStore(db DB) (*UserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &UserStore{db: db}, nil
}

// EnsureUser returns the user, creating it when missing.
func (s *UserStore) EnsureUser(ctx context.Context, friendCode string, now time.Time) (maisync.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `
INSERT INTO users (friend_code, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (friend_code) DO UPDATE SET friend_code = EXCLUDED.friend_code
RETURNING `+userColumns, friendCode, now))
	if err != nil {
		return maisync.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user.
func (s *UserStore) GetUser(ctx context.Context, friendCode string) (maisync.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE friend_code = $1`, friendCode))
	if noRows(err) {
		return maisync.User{}, maisync.ErrNotFound
	}
	if err != nil {
		return maisync.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SaveScores replaces the user's score set.
func (s *UserStore) SaveScores(
	ctx context.Context,
	friendCode string,
	records []maisync.ScoreRecord,
	rating int,
	now time.Time,
) error {
	if records == nil {
		records = []maisync.ScoreRecord{}
	}
	scores, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO users (friend_code, scores, rating, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (friend_code) DO UPDATE
SET scores = EXCLUDED.scores, rating = EXCLUDED.rating, updated_at = EXCLUDED.updated_at`,
		friendCode, scores, rating, now)
	if err != nil {
		return fmt.Errorf("save scores: %w", err)
	}
	return nil
}

// SetIdleUpdate toggles scheduled refreshes for the user.
func (s *UserStore) SetIdleUpdate(ctx context.Context, friendCode string, enabled bool, now time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO users (friend_code, idle_update, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (friend_code) DO UPDATE
SET idle_update = EXCLUDED.idle_update, updated_at = EXCLUDED.updated_at`,
		friendCode, enabled, now)
	if err != nil {
		return fmt.Errorf("set idle update: %w", err)
	}
	return nil
}

// ListIdleUpdateUsers returns users opted into scheduled refreshes.
func (s *UserStore) ListIdleUpdateUsers(ctx context.Context) ([]maisync.User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE idle_update ORDER BY friend_code`)
	if err != nil {
		return nil, fmt.Errorf("list idle users: %w", err)
	}
	defer rows.Close()

	var users []maisync.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (maisync.User, error) {
	var (
		u      maisync.User
		scores []byte
		rating int32
	)
	if err := row.Scan(&u.FriendCode, &u.IdleUpdate, &scores, &rating, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return maisync.User{}, err
	}
	u.Rating = int(rating)
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &u.Scores); err != nil {
			return maisync.User{}, fmt.Errorf("decode scores: %w", err)
		}
	}
	return u, nil
}
