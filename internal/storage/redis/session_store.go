// Package redis persists bot sessions in Redis so several bot processes on
// one host, or a restarted bot, share harvested logins.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// DefaultPrefix namespaces session keys.
const DefaultPrefix = "maisync:session:"

type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Keys(ctx context.Context, pattern string) *goredis.StringSliceCmd
}

// Config captures the connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long an unused session survives. Zero keeps it forever.
	TTL time.Duration
}

// SessionStore stores sessions as JSON values.
type SessionStore struct {
	client kv
	prefix string
	ttl    time.Duration
	close  func() error
}

// NewSessionStore dials Redis with cfg.
func NewSessionStore(cfg Config) (*SessionStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := NewSessionStoreWithClient(client, cfg.Prefix, cfg.TTL)
	store.close = client.Close
	return store, nil
}

// NewSessionStoreWithClient wraps an existing client (primarily for testing).
func NewSessionStoreWithClient(client kv, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client when this store owns it.
func (s *SessionStore) Close() error {
	if s.close == nil {
		return nil
	}
	if err := s.close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Put writes the session under its identity key.
func (s *SessionStore) Put(ctx context.Context, sess maisync.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sess.IdentityKey, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get reads the session for key.
func (s *SessionStore) Get(ctx context.Context, key string) (maisync.Session, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return maisync.Session{}, false, nil
		}
		return maisync.Session{}, false, fmt.Errorf("redis get: %w", err)
	}
	var sess maisync.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return maisync.Session{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, true, nil
}

// Keys lists stored identities.
func (s *SessionStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.client.Keys(ctx, s.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}
