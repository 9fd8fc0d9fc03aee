// Package session stores harvested platform sessions and answers whether a
// stored session is still alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

// FarFuture is the expiry written onto every saved cookie. The platform hands
// out short-lived expiries that would otherwise drop sessions the bot keeps
// alive for weeks.
var FarFuture = time.Date(2099, 12, 31, 23, 59, 59, 0, time.UTC)

const (
	// DefaultProbeWindow is how long a probe result is reused.
	DefaultProbeWindow = 2 * time.Second
	// DefaultProbeTimeout bounds one shared probe.
	DefaultProbeTimeout = 30 * time.Second
)

// Backend persists sessions by identity key.
type Backend interface {
	Put(ctx context.Context, s maisync.Session) error
	Get(ctx context.Context, key string) (maisync.Session, bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Prober decides whether a session has been logged out.
type Prober interface {
	Expired(ctx context.Context, s maisync.Session) (bool, error)
}

// Config tunes the Store.
type Config struct {
	ExtendTo     time.Time
	ProbeWindow  time.Duration
	ProbeTimeout time.Duration
}

type probeResult struct {
	expired bool
	at      time.Time
}

// Store owns sessions. Save extends expiries, IsExpired coalesces probes.
type Store struct {
	backend Backend
	prober  Prober
	clock   maisync.Clock
	cfg     Config
	logger  *zap.Logger

	group  singleflight.Group
	mu     sync.Mutex
	recent map[string]probeResult
}

// NewStore builds a Store.
func NewStore(backend Backend, prober Prober, clock maisync.Clock, cfg Config, logger *zap.Logger) *Store {
	if cfg.ExtendTo.IsZero() {
		cfg.ExtendTo = FarFuture
	}
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = DefaultProbeWindow
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		prober:  prober,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		recent:  make(map[string]probeResult),
	}
}

// Save replaces the session stored under s.IdentityKey.
func (s *Store) Save(ctx context.Context, sess maisync.Session) error {
	if sess.IdentityKey == "" {
		return errors.New("session identity key is required")
	}
	if err := s.backend.Put(ctx, sess.Extend(s.cfg.ExtendTo)); err != nil {
		return fmt.Errorf("save session %s: %w", sess.IdentityKey, err)
	}
	s.forget(sess.IdentityKey)
	s.logger.Info("session saved", zap.String("identity", sess.IdentityKey), zap.Int("cookies", len(sess.Cookies)))
	return nil
}

// Load returns the session for key.
func (s *Store) Load(ctx context.Context, key string) (maisync.Session, bool, error) {
	sess, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return maisync.Session{}, false, fmt.Errorf("load session %s: %w", key, err)
	}
	return sess, ok, nil
}

// Keys lists stored identities in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Primary resolves which identity a bot should claim work as: preferred when
// set, otherwise the first stored identity.
func (s *Store) Primary(ctx context.Context, preferred string) (string, error) {
	if preferred != "" {
		return preferred, nil
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", maisync.ErrNoSession
	}
	return keys[0], nil
}

// IsExpired probes the platform. Any probe error counts as expired. Callers
// probing the same identity concurrently share one request, and a result is
// reused for the probe window. The shared request runs detached from any one
// caller's context so a caller giving up does not fail the others.
func (s *Store) IsExpired(ctx context.Context, sess maisync.Session) bool {
	if sess.Empty() {
		return true
	}
	key := sess.IdentityKey
	if res, ok := s.cached(key); ok {
		metrics.ObserveSessionProbe("cached")
		return res
	}
	ch := s.group.DoChan(key, func() (any, error) {
		if res, ok := s.cached(key); ok {
			return res, nil
		}
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProbeTimeout)
		defer cancel()
		expired, err := s.prober.Expired(probeCtx, sess)
		if err != nil {
			s.logger.Warn("session probe failed", zap.String("identity", key), zap.Error(err))
			metrics.ObserveSessionProbe("error")
			// a timed out probe says nothing about the session
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.remember(key, true)
			}
			return true, nil
		}
		s.remember(key, expired)
		if expired {
			metrics.ObserveSessionProbe("expired")
		} else {
			metrics.ObserveSessionProbe("alive")
		}
		return expired, nil
	})
	select {
	case <-ctx.Done():
		return true
	case res := <-ch:
		expired, ok := res.Val.(bool)
		return !ok || expired
	}
}

func (s *Store) cached(key string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.recent[key]
	if !ok || s.clock.Now().Sub(res.at) > s.cfg.ProbeWindow {
		return false, false
	}
	return res.expired, true
}

func (s *Store) remember(key string, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent[key] = probeResult{expired: expired, at: s.clock.Now()}
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recent, key)
}
