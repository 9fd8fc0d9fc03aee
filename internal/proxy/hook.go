package proxy

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maimai"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

// DefaultExchangeTimeout bounds one callback exchange.
const DefaultExchangeTimeout = 30 * time.Second

// Exchanger turns an OAuth callback URL into a logged-in session.
type Exchanger interface {
	Exchange(ctx context.Context, callbackURL string) (maisync.Session, error)
}

// SessionSaver persists exchanged sessions.
type SessionSaver interface {
	Save(ctx context.Context, sess maisync.Session) error
}

// CallbackHook handles an intercepted OAuth callback and returns where the
// user's browser goes next.
type CallbackHook struct {
	exchanger Exchanger
	sessions  SessionSaver
	tracker   *AuthTracker
	landing   string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCallbackHook builds a hook. tracker may be nil.
func NewCallbackHook(
	exchanger Exchanger,
	sessions SessionSaver,
	tracker *AuthTracker,
	landing string,
	logger *zap.Logger,
) *CallbackHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackHook{
		exchanger: exchanger,
		sessions:  sessions,
		tracker:   tracker,
		landing:   landing,
		timeout:   DefaultExchangeTimeout,
		logger:    logger,
	}
}

// Handle exchanges rawURL, the intercepted http callback, for a session and
// saves it. It returns the landing URL tagged with the bot's friend code, or
// the bare landing URL when anything fails.
func (h *CallbackHook) Handle(ctx context.Context, rawURL string) string {
	target := maimai.SecureCallbackURL(rawURL)
	logger := h.logger.With(zap.String("correlation", correlationKey(target)))
	logger.Info("oauth callback intercepted")
	if h.tracker != nil {
		defer h.tracker.Finish()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()

	sess, err := h.exchanger.Exchange(ctx, target)
	if err != nil {
		metrics.ObserveProxyRequest("callback", "exchange_failed")
		logger.Warn("exchange callback failed", zap.Error(err))
		return h.landing
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		metrics.ObserveProxyRequest("callback", "save_failed")
		logger.Warn("save session failed", zap.Error(err))
		return h.landing
	}
	metrics.ObserveProxyRequest("callback", "exchanged")
	logger.Info("session updated", zap.String("friend_code", sess.IdentityKey))
	return landingFor(h.landing, sess.IdentityKey)
}

func correlationKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("r")
}

func landingFor(landing, friendCode string) string {
	u, err := url.Parse(landing)
	if err != nil || friendCode == "" {
		return landing
	}
	q := u.Query()
	q.Set("friendCode", friendCode)
	u.RawQuery = q.Encode()
	return u.String()
}
