package maimai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/transport"
)

const (
	// AuthorizeURL starts the WeChat OAuth flow for maimai DX.
	AuthorizeURL = "https://tgk-wcaime.wahlap.com/wc_auth/oauth/authorize/maimai-dx"
	// CallbackPrefix is the plain-http callback the proxy intercepts.
	CallbackPrefix = "http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback"
)

// AuthURL resolves the authorize endpoint to the WeChat consent URL and
// downgrades its redirect_uri to http, so the callback passes through the
// proxy in clear text.
func AuthURL(ctx context.Context, cfg Config, authorizeURL string) (string, error) {
	if authorizeURL == "" {
		authorizeURL = AuthorizeURL
	}
	cfg = cfg.withDefaults()
	tc, err := transport.New(cfg.Transport)
	if err != nil {
		return "", err
	}
	resp, err := tc.Get(ctx, authorizeURL, false)
	if err != nil {
		return "", fmt.Errorf("resolve auth url: %w", err)
	}
	if resp.FinalURL == nil {
		return "", fmt.Errorf("resolve auth url: no final url")
	}
	return strings.Replace(resp.FinalURL.String(), "redirect_uri=https", "redirect_uri=http", 1), nil
}

// SecureCallbackURL upgrades an intercepted callback back to https.
func SecureCallbackURL(raw string) string {
	if strings.HasPrefix(raw, "http://") {
		return "https://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

// Exchanger replays intercepted OAuth callbacks to mint sessions.
type Exchanger struct {
	Config Config
}

// Exchange replays callbackURL, loads the home page to finish the login and
// returns the session keyed by the account's own friend code.
func (e Exchanger) Exchange(ctx context.Context, callbackURL string) (maisync.Session, error) {
	client, err := NewClient(e.Config, maisync.Session{})
	if err != nil {
		return maisync.Session{}, err
	}
	resp, err := client.http.Do(ctx, transport.Request{Method: http.MethodGet, URL: callbackURL})
	if err != nil {
		return maisync.Session{}, fmt.Errorf("replay callback: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return maisync.Session{}, fmt.Errorf("replay callback: unexpected status %d", resp.StatusCode)
	}
	if _, err := client.get(ctx, pathHome, 0); err != nil {
		return maisync.Session{}, fmt.Errorf("load home: %w", err)
	}
	code, err := client.OwnFriendCode(ctx)
	if err != nil {
		return maisync.Session{}, err
	}
	return client.Session(code)
}
