package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/transport"
)

const (
	// DefaultBaseURL is the platform origin cookies belong to.
	DefaultBaseURL = "https://maimai.wahlap.com"
	// HomePath is the authenticated page used for liveness probes.
	HomePath = "/maimai-mobile/home/"
	// LoginFailedMarker appears in the home page body once a session is dead.
	LoginFailedMarker = "登录失败"
)

// HomeProber loads the home page with the session's cookies and scans it for
// the login failure marker.
type HomeProber struct {
	BaseURL   string
	Transport transport.Config
}

// Expired implements Prober.
func (p HomeProber) Expired(ctx context.Context, s maisync.Session) (bool, error) {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client, err := transport.New(p.Transport)
	if err != nil {
		return true, fmt.Errorf("probe transport: %w", err)
	}
	if err := client.SetCookies(base, s.Cookies); err != nil {
		return true, err
	}
	resp, err := client.Get(ctx, base+HomePath, true)
	if errors.Is(err, maisync.ErrSessionExpired) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("probe home page: %w", err)
	}
	return strings.Contains(string(resp.Body), LoginFailedMarker), nil
}
