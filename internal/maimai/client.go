// Package maimai implements the authenticated maimai DX NET operations a bot
// performs, plus parsing and normalization of the pages it reads.
package maimai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/transport"
)

const (
	// DefaultBaseURL is the platform origin.
	DefaultBaseURL = "https://maimai.wahlap.com"
	// UserAgent mimics the WeChat in-app browser the platform expects.
	UserAgent = "Mozilla/5.0 (Windows NT 6.1; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/81.0.4044.138 Safari/537.36 NetType/WIFI MicroMessenger/7.0.20.1781(0x6700143B) " +
		"WindowsWechat(0x6307001e)"
	// DefaultComparisonTimeout bounds one comparison page load, which the
	// platform renders slowly for large libraries.
	DefaultComparisonTimeout = 5 * time.Minute

	tokenCookie = "_t"

	pathHome         = "/maimai-mobile/home/"
	pathFriends      = "/maimai-mobile/index.php/friend/"
	pathInvites      = "/maimai-mobile/friend/invite/"
	pathInvitesIndex = "/maimai-mobile/index.php/friend/invite/"
	pathSendInvite   = "/maimai-mobile/friend/search/invite/"
	pathFavoriteOn   = "/maimai-mobile/friend/favoriteOn/"
	pathFriendCode   = "/maimai-mobile/friend/userFriendCode/"
	pathComparison   = "/maimai-mobile/friend/friendGenreVs/battleStart/"
	pathCookieScope  = "/maimai-mobile/"

	// genre 99 selects every genre on one page.
	comparisonGenreAll = "99"
)

// Config controls how clients reach the platform.
type Config struct {
	BaseURL           string
	Transport         transport.Config
	ComparisonTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Transport.UserAgent == "" {
		c.Transport.UserAgent = UserAgent
	}
	if c.ComparisonTimeout <= 0 {
		c.ComparisonTimeout = DefaultComparisonTimeout
	}
	return c
}

// Client performs platform operations with one session's cookies.
type Client struct {
	http *transport.Client
	cfg  Config
}

// NewClient builds a Client seeded with sess.
func NewClient(cfg Config, sess maisync.Session) (*Client, error) {
	cfg = cfg.withDefaults()
	tc, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, err
	}
	if len(sess.Cookies) > 0 {
		if err := tc.SetCookies(cfg.BaseURL+pathCookieScope, sess.Cookies); err != nil {
			return nil, err
		}
	}
	return &Client{http: tc, cfg: cfg}, nil
}

// Factory returns a constructor usable wherever a maisync.CrawlClient is
// built from a stored session.
func Factory(cfg Config) func(maisync.Session) (maisync.CrawlClient, error) {
	return func(sess maisync.Session) (maisync.CrawlClient, error) {
		return NewClient(cfg, sess)
	}
}

// Session exports the current cookies as a session for identity.
func (c *Client) Session(identity string) (maisync.Session, error) {
	cookies, err := c.http.Cookies(c.cfg.BaseURL + pathCookieScope)
	if err != nil {
		return maisync.Session{}, err
	}
	return maisync.Session{IdentityKey: identity, Cookies: cookies}, nil
}

// OwnFriendCode reads the friend code of the logged-in account.
func (c *Client) OwnFriendCode(ctx context.Context) (string, error) {
	doc, err := c.getDocument(ctx, pathFriendCode)
	if err != nil {
		return "", err
	}
	code := strings.TrimSpace(doc.Find("div.see_through_block.m_t_5.m_b_5.p_5.t_c.f_15").First().Text())
	if code == "" {
		return "", errors.New("friend code not found on page")
	}
	return code, nil
}

// ListFriends returns the friend codes on the friend list.
func (c *Client) ListFriends(ctx context.Context) ([]string, error) {
	doc, err := c.getDocument(ctx, pathFriends)
	if err != nil {
		return nil, err
	}
	return friendCodes(doc), nil
}

// ListSentRequests returns friend codes with a pending outgoing request.
func (c *Client) ListSentRequests(ctx context.Context) ([]string, error) {
	doc, err := c.getDocument(ctx, pathInvites)
	if err != nil {
		return nil, err
	}
	return friendCodes(doc), nil
}

// SendFriendRequest invites friendCode.
func (c *Client) SendFriendRequest(ctx context.Context, friendCode string) error {
	body := "idx=" + url.QueryEscape(friendCode) + "&invite="
	if err := c.postSigned(ctx, pathSendInvite, body); err != nil {
		return fmt.Errorf("send friend request to %s: %w", friendCode, err)
	}
	if _, err := c.get(ctx, pathInvitesIndex, 0); err != nil {
		return fmt.Errorf("reload invite list: %w", err)
	}
	return nil
}

// FavoriteFriend marks friendCode as a favorite, which the comparison page requires.
func (c *Client) FavoriteFriend(ctx context.Context, friendCode string) error {
	if err := c.postSigned(ctx, pathFavoriteOn, "idx="+url.QueryEscape(friendCode)); err != nil {
		return fmt.Errorf("favorite %s: %w", friendCode, err)
	}
	return nil
}

// FetchComparisonPage loads the versus page for one grid cell.
func (c *Client) FetchComparisonPage(
	ctx context.Context,
	friendCode string,
	scoreType maisync.ScoreType,
	diff maisync.Difficulty,
) (string, error) {
	q := url.Values{}
	q.Set("scoreType", fmt.Sprint(int(scoreType)))
	q.Set("genre", comparisonGenreAll)
	q.Set("diff", fmt.Sprint(int(diff)))
	q.Set("idx", friendCode)
	body, err := c.get(ctx, pathComparison+"?"+q.Encode(), c.cfg.ComparisonTimeout)
	if err != nil {
		return "", fmt.Errorf("comparison %s %s: %w", scoreType, diff, err)
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method:      http.MethodGet,
		URL:         c.cfg.BaseURL + path,
		Timeout:     timeout,
		CheckExpiry: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) getDocument(ctx context.Context, path string) (*goquery.Document, error) {
	body, err := c.get(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// postSigned appends the anti-tampering token from the session cookie.
func (c *Client) postSigned(ctx context.Context, path, body string) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		URL:         c.cfg.BaseURL + path,
		Body:        body + "&token=" + url.QueryEscape(token),
		CheckExpiry: true,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) token() (string, error) {
	cookies, err := c.http.Cookies(c.cfg.BaseURL + pathCookieScope)
	if err != nil {
		return "", err
	}
	for _, ck := range cookies {
		if ck.Name == tokenCookie {
			return ck.Value, nil
		}
	}
	return "", fmt.Errorf("signing token cookie missing: %w", maisync.ErrSessionExpired)
}

func friendCodes(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var codes []string
	doc.Find(`input[type="hidden"][name="idx"]`).Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr("value")
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		codes = append(codes, v)
	})
	return codes
}
