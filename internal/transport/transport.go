// Package transport performs outbound platform calls with bounded retry,
// per-call timeouts, a cookie jar and expired-session detection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

const (
	// DefaultAttempts is the number of tries before giving up.
	DefaultAttempts = 3
	// DefaultRetryDelay is the fixed pause between tries.
	DefaultRetryDelay = time.Second
	// DefaultTimeout bounds a single try.
	DefaultTimeout = 300 * time.Second
)

// DefaultExpiredURLs are the landing pages the platform redirects to once a
// session is no longer valid.
var DefaultExpiredURLs = []string{
	"https://maimai.wahlap.com/maimai-mobile/error/",
	"https://maimai.wahlap.com/maimai-mobile/logout/",
}

// Waiter paces requests before they are sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls retry, timeout and header behavior.
type Config struct {
	Attempts    int
	RetryDelay  time.Duration
	Timeout     time.Duration
	UserAgent   string
	Headers     map[string]string
	ExpiredURLs []string
	Limiter     Waiter
	// Sleep replaces the retry pause; tests use it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RetryDelay == 0 && c.Sleep == nil {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ExpiredURLs == nil {
		c.ExpiredURLs = DefaultExpiredURLs
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

// Request describes one logical call.
type Request struct {
	Method      string
	URL         string
	Header      map[string]string
	Body        string
	ContentType string
	// Timeout overrides Config.Timeout for this call.
	Timeout time.Duration
	// CheckExpiry fails with maisync.ErrSessionExpired when the final URL
	// lands on an expired-session page.
	CheckExpiry bool
}

// Response is the buffered result of a call.
type Response struct {
	StatusCode int
	FinalURL   *url.URL
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TimeoutError is returned when every attempt timed out.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %d seconds", e.URL, int(e.Timeout.Seconds()))
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Client wraps a resty client and its cookie jar.
type Client struct {
	http *resty.Client
	jar  http.CookieJar
	cfg  Config
}

// New creates a Client with an empty cookie jar.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	rc := resty.New()
	rc.SetCookieJar(jar)
	rc.SetRetryCount(0)
	if cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", cfg.UserAgent)
	}
	rc.SetHeaders(cfg.Headers)
	if cfg.Limiter != nil {
		limiter := cfg.Limiter
		rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context(), req.URL)
		})
	}
	return &Client{http: rc, jar: jar, cfg: cfg}, nil
}

// SetCookies loads cookies into the jar for rawURL.
func (c *Client) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie url: %w", err)
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// Cookies returns the cookies the jar would send to rawURL.
func (c *Client) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse cookie url: %w", err)
	}
	return c.jar.Cookies(u), nil
}

// Get is shorthand for a GET Do.
func (c *Client) Get(ctx context.Context, rawURL string, checkExpiry bool) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, CheckExpiry: checkExpiry})
}

// Do executes req, retrying transport failures. The expired-session check is
// applied to the first response that arrives and is never retried.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		resp, err := c.once(ctx, req, timeout)
		if err == nil {
			if req.CheckExpiry && c.expired(resp.FinalURL) {
				metrics.ObserveUpstream(req.URL, "expired")
				return nil, fmt.Errorf("%s redirected to %s: %w", req.URL, resp.FinalURL, maisync.ErrSessionExpired)
			}
			metrics.ObserveUpstream(req.URL, "ok")
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %s: %w", req.URL, ctx.Err())
		}
		lastErr = err
		metrics.ObserveUpstream(req.URL, "error")
		if attempt < c.cfg.Attempts {
			if err := c.cfg.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return nil, fmt.Errorf("retry wait: %w", err)
			}
		}
	}
	if isTimeout(lastErr) {
		return nil, &TimeoutError{URL: req.URL, Timeout: timeout, Err: lastErr}
	}
	return nil, fmt.Errorf("request %s failed after %d attempts: %w", req.URL, c.cfg.Attempts, lastErr)
}

func (c *Client) once(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	r := c.http.R().SetContext(attemptCtx).SetHeaders(req.Header)
	if req.Body != "" {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
		r.SetHeader("Content-Type", contentType).SetBody(req.Body)
	}
	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, err
	}
	out := &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil {
		out.FinalURL = raw.Request.URL
	}
	return out, nil
}

func (c *Client) expired(final *url.URL) bool {
	if final == nil {
		return false
	}
	s := final.String()
	for _, prefix := range c.cfg.ExpiredURLs {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
