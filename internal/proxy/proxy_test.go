package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

const landing = "https://sync.example/landing"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExchanger struct {
	mu   sync.Mutex
	urls []string
	code string
	err  error
}

func (e *fakeExchanger) Exchange(_ context.Context, callbackURL string) (maisync.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls = append(e.urls, callbackURL)
	if e.err != nil {
		return maisync.Session{}, e.err
	}
	return maisync.Session{IdentityKey: e.code, Cookies: []*http.Cookie{{Name: "_t", Value: "x"}}}, nil
}

func (e *fakeExchanger) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.urls...)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []maisync.Session
}

func (s *fakeSaver) Save(_ context.Context, sess maisync.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

type countingTransport struct{ n atomic.Int32 }

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.n.Add(1)
	return nil, errors.New("unexpected upstream call")
}

type countingDialer struct{ n atomic.Int32 }

func (c *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	c.n.Add(1)
	return nil, errors.New("unexpected dial")
}

func startProxy(t *testing.T, ex Exchanger, saver SessionSaver, tracker *AuthTracker, opts ...Option) *httptest.Server {
	t.Helper()
	hook := NewCallbackHook(ex, saver, tracker, landing, zap.NewNop())
	srv := httptest.NewServer(New(Config{}, hook, zap.NewNop(), opts...))
	t.Cleanup(srv.Close)
	return srv
}

func proxiedClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

// connect opens a raw CONNECT tunnel through the proxy.
func connect(t *testing.T, proxyURL, authority string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", u.Host, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", authority, authority)
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	return conn, br, resp
}

func TestPlainRequestToDisallowedHostForwardsNothing(t *testing.T) {
	t.Parallel()

	upstream := &countingTransport{}
	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil, WithTransport(upstream))

	resp, err := proxiedClient(t, srv.URL).Get("http://evil.example/steal")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Zero(t, upstream.n.Load())
}

func TestPlainRequestToAllowedHostIsForwarded(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil)

	resp, err := proxiedClient(t, srv.URL).Get(origin.URL + "/page")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello /page", string(body))
}

func TestPlainCallbackRedirectsWithFriendCode(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{code: "900000000000001"}
	saver := &fakeSaver{}
	srv := startProxy(t, ex, saver, nil)

	resp, err := proxiedClient(t, srv.URL).
		Get("http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=key1&t=42")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, landing+"?friendCode=900000000000001", resp.Header.Get("Location"))
	require.Equal(t, []string{"https://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=key1&t=42"}, ex.calls())
	require.Len(t, saver.saved, 1)
	require.Equal(t, "900000000000001", saver.saved[0].IdentityKey)
}

func TestCallbackExchangeFailureRedirectsToBareLanding(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewAuthTracker(clock, 0)
	tracker.Start()
	ex := &fakeExchanger{err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
	saver := &fakeSaver{}
	srv := startProxy(t, ex, saver, tracker)

	resp, err := proxiedClient(t, srv.URL).
		Get("http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=abc123")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, landing, resp.Header.Get("Location"))
	require.Empty(t, saver.saved)
	require.False(t, tracker.Ongoing(), "a finished callback ends the login")
}

func TestConnectToDeniedHostIsRejected(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil, WithDialer(dialer.DialContext))

	for _, authority := range []string{"maimai.wahlap.com:443", "chunithm.wahlap.com:443", "evil.example:443"} {
		_, _, resp := connect(t, srv.URL, authority)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, authority)
		_ = resp.Body.Close()
	}
	require.Zero(t, dialer.n.Load())
}

func TestDevModeStillDeniesGameHosts(t *testing.T) {
	t.Parallel()

	hook := NewCallbackHook(&fakeExchanger{}, &fakeSaver{}, nil, landing, nil)
	s := New(Config{AllowAll: true}, hook, nil)
	require.True(t, s.allowed("anything.example"))
	require.True(t, denied("MAIMAI.wahlap.com"))
}

func TestConnectInterceptsCallbackTunnel(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{code: "900000000000001"}
	srv := startProxy(t, ex, &fakeSaver{}, nil)

	conn, br, resp := connect(t, srv.URL, InterceptAuthority)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := io.WriteString(conn,
		"GET /wc_auth/oauth/callback/maimai-dx?r=abc123&t=7 HTTP/1.1\r\nHost: tgk-wcaime.wahlap.com\r\n\r\n")
	require.NoError(t, err)
	redirect, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	require.NoError(t, err)
	defer redirect.Body.Close()

	require.Equal(t, http.StatusFound, redirect.StatusCode)
	require.Equal(t, landing+"?friendCode=900000000000001", redirect.Header.Get("Location"))
	require.Equal(t, []string{"https://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=abc123&t=7"}, ex.calls())
}

func TestConnectTunnelsAllowedHost(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()
	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil)

	conn, br, resp := connect(t, srv.URL, ln.Addr().String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)
}

func TestConnectDialFailureAnswersBadGateway(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil, WithDialer(dialer.DialContext))

	_, _, resp := connect(t, srv.URL, "localhost:9")
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.EqualValues(t, 1, dialer.n.Load())
}

func TestOriginFormRequestIsRejected(t *testing.T) {
	t.Parallel()

	srv := startProxy(t, &fakeExchanger{}, &fakeSaver{}, nil)

	resp, err := http.Get(srv.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlainTextSniffer(t *testing.T) {
	t.Parallel()

	target, err := PlainTextSniffer{}.Sniff(strings.NewReader(
		"GET http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=a HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "/wc_auth/oauth/callback/maimai-dx?r=a", target)

	_, err = PlainTextSniffer{}.Sniff(strings.NewReader("\x16\x03\x01 tls hello"))
	require.Error(t, err)
}

func TestAuthTrackerExpires(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewAuthTracker(clock, 0)
	require.False(t, tr.Ongoing())

	tr.Start()
	clock.Advance(59 * time.Second)
	require.True(t, tr.Ongoing())
	clock.Advance(time.Second)
	require.False(t, tr.Ongoing())

	tr.Start()
	tr.Finish()
	require.False(t, tr.Ongoing())
}

func TestLandingFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://a.example/?friendCode=1", landingFor("https://a.example/", "1"))
	require.Equal(t, "https://a.example/?friendCode=2&x=1", landingFor("https://a.example/?x=1", "2"))
	require.Equal(t, "https://a.example/", landingFor("https://a.example/", ""))
}
