// Package proxy is the bot's login proxy. Users point their phone at it while
// opening the OAuth authorize URL; the proxy lets the login pages through,
// catches the cleartext callback, exchanges it for a platform session and
// sends the browser back to the landing page.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maimai"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

const (
	// InterceptAuthority is the CONNECT target whose tunnel carries the callback.
	InterceptAuthority = "tgk-wcaime.wahlap.com:80"
	callbackHost       = "tgk-wcaime.wahlap.com"
	callbackOrigin     = "http://" + callbackHost

	// DefaultDialTimeout bounds upstream dials for tunnels.
	DefaultDialTimeout = 10 * time.Second
	sniffTimeout       = 30 * time.Second
)

// DefaultAllowHosts are the hosts the login flow touches.
var DefaultAllowHosts = []string{
	"127.0.0.1",
	"localhost",
	"tgk-wcaime.wahlap.com",
	"open.weixin.qq.com",
	"weixin110.qq.com",
	"res.wx.qq.com",
}

// DenyHosts are never tunneled, even in dev mode, so users cannot browse the
// game site with the bot's address.
var DenyHosts = []string{"maimai.wahlap.com", "chunithm.wahlap.com"}

// Config controls which hosts the proxy serves.
type Config struct {
	// AllowHosts extends DefaultAllowHosts, typically with the landing host.
	AllowHosts []string
	// AllowAll disables the allow-list. DenyHosts still apply.
	AllowAll    bool
	DialTimeout time.Duration
}

// Server is the proxy http.Handler.
type Server struct {
	cfg      Config
	allow    map[string]struct{}
	hook     *CallbackHook
	sniffer  CallbackSniffer
	upstream http.RoundTripper
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	proxy    *goproxy.ProxyHttpServer
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithSniffer replaces the PlainTextSniffer.
func WithSniffer(s CallbackSniffer) Option {
	return func(srv *Server) { srv.sniffer = s }
}

// WithTransport sets the round tripper used for plain HTTP forwarding.
func WithTransport(rt http.RoundTripper) Option {
	return func(srv *Server) { srv.upstream = rt }
}

// WithDialer sets the dialer used for CONNECT tunnels.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(srv *Server) { srv.dial = dial }
}

// New builds a Server.
func New(cfg Config, hook *CallbackHook, logger *zap.Logger, opts ...Option) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := make(map[string]struct{}, len(DefaultAllowHosts)+len(cfg.AllowHosts))
	for _, h := range append(append([]string(nil), DefaultAllowHosts...), cfg.AllowHosts...) {
		if h = normalizeHost(h); h != "" {
			allow[h] = struct{}{}
		}
	}

	upstream := http.DefaultTransport.(*http.Transport).Clone()
	upstream.Proxy = nil
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	s := &Server{
		cfg:      cfg,
		allow:    allow,
		hook:     hook,
		sniffer:  PlainTextSniffer{},
		upstream: upstream,
		dial:     dialer.DialContext,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	p := goproxy.NewProxyHttpServer()
	p.Logger = zap.NewStdLog(logger)
	p.Tr = upstream
	p.ConnectDial = func(network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		defer cancel()
		conn, err := s.dial(ctx, network, addr)
		if err != nil {
			metrics.ObserveProxyRequest("connect", "dial_failed")
			s.logger.Warn("tunnel dial failed", zap.String("authority", addr), zap.Error(err))
		}
		return conn, err
	}
	// origin-form requests are not proxy traffic
	p.NonproxyHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.ObserveProxyRequest("http", "denied")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		http.Error(w, "Bad Request", http.StatusBadRequest)
	})

	p.OnRequest(goproxy.ReqConditionFunc(s.blockedRequest)).DoFunc(s.reject)
	p.OnRequest(goproxy.ReqHostIs(callbackHost), goproxy.ReqConditionFunc(isCallback)).DoFunc(s.callback)
	p.OnRequest().DoFunc(s.forward)
	p.OnRequest().HandleConnectFunc(s.connect)
	s.proxy = p
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) blockedRequest(req *http.Request, _ *goproxy.ProxyCtx) bool {
	host := req.URL.Hostname()
	return !s.allowed(host) || denied(host)
}

func isCallback(req *http.Request, _ *goproxy.ProxyCtx) bool {
	return strings.HasPrefix(req.URL.String(), maimai.CallbackPrefix)
}

func (s *Server) reject(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	metrics.ObserveProxyRequest("http", "denied")
	s.logger.Debug("plain request denied", zap.String("host", req.URL.Host))
	return req, rejection(req)
}

func (s *Server) callback(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	metrics.ObserveProxyRequest("http", "callback")
	location := s.hook.Handle(req.Context(), req.URL.String())
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusFound, "")
	resp.Header.Set("Location", location)
	return req, resp
}

func (s *Server) forward(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	metrics.ObserveProxyRequest("http", "forwarded")
	ctx.RoundTripper = goproxy.RoundTripperFunc(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
		resp, err := s.upstream.RoundTrip(r)
		if err != nil {
			s.logger.Warn("forward failed", zap.String("host", r.URL.Host), zap.Error(err))
		}
		return resp, err
	})
	return req, nil
}

func (s *Server) connect(authority string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}
	if !s.allowed(host) || denied(host) {
		metrics.ObserveProxyRequest("connect", "denied")
		s.logger.Debug("tunnel denied", zap.String("authority", authority))
		ctx.Resp = rejection(ctx.Req)
		return goproxy.RejectConnect, authority
	}
	if authority == InterceptAuthority {
		metrics.ObserveProxyRequest("connect", "callback")
		return &goproxy.ConnectAction{Action: goproxy.ConnectHijack, Hijack: s.intercept}, authority
	}
	metrics.ObserveProxyRequest("connect", "tunneled")
	return goproxy.OkConnect, authority
}

// intercept answers the tunnel itself: it reads the callback request the
// browser sends through it and replies with the redirect.
func (s *Server) intercept(req *http.Request, conn net.Conn, _ *goproxy.ProxyCtx) {
	defer conn.Close()
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	target, err := s.sniffer.Sniff(bufio.NewReader(conn))
	if err != nil {
		s.logger.Warn("sniff tunneled callback failed", zap.Error(err))
		_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		return
	}
	location := s.hook.Handle(context.WithoutCancel(req.Context()), callbackOrigin+target)
	_, _ = fmt.Fprintf(conn,
		"HTTP/1.1 302 Found\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", location)
}

func (s *Server) allowed(host string) bool {
	if s.cfg.AllowAll {
		return true
	}
	_, ok := s.allow[normalizeHost(host)]
	return ok
}

func denied(host string) bool {
	host = normalizeHost(host)
	for _, d := range DenyHosts {
		if host == d {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}

func rejection(req *http.Request) *http.Response {
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadRequest, "Bad Request")
	resp.Header.Set("Access-Control-Allow-Origin", "*")
	return resp
}
