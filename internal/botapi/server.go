// Package botapi serves the bot's local status endpoints used by the login
// page: health, the OAuth entry URL and the session state.
package botapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

// Sessions is the view of the session store the status endpoint needs.
type Sessions interface {
	Keys(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (maisync.Session, bool, error)
	IsExpired(ctx context.Context, sess maisync.Session) bool
}

// AuthTracker marks logins in progress.
type AuthTracker interface {
	Start()
	Ongoing() bool
}

// AuthURLFunc resolves the OAuth URL users open through the proxy.
type AuthURLFunc func(ctx context.Context) (string, error)

// Config for the bot API.
type Config struct {
	// BotID pins the identity reported by /api/status. Empty means the first
	// stored session.
	BotID          string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status      string `json:"status,omitempty"`
	AuthOngoing bool   `json:"authOngoing,omitempty"`
	Expired     bool   `json:"expired"`
	FriendCode  string `json:"friendCode,omitempty"`
}

// Server is the bot-local HTTP API.
type Server struct {
	router   chi.Router
	sessions Sessions
	tracker  AuthTracker
	authURL  AuthURLFunc
	cfg      Config
	logger   *zap.Logger
}

// New builds the router.
func New(sessions Sessions, tracker AuthTracker, authURL AuthURLFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{sessions: sessions, tracker: tracker, authURL: authURL, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/api/health", s.health)
	r.Get("/api/auth", s.auth)
	r.Get("/api/status", s.status)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) auth(w http.ResponseWriter, r *http.Request) {
	href, err := s.authURL(r.Context())
	if err != nil {
		s.logger.Error("resolve auth url failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate auth url"})
		return
	}
	s.tracker.Start()
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": href})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.tracker.Ongoing() {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", AuthOngoing: true})
		return
	}
	key := s.cfg.BotID
	if key == "" {
		keys, err := s.sessions.Keys(r.Context())
		if err != nil {
			s.logger.Error("list sessions failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		if len(keys) == 0 {
			writeJSON(w, http.StatusOK, StatusResponse{Expired: true})
			return
		}
		key = keys[0]
	}

	sess, ok, err := s.sessions.Load(r.Context(), key)
	if err != nil {
		s.logger.Error("load session failed", zap.String("bot_id", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	expired := !ok || s.sessions.IsExpired(r.Context(), sess)
	writeJSON(w, http.StatusOK, StatusResponse{Expired: expired, FriendCode: key})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
