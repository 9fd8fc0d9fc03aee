package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
)

// JobService is the orchestrator surface the API exposes.
type JobService interface {
	CreateJob(ctx context.Context, friendCode string, skipUpdateScore bool) (maisync.Job, error)
	GetJob(ctx context.Context, jobID string) (maisync.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	GetUser(ctx context.Context, friendCode string) (maisync.User, error)
	SetIdleUpdate(ctx context.Context, friendCode string, enabled bool) error

	ClaimTask(ctx context.Context, botID string) (maisync.Task, error)
	StartTask(ctx context.Context, jobID, botID string) (maisync.Job, error)
	AdvanceStage(ctx context.Context, jobID, botID string, from, to maisync.JobStage, sentAt *time.Time) error
	RecordCell(ctx context.Context, jobID, botID string, cell int) error
	GetPage(ctx context.Context, key maisync.CacheKey) (string, bool, error)
	PutPage(ctx context.Context, jobID, botID string, cell maisync.Cell, page string) error
	CompleteJob(ctx context.Context, jobID, botID string, result maisync.JobResult) error
	FailJob(ctx context.Context, jobID, botID, message string) error
	ReleaseJob(ctx context.Context, jobID, botID string) error
}

// FleetService records and lists bot heartbeats.
type FleetService interface {
	Report(ctx context.Context, reports []maisync.BotReport) error
	GetAll(ctx context.Context) ([]maisync.BotStatus, error)
}

// Config controls authentication and timeouts.
type Config struct {
	// APIKey guards operator endpoints. Empty disables the check.
	APIKey string
	// BotToken guards the endpoints bots call. Empty disables the check.
	BotToken       string
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are usable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	jobs   JobService
	fleet  FleetService
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, fleet FleetService, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{jobs: jobs, fleet: fleet, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/{job_id}", s.getJob)
			r.Post("/{job_id}/cancel", s.cancelJob)
		})
		r.Route("/users/{friend_code}", func(r chi.Router) {
			r.Get("/", s.getUser)
			r.With(apiKeyMiddleware(cfg.APIKey)).Put("/idle-update", s.setIdleUpdate)
		})
		r.Route("/bots/status", func(r chi.Router) {
			r.With(botTokenMiddleware(cfg.BotToken)).Post("/", s.reportBots)
			r.With(apiKeyMiddleware(cfg.APIKey)).Get("/", s.listBots)
		})
		r.Route("/task", func(r chi.Router) {
			r.Use(botTokenMiddleware(cfg.BotToken))
			r.Get("/{job_id}/job", s.taskJob)
			r.Get("/{job_id}/cache/{diff}/{type}", s.getPage)
			r.Group(func(r chi.Router) {
				r.Use(botIDMiddleware)
				r.Get("/", s.claimTask)
				r.Post("/{job_id}", s.ackTask)
				r.Post("/{job_id}/stage", s.advanceStage)
				r.Post("/{job_id}/cells", s.recordCell)
				r.Put("/{job_id}/cache/{diff}/{type}", s.putPage)
				r.Post("/{job_id}/complete", s.completeTask)
				r.Post("/{job_id}/fail", s.failTask)
				r.Post("/{job_id}/release", s.releaseTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, maisync.ErrInvalidRequest), errors.Is(err, maisync.ErrNoTask):
		return http.StatusBadRequest
	case errors.Is(err, maisync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, maisync.ErrClaimConflict),
		errors.Is(err, maisync.ErrJobTerminal),
		errors.Is(err, maisync.ErrStageRegression),
		errors.Is(err, maisync.ErrCacheExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and their
// detail is not returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err))
		writeError(w, status, "", "internal server error")
		return
	}
	writeError(w, status, maisync.ErrorCode(err), err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if !secretEqual(key, expected) {
				writeError(w, http.StatusForbidden, "", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func botTokenMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !secretEqual(r.URL.Query().Get("token"), expected) {
				writeError(w, http.StatusForbidden, "", "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type botIDKey struct{}

// botIDMiddleware requires the bot query parameter on task routes.
func botIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bot := r.URL.Query().Get("bot")
		if bot == "" {
			writeError(w, http.StatusBadRequest, maisync.ErrorCode(maisync.ErrInvalidRequest), "bot is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), botIDKey{}, bot)))
	})
}

func botID(r *http.Request) string {
	id, _ := r.Context().Value(botIDKey{}).(string)
	return id
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", maisync.ErrInvalidRequest)
	}
	return nil
}

// maxBodyBytes bounds request bodies. A cached comparison page is the largest
// payload.
const maxBodyBytes = 8 << 20
