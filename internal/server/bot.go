package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/botapi"
	"github.com/JakeFAU/maimai-sync/internal/clock/system"
	"github.com/JakeFAU/maimai-sync/internal/config"
	"github.com/JakeFAU/maimai-sync/internal/dispatcher"
	"github.com/JakeFAU/maimai-sync/internal/jobclient"
	"github.com/JakeFAU/maimai-sync/internal/maimai"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
	"github.com/JakeFAU/maimai-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/maimai-sync/internal/proxy"
	queuememory "github.com/JakeFAU/maimai-sync/internal/queue/memory"
	"github.com/JakeFAU/maimai-sync/internal/schedule"
	"github.com/JakeFAU/maimai-sync/internal/session"
	memorystorage "github.com/JakeFAU/maimai-sync/internal/storage/memory"
	redisstorage "github.com/JakeFAU/maimai-sync/internal/storage/redis"
	"github.com/JakeFAU/maimai-sync/internal/transport"
	"github.com/JakeFAU/maimai-sync/internal/worker"
)

// Bot is the assembled bot process: dispatcher, workers, heartbeat, login
// proxy and the local status API.
type Bot struct {
	cfg      config.Config
	logger   *zap.Logger
	dispatch *dispatcher.Dispatcher
	queue    *queuememory.Queue
	runner   *schedule.Runner
	proxy    http.Handler
	api      http.Handler
	redis    *redisstorage.SessionStore
	gcs      *storage.Client
}

// BuildBot creates the bot's dependencies.
func BuildBot(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Bot, error) {
	if err := cfg.ValidateBot(); err != nil {
		return nil, err
	}
	metrics.Init()
	b := &Bot{cfg: cfg, logger: logger}
	clock := system.New()

	tcfg := transport.Config{
		Attempts:   cfg.Platform.Attempts,
		RetryDelay: cfg.Platform.RetryDelay,
		Timeout:    cfg.Platform.Timeout,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Platform.RateLimitRPS,
			DefaultBurst: cfg.Platform.RateLimitBurst,
		}),
	}
	platform := maimai.Config{
		BaseURL:           cfg.Platform.BaseURL,
		Transport:         tcfg,
		ComparisonTimeout: cfg.Platform.ComparisonTimeout,
	}

	backend, err := b.setupSessionBackend()
	if err != nil {
		return nil, err
	}
	sessions := session.NewStore(backend, session.HomeProber{BaseURL: cfg.Platform.BaseURL, Transport: tcfg}, clock,
		session.Config{ProbeWindow: cfg.Sessions.ProbeWindow, ProbeTimeout: cfg.Sessions.ProbeTimeout},
		logger.Named("sessions"))

	orch, err := jobclient.New(jobclient.Config{
		BaseURL: cfg.Bot.OrchestratorURL,
		Token:   cfg.Auth.BotToken,
		Timeout: cfg.Server.RequestTimeout,
	})
	if err != nil {
		b.close()
		return nil, fmt.Errorf("orchestrator client init failed: %w", err)
	}

	archiver, client, err := buildArchive(ctx, cfg.Archive, logger)
	b.gcs = client
	if err != nil {
		b.close()
		return nil, err
	}

	newClient := maimai.Factory(platform)
	b.queue = queuememory.NewQueue(cfg.Bot.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Bot.Concurrency)
	for i := 0; i < cfg.Bot.Concurrency; i++ {
		workers = append(workers, worker.New(orch, sessions, newClient, archiver, clock, worker.Config{
			AcceptPollInterval: cfg.Bot.AcceptPollInterval,
			AcceptTimeout:      cfg.Bot.AcceptTimeout,
		}, logger.Named("worker").With(zap.Int("index", i))))
	}
	windows := make([]dispatcher.Window, 0, len(cfg.Bot.Windows))
	for _, w := range cfg.Bot.Windows {
		windows = append(windows, dispatcher.Window{Depth: w.Depth, Within: w.Within})
	}
	b.dispatch = dispatcher.New(orch, b.queue, workers, func(ctx context.Context) (string, error) {
		return sessions.Primary(ctx, cfg.Bot.FriendCode)
	}, clock, dispatcher.Config{
		PollInterval:   cfg.Bot.PollInterval,
		TaskStaleAfter: cfg.Bot.TaskStaleAfter,
		Windows:        windows,
	}, logger.Named("dispatcher"))

	heartbeat := worker.NewHeartbeat(sessions, newClient, orch, logger.Named("heartbeat"))
	b.runner = schedule.NewRunner(logger.Named("schedule"), schedule.Task{
		Name:      "heartbeat",
		Interval:  cfg.Bot.HeartbeatInterval,
		Immediate: true,
		Run:       heartbeat.Beat,
	})

	tracker := proxy.NewAuthTracker(clock, cfg.Proxy.AuthTimeout)
	hook := proxy.NewCallbackHook(maimai.Exchanger{Config: platform}, sessions, tracker, cfg.Proxy.LandingURL,
		logger.Named("callback"))
	b.proxy = proxy.New(proxy.Config{
		AllowHosts: cfg.Proxy.AllowHosts,
		AllowAll:   cfg.Proxy.AllowAll,
	}, hook, logger.Named("proxy"))
	b.api = botapi.New(sessions, tracker, func(ctx context.Context) (string, error) {
		return maimai.AuthURL(ctx, platform, "")
	}, botapi.Config{
		BotID:          cfg.Bot.FriendCode,
		AllowedOrigins: cfg.Bot.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("botapi")).Handler()
	return b, nil
}

// Run starts every bot component and blocks until ctx or a signal ends them.
func (b *Bot) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.logger.Info("dispatcher started", zap.Int("workers", b.cfg.Bot.Concurrency))
		b.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.runner.Start(ctx)
	}()

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", b.cfg.Proxy.Port), Handler: b.proxy, ReadHeaderTimeout: 30 * time.Second},
		{Addr: fmt.Sprintf(":%d", b.cfg.Bot.APIPort), Handler: b.api, ReadHeaderTimeout: 5 * time.Second},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			b.logger.Info("listener started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("listener error", zap.String("addr", srv.Addr), zap.Error(err))
				stop()
			}
		}(srv)
	}

	<-ctx.Done()
	b.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn("listener shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	wg.Wait()
	b.close()
	b.logger.Info("shutdown complete")
	return nil
}

func (b *Bot) setupSessionBackend() (session.Backend, error) {
	if b.cfg.Sessions.Backend != "redis" {
		b.logger.Warn("using in-memory sessions; logins are lost on restart")
		return memorystorage.NewSessionStore(), nil
	}
	store, err := redisstorage.NewSessionStore(redisstorage.Config{
		Addr:     b.cfg.Sessions.RedisAddr,
		Password: b.cfg.Sessions.RedisPassword,
		DB:       b.cfg.Sessions.RedisDB,
		Prefix:   b.cfg.Sessions.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis session store init failed: %w", err)
	}
	b.redis = store
	return store, nil
}

func (b *Bot) close() {
	if b.queue != nil {
		b.queue.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if b.gcs != nil {
		if err := b.gcs.Close(); err != nil {
			b.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if err := b.logger.Sync(); err != nil {
		b.logger.Debug("logger sync failed", zap.Error(err))
	}
}
