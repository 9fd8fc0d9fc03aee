// Package server wires configuration into the orchestrator and bot processes.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/maimai-sync/internal/api"
	"github.com/JakeFAU/maimai-sync/internal/archive"
	"github.com/JakeFAU/maimai-sync/internal/clock/system"
	"github.com/JakeFAU/maimai-sync/internal/config"
	"github.com/JakeFAU/maimai-sync/internal/id/uuid"
	"github.com/JakeFAU/maimai-sync/internal/maisync"
	"github.com/JakeFAU/maimai-sync/internal/metrics"
	"github.com/JakeFAU/maimai-sync/internal/orchestrator"
	memorypublisher "github.com/JakeFAU/maimai-sync/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/maimai-sync/internal/publisher/pubsub"
	"github.com/JakeFAU/maimai-sync/internal/schedule"
	memorystorage "github.com/JakeFAU/maimai-sync/internal/storage/memory"
	pgstore "github.com/JakeFAU/maimai-sync/internal/storage/postgres"
)

// Stores groups the orchestrator's persistence.
type Stores struct {
	Jobs  maisync.JobStore
	Cache maisync.CacheStore
	Users maisync.UserStore
	Bots  maisync.BotStore
}

// Orchestrator is the assembled orchestrator process.
type Orchestrator struct {
	cfg       config.Config
	logger    *zap.Logger
	handler   http.Handler
	runner    *schedule.Runner
	pool      *pgxpool.Pool
	gcs       *storage.Client
	publisher *gcppublisher.Publisher
}

// BuildOrchestrator creates the orchestrator's dependencies.
func BuildOrchestrator(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Orchestrator, error) {
	metrics.Init()
	o := &Orchestrator{cfg: cfg, logger: logger}
	logger.Info("building orchestrator",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("archive", cfg.Archive.Backend))

	stores, err := o.setupStores(ctx)
	if err != nil {
		o.close()
		return nil, err
	}
	archiver, err := o.setupArchive(ctx)
	if err != nil {
		o.close()
		return nil, err
	}
	publisher, err := o.setupPublisher(ctx)
	if err != nil {
		o.close()
		return nil, err
	}

	clock := system.New()
	svc, err := orchestrator.NewService(orchestrator.Deps{
		Jobs:      stores.Jobs,
		Cache:     stores.Cache,
		Users:     stores.Users,
		Publisher: publisher,
		Archive:   archiver,
		Clock:     clock,
		IDs:       uuid.New(),
	}, orchestrator.Config{
		AuthURL:  cfg.Jobs.AuthURL,
		CacheTTL: cfg.Jobs.CacheTTL,
	}, logger.Named("service"))
	if err != nil {
		o.close()
		return nil, fmt.Errorf("service init failed: %w", err)
	}

	fleet := orchestrator.NewFleet(stores.Bots, stores.Jobs, svc, clock, cfg.Jobs.FleetStaleAfter, logger.Named("fleet"))
	var idle *orchestrator.IdleScheduler
	if cfg.Jobs.IdleUpdateEnabled {
		idle = orchestrator.NewIdleScheduler(stores.Users, svc, clock, orchestrator.IdleConfig{
			Hour:       cfg.Jobs.IdleUpdateHour,
			BatchSize:  cfg.Jobs.IdleBatchSize,
			BatchPause: cfg.Jobs.IdleBatchPause,
		}, logger.Named("idle"))
	}
	o.runner = schedule.NewRunner(logger.Named("schedule"), orchestrator.BackgroundTasks(svc, fleet, idle, orchestrator.TaskConfig{
		FleetSweepInterval: cfg.Jobs.FleetSweepInterval,
		CacheSweepInterval: cfg.Jobs.CacheSweepInterval,
		IdleCheckInterval:  cfg.Jobs.IdleCheckInterval,
	})...)

	o.handler = api.NewServer(svc, fleet, api.Config{
		APIKey:         cfg.Auth.APIKey,
		BotToken:       cfg.Auth.BotToken,
		RequestTimeout: cfg.Server.RequestTimeout,
		Ready:          o.ready,
	}, logger.Named("api")).Handler()
	return o, nil
}

// Run serves HTTP and the background tasks until ctx or a signal ends them.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runner.Start(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.cfg.Server.Port),
		Handler:           o.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		o.logger.Info("http server started", zap.Int("port", o.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	o.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		o.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	o.close()
	o.logger.Info("shutdown complete")
	return nil
}

func (o *Orchestrator) ready(ctx context.Context) error {
	if o.pool == nil {
		return nil
	}
	return o.pool.Ping(ctx)
}

func (o *Orchestrator) setupStores(ctx context.Context) (Stores, error) {
	if o.cfg.Storage.Backend != "postgres" {
		o.logger.Warn("using in-memory stores; jobs are lost on restart")
		return Stores{
			Jobs:  memorystorage.NewJobStore(),
			Cache: memorystorage.NewCacheStore(),
			Users: memorystorage.NewUserStore(),
			Bots:  memorystorage.NewBotStore(),
		}, nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             o.cfg.DB.DSN,
		MaxConns:        o.cfg.DB.MaxConns,
		MinConns:        o.cfg.DB.MinConns,
		MaxConnLifetime: o.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return Stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	o.pool = pool
	return postgresStores(pool)
}

func postgresStores(db pgstore.DB) (Stores, error) {
	jobs, err := pgstore.NewJobStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("job store init failed: %w", err)
	}
	cache, err := pgstore.NewCacheStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("cache store init failed: %w", err)
	}
	users, err := pgstore.NewUserStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("user store init failed: %w", err)
	}
	bots, err := pgstore.NewBotStore(db)
	if err != nil {
		return Stores{}, fmt.Errorf("bot store init failed: %w", err)
	}
	return Stores{Jobs: jobs, Cache: cache, Users: users, Bots: bots}, nil
}

func (o *Orchestrator) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	archiver, client, err := buildArchive(ctx, o.cfg.Archive, o.logger)
	o.gcs = client
	return archiver, err
}

func (o *Orchestrator) setupPublisher(ctx context.Context) (maisync.Publisher, error) {
	if o.cfg.PubSub.TopicName == "" {
		o.logger.Warn("no pubsub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, gcppublisher.Config{
		ProjectID: o.cfg.PubSub.ProjectID,
		TopicID:   o.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	o.publisher = pub
	o.logger.Info("pubsub publisher initialized",
		zap.String("project", o.cfg.PubSub.ProjectID),
		zap.String("topic", o.cfg.PubSub.TopicName))
	return pub, nil
}

func (o *Orchestrator) close() {
	if o.publisher != nil {
		if err := o.publisher.Close(); err != nil {
			o.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if o.gcs != nil {
		if err := o.gcs.Close(); err != nil {
			o.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if o.pool != nil {
		o.pool.Close()
	}
	if err := o.logger.Sync(); err != nil {
		o.logger.Debug("logger sync failed", zap.Error(err))
	}
}
