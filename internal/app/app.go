// Package app wires configuration, storage, channels and services into the
// pieces the server and worker binaries run.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-engine/internal/channel"
	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/db"
	"github.com/unclebandit/campaign-engine/internal/lock"
	"github.com/unclebandit/campaign-engine/internal/metrics"
	"github.com/unclebandit/campaign-engine/internal/queue"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/service"
)

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Metrics *metrics.Metrics

	Campaigns   *service.CampaignService
	Enrollments *service.EnrollmentService
	Broadcasts  *service.BroadcastService
	Scheduler   *service.Scheduler

	registry *prometheus.Registry
	queue    *queue.InMemoryQueue
	closers  []func() error
}

// New connects to every configured backend. Channels without credentials are
// left out, so campaigns of that type fail with ErrChannelUnavailable.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, registry: prometheus.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		if cerr := a.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed start", slog.Any("error", cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) (err error) {
	cfg, logger := a.Config, a.Logger

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.registry)

	a.DB, err = db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.DB.Close)

	campaignRepo := &repository.CampaignRepository{DB: a.DB}
	contactRepo := &repository.ContactRepository{DB: a.DB}
	enrollmentRepo := &repository.EnrollmentRepository{DB: a.DB}
	historyRepo := &repository.MessageHistoryRepository{DB: a.DB}

	channels, err := a.channels(cfg)
	if err != nil {
		return err
	}

	a.queue = queue.NewInMemoryQueue(logger)
	history, err := service.NewAsyncHistoryWriter(a.queue, historyRepo, logger)
	if err != nil {
		return err
	}
	flows := service.NewFlowCache(campaignRepo, cfg.FlowCacheTTL)

	a.Campaigns = &service.CampaignService{
		CampaignRepo:   campaignRepo,
		ContactRepo:    contactRepo,
		EnrollmentRepo: enrollmentRepo,
		Flows:          flows,
		Logger:         logger,
	}
	a.Enrollments = &service.EnrollmentService{
		CampaignRepo:   campaignRepo,
		ContactRepo:    contactRepo,
		EnrollmentRepo: enrollmentRepo,
		Logger:         logger,
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
	a.Broadcasts = &service.BroadcastService{
		CampaignRepo: campaignRepo,
		ContactRepo:  contactRepo,
		Channels:     channels,
		History:      history,
		Flows:        flows,
		Logger:       logger,
		Metrics:      a.Metrics,
		ChunkSize:    cfg.BroadcastChunkSize,
		ChunkDelay:   cfg.BroadcastChunkDelay,
		Now:          time.Now,
	}
	a.Scheduler = &service.Scheduler{
		EnrollmentRepo: enrollmentRepo,
		Flows:          flows,
		Executor: &service.StepExecutor{
			EnrollmentRepo: enrollmentRepo,
			ContactRepo:    contactRepo,
			Channels:       channels,
			History:        history,
			Metrics:        a.Metrics,
			Now:            time.Now,
		},
		Logger:    logger,
		Metrics:   a.Metrics,
		BatchSize: cfg.SchedulerBatchSize,
		Workers:   cfg.SchedulerWorkers,
		ClaimTTL:  cfg.SchedulerClaimTTL,
		Now:       time.Now,
		NewToken:  service.NewClaimToken,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rdb.AddHook(a.Metrics.RedisHook())
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		// The lease outlives a slow pass so a second worker cannot start mid-pass.
		a.Scheduler.Lock = lock.NewRedisLock(rdb, cfg.SchedulerLockKey, 2*cfg.SchedulerClaimTTL)
	}
	return nil
}

func (a *App) channels(cfg config.Config) (*channel.Router, error) {
	router := &channel.Router{}
	if cfg.LineChannelAccessToken != "" {
		line, err := channel.NewLineChannel(cfg.LineChannelAccessToken, &http.Client{Timeout: cfg.ChannelTimeout})
		if err != nil {
			return nil, err
		}
		router.Line = channel.Instrument(channel.WithTimeout(line, cfg.ChannelTimeout), "line", a.Metrics)
	} else {
		a.Logger.Warn("LINE_CHANNEL_ACCESS_TOKEN not set, LINE campaigns cannot send")
	}

	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		email, err := channel.NewEmailChannel(conn, cfg.EmailQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, email.Close)
		router.Email = channel.Instrument(channel.WithTimeout(email, cfg.ChannelTimeout), "email", a.Metrics)
	} else {
		a.Logger.Warn("AMQP_URL not set, email campaigns cannot send")
	}
	return router, nil
}

// MetricsHandler serves the app's registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Close drains pending history writes, then releases connections in reverse
// order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain history queue: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
