// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/unclebandit/campaign-engine/internal/app"
	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/controller"
	"github.com/unclebandit/campaign-engine/internal/handler"
	"github.com/unclebandit/campaign-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	router := handler.NewRouter(handler.Deps{
		Campaigns: &controller.CampaignController{
			CampaignService: a.Campaigns,
			Broadcasts:      a.Broadcasts,
			Logger:          logger,
		},
		Enrollments: &controller.EnrollmentController{EnrollmentService: a.Enrollments, Logger: logger},
		Scheduler:   &controller.SchedulerController{Scheduler: a.Scheduler, Secret: cfg.CronSecret, Logger: logger},
		Metrics:     a.MetricsHandler(),
		DB:          a.DB,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close resources", slog.Any("error", err))
	}
}
