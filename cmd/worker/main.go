// cmd/worker/main.go
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
	"github.com/unclebandit/campaign-engine/internal/logging"
)

// The worker runs scheduler passes on SCHEDULER_CRON. Several workers may run
// at once; the Redis pass lock and the per-enrollment claim keep them apart.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With(slog.String("component", "worker"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	metricsAddr := os.Getenv("WORKER_METRICS_ADDR")
	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.MetricsHandler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	if err := a.Scheduler.Start(ctx, cfg.SchedulerCron, cfg.Location()); err != nil {
		logger.Error("scheduler failed", slog.Any("error", err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close resources", slog.Any("error", err))
	}
}
