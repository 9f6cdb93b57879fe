// internal/handler/router.go
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/campaign-engine/internal/controller"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Campaigns   *controller.CampaignController
	Enrollments *controller.EnrollmentController
	Scheduler   *controller.SchedulerController
	Metrics     http.Handler
	DB          Pinger
	Logger      *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health(d.DB))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", d.Campaigns.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", d.Campaigns.GetCampaignDetails)
			r.Post("/activate", d.Campaigns.Activate)
			r.Post("/pause", d.Campaigns.Pause)
			r.Post("/archive", d.Campaigns.Archive)
			r.Post("/broadcast", d.Campaigns.Broadcast)
			r.Get("/steps/{order}/preview", d.Campaigns.PersonalizedPreview)
			r.Post("/enrollments", d.Enrollments.Enroll)
		})
	})

	r.Route("/enrollments/{id}", func(r chi.Router) {
		r.Get("/", d.Enrollments.Get)
		r.Post("/pause", d.Enrollments.Pause)
		r.Post("/resume", d.Enrollments.Resume)
		r.Post("/cancel", d.Enrollments.Cancel)
	})

	r.Post("/scheduler/run", d.Scheduler.Run)
	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
