package app

import (
	"log/slog"
	"time"

	"github.com/clanops/rustmap/internal/handler"
	"github.com/clanops/rustmap/internal/infra"
	"github.com/clanops/rustmap/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	DB      infra.Pinger
	Service *service.SessionService
	// Feed is nil when the BattleMetrics feed is disabled; /feed routes are not mounted then.
	Feed   handler.FeedController
	Hub    handler.LiveHub
	Logger *slog.Logger

	CORSOrigins string
	// RateLimit is requests per minute per client IP. Zero disables limiting.
	RateLimit int
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	logger := deps.Logger

	trackerHandler := handler.NewTrackerHandler(deps.Service, logger)

	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.CORSWithOrigins(deps.CORSOrigins))
	r.Use(handler.Metrics)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/live", handler.LiveHandler(deps.Hub))

	r.Group(func(r chi.Router) {
		r.Use(handler.JSONContentType)
		if deps.RateLimit > 0 {
			r.Use(httprate.LimitByIP(deps.RateLimit, time.Minute))
		}

		r.Get("/health", handler.HealthHandler(deps.DB, logger))

		r.Route("/servers/{serverID}", func(r chi.Router) {
			r.Get("/profiles", trackerHandler.ListProfiles)
			r.Get("/online", trackerHandler.ListOnline)
			r.Get("/activities", trackerHandler.ListServerActivities)
		})

		r.Route("/profiles/{profileID}", func(r chi.Router) {
			r.Get("/", trackerHandler.GetProfile)
			r.Get("/sessions", trackerHandler.ListSessions)
			r.Get("/activities", trackerHandler.ListProfileActivities)
		})

		if deps.Feed != nil {
			feedHandler := handler.NewFeedHandler(deps.Feed, logger)
			r.Route("/feed", func(r chi.Router) {
				r.Get("/status", feedHandler.Status)
				r.Post("/reconnect", feedHandler.Reconnect)
				r.Post("/subscriptions", feedHandler.Subscribe)
			})
		}
	})

	return r
}
