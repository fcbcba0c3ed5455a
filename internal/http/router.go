package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/directory-api/internal/http/handlers"
	"github.com/iago/directory-api/internal/http/middleware"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the ops surface. /healthz and /metrics are open; everything under /v1 goes
// through the rate limiter and bearer auth. ctx bounds the rate limiter's background sweep.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Trace(deps.Logger, deps.Metrics),
		chimiddleware.Recoverer,
	)
	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)

	router.Get("/healthz", deps.API.Health)
	if deps.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(
			middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst),
			middleware.Auth(deps.AuthToken),
		)
		r.Post("/enrolments", deps.API.SubmitEnrolment)
		r.Get("/stats", deps.API.Stats)
		r.Get("/companies/{number}", deps.API.GetCompany)
		r.Post("/companies/{number}/verification-letter", deps.API.VerificationLetterSent)
		r.Post("/suppliers/unsubscribe", deps.API.Unsubscribe)
	})

	return router
}
