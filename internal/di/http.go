package di

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/handlers"
	"polystore-backend/internal/middleware"
	"polystore-backend/internal/observability"
)

// SetupRouter assembles the HTTP surface. Ordering matters: recovery sits
// innermost so panics still get logged and metered by the outer layers, and
// the per-request timeout applies only to the /v1 API, not to health or
// metrics scrapes.
func SetupRouter(
	cfg *config.Config,
	logger *zap.Logger,
	collector *observability.Collector,
	results *handlers.ResultsHandler,
	query *handlers.QueryHandler,
	health *handlers.HealthHandler,
) *chi.Mux {
	r := chi.NewRouter()

	if cfg.Server.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(collector))
	r.Use(middleware.Recovery(logger))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Server.WriteTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
		}

		r.Post("/results", results.Distribute)
		r.Post("/results:batch", results.DistributeBatch)

		r.Get("/records/{id}", query.GetRecord)
		r.Post("/search/semantic", query.SemanticSearch)
		r.Get("/relations", query.QueryRelations)
	})

	r.Get("/healthz", health.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(collector.GetRegistry(), promhttp.HandlerOpts{}))

	return r
}
