package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/config"
	"github.com/accgate/accgate/internal/handlers"
	"github.com/accgate/accgate/internal/middleware"
	"github.com/accgate/accgate/internal/proxy"
)

// New assembles the public router: middleware stack, health endpoints, and
// the provider proxy surface. Everything under /v1 goes through the pipeline;
// the pipeline decides which upstream serves the path.
func New(cfg *config.Config, logger *zap.Logger, pipeline *proxy.Pipeline, health *handlers.HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Minute))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", health.Health)
	r.Get("/health/ready", health.Ready)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", pipeline.ServeHTTP)
		r.Post("/chat/completions", pipeline.ServeHTTP)
		// Everything else under /v1 is Google passthrough when configured.
		r.HandleFunc("/*", pipeline.ServeHTTP)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"type":    "not_found",
				"message": "unknown endpoint: " + r.URL.Path,
			},
		})
	})

	return r
}
