package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated by the supervisor after every component is constructed and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable.
type RouterConfig struct {
	Logger  *zap.Logger
	Webhook http.Handler // webhook.Handler, mounted at /webhook/{source}
	Health  http.Handler // HealthHandler, mounted at /health
}

// NewRouter builds and returns the fully configured Chi router: the
// signature-verified webhook receiver, the operator-facing health probe, and
// the Prometheus metrics scrape endpoint. This service has no end-user auth
// surface — webhooks carry their own HMAC trust, and /health and /metrics
// are assumed to sit behind operator-only network access.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Post("/webhook/{source}", cfg.Webhook.ServeHTTP)
	r.Get("/health", cfg.Health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
