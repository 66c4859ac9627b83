// Package httpapi exposes the trading game over HTTP and WebSocket.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/silkroad/internal/app/metrics"
	"github.com/R3E-Network/silkroad/internal/logging"
	"github.com/R3E-Network/silkroad/internal/middleware"
	"github.com/R3E-Network/silkroad/internal/session"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	Manager *session.Manager
	Metrics *metrics.Metrics
	Logger  *logging.Logger

	Auth        *middleware.AuthMiddleware
	CORS        *middleware.CORSMiddleware
	RateLimiter *middleware.RateLimiter

	// Checks are run by /health, keyed by dependency name.
	Checks  map[string]HealthCheck
	Version string
}

// NewRouter builds the HTTP handler. Tracing and CORS wrap the whole mux so
// they also see unmatched routes and preflights; the metrics, auth and rate
// limit middleware run per route.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.NewDefault("httpapi")
	}
	h := &handler{
		manager: opts.Manager,
		engine:  opts.Manager.Engine(),
		logger:  opts.Logger,
		checks:  opts.Checks,
		version: opts.Version,
		started: time.Now(),
	}

	r := mux.NewRouter()
	if opts.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(opts.Metrics))
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	if opts.Auth != nil {
		r.Use(opts.Auth.Handler)
	}
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Handler)
	}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/info", h.info).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/items", h.items).Methods(http.MethodGet)
	api.HandleFunc("/regions", h.regions).Methods(http.MethodGet)
	api.HandleFunc("/regions/{slug}/market", h.market).Methods(http.MethodGet)
	api.HandleFunc("/difficulties", h.difficulties).Methods(http.MethodGet)

	api.HandleFunc("/session", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/session", h.startSession).Methods(http.MethodPost)
	api.HandleFunc("/session/purchase", h.purchase).Methods(http.MethodPost)
	api.HandleFunc("/session/travel", h.travel).Methods(http.MethodPost)
	api.HandleFunc("/session/payments", h.payment).Methods(http.MethodPost)
	api.HandleFunc("/session/merchants/{name}/talk", h.talk).Methods(http.MethodPost)
	api.HandleFunc("/session/merchants/{name}/mission", h.mission).Methods(http.MethodPost)
	api.HandleFunc("/session/events", h.events).Methods(http.MethodGet)
	api.HandleFunc("/session/stream", h.stream).Methods(http.MethodGet)

	var out http.Handler = r
	if opts.CORS != nil {
		out = opts.CORS.Handler(out)
	}
	return middleware.NewTracingMiddleware(opts.Logger).Handler(out)
}
