// Package http serves the modhost admin API.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/pkg/jsonapi"
	"github.com/artpar/modhost/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig configures the admin router.
type RouterConfig struct {
	// Runtime is the host core being administered. Required.
	Runtime *runtime.Runtime

	// Journal serves /journal when set.
	Journal ports.Journal

	// MetricsHandler serves /metrics when set, typically promhttp.HandlerFor.
	MetricsHandler http.Handler

	// MetricsPath is where MetricsHandler is mounted (default /metrics).
	MetricsPath string

	// Version is reported by /version.
	Version string

	// RequestTimeout bounds each request (default 30s).
	RequestTimeout time.Duration

	Logger zerolog.Logger
}

// NewRouter creates the admin router.
func NewRouter(cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	h := &Handler{
		rt:      cfg.Runtime,
		journal: cfg.Journal,
		logger:  cfg.Logger.With().Str("component", "http").Logger(),
		version: cfg.Version,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(h.logger, cfg.MetricsPath))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", h.Health)
	r.Get("/version", h.Version)
	if cfg.MetricsHandler != nil {
		r.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}

	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.ListModules)
		r.Get("/{id}", h.GetModule)
		r.Post("/{id}/start", h.StartModule)
		r.Post("/{id}/stop", h.StopModule)
		r.Post("/{id}/refresh", h.RefreshModule)
	})
	r.Get("/capabilities", h.ListCapabilities)
	r.Get("/endpoints", h.ListEndpoints)
	r.Get("/journal", h.ListJournal)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "not_found", "Not Found").
			Detailf("No route for %s", r.URL.Path).Build())
	})
	return r
}

// NewLoggingMiddleware logs every request except health checks and scrapes of
// metricsPath.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/healthz") || r.URL.Path == metricsPath {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
