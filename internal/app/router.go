// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/tessera-ai/control-plane/internal/adapter/httpserver"
	"github.com/tessera-ai/control-plane/internal/adapter/observability"
	"github.com/tessera-ai/control-plane/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes
// for the control plane's public (§6.1), internal (§6.2), and operational
// surfaces.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public API (§6.1): a coarse per-IP throttle sits in front of the
	// admission pipeline's own precise per-user limiter, and every
	// response carries the caller's X-RateLimit-* standing.
	r.Route("/api/v1", func(pub chi.Router) {
		pub.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		pub.Use(srv.RateLimitHeaders)

		pub.Post("/jobs", srv.CreateJobHandler())
		pub.Get("/jobs", srv.ListJobsHandler())
		pub.Get("/jobs/{id}", srv.GetJobHandler())
		pub.Delete("/jobs/{id}", srv.CancelJobHandler())
		pub.Get("/user/me", srv.MeHandler())
		pub.Get("/user/usage", srv.UsageHandler())
		pub.Get("/models", srv.ModelsHandler())
	})

	// Internal API (§6.2): worker heartbeats, not exposed to frontends.
	r.Route("/api/internal", func(internal chi.Router) {
		internal.Post("/heartbeat", srv.HeartbeatHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/health", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
