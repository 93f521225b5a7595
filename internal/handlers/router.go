package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes the outer middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RatePerMinute  int

	// Telemetry wraps the audit routes with tracing and request logging.
	Telemetry func(http.Handler) http.Handler

	// Ready reports whether downstream dependencies are reachable.
	Ready func() bool
}

// Router assembles the full HTTP surface: health and metrics endpoints
// outside auth, the tenant-scoped audit API behind bearer-key auth.
func Router(api *API, resolver OrgResolver, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	rate := opts.RatePerMinute
	if rate <= 0 {
		rate = 300
	}
	r.Use(httprate.Limit(rate, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/audit", func(r chi.Router) {
		if opts.Telemetry != nil {
			r.Use(opts.Telemetry)
		}
		r.Use(requireOrg(resolver))

		r.Get("/trails", api.handleListTrails)
		r.Post("/trails", api.handleRecordTrail)
		r.Get("/trails/{id}", api.handleGetTrail)
		r.Post("/trails/{id}/verify", api.handleVerifyTrail)

		r.Get("/dashboard", api.handleDashboard)
		r.Get("/stats", api.handleStats)
		r.Get("/summary", api.handleSummary)
		r.Get("/integrity-report", api.handleIntegrityReport)
		r.Get("/analytics", api.handleAnalytics)
		r.Get("/insights", api.handleInsights)
		r.Get("/report", api.handleReport)

		r.Get("/export", api.handleExport)
		r.Post("/cleanup", api.handleCleanup)
	})

	return r
}
