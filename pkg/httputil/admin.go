package httputil

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/treeverse/claimload/pkg/logging"
)

// HealthCheck reports whether the process can do its work.
type HealthCheck func(ctx context.Context) error

type AdminOptions struct {
	Registry *prometheus.Registry
	Health   HealthCheck
}

// NewAdminHandler serves /metrics from the registry and /_health from the health check.
func NewAdminHandler(opts AdminOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(logging.Fields{logging.ServiceNameFieldKey: "admin"}))
	r.With(MetricsMiddleware(opts.Registry, "health")).Get("/_health", ServeHealth(opts.Health).ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{Registry: opts.Registry}))
	return r
}

// ServeHealth answers 200 while check passes and 503 with the failure otherwise. A nil check
// always passes.
func ServeHealth(check HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if check != nil {
			if err := check(r.Context()); err != nil {
				logging.FromContext(r.Context()).WithError(err).Warn("health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive!"))
	})
}
