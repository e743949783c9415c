package httputil

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricResponseWriter struct {
	http.ResponseWriter
	StatusCode int
}

func NewMetricResponseWriter(w http.ResponseWriter) *MetricResponseWriter {
	return &MetricResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (mrw *MetricResponseWriter) WriteHeader(code int) {
	mrw.StatusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware observes the duration of every request by route and status code.
func MetricsMiddleware(reg prometheus.Registerer, route string) func(next http.Handler) http.Handler {
	durations := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name: "claimload_admin_request_duration_seconds",
		Help: "Admin endpoint request durations",
	}, []string{"route", "code"})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mrw := NewMetricResponseWriter(w)
			next.ServeHTTP(mrw, r)
			durations.WithLabelValues(route, strconv.Itoa(mrw.StatusCode)).Observe(time.Since(start).Seconds())
		})
	}
}
