package idcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every cache in the process; the kind label tells variants apart.
type Metrics struct {
	lookups   *prometheus.CounterVec
	misses    *prometheus.CounterVec
	retries   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewMetrics registers identifier cache metrics on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{"kind"}
	return &Metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_identifier_cache_lookups_total",
			Help: "Identifier lookups",
		}, labels),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_identifier_cache_misses_total",
			Help: "Identifier lookups not served from the in-process cache",
		}, labels),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_identifier_cache_retries_total",
			Help: "Retried identifier persistence attempts",
		}, labels),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_identifier_cache_fallbacks_total",
			Help: "Lookups answered with a computed, unpersisted hash",
		}, labels),
	}
}

func (m *Metrics) LookupsCounter(kind string) prometheus.Counter {
	return m.lookups.WithLabelValues(kind)
}

func (m *Metrics) MissesCounter(kind string) prometheus.Counter {
	return m.misses.WithLabelValues(kind)
}

func (m *Metrics) RetriesCounter(kind string) prometheus.Counter {
	return m.retries.WithLabelValues(kind)
}

func (m *Metrics) FallbacksCounter(kind string) prometheus.Counter {
	return m.fallbacks.WithLabelValues(kind)
}
