package db

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	retries prometheus.Counter
	errors  *prometheus.CounterVec
}

// NewMetrics registers database metrics on reg. A nil reg creates unregistered collectors.
// Connections opened with the same reg share collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimload_db_serialization_retries_total",
			Help: "Transactions retried after a serialization failure",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_db_errors_total",
			Help: "Failed database statements",
		}, []string{"type"}),
	}
	if reg != nil {
		m.retries = register(reg, m.retries)
		m.errors = register(reg, m.errors)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}
