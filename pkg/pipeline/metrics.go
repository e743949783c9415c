package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeInterrupted = "interrupted"
)

type Metrics struct {
	Runs           *prometheus.CounterVec
	EventsReceived *prometheus.CounterVec
	ClaimsWritten  *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ErrorsPurged   *prometheus.CounterVec
}

// NewMetrics registers job metrics on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_job_runs_total",
			Help: "Ingestion runs by claim type and outcome",
		}, []string{"claim_type", "outcome"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_job_events_received_total",
			Help: "Change events read from the source",
		}, []string{"claim_type"}),
		ClaimsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_job_claims_written_total",
			Help: "Claims merged by writers",
		}, []string{"claim_type"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_job_run_duration_seconds",
			Help:    "Duration of ingestion runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"claim_type"}),
		ErrorsPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "claimload_job_errors_purged_total",
			Help: "Resolved error records removed after expiring",
		}, []string{"claim_type"}),
	}
}
