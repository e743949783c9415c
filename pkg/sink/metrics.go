package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const claimTypeLabel = "claim_type"

// Metrics holds the collectors of every sink in the process, labelled by claim type.
type Metrics struct {
	Calls              *prometheus.CounterVec
	Successes          *prometheus.CounterVec
	Failures           *prometheus.CounterVec
	ObjectsMerged      *prometheus.CounterVec
	ObjectsWritten     *prometheus.CounterVec
	TransformSuccesses *prometheus.CounterVec
	TransformFailures  *prometheus.CounterVec
	OutOfOrderBatches  *prometheus.CounterVec
	ChangeLatency      *prometheus.HistogramVec
	ExtractLatency     *prometheus.HistogramVec
	LastChangeLatency  *prometheus.GaugeVec
	LastExtractLatency *prometheus.GaugeVec
	DBUpdateTime       *prometheus.HistogramVec
	BatchSize          *prometheus.HistogramVec
	InsertCount        *prometheus.HistogramVec
	LatestSequence     *prometheus.GaugeVec
}

// NewMetrics registers sink metrics on reg. A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{claimTypeLabel}
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Name: "claimload_sink_" + name, Help: help}, labels)
	}
	sizeBuckets := prometheus.ExponentialBuckets(1, 2, 12)
	latencyBuckets := prometheus.ExponentialBuckets(1, 4, 12)
	return &Metrics{
		Calls:              counter("calls_total", "Batch writes attempted"),
		Successes:          counter("successes_total", "Batch writes committed"),
		Failures:           counter("failures_total", "Batch writes rolled back"),
		ObjectsMerged:      counter("objects_merged_total", "Claims merged in committed batches"),
		ObjectsWritten:     counter("objects_written_total", "Claims written in committed batches"),
		TransformSuccesses: counter("transform_successes_total", "Events transformed into claims"),
		TransformFailures:  counter("transform_failures_total", "Events rejected by the transformer"),
		OutOfOrderBatches:  counter("out_of_order_batches_total", "Batches whose sequence numbers were not ascending"),
		ChangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_sink_change_latency_seconds",
			Help:    "Time from the upstream change to its write",
			Buckets: latencyBuckets,
		}, labels),
		ExtractLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_sink_extract_latency_seconds",
			Help:    "Time from the upstream extract date to the write",
			Buckets: latencyBuckets,
		}, labels),
		LastChangeLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claimload_sink_last_change_latency_seconds",
			Help: "Change latency of the most recent claim written",
		}, labels),
		LastExtractLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claimload_sink_last_extract_latency_seconds",
			Help: "Extract latency of the most recent claim written",
		}, labels),
		DBUpdateTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_sink_db_update_seconds",
			Help:    "Duration of batch merge transactions",
			Buckets: prometheus.DefBuckets,
		}, labels),
		BatchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_sink_batch_size",
			Help:    "Claims per merged batch",
			Buckets: sizeBuckets,
		}, labels),
		InsertCount: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimload_sink_insert_count",
			Help:    "Rows written per merged batch, including child rows",
			Buckets: sizeBuckets,
		}, labels),
		LatestSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claimload_sink_latest_sequence_number",
			Help: "Latest committed sequence number",
		}, labels),
	}
}
