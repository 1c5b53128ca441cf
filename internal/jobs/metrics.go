package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the fabric's operational counters.
type Metrics struct {
	Enqueued  *prometheus.CounterVec
	Processed *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Depth     *prometheus.GaugeVec
	DeadDepth *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Enqueued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap_intake",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Jobs accepted by the producer.",
		}, []string{"queue", "op_type"}),
		Processed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap_intake",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Job executions by terminal result.",
		}, []string{"queue", "op_type", "result"}),
		Duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ap_intake",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"queue", "op_type"}),
		Depth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap_intake",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Queued plus leased jobs per queue.",
		}, []string{"queue"}),
		DeadDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap_intake",
			Subsystem: "jobs",
			Name:      "dead_depth",
			Help:      "Jobs parked in the dead-letter queue.",
		}, []string{"queue"}),
	}
}
