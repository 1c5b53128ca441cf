package slo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the objective health surface.
type Metrics struct {
	SLIValue *prometheus.GaugeVec
	BurnRate *prometheus.GaugeVec
	Breaches *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SLIValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap_intake",
			Subsystem: "slo",
			Name:      "sli_value",
			Help:      "Latest computed SLI value per objective.",
		}, []string{"slo"}),
		BurnRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ap_intake",
			Subsystem: "slo",
			Name:      "burn_rate",
			Help:      "Error budget burn rate per objective and window.",
		}, []string{"slo", "window"}),
		Breaches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ap_intake",
			Subsystem: "slo",
			Name:      "breaches_total",
			Help:      "Burn rate threshold breaches per objective.",
		}, []string{"slo"}),
	}
}
