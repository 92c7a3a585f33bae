package gps

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tierAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationd_tier_attempts_total",
			Help: "Tier attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationd_provider_switches_total",
			Help: "Provider handoffs performed by the coordinator.",
		},
		[]string{"from", "to"},
	)

	fixAccuracyMeters = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locationd_fix_accuracy_meters",
			Help:    "Horizontal accuracy of fixes seen by the coordinator.",
			Buckets: []float64{2, 5, 10, 20, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"provider"},
	)

	malformedPayloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationd_malformed_payloads_total",
			Help: "Backend payloads dropped by validation.",
		},
		[]string{"backend"},
	)

	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationd_acquisitions_total",
			Help: "Acquisition sessions by mode and result.",
		},
		[]string{"mode", "result"},
	)
)

func init() {
	prometheus.MustRegister(tierAttemptsTotal)
	prometheus.MustRegister(providerSwitchesTotal)
	prometheus.MustRegister(fixAccuracyMeters)
	prometheus.MustRegister(malformedPayloadsTotal)
	prometheus.MustRegister(acquisitionsTotal)
}

func observeFix(fix *PositionFix) {
	if fix != nil && isFinitePositive(fix.Accuracy) {
		fixAccuracyMeters.WithLabelValues(fix.Provider.String()).Observe(fix.Accuracy)
	}
}

// CountMalformed records a dropped backend payload
func CountMalformed(backend string) {
	malformedPayloadsTotal.WithLabelValues(backend).Inc()
}
