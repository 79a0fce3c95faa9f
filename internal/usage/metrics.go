package usage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/young1lin/searchmux/internal/models"
)

var (
	// providerRequestsTotal counts provider slot outcomes by status
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchmux_provider_requests_total",
			Help: "Total provider calls by final outcome status",
		},
		[]string{"provider", "status"},
	)

	// providerErrorRate tracks the lifetime error rate per provider
	providerErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "searchmux_provider_error_rate",
			Help: "Failures over requests since start or last reset",
		},
		[]string{"provider"},
	)

	// providerLatency observes per-slot latency by provider
	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchmux_provider_latency_seconds",
			Help:    "Per-provider call latency including retries and fallback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// DispatchDuration observes whole-batch dispatch duration
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchmux_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(providerRequestsTotal)
	prometheus.MustRegister(providerErrorRate)
	prometheus.MustRegister(providerLatency)
	prometheus.MustRegister(DispatchDuration)
}

func observeOutcome(outcome models.ProviderOutcome) {
	providerRequestsTotal.WithLabelValues(outcome.Provider, string(outcome.Status)).Inc()
	providerLatency.WithLabelValues(outcome.Provider).Observe(outcome.LatencyMs / 1000)
}

func setErrorRateGauge(provider string, rate float64) {
	providerErrorRate.WithLabelValues(provider).Set(rate)
}
