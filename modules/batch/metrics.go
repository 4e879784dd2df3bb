package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricRequestsTotal and metricInferencesTotal are spec.md §4.C's counters,
// incremented on every accepted start request: "increment
// tensorzero_requests_total by 1 and tensorzero_inferences_total by N,
// tagged by endpoint and function."
var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tensorzero",
		Name:      "requests_total",
		Help:      "Total number of accepted inference requests, by endpoint and function.",
	}, []string{"endpoint", "function_name"})

	metricInferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tensorzero",
		Name:      "inferences_total",
		Help:      "Total number of individual inferences accepted, by endpoint and function.",
	}, []string{"endpoint", "function_name"})

	// metricRequestCountDeprecated is the deprecated request_count metric
	// spec.md §9 Open Questions says to keep shipping alongside the
	// replacement rather than drop.
	metricRequestCountDeprecated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "request_count",
		Help:      "Deprecated: use tensorzero_requests_total.",
	}, []string{"endpoint", "function_name"})
)

func recordAcceptedStart(endpoint, functionName string, inputCount int) {
	metricRequestsTotal.WithLabelValues(endpoint, functionName).Inc()
	metricRequestCountDeprecated.WithLabelValues(endpoint, functionName).Inc()
	metricInferencesTotal.WithLabelValues(endpoint, functionName).Add(float64(inputCount))
}
