package reputation

import "github.com/prometheus/client_golang/prometheus"

var (
	// settlementsApplied counts settle events by outcome.
	settlementsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "reputation_settlements_total",
			Help:      "Settle events processed by the issuer, by outcome.",
		},
		[]string{"outcome"},
	)

	credentialsMinted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "credentials_minted_total",
			Help:      "Completion credentials issued.",
		},
	)

	rescoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trustforge",
			Name:      "reputation_rescore_duration_seconds",
			Help:      "Duration of a full rescoring pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(settlementsApplied, credentialsMinted, rescoreDuration)
}
