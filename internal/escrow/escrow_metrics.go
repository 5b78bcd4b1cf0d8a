package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// sessionTransitions counts state changes by source and target state.
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)

	// sessionConflicts counts compare-and-swap losses by operation.
	sessionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "session_version_conflicts_total",
			Help:      "Session writes rejected on version mismatch.",
		},
		[]string{"op"},
	)

	settleEventsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "settle_events_queued_total",
			Help:      "Settle events written to the outbox.",
		},
	)

	// settleEventsRelayed counts outbox publishes by outcome.
	settleEventsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "settle_events_relayed_total",
			Help:      "Settle events handed to the publisher, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(sessionTransitions, sessionConflicts, settleEventsQueued, settleEventsRelayed)
}

func recordTransition(from, to State) {
	if from != to {
		sessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}
