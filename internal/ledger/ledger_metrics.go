package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// railOpsTotal counts rail calls by rail, operation and outcome.
	railOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "ledger_rail_operations_total",
			Help:      "Rail calls by rail, operation and outcome.",
		},
		[]string{"rail", "op", "outcome"},
	)

	// railOpDuration observes rail call latency.
	railOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustforge",
			Name:      "ledger_rail_operation_duration_seconds",
			Help:      "Rail call duration in seconds, including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"rail", "op"},
	)

	// transfersResolved counts transfers reaching a terminal status.
	transfersResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustforge",
			Name:      "ledger_transfers_resolved_total",
			Help:      "Transfers reaching a terminal status, by rail and status.",
		},
		[]string{"rail", "status"},
	)

	// transfersUnresolved is the size of the poller's last batch.
	transfersUnresolved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trustforge",
			Name:      "ledger_transfers_unresolved",
			Help:      "Transfers pending or awaiting result delivery at the last poll.",
		},
	)
)

func init() {
	prometheus.MustRegister(railOpsTotal, railOpDuration, transfersResolved, transfersUnresolved)
}

// observeOp starts timing a rail operation; call the returned function
// with the operation's error.
func observeOp(rail, op string) func(error) {
	start := time.Now()
	return func(err error) {
		railOpDuration.WithLabelValues(rail, op).Observe(time.Since(start).Seconds())
		railOpsTotal.WithLabelValues(rail, op, outcome(err)).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrRailUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid"
	default:
		return "error"
	}
}
