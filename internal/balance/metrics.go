package balance

import "github.com/prometheus/client_golang/prometheus"

var (
	mutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "balance",
		Name:      "mutations_total",
		Help:      "Balance mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "affiliate",
		Subsystem: "balance",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-account lock.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	negativeBalances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "balance",
		Name:      "negative_transitions_total",
		Help:      "Chargeback debits that drove an account below zero.",
	})
)

func init() {
	prometheus.MustRegister(mutationsTotal, lockWait, negativeBalances)
}
