package referral

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "referral",
		Name:      "cycles_detected_total",
		Help:      "Total referral walks cut short by a cycle.",
	})

	chainDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "affiliate",
		Subsystem: "referral",
		Name:      "chain_depth",
		Help:      "Length of resolved referral chains.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 20},
	})
)

func init() {
	prometheus.MustRegister(cyclesDetected, chainDepth)
}
