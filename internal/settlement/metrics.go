package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "settlement",
		Name:      "records_total",
		Help:      "Settlement records by outcome.",
	}, []string{"outcome"})

	settledAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "settlement",
		Name:      "settled_amount_total",
		Help:      "Total commission amount credited by settlement.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "affiliate",
		Subsystem: "settlement",
		Name:      "batch_duration_seconds",
		Help:      "Duration of settlement batches.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	chargebackRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "chargeback",
		Name:      "records_total",
		Help:      "Chargeback reversals by outcome.",
	}, []string{"outcome"})

	clawedBackAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "chargeback",
		Name:      "clawed_back_amount_total",
		Help:      "Total commission amount debited by chargebacks.",
	})
)

func init() {
	prometheus.MustRegister(settlementRecords, settledAmount, batchDuration, chargebackRecords, clawedBackAmount)
}
