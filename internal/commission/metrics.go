package commission

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "records_created_total",
		Help:      "Total commission records created by mode and level.",
	}, []string{"mode", "level"})

	levelsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "levels_skipped_total",
		Help:      "Total chain levels that paid nothing, by reason.",
	}, []string{"reason"})

	calculationTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "calculation_tasks_total",
		Help:      "Calculation task outcomes (succeeded, retried, exhausted, dropped).",
	}, []string{"outcome"})

	calculationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "calculation_duration_seconds",
		Help:      "Duration of one order's commission calculation.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "calculation_queue_depth",
		Help:      "Calculation tasks waiting for a worker.",
	})

	holdsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "holds_released_total",
		Help:      "Total commission records moved from hold to ready.",
	})

	recordsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "affiliate",
		Subsystem: "commission",
		Name:      "records_cancelled_total",
		Help:      "Total commission records cancelled.",
	})
)

func init() {
	prometheus.MustRegister(
		recordsCreated,
		levelsSkipped,
		calculationTasks,
		calculationDuration,
		queueDepth,
		holdsReleased,
		recordsCancelled,
	)
}
