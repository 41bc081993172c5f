package acquire

import "github.com/prometheus/client_golang/prometheus"

var (
	metricCyclesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trcdaq",
		Name:      "cycles_completed_total",
		Help:      "Number of measurement cycles completed and persisted.",
	})

	metricRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trcdaq",
		Name:      "cycle_retries_total",
		Help:      "Number of retried cycle steps (trigger, read, settle, persist).",
	})

	metricFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trcdaq",
		Name:      "session_failures_total",
		Help:      "Number of failed sessions by failure class.",
	}, []string{"class"})

	metricProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trcdaq",
		Name:      "session_progress_ratio",
		Help:      "Completed cycles over target, 0 to 1.",
	})
)

func init() {
	prometheus.MustRegister(
		metricCyclesCompleted,
		metricRetries,
		metricFailures,
		metricProgress,
	)
}
