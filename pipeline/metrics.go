package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal counts finished pipeline operations by outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpipe_pipeline_operations_total",
			Help: "Total number of pipeline operations by terminal outcome",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts individual I/O attempts, including retries.
	AttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpipe_pipeline_attempts_total",
			Help: "Total number of I/O attempts including retries",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(AttemptsTotal)
}
