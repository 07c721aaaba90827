package throttler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// GrantsTotal counts acquisitions granted per limit ID.
	GrantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpipe_throttler_grants_total",
			Help: "Total number of granted quota acquisitions",
		},
		[]string{"limit_id"},
	)

	// DenialsTotal counts non-blocking acquisitions denied per limit ID.
	DenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpipe_throttler_denials_total",
			Help: "Total number of denied quota acquisitions",
		},
		[]string{"limit_id"},
	)

	// ReleasesTotal counts permits returned unused.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpipe_throttler_releases_total",
			Help: "Total number of permits released without being consumed",
		},
		[]string{"limit_id"},
	)

	// WaitSeconds observes how long callers blocked waiting for headroom.
	WaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netpipe_throttler_wait_seconds",
			Help:    "Time spent blocked waiting for quota headroom",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(GrantsTotal)
	prometheus.MustRegister(DenialsTotal)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(WaitSeconds)
}
