package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchJobsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendq",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Dispatch jobs processed, by result.",
		},
		[]string{"result"},
	)

	dispatchDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sendq",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent processing one dispatch job, throttle wait included.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	rateLimitBlockedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sendq",
			Subsystem: "ratelimit",
			Name:      "blocked_total",
			Help:      "Jobs re-delayed because a rate-limit tier was exhausted.",
		},
		[]string{"scope"},
	)
)
