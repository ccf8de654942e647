package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_pooling"

var (
	MatchesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Rides matched, by outcome (joined, created, recovered)"}, []string{"outcome"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time spent assigning a ride to a pool"})
	PoolConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pool_version_conflicts_total", Help: "Conditional pool writes rejected because the pool changed"})
	Cancellations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Rides cancelled"})
	FaresComputed = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fare_amount",
		Help:      "Distribution of computed fares",
		Buckets:   prometheus.ExponentialBuckets(50, 2, 8),
	})
	DemandGauge = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_requests", Help: "Last observed value of the demand counter"})

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "invariant_violations_total", Help: "Defensive clamps that fired on inconsistent data"},
		[]string{"kind"},
	)

	LockAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lock_acquire_failures_total", Help: "Lock acquisitions that exhausted their retries"})
	LockReleaseErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "lock_release_errors_total", Help: "Lock releases that failed; the lease expires on its own"})

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_total", Help: "Job executions by outcome (completed, retried, failed)"},
		[]string{"outcome"},
	)
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "job_duration_seconds", Help: "Handler execution time per job attempt"})

	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_errors_total", Help: "Notification deliveries that failed, by sink"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_errors_total", Help: "Error responses by route and kind; lock_busy counts rides contended between match and cancel"},
		[]string{"path", "kind"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
