// Package metrics exposes Prometheus collectors for allocation, reconciliation
// and CRL bookkeeping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ca"

var (
	// SerialAllocations counts allocations by policy and result
	SerialAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "allocations_total",
			Help:      "Serial number allocations by policy and result",
		},
		[]string{"policy", "result"},
	)

	// SerialCollisions counts random candidates that were already issued
	SerialCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "collisions_total",
			Help:      "Random serial candidates rejected because they were already issued",
		},
	)

	// SerialRangeEvents counts range extensions and activations
	SerialRangeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "range_events_total",
			Help:      "Serial range extensions and activations",
		},
		[]string{"event"},
	)

	// SerialRangeRemaining tracks unused numbers in the active range
	SerialRangeRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "range_remaining",
			Help:      "Serial numbers left in the active range",
		},
	)
)

var (
	// StatusTransitions counts records moved by reconciliation
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "transitions_total",
			Help:      "Certificate status transitions applied by reconciliation",
		},
		[]string{"from", "to"},
	)

	// SweepFailures counts aborted reconciliation sweeps
	SweepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "sweep_failures_total",
			Help:      "Reconciliation sweeps aborted by store errors",
		},
		[]string{"from"},
	)

	// Revocations counts revoke and unrevoke operations by result
	Revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "revocations_total",
			Help:      "Revoke and unrevoke operations by result",
		},
		[]string{"operation", "result"},
	)
)

var (
	// CRLPending tracks pending delta entries per issuing point
	CRLPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crl",
			Name:      "pending_entries",
			Help:      "Pending CRL entries per issuing point and kind",
		},
		[]string{"issuing_point", "kind"},
	)

	// CRLPublished counts full and delta publications
	CRLPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crl",
			Name:      "published_total",
			Help:      "Published CRLs per issuing point and kind",
		},
		[]string{"issuing_point", "kind"},
	)
)

var (
	// JobDuration measures scheduled job runs
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job", "result"},
	)

	// JobSkipped counts ticks skipped because the previous run was still going
	JobSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_skipped_total",
			Help:      "Job ticks skipped while the previous run was in flight",
		},
		[]string{"job"},
	)
)

// ObserveJob records a job run that started at start.
func ObserveJob(job string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	JobDuration.WithLabelValues(job, result).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
