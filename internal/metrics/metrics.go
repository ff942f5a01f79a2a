// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(
		ReconcileDurationSeconds,
		ReconcileTotal,
		ReconcileErrorsTotal,
		TargetsAddedTotal,
		TargetsRemovedTotal,
		ReleasesCreatedTotal,
		JobsCreatedTotal,
		JobsClaimedTotal,
		JobsRetriedTotal,
		EventsPublishedTotal,
		HTTPRequestDurationSeconds,
	)
}

var (
	ReconcileDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "release_reconcile_duration_seconds",
			Help:    "Duration of release target reconciliation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_reconcile_total",
			Help: "Total number of reconciliations",
		},
		[]string{"kind"},
	)

	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_reconcile_errors_total",
			Help: "Total number of failed reconciliations",
		},
		[]string{"kind"},
	)

	TargetsAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "release_targets_added_total",
			Help: "Total number of release targets created or restored",
		},
	)

	TargetsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "release_targets_removed_total",
			Help: "Total number of release targets removed",
		},
	)

	ReleasesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "releases_created_total",
			Help: "Total number of releases created",
		},
	)

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of jobs created per reason",
		},
		[]string{"reason"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs handed to agents",
		},
	)

	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of retry jobs created after failures",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of change events published per type",
		},
		[]string{"type"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveReconcile records one reconciliation of the given kind.
func ObserveReconcile(kind string, started time.Time, err error) {
	ReconcileTotal.WithLabelValues(kind).Inc()
	ReconcileDurationSeconds.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	if err != nil {
		ReconcileErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
