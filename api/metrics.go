/*
metrics.go - Prometheus instrumentation for the accrual engine

PURPOSE:
  Exposes operational counters for the daily batch so dashboards can catch
  a silently failing run: a day with zero created/updated records and a
  nonzero error count is the signal the old cron-and-pray setup never had.

METRICS:
  mora_runs_total{trigger,status}   engine invocations
  mora_records_total{outcome}       per-run record outcomes (created/...)
  mora_run_duration_seconds         wall time of a full batch
  mora_http_errors_total{route}     handler-level 5xx responses

SEE ALSO:
  - server.go: mounts promhttp on /metrics
  - scheduler.go, handlers.go: record observations
*/
package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edupay/mora-engine/mora"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mora_runs_total",
		Help: "Accrual engine invocations by trigger and final status.",
	}, []string{"trigger", "status"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mora_records_total",
		Help: "Accrual record outcomes produced by engine runs.",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mora_run_duration_seconds",
		Help:    "Wall time of a full accrual batch.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mora_http_errors_total",
		Help: "Server-side handler errors by route.",
	}, []string{"route"})
)

// observeRun records one engine invocation's outcome.
func observeRun(trigger, status string, sum mora.BatchSummary, elapsed time.Duration) {
	runsTotal.WithLabelValues(trigger, status).Inc()
	recordsTotal.WithLabelValues("created").Add(float64(sum.Created))
	recordsTotal.WithLabelValues("updated").Add(float64(sum.Updated))
	recordsTotal.WithLabelValues("closed").Add(float64(sum.Closed))
	recordsTotal.WithLabelValues("skipped").Add(float64(sum.Skipped))
	recordsTotal.WithLabelValues("errors").Add(float64(sum.Errors))
	runDuration.Observe(elapsed.Seconds())
}
