// Package metrics exposes the kernel's prometheus/client_golang
// instrumentation: job-scheduler throughput and outbox lag (SPEC_FULL.md
// §4.0's ambient observability stack). Grounded on r3e-network-service_layer's
// pkg/metrics package (Registry + Record* functions over package-level
// collectors), scaled down to the two subsystems this kernel actually runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the kernel's prometheus collectors.
	Registry = prometheus.NewRegistry()

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerkernel",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total job-scheduler dispatches, by job type and outcome.",
		},
		[]string{"job_type", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledgerkernel",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of one job execution attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"job_type"},
	)

	outboxLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ledgerkernel",
			Subsystem: "outbox",
			Name:      "lag_seconds",
			Help:      "Age of the oldest unprocessed outbox message for a handler's durable cursor.",
		},
		[]string{"handler"},
	)

	outboxPolled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledgerkernel",
			Subsystem: "outbox",
			Name:      "messages_polled_total",
			Help:      "Total persistent outbox messages delivered to a handler's Poll calls.",
		},
		[]string{"handler"},
	)
)

func init() {
	Registry.MustRegister(
		jobRuns,
		jobDuration,
		outboxLag,
		outboxPolled,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for a /metrics scrape.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordJobRun records one job execution attempt's outcome and duration
// (spec.md §4.3 dispatch loop).
func RecordJobRun(jobType, outcome string, duration time.Duration) {
	if jobType == "" {
		jobType = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	jobRuns.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordOutboxPoll records handler's cursor advancing across one Poll batch
// and the age of the oldest message still ahead of it (spec.md §4.2 "handlers
// track their own durable cursor").
func RecordOutboxPoll(handler string, messagesDelivered int, oldestPendingAge time.Duration) {
	if handler == "" {
		handler = "unknown"
	}
	if messagesDelivered > 0 {
		outboxPolled.WithLabelValues(handler).Add(float64(messagesDelivered))
	}
	if oldestPendingAge < 0 {
		oldestPendingAge = 0
	}
	outboxLag.WithLabelValues(handler).Set(oldestPendingAge.Seconds())
}
