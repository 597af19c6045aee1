// Package metrics holds the Prometheus collectors of the transition engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proposal_workflow"

var (
	// attemptsTotal counts transition attempts by outcome kind.
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_attempts_total",
			Help:      "Total number of transition attempts",
		},
		[]string{"transition", "outcome"}, // outcome: success or an error kind
	)

	// attemptDuration is a histogram of transition attempt duration.
	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_attempt_duration_seconds",
			Help:      "Duration of transition attempts in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"transition"},
	)

	// conflictsTotal counts lost single-writer races.
	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_conflicts_total",
			Help:      "Total number of optimistic write conflicts",
		},
		[]string{"resolution"}, // resolution: retried, surfaced
	)

	// toolCallDuration is a histogram of external tool call duration, retries included.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of external tool calls in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// toolCallsTotal counts external tool calls.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of external tool calls",
		},
		[]string{"operation", "status"}, // status: success or an error kind
	)

	// toolRetriesTotal counts retried tool attempts.
	toolRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_retries_total",
			Help:      "Total number of retried external tool attempts",
		},
		[]string{"operation"},
	)

	// validationsTotal counts validation classifications.
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of validation tool classifications",
		},
		[]string{"operation", "status"}, // status: passed, failed
	)

	// asyncInFlight is a gauge of running background tool calls.
	asyncInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_calls_in_flight",
			Help:      "Number of background tool calls currently running",
		},
	)

	// asyncOutcomesTotal counts terminal outcomes of background tool calls.
	asyncOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_outcomes_total",
			Help:      "Total number of background tool call outcomes",
		},
		[]string{"operation", "status"},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		attemptsTotal,
		attemptDuration,
		conflictsTotal,
		toolCallDuration,
		toolCallsTotal,
		toolRetriesTotal,
		validationsTotal,
		asyncInFlight,
		asyncOutcomesTotal,
	}
)

// NewRegistry returns a registry with every engine collector plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordAttempt records a finished transition attempt.
func RecordAttempt(transition, outcome string, durationSeconds float64) {
	attemptsTotal.WithLabelValues(transition, outcome).Inc()
	attemptDuration.WithLabelValues(transition).Observe(durationSeconds)
}

// RecordConflict records a lost write race.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

// RecordToolCall records a finished tool call.
func RecordToolCall(operation, status string, durationSeconds float64) {
	toolCallDuration.WithLabelValues(operation).Observe(durationSeconds)
	toolCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordToolRetry records a retried tool attempt.
func RecordToolRetry(operation string) {
	toolRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordValidation records a validation classification.
func RecordValidation(operation, status string) {
	validationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAsyncStart records a background call starting.
func RecordAsyncStart() {
	asyncInFlight.Inc()
}

// RecordAsyncEnd records a background call's terminal outcome.
func RecordAsyncEnd(operation, status string) {
	asyncInFlight.Dec()
	asyncOutcomesTotal.WithLabelValues(operation, status).Inc()
}
