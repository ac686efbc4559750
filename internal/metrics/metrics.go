// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts submitted operations by outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_operations_total",
			Help: "Submitted operations by merge outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SubmitDuration tracks time spent in the serialized submit path.
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_submit_duration_seconds",
			Help:    "Duration of resolve + durable append",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// LogUnavailableTotal counts durability failures.
	LogUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_log_unavailable_total",
			Help: "Operations refused because the log could not be read or written",
		},
	)

	// SessionsActive tracks connected sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_sessions_active",
			Help: "Number of live sessions",
		},
	)

	// SessionsClosedTotal counts session teardowns by reason.
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_sessions_closed_total",
			Help: "Closed sessions by reason",
		},
		[]string{"reason"},
	)

	// CatchUpsTotal counts catch-ups by mode (snapshot or range).
	CatchUpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_catchups_total",
			Help: "Session catch-ups by mode",
		},
		[]string{"mode"},
	)

	// CommandDuration tracks task collaborator calls.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_command_duration_seconds",
			Help:    "Slash command execution duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)

	// CompactionsTotal counts snapshot compactions.
	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_compactions_total",
			Help: "Snapshot compactions by result",
		},
		[]string{"result"},
	)

	// RemoteHintsTotal counts change hints received from other instances.
	RemoteHintsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_remote_hints_total",
			Help: "Change hints received from other instances",
		},
	)
)

// RecordOperation records the outcome of one submit.
func RecordOperation(kind, outcome string, d time.Duration) {
	OperationsTotal.WithLabelValues(kind, outcome).Inc()
	SubmitDuration.Observe(d.Seconds())
}

// RecordCommand records one slash command execution.
func RecordCommand(status string, d time.Duration) {
	CommandDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SessionOpened increments the live session gauge.
func SessionOpened() {
	SessionsActive.Inc()
}

// SessionClosed decrements the live session gauge.
func SessionClosed(reason string) {
	SessionsActive.Dec()
	SessionsClosedTotal.WithLabelValues(reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
