// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of live stream sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camtuner_sessions_active",
		Help: "Number of active stream sessions",
	})

	// SessionTransitions counts session state machine transitions.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camtuner_session_transitions_total",
		Help: "Total session state transitions by new state",
	}, []string{"state"})

	// SessionRestarts counts automatic restarts after process failures.
	SessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camtuner_session_restarts_total",
		Help: "Total automatic session restarts by reason",
	}, []string{"reason"})

	// TuneRequests counts tune attempts by result.
	TuneRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camtuner_tune_requests_total",
		Help: "Total tune requests by result",
	}, []string{"result"})

	// ProbeDuration tracks how long health probes take.
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camtuner_probe_duration_seconds",
		Help:    "Duration of source health probes",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 8, 13, 20},
	}, []string{"result"})

	// StreamBytes counts bytes forwarded to tuner clients.
	StreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camtuner_stream_bytes_total",
		Help: "Total stream bytes forwarded to clients",
	})
)

// RecordTransition records a session state transition.
func RecordTransition(state string) {
	SessionTransitions.WithLabelValues(state).Inc()
}

// RecordRestart records an automatic restart.
func RecordRestart(reason string) {
	SessionRestarts.WithLabelValues(reason).Inc()
}

// RecordTune records a tune attempt outcome.
func RecordTune(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	TuneRequests.WithLabelValues(result).Inc()
}

// ObserveProbe records the duration and outcome of a health probe.
func ObserveProbe(success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	ProbeDuration.WithLabelValues(result).Observe(d.Seconds())
}
