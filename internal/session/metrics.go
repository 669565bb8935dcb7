// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session implements the Stream: a pair of Stream Interfaces and a
// pair of Channels sharing one analyser.Txn, driven as a single
// cooperative task until both sides reach CLO.
package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and histograms a Stream updates over its
// lifetime. Provides metrics:
//
//	rproxy_sessions_total
//	rproxy_bytes_total{direction}
//	rproxy_session_errors_total{type}
//	rproxy_session_duration_seconds
//
// Example usage:
//
//	metrics.SessionErrors.With(prometheus.Labels{"type": "ERR_CLITO"}).Inc()
var (
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rproxy_sessions_total",
			Help: "Total number of streams created.",
		},
	)

	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rproxy_bytes_total",
			Help: "Total bytes forwarded, labeled by direction.",
		}, []string{"direction"})

	// SessionErrors counts errors labeled by the ERR_* taxonomy used in
	// the stats applet's termination state column.
	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rproxy_session_errors_total",
			Help: "Total number of session-ending errors, labeled by ERR_* class.",
		}, []string{"type"})

	// FinishStates counts stream completions labeled by the FINST_* class
	// recorded in analyser.Txn.Finish.
	FinishStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rproxy_finish_states_total",
			Help: "Total number of streams by termination state.",
		}, []string{"state"})

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rproxy_session_duration_seconds",
			Help:    "Stream lifetime from accept to CLO/CLO.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rproxy_active_sessions",
			Help: "Number of streams currently open.",
		},
	)
)
