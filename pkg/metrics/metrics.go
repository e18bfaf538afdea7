// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for sigil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for sigil.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Traffic metrics
	BytesForwarded     *prometheus.CounterVec
	DatagramsForwarded *prometheus.CounterVec

	// Failure metrics
	Errors *prometheus.CounterVec

	// Relay state, 1 while the listener loop runs
	RelayUp *prometheus.GaugeVec
}

// New creates a new Metrics instance registered on reg. A nil reg registers on the
// default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sigil"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active forwarding sessions",
			},
			[]string{"transport"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of forwarding sessions",
			},
			[]string{"transport", "status"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"transport"},
		),
		BytesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_forwarded_total",
				Help:      "Total number of bytes forwarded",
			},
			[]string{"transport", "direction"},
		),
		DatagramsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_forwarded_total",
				Help:      "Total number of UDP datagrams forwarded",
			},
			[]string{"direction"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of recovered per-session errors",
			},
			[]string{"transport", "op"},
		),
		RelayUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "relay_up",
				Help:      "Whether the relay listener loop is running (1) or not (0)",
			},
			[]string{"transport"},
		),
	}
}

// SessionOpened tracks the start of a session.
func (m *Metrics) SessionOpened(transport string) {
	m.ActiveSessions.WithLabelValues(transport).Inc()
}

// SessionClosed tracks the end of a session that was opened with SessionOpened.
func (m *Metrics) SessionClosed(transport string, duration time.Duration) {
	m.ActiveSessions.WithLabelValues(transport).Dec()
	m.SessionsTotal.WithLabelValues(transport, "closed").Inc()
	m.SessionDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// Bytes adds n forwarded bytes.
func (m *Metrics) Bytes(transport, direction string, n int64) {
	if n > 0 {
		m.BytesForwarded.WithLabelValues(transport, direction).Add(float64(n))
	}
}

// SessionFailed counts a session that never opened.
func (m *Metrics) SessionFailed(transport string) {
	m.SessionsTotal.WithLabelValues(transport, "failed").Inc()
}

// Datagram tracks one forwarded UDP datagram.
func (m *Metrics) Datagram(direction string, size int) {
	m.DatagramsForwarded.WithLabelValues(direction).Inc()
	m.Bytes("udp", direction, int64(size))
}

// Error counts a recovered error.
func (m *Metrics) Error(transport, op string) {
	m.Errors.WithLabelValues(transport, op).Inc()
}

// ObserveRelay marks transport as up while f runs.
func (m *Metrics) ObserveRelay(transport string, f func() error) error {
	m.RelayUp.WithLabelValues(transport).Set(1)
	defer m.RelayUp.WithLabelValues(transport).Set(0)
	return f()
}
