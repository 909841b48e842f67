// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the queue service.
//
// # Description
//
// Metrics include:
//   - Command counters (by command and outcome)
//   - Connected clients gauge (by role)
//   - Broadcast and slow-client drop counters
//   - Snapshot persistence counters and latency histogram
//
// # Integration
//
// Metrics are registered on the Registerer passed to NewMetrics and are
// exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe to call on a nil *Metrics, which records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "examqueue"

const (
	hubSubsystem         = "hub"
	persistenceSubsystem = "persistence"
)

// Outcome labels for CommandsTotal, besides the wire error codes.
const (
	OutcomeAccepted = "accepted"
)

// Metrics holds all Prometheus metrics for the queue service.
type Metrics struct {
	// CommandsTotal counts commands by kind and outcome.
	// Labels: command (call.issue, ...), outcome (accepted, unauthorized, ...)
	CommandsTotal *prometheus.CounterVec

	// ClientsConnected tracks live connections.
	// Labels: role (display, examiner, manager)
	ClientsConnected *prometheus.GaugeVec

	// BroadcastsTotal counts fan-out events by event type.
	BroadcastsTotal *prometheus.CounterVec

	// ClientDropsTotal counts clients disconnected by the hub.
	// Labels: reason (slow_consumer, shutdown)
	ClientDropsTotal *prometheus.CounterVec

	// SnapshotWritesTotal counts snapshot writes by status.
	SnapshotWritesTotal *prometheus.CounterVec

	// SnapshotWriteSeconds measures snapshot write latency.
	SnapshotWriteSeconds prometheus.Histogram
}

// NewMetrics creates and registers all metrics on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests and multiple services isolated.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: hubSubsystem,
				Name:      "commands_total",
				Help:      "Total commands handled by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		ClientsConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: hubSubsystem,
				Name:      "clients_connected",
				Help:      "Number of currently connected clients by role",
			},
			[]string{"role"},
		),

		BroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: hubSubsystem,
				Name:      "broadcasts_total",
				Help:      "Total events fanned out to all clients by event type",
			},
			[]string{"event"},
		),

		ClientDropsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: hubSubsystem,
				Name:      "client_drops_total",
				Help:      "Total clients disconnected by the hub by reason",
			},
			[]string{"reason"},
		),

		SnapshotWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: persistenceSubsystem,
				Name:      "snapshot_writes_total",
				Help:      "Total snapshot writes by status",
			},
			[]string{"status"},
		),

		SnapshotWriteSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: persistenceSubsystem,
				Name:      "snapshot_write_seconds",
				Help:      "Snapshot write latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordCommand records the outcome of one command.
func (m *Metrics) RecordCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// ClientJoined increments the connected clients gauge.
func (m *Metrics) ClientJoined(role string) {
	if m == nil {
		return
	}
	m.ClientsConnected.WithLabelValues(role).Inc()
}

// ClientLeft decrements the connected clients gauge.
func (m *Metrics) ClientLeft(role string) {
	if m == nil {
		return
	}
	m.ClientsConnected.WithLabelValues(role).Dec()
}

// RecordBroadcast counts one fan-out.
func (m *Metrics) RecordBroadcast(event string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(event).Inc()
}

// RecordClientDrop counts a client the hub disconnected.
func (m *Metrics) RecordClientDrop(reason string) {
	if m == nil {
		return
	}
	m.ClientDropsTotal.WithLabelValues(reason).Inc()
}

// RecordSnapshotWrite records one snapshot write attempt.
func (m *Metrics) RecordSnapshotWrite(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SnapshotWritesTotal.WithLabelValues(status).Inc()
	m.SnapshotWriteSeconds.Observe(elapsed.Seconds())
}
