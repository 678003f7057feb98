// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the context broker and code execution:
//   - Active contexts gauge
//   - Lifecycle operation counters (create, restart, delete by outcome)
//   - Default context creations
//   - Backend readiness waits (outcome counter, wait histogram)
//   - Executions (counter and duration histogram by outcome)
//   - Classified errors by kind
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "codegate"

// Subsystems
const (
	brokerSubsystem    = "broker"
	readinessSubsystem = "readiness"
	executionSubsystem = "execution"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds all Prometheus metrics for the gateway.
//
// # Description
//
// Initialize once at startup with NewMetrics. Tests pass a fresh
// prometheus.NewRegistry() so that instances never collide.
//
// # Fields
//
//   - ActiveContexts: Gauge of live contexts in the registry
//   - LifecycleOpsTotal: Counter by op (create, restart, delete) and outcome
//   - DefaultCreationsTotal: Counter of default contexts created, by language
//   - ReadinessWaitsTotal: Counter by policy (attempts, duration) and outcome
//   - ReadinessWaitSeconds: Histogram of time spent waiting for the backend
//   - ExecutionsTotal: Counter by language and outcome
//   - ExecutionDurationSeconds: Histogram of execution stream duration
//   - ErrorsTotal: Counter of classified errors by kind
type Metrics struct {
	ActiveContexts           prometheus.Gauge
	LifecycleOpsTotal        *prometheus.CounterVec
	DefaultCreationsTotal    *prometheus.CounterVec
	ReadinessWaitsTotal      *prometheus.CounterVec
	ReadinessWaitSeconds     *prometheus.HistogramVec
	ExecutionsTotal          *prometheus.CounterVec
	ExecutionDurationSeconds *prometheus.HistogramVec
	ErrorsTotal              *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics with reg.
//
// # Inputs
//
//   - reg: Registerer to use. nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Examples
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: brokerSubsystem,
			Name:      "active_contexts",
			Help:      "Number of live execution contexts",
		}),

		LifecycleOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "lifecycle_ops_total",
				Help:      "Context lifecycle operations by op and outcome",
			},
			[]string{"op", "outcome"},
		),

		DefaultCreationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "default_creations_total",
				Help:      "Default contexts created, by language",
			},
			[]string{"language"},
		),

		ReadinessWaitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: readinessSubsystem,
				Name:      "waits_total",
				Help:      "Backend readiness waits by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),

		ReadinessWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: readinessSubsystem,
				Name:      "wait_seconds",
				Help:      "Time spent waiting for the backend to become ready",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"policy"},
		),

		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: executionSubsystem,
				Name:      "total",
				Help:      "Code executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),

		ExecutionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: executionSubsystem,
				Name:      "duration_seconds",
				Help:      "Execution stream duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"language"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: brokerSubsystem,
				Name:      "errors_total",
				Help:      "Classified broker errors by kind",
			},
			[]string{"kind"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeError
}

// RecordLifecycle records one create, restart or delete.
func (m *Metrics) RecordLifecycle(op string, success bool) {
	m.LifecycleOpsTotal.WithLabelValues(op, outcome(success)).Inc()
}

// RecordDefaultCreated records a default context created for language.
func (m *Metrics) RecordDefaultCreated(language string) {
	m.DefaultCreationsTotal.WithLabelValues(language).Inc()
}

// SetActiveContexts sets the live context gauge.
func (m *Metrics) SetActiveContexts(n int) {
	m.ActiveContexts.Set(float64(n))
}

// RecordReadiness records a finished readiness wait.
//
// # Inputs
//
//   - policy: "attempts" or "duration".
//   - ready: Whether the backend became ready within budget.
//   - seconds: Time spent waiting.
func (m *Metrics) RecordReadiness(policy string, ready bool, seconds float64) {
	result := "ready"
	if !ready {
		result = "timed_out"
	}
	m.ReadinessWaitsTotal.WithLabelValues(policy, result).Inc()
	m.ReadinessWaitSeconds.WithLabelValues(policy).Observe(seconds)
}

// RecordExecution records a finished execution stream.
func (m *Metrics) RecordExecution(language string, success bool, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(language, outcome(success)).Inc()
	m.ExecutionDurationSeconds.WithLabelValues(language).Observe(seconds)
}

// RecordError records a classified error.
func (m *Metrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
