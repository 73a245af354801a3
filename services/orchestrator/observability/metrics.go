// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring analysis
// sessions. Metrics include:
//   - Run counters (by outcome)
//   - Run duration histograms
//   - Cache hit/miss counters for the export and analysis caches
//   - Credit consumption counters
//   - Bridge token lifecycle counters
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
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
const metricsNamespace = "uxbiblio"

// Subsystem for orchestrator metrics
const orchestratorSubsystem = "orchestrator"

// Outcome labels an analysis run's terminal state for metrics.
type Outcome string

const (
	// OutcomeCompleted is a run that returned a populated result.
	OutcomeCompleted Outcome = "completed"

	// OutcomeEmpty is a run whose upstream response held no findings.
	OutcomeEmpty Outcome = "empty"

	// OutcomeCached is a request served from the analysis cache.
	OutcomeCached Outcome = "cached"

	// OutcomeCancelled is a run aborted by the user.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeTimeout is a run aborted by the request deadline.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeError is a run that failed in transport or decoding.
	OutcomeError Outcome = "error"

	// OutcomeRejected is a request refused before a run started
	// (empty selection, over limit, credits exhausted).
	OutcomeRejected Outcome = "rejected"
)

// Cache labels for hit/miss counters.
type Cache string

const (
	// CacheExport is the per-frame exported image cache.
	CacheExport Cache = "export"

	// CacheAnalysis is the per-flow analysis result cache.
	CacheAnalysis Cache = "analysis"
)

// TokenEvent labels bridge token lifecycle transitions.
type TokenEvent string

const (
	TokenCreated  TokenEvent = "created"
	TokenComplete TokenEvent = "completed"
	TokenConsumed TokenEvent = "consumed"
	TokenExpired  TokenEvent = "expired"
	TokenGone     TokenEvent = "gone"
)

// Metrics holds all Prometheus metrics for analysis session operations.
//
// # Description
//
// Provides counters and histograms for monitoring run outcomes, cache
// effectiveness, credit consumption, and the auth-bridge handshake.
// Initialize once at startup via NewMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// RunsTotal counts analysis requests by terminal outcome.
	// Labels: outcome (completed, empty, cached, cancelled, timeout,
	// error, rejected)
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds measures wall-clock duration of started runs.
	// Labels: outcome
	RunDurationSeconds *prometheus.HistogramVec

	// CacheLookupsTotal counts lookups against the session caches.
	// Labels: cache (export, analysis), result (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// CreditsConsumedTotal counts credits actually decremented from
	// anonymous accounts.
	CreditsConsumedTotal prometheus.Counter

	// BridgeTokensTotal counts bridge token lifecycle events.
	// Labels: event (created, completed, consumed, expired, gone)
	BridgeTokensTotal *prometheus.CounterVec

	// ActiveRuns tracks runs currently in flight.
	ActiveRuns prometheus.Gauge

	// NotificationsTotal counts UI notifications pushed, by kind.
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all orchestrator metrics against the
// given registerer.
//
// # Inputs
//
//   - reg: Target registry. Pass prometheus.DefaultRegisterer in main,
//     or a fresh prometheus.NewRegistry() in tests to avoid duplicate
//     registration panics.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "runs_total",
				Help:      "Total analysis requests by terminal outcome",
			},
			[]string{"outcome"},
		),

		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of analysis runs in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),

		CreditsConsumedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "credits_consumed_total",
				Help:      "Total credits decremented from anonymous accounts",
			},
		),

		BridgeTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "bridge_tokens_total",
				Help:      "Bridge token lifecycle events",
			},
			[]string{"event"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "active_runs",
				Help:      "Number of analysis runs currently in flight",
			},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: orchestratorSubsystem,
				Name:      "notifications_total",
				Help:      "UI notifications pushed, by kind",
			},
			[]string{"kind"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRun records a terminal run outcome. Nil receivers are no-ops so
// metrics stay optional in tests.
func (m *Metrics) RecordRun(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(outcome)).Inc()
	if seconds > 0 {
		m.RunDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
	}
}

// RecordCacheLookup records one cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache Cache, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(string(cache), result).Inc()
}

// RecordCreditsConsumed adds consumed credits to the counter.
func (m *Metrics) RecordCreditsConsumed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.CreditsConsumedTotal.Add(float64(count))
}

// RecordTokenEvent records one bridge token lifecycle event.
func (m *Metrics) RecordTokenEvent(event TokenEvent) {
	if m == nil {
		return
	}
	m.BridgeTokensTotal.WithLabelValues(string(event)).Inc()
}

// RunStarted increments the active runs gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active runs gauge.
func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

// RecordNotification counts one pushed notification.
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}
