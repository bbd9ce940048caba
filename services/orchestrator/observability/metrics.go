// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the governed chat
// pipeline. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Gate decision counters (prompt/response/offline, by verdict)
//   - Label filter and scope cache outcomes
//   - Turn duration histograms and active turn gauges
//   - Document ingestion counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus + Grafana
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
const metricsNamespace = "aleutian"

// Subsystem for governance pipeline metrics
const governSubsystem = "govern"

// GovernanceMetrics holds all Prometheus metrics for the governed chat pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring pipeline behavior
// and governance outcomes. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type GovernanceMetrics struct {
	// RequestsTotal counts completed requests by endpoint and status.
	// Labels: endpoint (chat_stream, chat_ws, documents, sessions),
	// status (success, error)
	RequestsTotal *prometheus.CounterVec

	// GateDecisionsTotal counts governance gate verdicts.
	// Labels: stage (prompt, response, offline), verdict (allowed, blocked, failed)
	GateDecisionsTotal *prometheus.CounterVec

	// ScopeLookupsTotal counts protection scope resolutions.
	// Labels: outcome (hit, miss, error)
	ScopeLookupsTotal *prometheus.CounterVec

	// DocumentsFilteredTotal counts per-document label filter outcomes.
	// Labels: outcome (retained, dropped)
	DocumentsFilteredTotal *prometheus.CounterVec

	// OfflineReportsTotal counts background evaluation submissions.
	// Labels: outcome (enqueued, dropped)
	OfflineReportsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end chat turn duration.
	// Labels: endpoint, status (success, error)
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveTurns tracks chat turns currently in flight.
	// Labels: endpoint
	ActiveTurns *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// DocumentIngestsTotal counts document ingestion requests.
	// Labels: status (success, error)
	DocumentIngestsTotal *prometheus.CounterVec

	// IngestedChunksTotal counts chunks written to the vector index.
	IngestedChunksTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of GovernanceMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GovernanceMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *GovernanceMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *GovernanceMetrics {
	DefaultMetrics = &GovernanceMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		GateDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "gate_decisions_total",
				Help:      "Total governance gate verdicts by stage and verdict",
			},
			[]string{"stage", "verdict"},
		),

		ScopeLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "scope_lookups_total",
				Help:      "Total protection scope resolutions by outcome",
			},
			[]string{"outcome"},
		),

		DocumentsFilteredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "documents_filtered_total",
				Help:      "Total retrieved documents by label filter outcome",
			},
			[]string{"outcome"},
		),

		OfflineReportsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "offline_reports_total",
				Help:      "Total background evaluation submissions by outcome",
			},
			[]string{"outcome"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end chat turn duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveTurns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "active_turns",
				Help:      "Number of chat turns currently in flight",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		DocumentIngestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "document_ingests_total",
				Help:      "Total document ingestion requests by status",
			},
			[]string{"status"},
		),

		IngestedChunksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: governSubsystem,
				Name:      "ingested_chunks_total",
				Help:      "Total chunks written to the vector index",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeAuth indicates a missing or malformed credential.
	ErrorCodeAuth ErrorCode = "auth"

	// ErrorCodeTokenAcquisition indicates the identity exchange failed.
	ErrorCodeTokenAcquisition ErrorCode = "token_acquisition"

	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodePolicyEvaluation indicates an inline gate call failed.
	ErrorCodePolicyEvaluation ErrorCode = "policy_evaluation"

	// ErrorCodeRetrieval indicates document retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval"

	// ErrorCodeModel indicates the model call failed.
	ErrorCodeModel ErrorCode = "model"

	// ErrorCodeHistory indicates a session store failure.
	ErrorCodeHistory ErrorCode = "history"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away mid-request.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents an API endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChatStream is the NDJSON chat endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointChatWS is the websocket chat endpoint.
	EndpointChatWS Endpoint = "chat_ws"

	// EndpointDocuments covers document upload and download.
	EndpointDocuments Endpoint = "documents"

	// EndpointSessions covers session list, detail, and delete.
	EndpointSessions Endpoint = "sessions"
)

// =============================================================================
// Label Values
// =============================================================================

const (
	// VerdictAllowed marks a gate decision that let content through.
	VerdictAllowed = "allowed"

	// VerdictBlocked marks a restrictAccess verdict.
	VerdictBlocked = "blocked"

	// VerdictFailed marks a gate call that could not be evaluated.
	VerdictFailed = "failed"

	// ScopeOutcomeHit marks a scope served from the cache.
	ScopeOutcomeHit = "hit"

	// ScopeOutcomeMiss marks a scope fetched from the governance service.
	ScopeOutcomeMiss = "miss"

	// ScopeOutcomeError marks a failed scope fetch.
	ScopeOutcomeError = "error"

	// FilterOutcomeRetained marks a document kept by the label filter.
	FilterOutcomeRetained = "retained"

	// FilterOutcomeDropped marks a document removed by the label filter.
	FilterOutcomeDropped = "dropped"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the request.
//   - success: Whether the request completed successfully.
func (m *GovernanceMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a categorized error.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - code: The error type code.
func (m *GovernanceMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordGateDecision records one governance gate verdict.
//
// # Inputs
//
//   - stage: The gate stage ("prompt", "response", "offline").
//   - verdict: VerdictAllowed, VerdictBlocked, or VerdictFailed.
func (m *GovernanceMetrics) RecordGateDecision(stage, verdict string) {
	m.GateDecisionsTotal.WithLabelValues(stage, verdict).Inc()
}

// RecordScopeLookup records a protection scope resolution outcome.
//
// # Inputs
//
//   - outcome: ScopeOutcomeHit, ScopeOutcomeMiss, or ScopeOutcomeError.
func (m *GovernanceMetrics) RecordScopeLookup(outcome string) {
	m.ScopeLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordDocumentsFiltered records the label filter outcome for one turn.
//
// # Inputs
//
//   - retained: Number of documents kept.
//   - dropped: Number of documents removed.
func (m *GovernanceMetrics) RecordDocumentsFiltered(retained, dropped int) {
	m.DocumentsFilteredTotal.WithLabelValues(FilterOutcomeRetained).Add(float64(retained))
	m.DocumentsFilteredTotal.WithLabelValues(FilterOutcomeDropped).Add(float64(dropped))
}

// RecordOfflineReport records a background evaluation submission outcome.
//
// # Inputs
//
//   - outcome: "enqueued" or "dropped", as returned by the reporter.
func (m *GovernanceMetrics) RecordOfflineReport(outcome string) {
	m.OfflineReportsTotal.WithLabelValues(outcome).Inc()
}

// TurnStarted increments the active turns gauge.
//
// # Inputs
//
//   - endpoint: The endpoint handling the turn.
func (m *GovernanceMetrics) TurnStarted(endpoint Endpoint) {
	m.ActiveTurns.WithLabelValues(string(endpoint)).Inc()
}

// TurnEnded decrements the active turns gauge.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the turn.
func (m *GovernanceMetrics) TurnEnded(endpoint Endpoint) {
	m.ActiveTurns.WithLabelValues(string(endpoint)).Dec()
}

// RecordTurnDuration records the end-to-end turn duration.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the turn.
//   - seconds: Total duration in seconds.
//   - success: Whether the turn completed successfully.
func (m *GovernanceMetrics) RecordTurnDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordIngest records one document ingestion.
//
// # Inputs
//
//   - chunks: Number of chunks written to the index.
//   - success: Whether ingestion completed successfully.
func (m *GovernanceMetrics) RecordIngest(chunks int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.DocumentIngestsTotal.WithLabelValues(status).Inc()
	if chunks > 0 {
		m.IngestedChunksTotal.Add(float64(chunks))
	}
}
