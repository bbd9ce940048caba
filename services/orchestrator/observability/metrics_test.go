// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a GovernanceMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *GovernanceMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "requests_total",
			Help:      "Total number of requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	gateDecisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "gate_decisions_total",
			Help:      "Total governance gate verdicts by stage and verdict",
		},
		[]string{"stage", "verdict"},
	)

	scopeLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "scope_lookups_total",
			Help:      "Total protection scope resolutions by outcome",
		},
		[]string{"outcome"},
	)

	documentsFilteredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "documents_filtered_total",
			Help:      "Total retrieved documents by label filter outcome",
		},
		[]string{"outcome"},
	)

	offlineReportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "offline_reports_total",
			Help:      "Total background evaluation submissions by outcome",
		},
		[]string{"outcome"},
	)

	turnDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end chat turn duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "status"},
	)

	activeTurns := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "active_turns",
			Help:      "Number of chat turns currently in flight",
		},
		[]string{"endpoint"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "errors_total",
			Help:      "Total errors by type and endpoint",
		},
		[]string{"endpoint", "error_code"},
	)

	documentIngestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "document_ingests_total",
			Help:      "Total document ingestion requests by status",
		},
		[]string{"status"},
	)

	ingestedChunksTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: governSubsystem,
			Name:      "ingested_chunks_total",
			Help:      "Total chunks written to the vector index",
		},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		requestsTotal,
		gateDecisionsTotal,
		scopeLookupsTotal,
		documentsFilteredTotal,
		offlineReportsTotal,
		turnDurationSeconds,
		activeTurns,
		errorsTotal,
		documentIngestsTotal,
		ingestedChunksTotal,
	)

	return &GovernanceMetrics{
		RequestsTotal:          requestsTotal,
		GateDecisionsTotal:     gateDecisionsTotal,
		ScopeLookupsTotal:      scopeLookupsTotal,
		DocumentsFilteredTotal: documentsFilteredTotal,
		OfflineReportsTotal:    offlineReportsTotal,
		TurnDurationSeconds:    turnDurationSeconds,
		ActiveTurns:            activeTurns,
		ErrorsTotal:            errorsTotal,
		DocumentIngestsTotal:   documentIngestsTotal,
		IngestedChunksTotal:    ingestedChunksTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.GateDecisionsTotal == nil {
		t.Error("GateDecisionsTotal should not be nil")
	}
	if result.ScopeLookupsTotal == nil {
		t.Error("ScopeLookupsTotal should not be nil")
	}
	if result.DocumentsFilteredTotal == nil {
		t.Error("DocumentsFilteredTotal should not be nil")
	}
	if result.OfflineReportsTotal == nil {
		t.Error("OfflineReportsTotal should not be nil")
	}
	if result.TurnDurationSeconds == nil {
		t.Error("TurnDurationSeconds should not be nil")
	}
	if result.ActiveTurns == nil {
		t.Error("ActiveTurns should not be nil")
	}
	if result.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if result.DocumentIngestsTotal == nil {
		t.Error("DocumentIngestsTotal should not be nil")
	}
	if result.IngestedChunksTotal == nil {
		t.Error("IngestedChunksTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRequest(EndpointChatStream, true)
	result.RecordError(EndpointChatStream, ErrorCodeModel)
	result.RecordGateDecision("prompt", VerdictAllowed)
	result.TurnStarted(EndpointChatStream)
	result.TurnEnded(EndpointChatStream)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "aleutian" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "aleutian")
	}
	if governSubsystem != "govern" {
		t.Errorf("governSubsystem = %q, want %q", governSubsystem, "govern")
	}
}

func TestEndpointConstants(t *testing.T) {
	tests := []struct {
		endpoint Endpoint
		want     string
	}{
		{EndpointChatStream, "chat_stream"},
		{EndpointChatWS, "chat_ws"},
		{EndpointDocuments, "documents"},
		{EndpointSessions, "sessions"},
	}

	for _, tt := range tests {
		if string(tt.endpoint) != tt.want {
			t.Errorf("Endpoint = %q, want %q", tt.endpoint, tt.want)
		}
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeAuth, "auth"},
		{ErrorCodeTokenAcquisition, "token_acquisition"},
		{ErrorCodeValidation, "validation"},
		{ErrorCodePolicyEvaluation, "policy_evaluation"},
		{ErrorCodeRetrieval, "retrieval"},
		{ErrorCodeModel, "model"},
		{ErrorCodeHistory, "history"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestGovernanceMetrics_RecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, false)
	m.RecordRequest(EndpointDocuments, true)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[chat_stream,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[chat_stream,error] = %f, want 1", errorVal)
	}

	docsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("documents", "success"))
	if docsVal != 1 {
		t.Errorf("RequestsTotal[documents,success] = %f, want 1", docsVal)
	}
}

// ============================================================================
// Gate Decision Tests
// ============================================================================

func TestGovernanceMetrics_RecordGateDecision(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordGateDecision("prompt", VerdictAllowed)
	m.RecordGateDecision("prompt", VerdictBlocked)
	m.RecordGateDecision("response", VerdictAllowed)
	m.RecordGateDecision("offline", VerdictFailed)

	allowedVal := testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("prompt", "allowed"))
	if allowedVal != 1 {
		t.Errorf("GateDecisionsTotal[prompt,allowed] = %f, want 1", allowedVal)
	}

	blockedVal := testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("prompt", "blocked"))
	if blockedVal != 1 {
		t.Errorf("GateDecisionsTotal[prompt,blocked] = %f, want 1", blockedVal)
	}

	failedVal := testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("offline", "failed"))
	if failedVal != 1 {
		t.Errorf("GateDecisionsTotal[offline,failed] = %f, want 1", failedVal)
	}
}

// ============================================================================
// Scope Lookup Tests
// ============================================================================

func TestGovernanceMetrics_RecordScopeLookup(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordScopeLookup(ScopeOutcomeMiss)
	m.RecordScopeLookup(ScopeOutcomeHit)
	m.RecordScopeLookup(ScopeOutcomeHit)
	m.RecordScopeLookup(ScopeOutcomeError)

	hitVal := testutil.ToFloat64(m.ScopeLookupsTotal.WithLabelValues("hit"))
	if hitVal != 2 {
		t.Errorf("ScopeLookupsTotal[hit] = %f, want 2", hitVal)
	}

	missVal := testutil.ToFloat64(m.ScopeLookupsTotal.WithLabelValues("miss"))
	if missVal != 1 {
		t.Errorf("ScopeLookupsTotal[miss] = %f, want 1", missVal)
	}

	errVal := testutil.ToFloat64(m.ScopeLookupsTotal.WithLabelValues("error"))
	if errVal != 1 {
		t.Errorf("ScopeLookupsTotal[error] = %f, want 1", errVal)
	}
}

// ============================================================================
// Filter and Offline Report Tests
// ============================================================================

func TestGovernanceMetrics_RecordDocumentsFiltered(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDocumentsFiltered(3, 2)
	m.RecordDocumentsFiltered(1, 0)

	retainedVal := testutil.ToFloat64(m.DocumentsFilteredTotal.WithLabelValues("retained"))
	if retainedVal != 4 {
		t.Errorf("DocumentsFilteredTotal[retained] = %f, want 4", retainedVal)
	}

	droppedVal := testutil.ToFloat64(m.DocumentsFilteredTotal.WithLabelValues("dropped"))
	if droppedVal != 2 {
		t.Errorf("DocumentsFilteredTotal[dropped] = %f, want 2", droppedVal)
	}
}

func TestGovernanceMetrics_RecordOfflineReport(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordOfflineReport("enqueued")
	m.RecordOfflineReport("enqueued")
	m.RecordOfflineReport("dropped")

	enqueuedVal := testutil.ToFloat64(m.OfflineReportsTotal.WithLabelValues("enqueued"))
	if enqueuedVal != 2 {
		t.Errorf("OfflineReportsTotal[enqueued] = %f, want 2", enqueuedVal)
	}

	droppedVal := testutil.ToFloat64(m.OfflineReportsTotal.WithLabelValues("dropped"))
	if droppedVal != 1 {
		t.Errorf("OfflineReportsTotal[dropped] = %f, want 1", droppedVal)
	}
}

// ============================================================================
// Turn Lifecycle Tests
// ============================================================================

func TestGovernanceMetrics_TurnLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.TurnStarted(EndpointChatStream)
	m.TurnStarted(EndpointChatStream)
	m.TurnStarted(EndpointChatWS)

	val := testutil.ToFloat64(m.ActiveTurns.WithLabelValues("chat_stream"))
	if val != 2 {
		t.Errorf("ActiveTurns[chat_stream] = %f, want 2", val)
	}

	m.TurnEnded(EndpointChatStream)
	m.TurnEnded(EndpointChatStream)

	val = testutil.ToFloat64(m.ActiveTurns.WithLabelValues("chat_stream"))
	if val != 0 {
		t.Errorf("ActiveTurns[chat_stream] after ends = %f, want 0", val)
	}

	wsVal := testutil.ToFloat64(m.ActiveTurns.WithLabelValues("chat_ws"))
	if wsVal != 1 {
		t.Errorf("ActiveTurns[chat_ws] = %f, want 1", wsVal)
	}
}

func TestGovernanceMetrics_RecordTurnDuration(t *testing.T) {
	m := newTestMetrics(t)

	// Values across several buckets; histogram assertions are limited to
	// collection success.
	m.RecordTurnDuration(EndpointChatStream, 0.05, true)
	m.RecordTurnDuration(EndpointChatStream, 3.0, true)
	m.RecordTurnDuration(EndpointChatStream, 45.0, false)

	count := testutil.CollectAndCount(m.TurnDurationSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

// ============================================================================
// Ingestion Tests
// ============================================================================

func TestGovernanceMetrics_RecordIngest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordIngest(12, true)
	m.RecordIngest(4, true)
	m.RecordIngest(0, false)

	successVal := testutil.ToFloat64(m.DocumentIngestsTotal.WithLabelValues("success"))
	if successVal != 2 {
		t.Errorf("DocumentIngestsTotal[success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.DocumentIngestsTotal.WithLabelValues("error"))
	if errorVal != 1 {
		t.Errorf("DocumentIngestsTotal[error] = %f, want 1", errorVal)
	}

	chunksVal := testutil.ToFloat64(m.IngestedChunksTotal)
	if chunksVal != 16 {
		t.Errorf("IngestedChunksTotal = %f, want 16", chunksVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestGovernanceMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 80)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(EndpointChatStream, true)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordGateDecision("prompt", VerdictAllowed)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordDocumentsFiltered(2, 1)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.TurnStarted(EndpointChatStream)
			m.TurnEnded(EndpointChatStream)
			done <- true
		}()
	}

	for i := 0; i < 80; i++ {
		<-done
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[chat_stream,success] = %f, want 20", requestsVal)
	}

	gateVal := testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("prompt", "allowed"))
	if gateVal != 20 {
		t.Errorf("GateDecisionsTotal[prompt,allowed] = %f, want 20", gateVal)
	}

	retainedVal := testutil.ToFloat64(m.DocumentsFilteredTotal.WithLabelValues("retained"))
	if retainedVal != 40 {
		t.Errorf("DocumentsFilteredTotal[retained] = %f, want 40", retainedVal)
	}
}
