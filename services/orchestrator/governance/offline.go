// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// offlineTracer is the OpenTelemetry tracer for offline reporting operations.
var offlineTracer = otel.Tracer("aleutian.govern.governance.offline")

const (
	// defaultOfflinePoolSize bounds concurrent background evaluations.
	defaultOfflinePoolSize = 16

	// offlineCallTimeout bounds each background evaluation call. The parent
	// request has already been answered; a slow report must not pile up.
	offlineCallTimeout = 60 * time.Second
)

// =============================================================================
// OfflineReporter
// =============================================================================

// OfflineReport carries one turn's texts for asynchronous evaluation.
//
// Both texts are always reported together: the governance service correlates
// prompt and response by conversation and sequence number. PromptSequence and
// ResponseSequence are reserved by the caller before enqueueing.
type OfflineReport struct {
	Tokens           EvaluationCredentials
	UserID           string
	SessionID        string
	ETag             string
	Prompt           string
	Response         string
	PromptSequence   int
	ResponseSequence int
}

// EvaluationCredentials is the token material a background evaluation uses.
// Held only until the report has been submitted.
type EvaluationCredentials struct {
	AccessToken string
}

// OfflineReporter submits content evaluations in the background.
//
// # Description
//
// ReportingAsync is fire-and-forget with respect to the HTTP response:
// Enqueue returns as soon as the work is handed to the pool, and every
// outcome (success, policy verdict, or failure) is logged, never surfaced
// to the client. The pool bounds how many background evaluations run at
// once; when it is saturated Enqueue drops the report and logs.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	reporter, err := governance.NewOfflineReporter(gateway, auditor)
//	if err != nil { ... }
//	defer reporter.Close()
//
//	reporter.Enqueue(report) // never blocks the chat response
type OfflineReporter struct {
	pool    *ants.Pool
	gateway PolicyGateway
	auditor extensions.DecisionAuditor
}

// NewOfflineReporter creates a reporter with its own worker pool.
//
// The auditor may be extensions.NopDecisionAuditor; it must not be nil.
// Panics if gateway or auditor is nil.
func NewOfflineReporter(gateway PolicyGateway, auditor extensions.DecisionAuditor) (*OfflineReporter, error) {
	if gateway == nil {
		panic("governance: NewOfflineReporter requires a non-nil gateway")
	}
	if auditor == nil {
		panic("governance: NewOfflineReporter requires a non-nil auditor")
	}

	pool, err := ants.NewPool(defaultOfflinePoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create offline reporting pool: %w", err)
	}

	return &OfflineReporter{
		pool:    pool,
		gateway: gateway,
		auditor: auditor,
	}, nil
}

// Enqueue hands a report to the background pool.
//
// Returns a status string used only for logging by the caller: "enqueued"
// when the work was accepted, "dropped" when the pool was saturated or
// closed. Never returns an error; reporting failures must not fail the
// parent chat request.
func (r *OfflineReporter) Enqueue(report OfflineReport) string {
	err := r.pool.Submit(func() {
		r.run(report)
	})
	if err != nil {
		slog.Error("Failed to enqueue offline evaluation, report dropped",
			"session_id", report.SessionID,
			"error", err,
		)
		return "dropped"
	}
	return "enqueued"
}

// run performs both background evaluations for one report.
func (r *OfflineReporter) run(report OfflineReport) {
	ctx, cancel := context.WithTimeout(context.Background(), offlineCallTimeout)
	defer cancel()

	ctx, span := offlineTracer.Start(ctx, "OfflineReport")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", report.SessionID),
		attribute.Int("prompt_sequence", report.PromptSequence),
		attribute.Int("response_sequence", report.ResponseSequence),
	)

	r.evaluateOne(ctx, report, datatypes.ActivityUploadText, report.Prompt, report.PromptSequence)
	r.evaluateOne(ctx, report, datatypes.ActivityDownloadText, report.Response, report.ResponseSequence)
}

// evaluateOne submits one text and logs the outcome.
func (r *OfflineReporter) evaluateOne(ctx context.Context, report OfflineReport, activity, content string, sequence int) {
	if content == "" {
		return
	}

	eval, err := r.gateway.EvaluateContent(ctx, &EvaluationRequest{
		AccessToken:    report.Tokens.AccessToken,
		UserID:         report.UserID,
		ETag:           report.ETag,
		Activity:       activity,
		Content:        content,
		ConversationID: report.SessionID,
		SequenceNumber: sequence,
	})
	if err != nil {
		slog.Error("Offline evaluation failed",
			"session_id", report.SessionID,
			"activity", activity,
			"error", err,
		)
		return
	}

	if eval.ScopeModified() {
		// Observed only: the scope cache keeps serving the cached entry.
		slog.Info("Offline evaluation reports modified protection scope",
			"session_id", report.SessionID,
			"user_id", report.UserID,
		)
	}

	etag := eval.ETag
	if etag == "" {
		etag = report.ETag
	}
	if err := r.auditor.Record(ctx, extensions.GateDecision{
		Stage:      extensions.StageOffline,
		Timestamp:  time.Now().UTC(),
		UserID:     report.UserID,
		SessionID:  report.SessionID,
		Activity:   activity,
		Mode:       datatypes.ModeEvaluateOffline,
		Allowed:    !eval.Blocked(),
		PolicyETag: etag,
	}); err != nil {
		slog.Warn("Failed to record offline gate decision", "error", err)
	}

	slog.Info("Offline evaluation completed",
		"session_id", report.SessionID,
		"activity", activity,
		"sequence", sequence,
		"blocked", eval.Blocked(),
	)
}

// Close releases the worker pool. Pending reports are abandoned.
func (r *OfflineReporter) Close() {
	r.pool.Release()
}
