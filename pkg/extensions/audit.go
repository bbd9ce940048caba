// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// GateStage identifies which point in the pipeline produced a decision.
type GateStage string

const (
	// StagePrompt is the gate applied to the user's prompt before retrieval.
	StagePrompt GateStage = "prompt"

	// StageResponse is the gate applied to the synthesized answer before
	// it is returned to the caller.
	StageResponse GateStage = "response"

	// StageOffline is the asynchronous post-turn report of both texts.
	StageOffline GateStage = "offline"
)

// GateDecision records a single governance verdict for compliance export.
//
// The pipeline emits one GateDecision per gate evaluation: prompt gate,
// response gate, and each offline report. Implementations receive them in
// the order they were made within a turn.
//
// # Compliance Fields
//
// For regulatory reporting, always populate:
//   - UserID: Required for right-to-know requests
//   - SessionID: Required to reconstruct a conversation's gate history
//   - Timestamp: Required for audit trail integrity
//
// Example:
//
//	decision := GateDecision{
//	    Stage:     StagePrompt,
//	    Timestamp: time.Now().UTC(),
//	    UserID:    userID,
//	    SessionID: sessionID,
//	    Activity:  "uploadText",
//	    Mode:      "evaluateInline",
//	    Allowed:   false,
//	    Reason:    "policy match: secrets",
//	}
type GateDecision struct {
	// Stage identifies the gate that produced this decision.
	Stage GateStage

	// Timestamp is when the decision was made (always UTC).
	// If zero, implementations should set to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies whose content was evaluated.
	UserID string

	// SessionID is the conversation the decision belongs to.
	SessionID string

	// Activity is the governance activity name the text was submitted
	// under (e.g. "uploadText", "downloadText").
	Activity string

	// Mode is the execution mode the scope resolved to for this activity.
	Mode string

	// Allowed is the verdict: true to let the text through.
	Allowed bool

	// Reason carries the policy action or error detail behind a block.
	// Empty for clean allows.
	Reason string

	// PolicyETag is the scope version the decision was made under.
	PolicyETag string

	// Metadata holds additional decision-specific data.
	//
	// Common metadata keys:
	//   - "sequence_number": position of the evaluated text in the session
	//   - "duration_ms": gate round-trip time
	//   - "error": transport detail when the gate failed closed
	Metadata Metadata
}

// DecisionFilter defines criteria for querying recorded decisions.
//
// All fields are optional - only non-zero values are used as filters.
// Multiple fields are combined with AND logic.
//
// Example:
//
//	// Find all blocked prompts in the last hour
//	filter := DecisionFilter{
//	    Stages:    []GateStage{StagePrompt},
//	    Blocked:   true,
//	    StartTime: time.Now().Add(-time.Hour),
//	}
//	decisions, err := auditor.Query(ctx, filter)
type DecisionFilter struct {
	// Stages limits results to specific gate stages.
	// If empty, all stages are included.
	Stages []GateStage

	// UserID limits results to decisions about a specific user.
	UserID string

	// SessionID limits results to a single conversation.
	SessionID string

	// Blocked, when true, limits results to decisions that denied content.
	Blocked bool

	// StartTime is the earliest decision timestamp to include (inclusive).
	// If zero, no lower bound is applied.
	StartTime time.Time

	// EndTime is the latest decision timestamp to include (exclusive).
	// If zero, no upper bound is applied.
	EndTime time.Time

	// Limit is the maximum number of decisions to return.
	// If zero, implementation-specific default is used.
	Limit int

	// Offset is the number of decisions to skip (for pagination).
	Offset int
}

// DecisionAuditor exports gate decisions for compliance and analysis.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The Record method should be non-blocking or have reasonable timeouts:
// it sits on the request path between the gate and the model call.
//
// # Open Source Behavior
//
// The default NopDecisionAuditor discards all decisions. Gate decisions are
// still enforced and logged through the normal structured log; this hook is
// for dedicated compliance sinks.
//
// # Enterprise Implementation
//
// Enterprise versions send decisions to SIEM systems (Splunk, Sentinel, ELK)
// or compliance databases.
//
// # Async vs Sync Recording
//
// Implementations may choose sync or async recording:
//   - Sync: Blocks until the decision is persisted (safer, slower)
//   - Async: Returns immediately, buffers decisions (faster, may lose events)
//
// For compliance-critical deployments, sync recording is recommended.
type DecisionAuditor interface {
	// Record exports a single gate decision.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - decision: The decision to record
	//
	// Returns:
	//   - error: nil on success, error if recording failed
	//
	// Implementations should:
	//  1. Set Timestamp if zero
	//  2. Validate required fields (Stage, UserID, SessionID)
	//  3. Persist or transmit the decision
	//  4. Return quickly (use async if needed)
	//
	// A Record failure never blocks the pipeline; callers log and continue.
	Record(ctx context.Context, decision GateDecision) error

	// Query retrieves recorded decisions matching the filter criteria.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - filter: Criteria for selecting decisions
	//
	// Returns:
	//   - []GateDecision: Matching decisions, ordered by Timestamp descending
	//   - error: nil on success, error if query failed
	//
	// Note: NopDecisionAuditor returns empty slice (nothing stored).
	Query(ctx context.Context, filter DecisionFilter) ([]GateDecision, error)

	// Flush ensures all buffered decisions are persisted.
	//
	// Call this before application shutdown to prevent loss.
	// For sync implementations, this may be a no-op.
	Flush(ctx context.Context) error
}

// NopDecisionAuditor is the default decision auditor for open source.
//
// It discards all decisions without recording them. Appropriate for
// deployments that rely on the structured log for their audit trail.
//
// Thread-safe: This implementation has no mutable state.
//
// Example:
//
//	auditor := &NopDecisionAuditor{}
//	err := auditor.Record(ctx, GateDecision{
//	    Stage:  StagePrompt,
//	    UserID: "alice@contoso.com",
//	})
//	// err == nil (decision discarded)
type NopDecisionAuditor struct{}

// Record discards the decision without recording it.
//
// Always returns nil (success) regardless of decision content.
func (a *NopDecisionAuditor) Record(ctx context.Context, decision GateDecision) error {
	return nil
}

// Query returns an empty slice (no decisions are stored).
//
// Always returns nil error with empty results.
func (a *NopDecisionAuditor) Query(ctx context.Context, filter DecisionFilter) ([]GateDecision, error) {
	return []GateDecision{}, nil
}

// Flush is a no-op since nothing is buffered.
//
// Always returns nil (success).
func (a *NopDecisionAuditor) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance check.
// This ensures NopDecisionAuditor implements DecisionAuditor.
var _ DecisionAuditor = (*NopDecisionAuditor)(nil)
