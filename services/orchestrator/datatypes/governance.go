// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains types exchanged with the external content-governance
// service: protection scope payloads, content evaluation verdicts, and
// sensitivity label metadata.
package datatypes

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// Execution Modes and Activities
// =============================================================================

const (
	// ModeDefault means the activity is not subject to content evaluation.
	ModeDefault = "default"

	// ModeEvaluateInline means content must be evaluated synchronously before
	// the pipeline may proceed; a restrictAccess verdict blocks the turn.
	ModeEvaluateInline = "evaluateInline"

	// ModeEvaluateOffline means content is reported to the governance service
	// asynchronously after the response has been sent.
	ModeEvaluateOffline = "evaluateOffline"

	// ActivityUploadText is the governance activity for user prompts.
	ActivityUploadText = "uploadText"

	// ActivityDownloadText is the governance activity for model responses.
	ActivityDownloadText = "downloadText"

	// ActionRestrictAccess is the evaluation verdict that blocks content.
	ActionRestrictAccess = "restrictAccess"

	// ScopeStateModified is reported by the evaluation endpoint when the
	// user's protection scope changed since the cached ETag was issued.
	ScopeStateModified = "modified"
)

// =============================================================================
// Protection Scope Types
// =============================================================================

// ScopeLocation identifies an application covered by a protection scope entry.
type ScopeLocation struct {
	Value string `json:"value"`
}

// ProtectionScopeEntry is one entry of the protection scopes API response.
//
// # Fields
//
//   - Activities: Comma-separated activity names (e.g. "uploadText,downloadText").
//   - ExecutionMode: One of "default", "evaluateInline", "evaluateOffline".
//   - Locations: Applications the entry applies to. At least one entry should
//     name this application's client identifier; absence is logged, not fatal.
type ProtectionScopeEntry struct {
	Activities    string          `json:"activities"`
	ExecutionMode string          `json:"executionMode"`
	Locations     []ScopeLocation `json:"locations"`
}

// ActivityList splits the comma-separated Activities field into trimmed names.
// Empty segments are dropped.
func (e *ProtectionScopeEntry) ActivityList() []string {
	parts := strings.Split(e.Activities, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// CoversLocation reports whether any location entry matches the given
// application identifier (case-insensitive).
func (e *ProtectionScopeEntry) CoversLocation(clientID string) bool {
	for _, loc := range e.Locations {
		if strings.EqualFold(loc.Value, clientID) {
			return true
		}
	}
	return false
}

// ProtectionScopesResponse is the raw payload of the protection scopes API.
//
// The response shape is validated on receipt: Value must be present (an empty
// array is valid and means no activity is governed for this user).
type ProtectionScopesResponse struct {
	Value []ProtectionScopeEntry `json:"value"`
}

// PolicyScope is the resolved, cached governance scope for one user.
//
// # Description
//
// PolicyScope is built from a ProtectionScopesResponse by flattening entries
// into a per-activity execution mode map. On conflicting entries for the same
// activity the first mode seen wins unless a later entry reports
// "evaluateInline", which always takes precedence.
//
// # Fields
//
//   - ETag: Opaque version tag from the governance service. Sent back on
//     evaluation calls so the service can detect scope drift.
//   - ActivityExecutionMap: Activity name to execution mode.
type PolicyScope struct {
	ETag                 string            `json:"etag"`
	ActivityExecutionMap map[string]string `json:"activityExecutionMap"`
}

// ModeFor returns the execution mode configured for an activity, or
// ModeDefault when the activity is absent from the scope.
func (s *PolicyScope) ModeFor(activity string) string {
	if s == nil || s.ActivityExecutionMap == nil {
		return ModeDefault
	}
	if mode, ok := s.ActivityExecutionMap[activity]; ok && mode != "" {
		return mode
	}
	return ModeDefault
}

// RequiresInline reports whether the activity is configured for synchronous
// evaluation.
func (s *PolicyScope) RequiresInline(activity string) bool {
	return s.ModeFor(activity) == ModeEvaluateInline
}

// RequiresOffline reports whether the activity is configured for asynchronous
// reporting.
func (s *PolicyScope) RequiresOffline(activity string) bool {
	return s.ModeFor(activity) == ModeEvaluateOffline
}

// =============================================================================
// Content Evaluation Types
// =============================================================================

// PolicyDecision is one action returned by the content evaluation endpoint.
type PolicyDecision struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// ContentEvaluation is the parsed result of one content evaluation call.
//
// # Fields
//
//   - Decisions: Zero or more policy actions. Any ActionRestrictAccess entry
//     means the content must be blocked.
//   - ScopeState: "modified" when the user's protection scope changed since
//     the supplied ETag. Observed and logged only; the scope cache is not
//     invalidated on this signal.
//   - ETag: The scope version the evaluation was performed against.
//   - Raw: The unparsed response body, retained for audit logging.
type ContentEvaluation struct {
	Decisions  []PolicyDecision `json:"policyActions"`
	ScopeState string           `json:"protectionScopeState"`
	ETag       string           `json:"etag,omitempty"`
	Raw        json.RawMessage  `json:"-"`
}

// Blocked reports whether any decision requires the content to be withheld.
func (e *ContentEvaluation) Blocked() bool {
	if e == nil {
		return false
	}
	for _, d := range e.Decisions {
		if strings.EqualFold(d.Action, ActionRestrictAccess) {
			return true
		}
	}
	return false
}

// ScopeModified reports whether the governance service flagged the cached
// scope as stale.
func (e *ContentEvaluation) ScopeModified() bool {
	return e != nil && strings.EqualFold(e.ScopeState, ScopeStateModified)
}

// =============================================================================
// Sensitivity Label Types
// =============================================================================

// LabelInfo is the governance metadata for one sensitivity label.
//
// # Fields
//
//   - ID: The label identifier documents were tagged with at ingestion.
//   - Name: Human-readable label name, used in citation annotations.
//   - Rights: The access-rights value reported for the requesting user.
//     A document is retained iff this value (case-insensitive) is contained
//     in the configured accepted-rights string.
type LabelInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rights string `json:"rights"`
}

// RightsAccepted reports whether the label's rights value is covered by the
// configured accepted-rights string. Comparison is case-insensitive. Labels
// reporting no rights at all are never accepted.
func (l *LabelInfo) RightsAccepted(acceptedRights string) bool {
	if l == nil || l.Rights == "" {
		return false
	}
	return strings.Contains(strings.ToLower(acceptedRights), strings.ToLower(l.Rights))
}
