// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"
)

// =============================================================================
// ProtectionScopeEntry Tests
// =============================================================================

func TestProtectionScopeEntry_ActivityList_SplitsAndTrims(t *testing.T) {
	entry := ProtectionScopeEntry{Activities: "uploadText, downloadText"}

	got := entry.ActivityList()
	if len(got) != 2 {
		t.Fatalf("expected 2 activities, got %d: %v", len(got), got)
	}
	if got[0] != "uploadText" || got[1] != "downloadText" {
		t.Errorf("unexpected activities: %v", got)
	}
}

func TestProtectionScopeEntry_ActivityList_DropsEmptySegments(t *testing.T) {
	entry := ProtectionScopeEntry{Activities: "uploadText,,  ,downloadText,"}

	got := entry.ActivityList()
	if len(got) != 2 {
		t.Errorf("expected empty segments dropped, got %v", got)
	}
}

func TestProtectionScopeEntry_CoversLocation_CaseInsensitive(t *testing.T) {
	entry := ProtectionScopeEntry{
		Locations: []ScopeLocation{{Value: "APP-CLIENT-ID"}},
	}

	if !entry.CoversLocation("app-client-id") {
		t.Error("expected case-insensitive location match")
	}
	if entry.CoversLocation("other-app") {
		t.Error("expected no match for unknown client id")
	}
}

// =============================================================================
// PolicyScope Tests
// =============================================================================

func TestPolicyScope_ModeFor_KnownActivity(t *testing.T) {
	scope := &PolicyScope{
		ETag: "v1",
		ActivityExecutionMap: map[string]string{
			ActivityUploadText: ModeEvaluateInline,
		},
	}

	if got := scope.ModeFor(ActivityUploadText); got != ModeEvaluateInline {
		t.Errorf("expected %q, got %q", ModeEvaluateInline, got)
	}
}

func TestPolicyScope_ModeFor_UnknownActivityDefaults(t *testing.T) {
	scope := &PolicyScope{ActivityExecutionMap: map[string]string{}}

	if got := scope.ModeFor(ActivityDownloadText); got != ModeDefault {
		t.Errorf("expected default mode, got %q", got)
	}
}

func TestPolicyScope_ModeFor_NilScope(t *testing.T) {
	var scope *PolicyScope

	if got := scope.ModeFor(ActivityUploadText); got != ModeDefault {
		t.Errorf("expected default mode for nil scope, got %q", got)
	}
}

func TestPolicyScope_RequiresInlineAndOffline(t *testing.T) {
	scope := &PolicyScope{
		ActivityExecutionMap: map[string]string{
			ActivityUploadText:   ModeEvaluateInline,
			ActivityDownloadText: ModeEvaluateOffline,
		},
	}

	if !scope.RequiresInline(ActivityUploadText) {
		t.Error("expected uploadText to require inline evaluation")
	}
	if scope.RequiresInline(ActivityDownloadText) {
		t.Error("expected downloadText to not require inline evaluation")
	}
	if !scope.RequiresOffline(ActivityDownloadText) {
		t.Error("expected downloadText to require offline reporting")
	}
}

func TestProtectionScopesResponse_Unmarshal(t *testing.T) {
	body := `{"value":[{"activities":"uploadText,downloadText","executionMode":"evaluateInline","locations":[{"value":"my-app"}]}]}`

	var resp ProtectionScopesResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("failed to unmarshal scope response: %v", err)
	}

	if len(resp.Value) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resp.Value))
	}
	if resp.Value[0].ExecutionMode != ModeEvaluateInline {
		t.Errorf("unexpected execution mode: %q", resp.Value[0].ExecutionMode)
	}
	if !resp.Value[0].CoversLocation("my-app") {
		t.Error("expected location to cover my-app")
	}
}

// =============================================================================
// ContentEvaluation Tests
// =============================================================================

func TestContentEvaluation_Blocked_RestrictAccess(t *testing.T) {
	eval := &ContentEvaluation{
		Decisions: []PolicyDecision{
			{Action: "restrictAccess"},
		},
	}

	if !eval.Blocked() {
		t.Error("expected restrictAccess to block")
	}
}

func TestContentEvaluation_Blocked_CaseInsensitive(t *testing.T) {
	eval := &ContentEvaluation{
		Decisions: []PolicyDecision{
			{Action: "RestrictAccess"},
		},
	}

	if !eval.Blocked() {
		t.Error("expected case-insensitive action match")
	}
}

func TestContentEvaluation_NotBlocked_NoDecisions(t *testing.T) {
	eval := &ContentEvaluation{}

	if eval.Blocked() {
		t.Error("expected empty evaluation to allow")
	}
}

func TestContentEvaluation_NotBlocked_Nil(t *testing.T) {
	var eval *ContentEvaluation

	if eval.Blocked() {
		t.Error("expected nil evaluation to allow")
	}
}

func TestContentEvaluation_ScopeModified(t *testing.T) {
	eval := &ContentEvaluation{ScopeState: "modified"}

	if !eval.ScopeModified() {
		t.Error("expected modified scope state to be detected")
	}

	eval.ScopeState = "notModified"
	if eval.ScopeModified() {
		t.Error("expected notModified to be reported as unchanged")
	}
}

// =============================================================================
// LabelInfo Tests
// =============================================================================

func TestLabelInfo_RightsAccepted_Contained(t *testing.T) {
	label := &LabelInfo{ID: "l1", Name: "Confidential", Rights: "View"}

	if !label.RightsAccepted("view,edit,print") {
		t.Error("expected View to be accepted within view,edit,print")
	}
}

func TestLabelInfo_RightsAccepted_NotContained(t *testing.T) {
	label := &LabelInfo{ID: "l1", Name: "Secret", Rights: "export"}

	if label.RightsAccepted("view,edit") {
		t.Error("expected export to be rejected")
	}
}

func TestLabelInfo_RightsAccepted_EmptyRights(t *testing.T) {
	label := &LabelInfo{ID: "l1", Name: "Unknown"}

	if label.RightsAccepted("view,edit") {
		t.Error("expected label without rights to be rejected")
	}
}

func TestLabelInfo_RightsAccepted_NilLabel(t *testing.T) {
	var label *LabelInfo

	if label.RightsAccepted("view") {
		t.Error("expected nil label to be rejected")
	}
}
