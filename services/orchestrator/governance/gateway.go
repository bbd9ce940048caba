// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governance integrates the chat pipeline with the external content
// governance service.
//
// The package owns four concerns:
//   - PolicyGateway: the HTTP client for the governance API (scope compute,
//     content evaluation, label lookup).
//   - ScopeCache: the process-lifetime per-user cache of resolved scopes.
//   - LabelFilter: concurrent label-rights filtering of retrieved documents.
//   - OfflineReporter: fire-and-forget asynchronous evaluation reporting.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// gatewayTracer is the OpenTelemetry tracer for policy gateway operations.
var gatewayTracer = otel.Tracer("aleutian.govern.governance.gateway")

// Compile-time interface implementation check.
var _ PolicyGateway = (*GraphPolicyGateway)(nil)

// =============================================================================
// Errors
// =============================================================================

// PolicyScopeError is returned when the protection scopes API call fails or
// returns a payload that does not match the documented shape.
type PolicyScopeError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for PolicyScopeError.
func (e *PolicyScopeError) Error() string {
	return fmt.Sprintf("policy scope error (status %d): %s", e.StatusCode, e.Message)
}

// IsPolicyScopeError checks if an error is a PolicyScopeError.
func IsPolicyScopeError(err error) bool {
	var scopeErr *PolicyScopeError
	return errors.As(err, &scopeErr)
}

// EvaluationError is returned when a content evaluation call fails. Inline
// gating treats this as fail-closed: content that cannot be evaluated is not
// released.
type EvaluationError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface for EvaluationError.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("content evaluation error (status %d): %s", e.StatusCode, e.Message)
}

// IsEvaluationError checks if an error is an EvaluationError.
func IsEvaluationError(err error) bool {
	var evalErr *EvaluationError
	return errors.As(err, &evalErr)
}

// LabelLookupError is returned when a sensitivity label lookup fails. The
// label filter treats this as fail-closed for the affected document only.
type LabelLookupError struct {
	LabelID    string
	StatusCode int
	Message    string
}

// Error implements the error interface for LabelLookupError.
func (e *LabelLookupError) Error() string {
	return fmt.Sprintf("label lookup error for %s (status %d): %s",
		e.LabelID, e.StatusCode, e.Message)
}

// IsLabelLookupError checks if an error is a LabelLookupError.
func IsLabelLookupError(err error) bool {
	var lookupErr *LabelLookupError
	return errors.As(err, &lookupErr)
}

// =============================================================================
// Interfaces
// =============================================================================

// EvaluationRequest carries one piece of content to the evaluation endpoint.
//
// # Fields
//
//   - AccessToken: The token to authenticate with. Inline evaluation uses the
//     delegated (on-behalf-of) token so the decision reflects the end user.
//   - UserID: The user the content belongs to.
//   - ETag: The cached protection scope version, echoed so the service can
//     report scope drift.
//   - Activity: "uploadText" for prompts, "downloadText" for responses.
//   - Content: The text to evaluate.
//   - ConversationID: The chat session identifier.
//   - SequenceNumber: Strict per-session ordering token.
type EvaluationRequest struct {
	AccessToken    string
	UserID         string
	ETag           string
	Activity       string
	Content        string
	ConversationID string
	SequenceNumber int
}

// PolicyGateway defines the contract for talking to the content governance
// service.
//
// # Description
//
// PolicyGateway abstracts the three governance API operations the pipeline
// needs: computing a user's protection scope, evaluating content against
// policy, and looking up sensitivity label metadata. Implementations own
// transport concerns (retries, timeouts, response validation); callers own
// caching and decision logic.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type PolicyGateway interface {
	// FetchScope computes the protection scope for one user.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation, timeouts, and tracing.
	//   - appToken: Application-only access token.
	//   - userID: The user to compute the scope for.
	//
	// # Outputs
	//
	//   - *datatypes.PolicyScope: The flattened activity→mode map plus the
	//     scope ETag.
	//   - error: *PolicyScopeError on transport or shape failures.
	FetchScope(ctx context.Context, appToken, userID string) (*datatypes.PolicyScope, error)

	// EvaluateContent submits one piece of content for policy evaluation.
	//
	// # Outputs
	//
	//   - *datatypes.ContentEvaluation: The parsed verdict. A Blocked()
	//     result means the caller must withhold the content and respond with
	//     the fixed denial message.
	//   - error: *EvaluationError on transport failures. Callers gate
	//     fail-closed on error.
	EvaluateContent(ctx context.Context, req *EvaluationRequest) (*datatypes.ContentEvaluation, error)

	// LookupLabel fetches governance metadata for a sensitivity label.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation, timeouts, and tracing.
	//   - appToken: Application-only access token.
	//   - userName: The user the rights evaluation applies to.
	//   - labelID: The label assigned to the document at ingestion.
	//
	// # Outputs
	//
	//   - *datatypes.LabelInfo: Label name and the rights value reported for
	//     this user.
	//   - error: *LabelLookupError on failure.
	LookupLabel(ctx context.Context, appToken, userName, labelID string) (*datatypes.LabelInfo, error)
}

// =============================================================================
// GraphPolicyGateway
// =============================================================================

// GraphPolicyGateway talks to a Microsoft Graph style governance API.
//
// Endpoint layout:
//   - POST {base}/users/{userId}/dataSecurityAndGovernance/protectionScopes/compute
//   - POST {base}/users/{userId}/dataSecurityAndGovernance/processContent
//   - GET  {base}/users/{user}/security/informationProtection/sensitivityLabels/{labelId}
//
// The scope ETag is read from the ETag response header, falling back to a
// top-level "etag" body field.
type GraphPolicyGateway struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	appName    string
}

// NewGraphPolicyGateway creates a gateway from environment configuration.
//
// Environment:
//   - POLICY_API_BASE: Governance API base URL.
//     Defaults to "https://graph.microsoft.com/v1.0".
//   - GOVERN_CLIENT_ID: This application's identifier, checked against scope
//     entry locations.
func NewGraphPolicyGateway() *GraphPolicyGateway {
	baseURL := os.Getenv("POLICY_API_BASE")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
		slog.Warn("POLICY_API_BASE not set, using default", "url", baseURL)
	}

	return &GraphPolicyGateway{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   os.Getenv("GOVERN_CLIENT_ID"),
		appName:    "AleutianGovern",
	}
}

// FetchScope implements PolicyGateway.
func (g *GraphPolicyGateway) FetchScope(ctx context.Context, appToken, userID string) (*datatypes.PolicyScope, error) {
	ctx, span := gatewayTracer.Start(ctx, "FetchScope")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	endpoint := fmt.Sprintf("%s/users/%s/dataSecurityAndGovernance/protectionScopes/compute",
		g.baseURL, userID)

	reqBody := map[string]any{
		"activities": strings.Join([]string{
			datatypes.ActivityUploadText,
			datatypes.ActivityDownloadText,
		}, ","),
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scope request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build scope request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &PolicyScopeError{Message: err.Error(), Retryable: true}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read scope response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.Int("scope.status_code", resp.StatusCode))
		return nil, &PolicyScopeError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	scope, err := g.parseScopeResponse(body, resp.Header.Get("ETag"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid scope payload")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("scope.activities", len(scope.ActivityExecutionMap)),
		attribute.Bool("scope.has_etag", scope.ETag != ""),
	)
	return scope, nil
}

// parseScopeResponse validates the payload shape and flattens the entries
// into a per-activity execution mode map.
//
// On conflicting entries for the same activity the first mode seen wins
// unless a later entry reports "evaluateInline", which always takes
// precedence. At least one entry's locations should name this application;
// absence is logged but not fatal.
func (g *GraphPolicyGateway) parseScopeResponse(body []byte, headerETag string) (*datatypes.PolicyScope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &PolicyScopeError{Message: fmt.Sprintf("scope response is not a JSON object: %v", err)}
	}

	valueRaw, ok := raw["value"]
	if !ok {
		return nil, &PolicyScopeError{Message: "scope response has no 'value' array"}
	}

	var entries []datatypes.ProtectionScopeEntry
	if err := json.Unmarshal(valueRaw, &entries); err != nil {
		return nil, &PolicyScopeError{Message: fmt.Sprintf("scope 'value' is not an entry array: %v", err)}
	}

	activityMap := make(map[string]string)
	coversThisApp := false
	for _, entry := range entries {
		if entry.CoversLocation(g.clientID) {
			coversThisApp = true
		}
		for _, activity := range entry.ActivityList() {
			if _, exists := activityMap[activity]; !exists {
				activityMap[activity] = entry.ExecutionMode
			} else if entry.ExecutionMode == datatypes.ModeEvaluateInline {
				// Inline mode always wins on conflicting entries.
				activityMap[activity] = datatypes.ModeEvaluateInline
			}
		}
	}

	if len(entries) > 0 && !coversThisApp {
		slog.Warn("No protection scope entry covers this application",
			"client_id", g.clientID,
			"entries", len(entries),
		)
	}

	etag := headerETag
	if etag == "" {
		if etagRaw, ok := raw["etag"]; ok {
			_ = json.Unmarshal(etagRaw, &etag)
		}
	}

	return &datatypes.PolicyScope{
		ETag:                 etag,
		ActivityExecutionMap: activityMap,
	}, nil
}

// EvaluateContent implements PolicyGateway.
func (g *GraphPolicyGateway) EvaluateContent(ctx context.Context, evalReq *EvaluationRequest) (*datatypes.ContentEvaluation, error) {
	ctx, span := gatewayTracer.Start(ctx, "EvaluateContent")
	defer span.End()
	span.SetAttributes(
		attribute.String("activity", evalReq.Activity),
		attribute.String("conversation_id", evalReq.ConversationID),
		attribute.Int("sequence_number", evalReq.SequenceNumber),
		attribute.Int("content_bytes", len(evalReq.Content)),
	)

	endpoint := fmt.Sprintf("%s/users/%s/dataSecurityAndGovernance/processContent",
		g.baseURL, evalReq.UserID)

	reqBody := map[string]any{
		"protectionScopeETag": evalReq.ETag,
		"contentToProcess": map[string]any{
			"contentEntries": []map[string]any{
				{
					"identifier":     uuid.NewString(),
					"content":        map[string]any{"data": evalReq.Content},
					"correlationId":  evalReq.ConversationID,
					"sequenceNumber": evalReq.SequenceNumber,
				},
			},
			"activityMetadata": map[string]any{
				"activity": evalReq.Activity,
			},
			"integratedAppMetadata": map[string]any{
				"name": g.appName,
			},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+evalReq.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &EvaluationError{Message: err.Error()}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.Int("evaluation.status_code", resp.StatusCode))
		return nil, &EvaluationError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var eval datatypes.ContentEvaluation
	if err := json.Unmarshal(body, &eval); err != nil {
		return nil, &EvaluationError{
			Message: fmt.Sprintf("failed to parse evaluation response: %v", err),
		}
	}
	eval.Raw = body
	if eval.ETag == "" {
		eval.ETag = evalReq.ETag
	}

	span.SetAttributes(
		attribute.Bool("evaluation.blocked", eval.Blocked()),
		attribute.Bool("evaluation.scope_modified", eval.ScopeModified()),
	)
	return &eval, nil
}

// LookupLabel implements PolicyGateway.
func (g *GraphPolicyGateway) LookupLabel(ctx context.Context, appToken, userName, labelID string) (*datatypes.LabelInfo, error) {
	ctx, span := gatewayTracer.Start(ctx, "LookupLabel")
	defer span.End()
	span.SetAttributes(attribute.String("label_id", labelID))

	endpoint := fmt.Sprintf("%s/users/%s/security/informationProtection/sensitivityLabels/%s",
		g.baseURL, userName, labelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build label request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &LabelLookupError{LabelID: labelID, Message: err.Error()}
	}
	defer closeBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read label response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.Int("label.status_code", resp.StatusCode))
		return nil, &LabelLookupError{
			LabelID:    labelID,
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var label datatypes.LabelInfo
	if err := json.Unmarshal(body, &label); err != nil {
		return nil, &LabelLookupError{
			LabelID: labelID,
			Message: fmt.Sprintf("failed to parse label response: %v", err),
		}
	}
	if label.ID == "" {
		label.ID = labelID
	}

	span.SetAttributes(attribute.Bool("label.has_rights", label.Rights != ""))
	return &label, nil
}

// closeBody closes a response body, logging close failures.
func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		slog.Warn("Failed to close response body", "error", err)
	}
}

// isRetryableStatusCode determines if an HTTP status code is retryable.
//
// Returns true for 502 Bad Gateway, 503 Service Unavailable, and 504 Gateway
// Timeout.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return true
	default:
		return false
	}
}
