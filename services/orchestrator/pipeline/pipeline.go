// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives one governed chat turn from bearer token to
// emitted answer.
//
// A turn moves through fixed stages: authenticate, resolve the user's
// protection scope, gate the prompt, retrieve and label-filter documents,
// synthesize, gate the response, persist, and report both texts
// asynchronously when the scope asks for it. A restrictAccess verdict is a
// normal outcome: the turn completes with a fixed denial answer. An
// evaluation failure is not: inline gating fails closed and the whole turn
// errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/governance"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/rag"
)

// pipelineTracer is the OpenTelemetry tracer for turn orchestration.
var pipelineTracer = otel.Tracer("aleutian.govern.pipeline")

// historyWindow is how many prior turns feed the grounding prompt.
const historyWindow = 6

// State names the stage a turn is in. Failures carry the state they
// occurred in so handlers and metrics can attribute them.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateScopeResolving State = "scope_resolving"
	StatePromptGating   State = "prompt_gating"
	StateRetrieving     State = "retrieving"
	StateFiltering      State = "filtering"
	StateAnswering      State = "answering"
	StateResponseGating State = "response_gating"
	StateResponding     State = "responding"
	StateReportingAsync State = "reporting_async"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// TurnError wraps a pipeline failure with the stage it occurred in.
type TurnError struct {
	State State
	Err   error
}

// Error implements the error interface for TurnError.
func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *TurnError) Unwrap() error {
	return e.Err
}

// ErrorCode maps a turn error to its metrics error code. Typed downstream
// errors take precedence; otherwise the failing stage decides.
func ErrorCode(err error) observability.ErrorCode {
	switch {
	case identity.IsAuthError(err):
		return observability.ErrorCodeAuth
	case identity.IsTokenAcquisitionError(err):
		return observability.ErrorCodeTokenAcquisition
	case governance.IsEvaluationError(err):
		return observability.ErrorCodePolicyEvaluation
	case rag.IsDownstreamModelError(err):
		return observability.ErrorCodeModel
	}

	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		switch turnErr.State {
		case StateRetrieving:
			return observability.ErrorCodeRetrieval
		case StateResponding:
			return observability.ErrorCodeHistory
		case StatePromptGating, StateResponseGating:
			return observability.ErrorCodePolicyEvaluation
		}
	}
	return observability.ErrorCodeInternal
}

// TurnInput is one user question plus the credentials it arrived with.
// Handlers validate shape before calling Run; the pipeline assumes a
// non-empty user, token, and question.
type TurnInput struct {
	UserID      string
	BearerToken string
	SessionID   string
	Question    string
}

// TurnResult is the outcome of a completed turn.
//
// Blocked marks turns a governance verdict (or an extension filter) withheld:
// Content then carries the fixed denial text and the turn still counts as a
// success at the HTTP layer.
type TurnResult struct {
	SessionID string
	Content   string
	Blocked   bool
}

// Deps bundles everything a ChatOrchestrator needs. All fields except Filter
// and Auditor are required; those two default to their Nop implementations.
type Deps struct {
	Broker    identity.TokenBroker
	Scopes    *governance.ScopeCache
	Gateway   governance.PolicyGateway
	Labels    *governance.LabelFilter
	Retriever rag.Retriever
	Engine    *rag.AnswerEngine
	Prompts   *rag.Prompts
	History   history.Store
	Sequence  history.Sequence
	Reporter  *governance.OfflineReporter
	Filter    extensions.MessageFilter
	Auditor   extensions.DecisionAuditor
}

// ChatOrchestrator runs governed chat turns.
//
// # Description
//
// One orchestrator serves all sessions; per-turn state lives on the stack
// and in the secure answer buffer. The orchestrator owns the governance
// decisions of a turn (gating, filtering, sequencing, offline reporting);
// transport concerns like request parsing, NDJSON framing, and status codes
// stay in the handlers.
//
// # Thread Safety
//
// Safe for concurrent use. Sequence reservation is serialized per session
// by the Sequence implementation.
type ChatOrchestrator struct {
	broker    identity.TokenBroker
	scopes    *governance.ScopeCache
	gateway   governance.PolicyGateway
	labels    *governance.LabelFilter
	retriever rag.Retriever
	engine    *rag.AnswerEngine
	prompts   *rag.Prompts
	history   history.Store
	sequence  history.Sequence
	reporter  *governance.OfflineReporter
	filter    extensions.MessageFilter
	auditor   extensions.DecisionAuditor
}

// New creates a ChatOrchestrator from its dependency bundle.
func New(deps Deps) (*ChatOrchestrator, error) {
	switch {
	case deps.Broker == nil:
		return nil, fmt.Errorf("pipeline: Broker is required")
	case deps.Scopes == nil:
		return nil, fmt.Errorf("pipeline: Scopes is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("pipeline: Gateway is required")
	case deps.Labels == nil:
		return nil, fmt.Errorf("pipeline: Labels is required")
	case deps.Retriever == nil:
		return nil, fmt.Errorf("pipeline: Retriever is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("pipeline: Engine is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("pipeline: Prompts is required")
	case deps.History == nil:
		return nil, fmt.Errorf("pipeline: History is required")
	case deps.Sequence == nil:
		return nil, fmt.Errorf("pipeline: Sequence is required")
	case deps.Reporter == nil:
		return nil, fmt.Errorf("pipeline: Reporter is required")
	}

	if deps.Filter == nil {
		deps.Filter = &extensions.NopMessageFilter{}
	}
	if deps.Auditor == nil {
		deps.Auditor = &extensions.NopDecisionAuditor{}
	}

	return &ChatOrchestrator{
		broker:    deps.Broker,
		scopes:    deps.Scopes,
		gateway:   deps.Gateway,
		labels:    deps.Labels,
		retriever: deps.Retriever,
		engine:    deps.Engine,
		prompts:   deps.Prompts,
		history:   deps.History,
		sequence:  deps.Sequence,
		reporter:  deps.Reporter,
		filter:    deps.Filter,
		auditor:   deps.Auditor,
	}, nil
}

// Run executes one governed turn.
//
// # Description
//
// The full answer is synthesized and gated before anything is returned;
// callers emit the result as a single chunk. A governance block yields a
// TurnResult with Blocked set, not an error. Errors mean the turn could not
// be completed and map to the generic 503 at the HTTP layer, except
// authentication errors, which map to 400.
//
// # Inputs
//
//   - ctx: Carries cancellation, deadline, and the request trace.
//   - in: The validated turn. An empty SessionID starts a new session.
//
// # Outputs
//
//   - *TurnResult: The answer (or denial) to emit, with its session ID.
//   - error: A *TurnError wrapping the failing stage's cause.
func (o *ChatOrchestrator) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	ctx, span := pipelineTracer.Start(ctx, "ChatOrchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.user_id", in.UserID),
		attribute.Bool("turn.new_session", in.SessionID == ""),
	)

	// Step 1: Exchange the caller's bearer token for downstream credentials.
	tokens, err := o.broker.AcquireTokens(ctx, in.BearerToken)
	if err != nil {
		return nil, o.fail(span, StateAuthenticating, err)
	}

	// Step 2: Resolve the protection scope. Resolution failures degrade to
	// default modes; they never fail the turn.
	scope := o.resolveScope(ctx, tokens.AppToken, in.UserID)
	span.SetAttributes(
		attribute.String("turn.upload_mode", scope.ModeFor(datatypes.ActivityUploadText)),
		attribute.String("turn.download_mode", scope.ModeFor(datatypes.ActivityDownloadText)),
	)

	// Step 3: Pin the session. EnsureSession creates absent sessions, so a
	// client-supplied ID that was never seen simply starts fresh.
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("turn.session_id", sessionID))
	record, err := o.history.EnsureSession(ctx, in.UserID, sessionID)
	if err != nil {
		return nil, o.fail(span, StateResponding, fmt.Errorf("ensuring session: %w", err))
	}

	// Step 4: Gate the prompt when the scope demands inline evaluation.
	// The sequence number is consumed even when the verdict blocks.
	prompt := in.Question
	if scope.RequiresInline(datatypes.ActivityUploadText) {
		blocked, err := o.gate(ctx, gateCheck{
			stage:     extensions.StagePrompt,
			activity:  datatypes.ActivityUploadText,
			content:   prompt,
			userID:    in.UserID,
			sessionID: sessionID,
			tokens:    tokens,
			scope:     scope,
		})
		if err != nil {
			return nil, o.fail(span, StatePromptGating, err)
		}
		if blocked {
			span.SetAttributes(attribute.String("turn.outcome", "blocked_prompt"))
			return o.deny(sessionID), nil
		}
	}

	// Step 5: Run the input filter extension on the gated prompt.
	filtered, blocked, err := o.filterText(ctx, filterInput, prompt)
	if err != nil {
		return nil, o.fail(span, StatePromptGating, err)
	}
	if blocked {
		span.SetAttributes(attribute.String("turn.outcome", "blocked_input_filter"))
		return o.deny(sessionID), nil
	}
	prompt = filtered

	// Step 6: Retrieve candidate chunks for the question.
	docs, err := o.retriever.Retrieve(ctx, prompt, rag.DefaultRetrievalLimit)
	if err != nil {
		return nil, o.fail(span, StateRetrieving, err)
	}
	span.SetAttributes(attribute.Int("turn.retrieved", len(docs)))

	// Step 7: Keep only chunks whose sensitivity label grants this user
	// extraction rights, then run the context filter over what survived.
	kept := o.labels.Filter(ctx, tokens.AppToken, tokens.UserName, docs)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordDocumentsFiltered(len(kept), len(docs)-len(kept))
	}
	kept = o.filterContext(ctx, kept)
	span.SetAttributes(attribute.Int("turn.grounding_chunks", len(kept)))

	// Step 8: Synthesize the complete answer into the secure buffer.
	turns, err := o.history.RecentTurns(ctx, sessionID, historyWindow)
	if err != nil {
		slog.Warn("Failed to load conversation history, answering without it",
			"session_id", sessionID, "error", err)
		turns = nil
	}

	raw, hash, err := o.synthesize(ctx, prompt, kept, turns)
	if err != nil {
		return nil, o.fail(span, StateAnswering, err)
	}
	span.SetAttributes(attribute.String("turn.answer_sha256", hash))

	// Step 9: Annotate citations with sensitivity labels. Every retrieved
	// candidate participates, including chunks the label filter dropped.
	answer := rag.RewriteCitations(raw, docs)

	// Step 10: Gate the processed answer, symmetric with the prompt gate.
	if scope.RequiresInline(datatypes.ActivityDownloadText) {
		blocked, err := o.gate(ctx, gateCheck{
			stage:     extensions.StageResponse,
			activity:  datatypes.ActivityDownloadText,
			content:   answer,
			userID:    in.UserID,
			sessionID: sessionID,
			tokens:    tokens,
			scope:     scope,
		})
		if err != nil {
			return nil, o.fail(span, StateResponseGating, err)
		}
		if blocked {
			span.SetAttributes(attribute.String("turn.outcome", "blocked_response"))
			return o.deny(sessionID), nil
		}
	}

	// Step 11: Run the output filter extension on the gated answer.
	filtered, blocked, err = o.filterText(ctx, filterOutput, answer)
	if err != nil {
		return nil, o.fail(span, StateResponseGating, err)
	}
	if blocked {
		span.SetAttributes(attribute.String("turn.outcome", "blocked_output_filter"))
		return o.deny(sessionID), nil
	}
	answer = filtered

	// Step 12: Persist the turn. The filtered prompt is stored, never the
	// raw one. Persistence failures are logged; the answer still ships.
	o.persistTurn(ctx, in.UserID, sessionID, record.Title, prompt, answer, turns)

	// Step 13: Report both texts asynchronously when the scope asks for it.
	if scope.RequiresOffline(datatypes.ActivityUploadText) ||
		scope.RequiresOffline(datatypes.ActivityDownloadText) {
		o.reportOffline(ctx, tokens, scope, in.UserID, sessionID, prompt, answer)
	}

	span.SetAttributes(attribute.String("turn.outcome", "answered"))
	return &TurnResult{SessionID: sessionID, Content: answer, Blocked: false}, nil
}

// fail records the failing stage on the span and wraps the cause.
func (o *ChatOrchestrator) fail(span trace.Span, state State, err error) error {
	turnErr := &TurnError{State: state, Err: err}
	span.RecordError(turnErr)
	span.SetStatus(codes.Error, string(state))
	return turnErr
}

// deny builds the fixed denial result for a blocked turn.
func (o *ChatOrchestrator) deny(sessionID string) *TurnResult {
	return &TurnResult{
		SessionID: sessionID,
		Content:   o.prompts.Denial(),
		Blocked:   true,
	}
}

// =============================================================================
// Scope Resolution
// =============================================================================

// resolveScope fetches the user's cached protection scope. On failure every
// activity falls back to the default mode (no gating, no reporting) and the
// turn proceeds.
func (o *ChatOrchestrator) resolveScope(ctx context.Context, appToken, userID string) *datatypes.PolicyScope {
	cached := o.scopes.Cached(userID)

	scope, err := o.scopes.GetScope(ctx, appToken, userID)
	if err != nil {
		slog.Error("Scope resolution failed, governed activities fall back to default modes",
			"user_id", userID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordScopeLookup(observability.ScopeOutcomeError)
		}
		return &datatypes.PolicyScope{}
	}

	outcome := observability.ScopeOutcomeMiss
	if cached {
		outcome = observability.ScopeOutcomeHit
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordScopeLookup(outcome)
	}
	return scope
}

// =============================================================================
// Inline Gating
// =============================================================================

// gateCheck carries one inline evaluation's inputs.
type gateCheck struct {
	stage     extensions.GateStage
	activity  string
	content   string
	userID    string
	sessionID string
	tokens    *identity.Tokens
	scope     *datatypes.PolicyScope
}

// gate reserves a sequence number and runs one synchronous content
// evaluation. Returns blocked=true when policy requires the content
// withheld; an evaluation failure is returned as an error and fails closed.
func (o *ChatOrchestrator) gate(ctx context.Context, g gateCheck) (bool, error) {
	ctx, span := pipelineTracer.Start(ctx, "ChatOrchestrator.gate")
	defer span.End()
	span.SetAttributes(
		attribute.String("gate.stage", string(g.stage)),
		attribute.String("gate.activity", g.activity),
	)

	seq, err := o.sequence.Reserve(ctx, g.sessionID, 1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence reservation failed")
		return false, fmt.Errorf("reserving sequence number: %w", err)
	}
	span.SetAttributes(attribute.Int("gate.sequence", seq))

	start := time.Now()
	eval, err := o.gateway.EvaluateContent(ctx, &governance.EvaluationRequest{
		AccessToken:    g.tokens.OBOToken,
		UserID:         g.userID,
		ETag:           g.scope.ETag,
		Activity:       g.activity,
		Content:        g.content,
		ConversationID: g.sessionID,
		SequenceNumber: seq,
	})
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		o.audit(ctx, extensions.GateDecision{
			Stage:      g.stage,
			Timestamp:  time.Now().UTC(),
			UserID:     g.userID,
			SessionID:  g.sessionID,
			Activity:   g.activity,
			Mode:       datatypes.ModeEvaluateInline,
			Allowed:    false,
			Reason:     "evaluation failed",
			PolicyETag: g.scope.ETag,
			Metadata: extensions.Metadata{
				"sequence_number": seq,
				"duration_ms":     durationMS,
				"error":           err.Error(),
			},
		})
		if m := observability.DefaultMetrics; m != nil {
			m.RecordGateDecision(string(g.stage), observability.VerdictFailed)
		}
		return false, err
	}

	if eval.ScopeModified() {
		// Observed only: the cached scope is not invalidated on this signal
		// and the turn continues under the ETag it started with.
		slog.Warn("Protection scope reported modified mid-turn",
			"user_id", g.userID,
			"session_id", g.sessionID,
			"activity", g.activity,
		)
	}

	blocked := eval.Blocked()
	verdict := observability.VerdictAllowed
	reason := ""
	if blocked {
		verdict = observability.VerdictBlocked
		reason = datatypes.ActionRestrictAccess
	}

	o.audit(ctx, extensions.GateDecision{
		Stage:      g.stage,
		Timestamp:  time.Now().UTC(),
		UserID:     g.userID,
		SessionID:  g.sessionID,
		Activity:   g.activity,
		Mode:       datatypes.ModeEvaluateInline,
		Allowed:    !blocked,
		Reason:     reason,
		PolicyETag: g.scope.ETag,
		Metadata: extensions.Metadata{
			"sequence_number": seq,
			"duration_ms":     durationMS,
		},
	})
	if m := observability.DefaultMetrics; m != nil {
		m.RecordGateDecision(string(g.stage), verdict)
	}

	span.SetAttributes(attribute.Bool("gate.blocked", blocked))
	if blocked {
		slog.Info("Inline gate blocked content",
			"stage", g.stage,
			"session_id", g.sessionID,
			"sequence", seq,
		)
	}
	return blocked, nil
}

// audit records a gate decision, logging instead of failing when the
// auditor errors.
func (o *ChatOrchestrator) audit(ctx context.Context, d extensions.GateDecision) {
	if err := o.auditor.Record(ctx, d); err != nil {
		slog.Warn("Failed to record gate decision",
			"stage", d.Stage,
			"session_id", d.SessionID,
			"error", err,
		)
	}
}

// =============================================================================
// Extension Filters
// =============================================================================

type filterDirection int

const (
	filterInput filterDirection = iota
	filterOutput
)

// filterText runs the input or output message filter. A filter block is
// treated exactly like a gate block; a filter error fails the turn.
func (o *ChatOrchestrator) filterText(ctx context.Context, dir filterDirection, text string) (string, bool, error) {
	var (
		res *extensions.FilterResult
		err error
	)
	switch dir {
	case filterInput:
		res, err = o.filter.FilterInput(ctx, text)
	default:
		res, err = o.filter.FilterOutput(ctx, text)
	}
	if err != nil {
		return "", false, fmt.Errorf("message filter: %w", err)
	}

	if res.WasBlocked {
		slog.Info("Message filter blocked content", "reason", res.BlockReason)
		return "", true, nil
	}
	if res.WasModified {
		return res.Filtered, false, nil
	}
	return text, false, nil
}

// filterContext runs the context filter over retained chunks. Blocked chunks
// are dropped; a filter failure drops the chunk rather than letting
// unfiltered content into the prompt.
func (o *ChatOrchestrator) filterContext(ctx context.Context, docs []datatypes.RetrievedDocument) []datatypes.RetrievedDocument {
	kept := make([]datatypes.RetrievedDocument, 0, len(docs))
	for _, doc := range docs {
		res, err := o.filter.FilterContext(ctx, doc.Content)
		if err != nil {
			slog.Warn("Context filter failed, dropping chunk",
				"source", doc.Source, "error", err)
			continue
		}
		if res.WasBlocked {
			slog.Info("Context filter blocked chunk",
				"source", doc.Source, "reason", res.BlockReason)
			continue
		}
		if res.WasModified {
			doc.Content = res.Filtered
		}
		kept = append(kept, doc)
	}
	return kept
}

// =============================================================================
// Synthesis
// =============================================================================

// synthesize runs the model and routes the full answer through the secure
// buffer, returning the text and its integrity hash.
func (o *ChatOrchestrator) synthesize(ctx context.Context, question string, docs []datatypes.RetrievedDocument, turns []datatypes.TurnRecord) (string, string, error) {
	buf, err := NewAnswerBuffer()
	if err != nil {
		return "", "", fmt.Errorf("allocating answer buffer: %w", err)
	}
	defer buf.Destroy()

	raw, err := o.engine.Answer(ctx, question, docs, turns)
	if err != nil {
		return "", "", err
	}

	if err := buf.Write(raw); err != nil {
		return "", "", fmt.Errorf("buffering answer: %w", err)
	}
	return buf.Finalize()
}

// =============================================================================
// Persistence
// =============================================================================

// persistTurn appends the completed turn and lazily titles fresh sessions.
// Storage failures here are logged and counted, never surfaced: the answer
// has already cleared every gate.
func (o *ChatOrchestrator) persistTurn(ctx context.Context, userID, sessionID, title, question, answer string, turns []datatypes.TurnRecord) {
	turnNumber := 1
	if len(turns) > 0 {
		turnNumber = turns[0].TurnNumber + 1
	}

	err := o.history.AppendTurn(ctx, userID, sessionID, datatypes.TurnRecord{
		Question:   question,
		Answer:     answer,
		TurnNumber: turnNumber,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("Failed to persist turn",
			"session_id", sessionID,
			"turn_number", turnNumber,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.EndpointChatStream, observability.ErrorCodeHistory)
		}
		return
	}

	if title == "" {
		if err := o.engine.EnsureTitle(ctx, sessionID, question); err != nil {
			slog.Warn("Failed to generate session title",
				"session_id", sessionID,
				"error", err,
			)
		}
	}
}

// =============================================================================
// Offline Reporting
// =============================================================================

// reportOffline reserves two consecutive sequence numbers and enqueues both
// texts for background evaluation. Failures are logged; the response has
// already shipped at this point conceptually and must not be disturbed.
func (o *ChatOrchestrator) reportOffline(ctx context.Context, tokens *identity.Tokens, scope *datatypes.PolicyScope, userID, sessionID, prompt, answer string) {
	ctx, span := pipelineTracer.Start(ctx, "ChatOrchestrator.reportOffline")
	defer span.End()

	// Two numbers per turn, prompt first, whatever mix of modes produced
	// them. The fixed width keeps offline ordering stable across turns.
	base, err := o.sequence.Reserve(ctx, sessionID, 2)
	if err != nil {
		span.RecordError(err)
		slog.Error("Failed to reserve offline sequence numbers, report skipped",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	outcome := o.reporter.Enqueue(governance.OfflineReport{
		Tokens:           governance.EvaluationCredentials{AccessToken: tokens.OBOToken},
		UserID:           userID,
		SessionID:        sessionID,
		ETag:             scope.ETag,
		Prompt:           prompt,
		Response:         answer,
		PromptSequence:   base,
		ResponseSequence: base + 1,
	})
	if m := observability.DefaultMetrics; m != nil {
		m.RecordOfflineReport(outcome)
	}

	span.SetAttributes(
		attribute.Int("offline.prompt_sequence", base),
		attribute.Int("offline.response_sequence", base+1),
		attribute.String("offline.outcome", outcome),
	)
	slog.Info("Offline report handed off",
		"session_id", sessionID,
		"outcome", outcome,
	)
}
