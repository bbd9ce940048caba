// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/services/llm"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/governance"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/rag"
)

// ============================================================================
// Mocks
// ============================================================================

type mockBroker struct {
	mu     sync.Mutex
	tokens *identity.Tokens
	err    error
	calls  int
}

func (m *mockBroker) AcquireTokens(_ context.Context, _ string) (*identity.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.tokens, nil
}

type evalCall struct {
	activity string
	content  string
	sequence int
}

// mockGateway scripts scope, evaluation, and label responses. The offline
// reporter evaluates from pool goroutines, so every access is locked.
type mockGateway struct {
	mu         sync.Mutex
	scope      *datatypes.PolicyScope
	scopeErr   error
	scopeCalls int

	evalCalls  []evalCall
	blockOn    map[string]bool
	evalErrOn  string
	evalErr    error
	scopeState string

	labels map[string]*datatypes.LabelInfo
}

func (m *mockGateway) FetchScope(_ context.Context, _, _ string) (*datatypes.PolicyScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopeCalls++
	if m.scopeErr != nil {
		return nil, m.scopeErr
	}
	if m.scope != nil {
		return m.scope, nil
	}
	return &datatypes.PolicyScope{ETag: "etag-1"}, nil
}

func (m *mockGateway) EvaluateContent(_ context.Context, req *governance.EvaluationRequest) (*datatypes.ContentEvaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalCalls = append(m.evalCalls, evalCall{
		activity: req.Activity,
		content:  req.Content,
		sequence: req.SequenceNumber,
	})

	if m.evalErrOn == req.Activity && m.evalErr != nil {
		return nil, m.evalErr
	}
	eval := &datatypes.ContentEvaluation{ScopeState: m.scopeState, ETag: req.ETag}
	if m.blockOn[req.Activity] {
		eval.Decisions = []datatypes.PolicyDecision{{Action: datatypes.ActionRestrictAccess}}
	}
	return eval, nil
}

func (m *mockGateway) LookupLabel(_ context.Context, _, _, labelID string) (*datatypes.LabelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.labels[labelID]; ok {
		return info, nil
	}
	return &datatypes.LabelInfo{ID: labelID, Name: "General", Rights: "view"}, nil
}

func (m *mockGateway) recordedEvals() []evalCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]evalCall, len(m.evalCalls))
	copy(out, m.evalCalls)
	return out
}

type mockRetriever struct {
	mu      sync.Mutex
	docs    []datatypes.RetrievedDocument
	err     error
	queries []string
}

func (m *mockRetriever) Retrieve(_ context.Context, question string, _ int) ([]datatypes.RetrievedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, question)
	if m.err != nil {
		return nil, m.err
	}
	return m.docs, nil
}

func (m *mockRetriever) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type mockModel struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (m *mockModel) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockModel) Chat(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *mockModel) prompt(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

type recordingAuditor struct {
	mu        sync.Mutex
	decisions []extensions.GateDecision
}

func (a *recordingAuditor) Record(_ context.Context, d extensions.GateDecision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, d)
	return nil
}

func (a *recordingAuditor) Query(_ context.Context, _ extensions.DecisionFilter) ([]extensions.GateDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]extensions.GateDecision, len(a.decisions))
	copy(out, a.decisions)
	return out, nil
}

func (a *recordingAuditor) Flush(_ context.Context) error {
	return nil
}

func (a *recordingAuditor) byStage(stage extensions.GateStage) []extensions.GateDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []extensions.GateDecision
	for _, d := range a.decisions {
		if d.Stage == stage {
			out = append(out, d)
		}
	}
	return out
}

// scriptedFilter is a MessageFilter with block and redact knobs.
type scriptedFilter struct {
	blockInput  bool
	blockOutput bool
	redact      string
}

func (f *scriptedFilter) FilterInput(_ context.Context, message string) (*extensions.FilterResult, error) {
	if f.blockInput {
		return &extensions.FilterResult{Original: message, WasBlocked: true, BlockReason: "blocked by test"}, nil
	}
	if f.redact != "" && strings.Contains(message, f.redact) {
		filtered := strings.ReplaceAll(message, f.redact, "[REDACTED]")
		return &extensions.FilterResult{Original: message, Filtered: filtered, WasModified: true}, nil
	}
	return &extensions.FilterResult{Original: message, Filtered: message}, nil
}

func (f *scriptedFilter) FilterOutput(_ context.Context, message string) (*extensions.FilterResult, error) {
	if f.blockOutput {
		return &extensions.FilterResult{Original: message, WasBlocked: true, BlockReason: "blocked by test"}, nil
	}
	return &extensions.FilterResult{Original: message, Filtered: message}, nil
}

func (f *scriptedFilter) FilterContext(_ context.Context, contextMsg string) (*extensions.FilterResult, error) {
	return &extensions.FilterResult{Original: contextMsg, Filtered: contextMsg}, nil
}

// ============================================================================
// Test Environment
// ============================================================================

type testEnv struct {
	broker    *mockBroker
	gateway   *mockGateway
	retriever *mockRetriever
	model     *mockModel
	store     *history.BadgerStore
	auditor   *recordingAuditor
	prompts   *rag.Prompts
	orch      *ChatOrchestrator
}

func defaultDocs() []datatypes.RetrievedDocument {
	return []datatypes.RetrievedDocument{
		{Source: "handbook.pdf", Content: "Remote work requires manager approval.", LabelID: "lbl-conf", LabelName: "Confidential"},
		{Source: "faq.md", Content: "Leave requests go through the portal."},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	t.Setenv("GOVERN_ACCEPTED_RIGHTS", "view,print")

	store, err := history.NewBadgerStore(history.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	prompts, err := rag.LoadPrompts("")
	require.NoError(t, err)

	broker := &mockBroker{tokens: &identity.Tokens{
		OBOToken: "obo-token",
		AppToken: "app-token",
		UserName: "alice@contoso.com",
		TenantID: "tenant-1",
	}}
	gateway := &mockGateway{}
	retriever := &mockRetriever{docs: defaultDocs()}
	model := &mockModel{response: "Approval is required [handbook.pdf]."}
	auditor := &recordingAuditor{}

	reporter, err := governance.NewOfflineReporter(gateway, auditor)
	require.NoError(t, err)
	t.Cleanup(reporter.Close)

	deps := Deps{
		Broker:    broker,
		Scopes:    governance.NewScopeCache(gateway),
		Gateway:   gateway,
		Labels:    governance.NewLabelFilter(gateway),
		Retriever: retriever,
		Engine:    rag.NewAnswerEngine(model, prompts, store),
		Prompts:   prompts,
		History:   store,
		Sequence:  history.NewSessionSequence(store),
		Reporter:  reporter,
		Auditor:   auditor,
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	orch, err := New(deps)
	require.NoError(t, err)

	return &testEnv{
		broker:    broker,
		gateway:   gateway,
		retriever: retriever,
		model:     model,
		store:     store,
		auditor:   auditor,
		prompts:   prompts,
		orch:      orch,
	}
}

func inlineScope(activities ...string) *datatypes.PolicyScope {
	m := make(map[string]string, len(activities))
	for _, a := range activities {
		m[a] = datatypes.ModeEvaluateInline
	}
	return &datatypes.PolicyScope{ETag: "etag-1", ActivityExecutionMap: m}
}

func offlineScope(activities ...string) *datatypes.PolicyScope {
	m := make(map[string]string, len(activities))
	for _, a := range activities {
		m[a] = datatypes.ModeEvaluateOffline
	}
	return &datatypes.PolicyScope{ETag: "etag-1", ActivityExecutionMap: m}
}

func turnInput(sessionID string) TurnInput {
	return TurnInput{
		UserID:      "alice@contoso.com",
		BearerToken: "bearer-token",
		SessionID:   sessionID,
		Question:    "Is remote work allowed?",
	}
}

// ============================================================================
// Constructor Tests
// ============================================================================

func TestNew_RequiresCoreDependencies(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broker")

	// Filter and Auditor are optional; a turn runs with both nil.
	res, err := env.orch.Run(context.Background(), turnInput(""))
	require.NoError(t, err)
	assert.False(t, res.Blocked)
}

// ============================================================================
// Ungoverned Turn
// ============================================================================

func TestRun_UngovernedTurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput(""))
	require.NoError(t, err)

	assert.False(t, res.Blocked)
	assert.Len(t, res.SessionID, 36, "a fresh turn gets a generated session id")
	assert.Contains(t, res.Content, "[handbook.pdf (Label: Confidential)]",
		"citations carry label annotations")

	// Default modes gate nothing.
	assert.Empty(t, env.gateway.recordedEvals())

	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", res.SessionID)
	require.NoError(t, err)
	require.Len(t, detail.Turns, 1)
	assert.Equal(t, "Is remote work allowed?", detail.Turns[0].Question)
	assert.Equal(t, 1, detail.Turns[0].TurnNumber)
	assert.NotEmpty(t, detail.Title, "first successful answer titles the session")
}

func TestRun_EchoesCallerSessionID(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.Run(context.Background(), turnInput("11111111-2222-3333-4444-555555555555"))
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", res.SessionID)
}

// ============================================================================
// Inline Gating
// ============================================================================

func TestRun_PromptGateBlocksTurn(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = inlineScope(datatypes.ActivityUploadText)
	env.gateway.blockOn = map[string]bool{datatypes.ActivityUploadText: true}
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-block"))
	require.NoError(t, err, "a policy block is a completed turn, not a failure")

	assert.True(t, res.Blocked)
	assert.Equal(t, env.prompts.Denial(), res.Content)

	// The pipeline stops before retrieval and synthesis.
	assert.Zero(t, env.retriever.callCount())
	assert.Zero(t, env.model.callCount())

	// The blocked evaluation still consumed its sequence number.
	seq, err := env.store.SequenceValue(ctx, "session-block")
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	// Nothing is persisted for a blocked turn.
	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", "session-block")
	require.NoError(t, err)
	assert.Empty(t, detail.Turns)

	decisions := env.auditor.byStage(extensions.StagePrompt)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Allowed)
	assert.Equal(t, datatypes.ActionRestrictAccess, decisions[0].Reason)
}

func TestRun_ResponseGateSeesProcessedText(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = inlineScope(datatypes.ActivityDownloadText)
	env.gateway.blockOn = map[string]bool{datatypes.ActivityDownloadText: true}
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-resp"))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, env.prompts.Denial(), res.Content)

	// Synthesis ran; emission did not.
	assert.NotZero(t, env.model.callCount())

	evals := env.gateway.recordedEvals()
	require.Len(t, evals, 1)
	assert.Equal(t, datatypes.ActivityDownloadText, evals[0].activity)
	assert.Contains(t, evals[0].content, "(Label: Confidential)",
		"the response gate evaluates the citation-rewritten text")

	// A withheld answer is never persisted.
	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", "session-resp")
	require.NoError(t, err)
	assert.Empty(t, detail.Turns)
}

func TestRun_BothGatesAllow(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = inlineScope(datatypes.ActivityUploadText, datatypes.ActivityDownloadText)
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-allow"))
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	evals := env.gateway.recordedEvals()
	require.Len(t, evals, 2)
	assert.Equal(t, datatypes.ActivityUploadText, evals[0].activity)
	assert.Equal(t, 1, evals[0].sequence)
	assert.Equal(t, datatypes.ActivityDownloadText, evals[1].activity)
	assert.Equal(t, 2, evals[1].sequence)

	decisions := env.auditor.byStage(extensions.StagePrompt)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allowed)
	assert.Equal(t, "etag-1", decisions[0].PolicyETag)
}

func TestRun_EvaluationFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = inlineScope(datatypes.ActivityUploadText)
	env.gateway.evalErrOn = datatypes.ActivityUploadText
	env.gateway.evalErr = &governance.EvaluationError{StatusCode: 502, Message: "upstream unavailable"}

	res, err := env.orch.Run(context.Background(), turnInput("session-fail"))
	require.Error(t, err, "an evaluation failure is a turn failure, not a denial")
	assert.Nil(t, res)
	assert.True(t, governance.IsEvaluationError(err))
	assert.Equal(t, observability.ErrorCodePolicyEvaluation, ErrorCode(err))

	// Fail-closed means no model call ever happened.
	assert.Zero(t, env.model.callCount())

	decisions := env.auditor.byStage(extensions.StagePrompt)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Allowed)
	assert.Contains(t, decisions[0].Metadata, "error")
}

func TestRun_ScopeFailureContinuesUngated(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scopeErr = &governance.PolicyScopeError{StatusCode: 500, Message: "scope api down"}

	res, err := env.orch.Run(context.Background(), turnInput(""))
	require.NoError(t, err, "scope resolution failures degrade, never fail the turn")
	assert.False(t, res.Blocked)
	assert.Empty(t, env.gateway.recordedEvals(), "default modes gate nothing")
}

func TestRun_ScopeModifiedIsObservedOnly(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = inlineScope(datatypes.ActivityUploadText)
	env.gateway.scopeState = datatypes.ScopeStateModified
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-drift"))
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, 1, env.gateway.scopeCalls)

	// The drift signal does not invalidate the cache: the next turn is
	// served from the cached scope without a second fetch.
	_, err = env.orch.Run(ctx, turnInput("session-drift"))
	require.NoError(t, err)
	assert.Equal(t, 1, env.gateway.scopeCalls)
}

// ============================================================================
// Offline Reporting
// ============================================================================

func TestRun_OfflineReportingCoversBothTexts(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = offlineScope(datatypes.ActivityUploadText, datatypes.ActivityDownloadText)
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-offline"))
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	// Two numbers reserved before the handoff, prompt first.
	seq, err := env.store.SequenceValue(ctx, "session-offline")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	require.Eventually(t, func() bool {
		return len(env.gateway.recordedEvals()) == 2
	}, 2*time.Second, 10*time.Millisecond, "background evaluations should run")

	evals := env.gateway.recordedEvals()
	byActivity := map[string]evalCall{}
	for _, e := range evals {
		byActivity[e.activity] = e
	}
	require.Contains(t, byActivity, datatypes.ActivityUploadText)
	require.Contains(t, byActivity, datatypes.ActivityDownloadText)
	assert.Equal(t, 1, byActivity[datatypes.ActivityUploadText].sequence)
	assert.Equal(t, "Is remote work allowed?", byActivity[datatypes.ActivityUploadText].content)
	assert.Equal(t, 2, byActivity[datatypes.ActivityDownloadText].sequence)
	assert.Equal(t, res.Content, byActivity[datatypes.ActivityDownloadText].content)

	require.Eventually(t, func() bool {
		return len(env.auditor.byStage(extensions.StageOffline)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_MixedModesReserveDisjointSequences(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.scope = &datatypes.PolicyScope{
		ETag: "etag-1",
		ActivityExecutionMap: map[string]string{
			datatypes.ActivityUploadText:   datatypes.ModeEvaluateInline,
			datatypes.ActivityDownloadText: datatypes.ModeEvaluateOffline,
		},
	}
	ctx := context.Background()

	_, err := env.orch.Run(ctx, turnInput("session-mixed"))
	require.NoError(t, err)

	// Inline gate took 1; the offline pair took 2 and 3.
	seq, err := env.store.SequenceValue(ctx, "session-mixed")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)

	require.Eventually(t, func() bool {
		return len(env.gateway.recordedEvals()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, e := range env.gateway.recordedEvals() {
		if e.activity == datatypes.ActivityUploadText && e.sequence == 1 {
			continue // inline prompt gate
		}
		assert.GreaterOrEqual(t, e.sequence, 2, "offline sequences follow the inline gate")
	}
}

// ============================================================================
// Extension Filters
// ============================================================================

func TestRun_InputFilterBlockMatchesGateBlock(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Filter = &scriptedFilter{blockInput: true}
	})

	res, err := env.orch.Run(context.Background(), turnInput(""))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, env.prompts.Denial(), res.Content)
	assert.Zero(t, env.retriever.callCount())
}

func TestRun_OutputFilterBlockMatchesGateBlock(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Filter = &scriptedFilter{blockOutput: true}
	})
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-outblock"))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Equal(t, env.prompts.Denial(), res.Content)

	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", "session-outblock")
	require.NoError(t, err)
	assert.Empty(t, detail.Turns)
}

func TestRun_InputFilterRedactionFlowsDownstream(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Filter = &scriptedFilter{redact: "remote work"}
	})
	ctx := context.Background()

	res, err := env.orch.Run(ctx, turnInput("session-redact"))
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	// Retrieval, the model prompt, and the stored turn all see the
	// filtered question; the raw text goes nowhere.
	require.NotZero(t, env.retriever.callCount())
	assert.Contains(t, env.retriever.queries[0], "[REDACTED]")
	assert.Contains(t, env.model.prompt(0), "[REDACTED]")
	assert.NotContains(t, env.model.prompt(0), "remote work allowed?")

	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", "session-redact")
	require.NoError(t, err)
	require.Len(t, detail.Turns, 1)
	assert.Equal(t, "Is [REDACTED] allowed?", detail.Turns[0].Question)
}

// ============================================================================
// Label Filtering
// ============================================================================

func TestRun_DroppedDocumentStillAnnotatesCitations(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.labels = map[string]*datatypes.LabelInfo{
		"lbl-secret": {ID: "lbl-secret", Name: "Highly Confidential", Rights: "owner"},
	}
	env.retriever.docs = []datatypes.RetrievedDocument{
		{Source: "salaries.xlsx", Content: "Compensation bands.", LabelID: "lbl-secret", LabelName: "Highly Confidential"},
		{Source: "faq.md", Content: "Leave requests go through the portal."},
	}
	env.model.response = "Bands are documented [salaries.xlsx] and process in [faq.md]."

	res, err := env.orch.Run(context.Background(), turnInput(""))
	require.NoError(t, err)

	// The dropped document never reached the prompt...
	assert.NotContains(t, env.model.prompt(0), "Compensation bands.")

	// ...but its citation is still annotated in the answer.
	assert.Contains(t, res.Content, "[salaries.xlsx (Label: Highly Confidential)]")
}

// ============================================================================
// Failure Mapping
// ============================================================================

func TestRun_AuthErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	env.broker.err = &identity.AuthError{Message: "missing bearer token"}

	_, err := env.orch.Run(context.Background(), turnInput(""))
	require.Error(t, err)
	assert.True(t, identity.IsAuthError(err))
	assert.Equal(t, observability.ErrorCodeAuth, ErrorCode(err))
}

func TestRun_TokenAcquisitionErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	env.broker.err = &identity.TokenAcquisitionError{Stage: "obo", StatusCode: 503, Message: "authority unavailable"}

	_, err := env.orch.Run(context.Background(), turnInput(""))
	require.Error(t, err)
	assert.True(t, identity.IsTokenAcquisitionError(err))
	assert.Equal(t, observability.ErrorCodeTokenAcquisition, ErrorCode(err))
}

func TestRun_ModelFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	env.model.err = context.DeadlineExceeded

	_, err := env.orch.Run(context.Background(), turnInput(""))
	require.Error(t, err)
	assert.True(t, rag.IsDownstreamModelError(err))
	assert.Equal(t, observability.ErrorCodeModel, ErrorCode(err))
}

func TestRun_RetrievalFailurePropagates(t *testing.T) {
	env := newTestEnv(t)
	env.retriever.err = context.DeadlineExceeded

	_, err := env.orch.Run(context.Background(), turnInput(""))
	require.Error(t, err)
	assert.Equal(t, observability.ErrorCodeRetrieval, ErrorCode(err))
}

func TestErrorCode_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, observability.ErrorCodeInternal, ErrorCode(context.Canceled))
	assert.Equal(t, observability.ErrorCodeInternal,
		ErrorCode(&TurnError{State: StateAnswering, Err: context.Canceled}))
	assert.Equal(t, observability.ErrorCodeHistory,
		ErrorCode(&TurnError{State: StateResponding, Err: context.Canceled}))
}

// ============================================================================
// Conversation Continuity
// ============================================================================

func TestRun_SecondTurnCarriesHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := turnInput("session-cont")
	first.Question = "What is the leave policy?"
	_, err := env.orch.Run(ctx, first)
	require.NoError(t, err)

	second := turnInput("session-cont")
	second.Question = "Does it cover sabbaticals?"
	_, err = env.orch.Run(ctx, second)
	require.NoError(t, err)

	detail, err := env.store.SessionDetail(ctx, "alice@contoso.com", "session-cont")
	require.NoError(t, err)
	require.Len(t, detail.Turns, 2)
	assert.Equal(t, 1, detail.Turns[0].TurnNumber)
	assert.Equal(t, 2, detail.Turns[1].TurnNumber)

	// Turn one's exchange grounds turn two's prompt. The model saw three
	// prompts: answer one, title, answer two.
	require.Equal(t, 3, env.model.callCount())
	assert.Contains(t, env.model.prompt(2), "What is the leave policy?")
}
