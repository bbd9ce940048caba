// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGovern/services/llm"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
)

var engineTracer = otel.Tracer("aleutian.govern.rag.engine")

const (
	// maxHistoryTurns bounds how much prior conversation enters the
	// grounding prompt.
	maxHistoryTurns = 6

	// titleMaxRunes is the hard cap on generated session titles.
	titleMaxRunes = 32
)

// DownstreamModelError indicates the chat model call itself failed. The
// orchestrator maps it to the generic 503 response.
type DownstreamModelError struct {
	Message string
	Err     error
}

func (e *DownstreamModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model request failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("model request failed: %s", e.Message)
}

func (e *DownstreamModelError) Unwrap() error {
	return e.Err
}

// IsDownstreamModelError checks if an error is a DownstreamModelError.
func IsDownstreamModelError(err error) bool {
	var modelErr *DownstreamModelError
	return errors.As(err, &modelErr)
}

// AnswerEngine synthesizes grounded answers from filtered document chunks.
//
// # Description
//
// One model call produces the complete answer text; the engine never
// streams. Callers receive the whole response and decide when (and whether)
// to emit it; response gating runs between synthesis and emission.
type AnswerEngine struct {
	model   llm.LLMClient
	prompts *Prompts
	store   history.Store
}

// NewAnswerEngine creates an answer engine.
func NewAnswerEngine(model llm.LLMClient, prompts *Prompts, store history.Store) *AnswerEngine {
	if model == nil {
		panic("NewAnswerEngine: model cannot be nil")
	}
	if prompts == nil {
		panic("NewAnswerEngine: prompts cannot be nil")
	}
	if store == nil {
		panic("NewAnswerEngine: store cannot be nil")
	}
	return &AnswerEngine{model: model, prompts: prompts, store: store}
}

// Answer runs one grounded synthesis call.
//
// # Inputs
//
//   - question: The user's current question.
//   - docs: Label-filtered document chunks. May be empty; the prompt then
//     instructs the model to say it does not know.
//   - turns: Recent history as returned by the store, newest first.
//
// # Outputs
//
//   - string: The complete raw answer. Citation rewriting happens after.
//   - error: *DownstreamModelError when the model call fails.
func (e *AnswerEngine) Answer(ctx context.Context, question string, docs []datatypes.RetrievedDocument, turns []datatypes.TurnRecord) (string, error) {
	ctx, span := engineTracer.Start(ctx, "AnswerEngine.Answer")
	defer span.End()

	span.SetAttributes(
		attribute.Int("answer.documents", len(docs)),
		attribute.Int("answer.history_turns", len(turns)),
	)

	prompt := e.prompts.Grounding(question, formatContext(docs), formatHistory(turns))

	temperature := float32(0.2)
	maxTokens := 1024
	answer, err := e.model.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer synthesis failed")
		return "", &DownstreamModelError{Message: "answer synthesis", Err: err}
	}

	return strings.TrimSpace(answer), nil
}

// EnsureTitle generates and persists a session title from the first
// question. Idempotent: the store only accepts the first title, so
// concurrent turns on a fresh session cannot overwrite each other.
func (e *AnswerEngine) EnsureTitle(ctx context.Context, sessionID, question string) error {
	ctx, span := engineTracer.Start(ctx, "AnswerEngine.EnsureTitle")
	defer span.End()

	temperature := float32(0.1)
	maxTokens := 24
	raw, err := e.model.Generate(ctx, e.prompts.Title(question), llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return &DownstreamModelError{Message: "title generation", Err: err}
	}

	title := sanitizeTitle(raw)
	if title == "" {
		title = sanitizeTitle(question)
	}

	set, err := e.store.SetTitleIfEmpty(ctx, sessionID, title)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to persist title: %w", err)
	}
	if set {
		slog.Info("Set session title", "session_id", sessionID, "title", title)
	}
	return nil
}

// RewriteCitations annotates every [source] citation whose source carries a
// sensitivity label.
//
// All retrieved candidates participate, including chunks the label filter
// dropped: a citation the model produced from conversation context must
// still show its label.
func RewriteCitations(answer string, candidates []datatypes.RetrievedDocument) string {
	seen := make(map[string]bool, len(candidates))
	for _, doc := range candidates {
		if doc.LabelName == "" || seen[doc.Source] {
			continue
		}
		seen[doc.Source] = true
		answer = strings.ReplaceAll(answer,
			"["+doc.Source+"]",
			"["+doc.Source+" (Label: "+doc.LabelName+")]")
	}
	return answer
}

// =============================================================================
// Prompt Assembly Helpers
// =============================================================================

func formatContext(docs []datatypes.RetrievedDocument) string {
	if len(docs) == 0 {
		return "No documents matched the question."
	}

	blocks := make([]string, 0, len(docs))
	for i, doc := range docs {
		blocks = append(blocks, fmt.Sprintf("[Document %d: %s]\n%s", i+1, doc.Source, doc.Content))
	}
	return strings.Join(blocks, "\n\n")
}

// formatHistory renders turns chronologically. Input arrives newest first.
func formatHistory(turns []datatypes.TurnRecord) string {
	if len(turns) == 0 {
		return "No prior conversation."
	}
	if len(turns) > maxHistoryTurns {
		turns = turns[:maxHistoryTurns]
	}

	lines := make([]string, 0, len(turns)*2)
	for i := len(turns) - 1; i >= 0; i-- {
		lines = append(lines, "User: "+turns[i].Question)
		lines = append(lines, "Assistant: "+turns[i].Answer)
	}
	return strings.Join(lines, "\n")
}

func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.ReplaceAll(title, "\n", " ")
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)

	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = strings.TrimSpace(string(runes[:titleMaxRunes]))
	}
	return title
}
