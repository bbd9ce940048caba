// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the governance orchestrator.
//
// This file contains the request and response types for the chat streaming
// endpoint. Governance (policy scope, evaluation, label) types live in
// governance.go; Weaviate persistence types live in weaviate_query.go.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	// Per SEC-004: Unbounded message history mitigation.
	MaxMessagesPerRequest = 100

	// RoleUser identifies a message authored by the end user.
	RoleUser = "user"

	// RoleAssistant identifies a message authored by the model.
	RoleAssistant = "assistant"

	// RoleSystem identifies an instruction message injected by the backend.
	RoleSystem = "system"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator instance for API datatypes.
// Initialized in init() with custom validators.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = apiValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed MaxMessageContentBytes.
//
// # Description
//
// Custom validator to enforce SEC-003 message size limits. Checks byte length
// (not rune count) to prevent memory exhaustion attacks with large payloads.
//
// # Inputs
//
//   - fl: Validator field level containing the string to validate
//
// # Outputs
//
//   - bool: true if content <= 32KB, false otherwise
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Message Types
// =============================================================================

// Message is a single conversation turn exchanged with the model.
//
// # Fields
//
//   - Role: One of "user", "assistant", or "system".
//   - Content: The message text, limited to 32KB (SEC-003 compliance).
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// =============================================================================
// Chat Stream Request Types
// =============================================================================

// RequestContext carries client-supplied correlation state for a chat request.
//
// # Fields
//
//   - SessionID: Optional. Identifies an existing chat session; ids are
//     server-minted UUIDs. When absent, the orchestrator creates a new
//     session and returns its identifier in every emitted chunk.
type RequestContext struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ChatStreamRequest represents the POST /api/chats/stream request body.
//
// # Description
//
// ChatStreamRequest carries the conversation history for a governed RAG chat
// turn. The final user message is the question to answer; earlier messages are
// accepted for API compatibility but the running history is reconstructed
// server-side from the session store, which is authoritative.
//
// # Fields
//
//   - Messages: Required. 1-100 messages. Each message must have a Role
//     ("user", "assistant", "system") and Content (max 32KB, SEC-003).
//   - Context: Optional. Carries the session identifier for multi-turn chats.
//
// # Validation
//
// Uses go-playground/validator:
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32768 bytes (32KB) per SEC-003
//
// # Examples
//
//	req := ChatStreamRequest{
//	    Messages: []Message{{Role: "user", Content: "Is remote work allowed?"}},
//	    Context:  &RequestContext{SessionID: "3f1d8a44-9c02-4e91-b8aa-52d1c36f7e10"},
//	}
type ChatStreamRequest struct {
	Messages []Message       `json:"messages" validate:"required,min=1,max=100,dive"`
	Context  *RequestContext `json:"context,omitempty"`
}

// Validate validates the ChatStreamRequest fields.
//
// # Description
//
// Performs validation using go-playground/validator tags and custom validators.
// This method should be called after binding the JSON request.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
func (r *ChatStreamRequest) Validate() error {
	return apiValidate.Struct(r)
}

// Question returns the content of the most recent user message.
//
// # Description
//
// The chat pipeline treats the last user-authored message as the question for
// the current turn. Earlier messages are ignored in favor of the server-side
// session history. Returns the empty string when no user message is present;
// callers must treat that as a validation failure.
func (r *ChatStreamRequest) Question() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(r.Messages[i].Role, RoleUser) {
			return r.Messages[i].Content
		}
	}
	return ""
}

// SessionID returns the client-supplied session identifier, if any.
func (r *ChatStreamRequest) SessionID() string {
	if r.Context == nil {
		return ""
	}
	return r.Context.SessionID
}

// =============================================================================
// Chat Stream Response Types
// =============================================================================

// StreamDelta is the answer fragment inside one NDJSON chunk.
//
// # Fields
//
//   - Content: The answer text carried by this chunk.
//   - Role: Always "assistant" for server-emitted chunks.
type StreamDelta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// StreamContext echoes correlation state back to the client on every chunk.
type StreamContext struct {
	SessionID string `json:"sessionId"`
}

// StreamChunk is one newline-delimited JSON object on the chat stream.
//
// # Description
//
// The response body of POST /api/chats/stream is application/x-ndjson: a
// sequence of StreamChunk objects, one per line. The current pipeline buffers
// the full answer server-side (so response gating runs before anything reaches
// the client) and therefore emits exactly one chunk per successful turn, but
// clients must not depend on that and should concatenate Delta.Content across
// all received chunks.
//
// # Examples
//
//	{"delta":{"content":"Rentals are booked via...","role":"assistant"},"context":{"sessionId":"123"}}
type StreamChunk struct {
	Delta   StreamDelta   `json:"delta"`
	Context StreamContext `json:"context"`
}

// NewAnswerChunk builds a StreamChunk carrying answer text for a session.
func NewAnswerChunk(sessionID, content string) StreamChunk {
	return StreamChunk{
		Delta:   StreamDelta{Content: content, Role: RoleAssistant},
		Context: StreamContext{SessionID: sessionID},
	}
}

// =============================================================================
// Error Response Types
// =============================================================================

// ErrorResponse is the generic error body returned by all endpoints.
//
// # Description
//
// Error bodies never leak internal detail (SEC-005): 400 responses describe
// which part of the request was malformed, 503 responses carry a fixed
// generic message regardless of the underlying failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
