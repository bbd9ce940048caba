// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGovern/pkg/validation"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/pipeline"
)

// =============================================================================
// Chat Stream Handler
// =============================================================================

// ChatStreamHandler processes governed chat requests with NDJSON output.
//
// # Description
//
// The handler owns the transport half of a chat turn: request parsing,
// credential plumbing from the middleware chain, status-code mapping, and
// NDJSON framing. The governance half (token exchange, gating, retrieval,
// synthesis, reporting) lives in the pipeline package.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
type ChatStreamHandler interface {
	// HandleChatStream processes POST /api/chats/stream requests.
	//
	// # Inputs
	//
	//   - c: Gin context. AuthMiddleware and RequireUserID must have run.
	//
	// # Outputs
	//
	// Writes exactly one NDJSON line on success (blocked turns included),
	// or a JSON error body before any stream bytes on failure.
	HandleChatStream(c *gin.Context)
}

type chatStreamHandler struct {
	orchestrator *pipeline.ChatOrchestrator
	tracer       trace.Tracer
}

var _ ChatStreamHandler = (*chatStreamHandler)(nil)

// NewChatStreamHandler creates a ChatStreamHandler.
//
// # Description
//
// Creates the production chat handler. Panics if orchestrator is nil
// (programming error).
//
// # Inputs
//
//   - orchestrator: The governed turn pipeline. Must not be nil.
//
// # Outputs
//
//   - ChatStreamHandler: Ready for use with Gin router
//
// # Examples
//
//	handler := handlers.NewChatStreamHandler(orch)
//	chats.POST("/stream", handler.HandleChatStream)
func NewChatStreamHandler(orchestrator *pipeline.ChatOrchestrator) ChatStreamHandler {
	if orchestrator == nil {
		panic("NewChatStreamHandler: orchestrator must not be nil")
	}
	return &chatStreamHandler{
		orchestrator: orchestrator,
		tracer:       otel.Tracer("aleutian.govern.handlers.chat_stream"),
	}
}

// HandleChatStream processes governed chat requests with NDJSON streaming.
//
// # Description
//
// Handles POST /api/chats/stream requests. The flow is:
//  1. Read caller identity stored by the middleware chain
//  2. Parse and validate the request body
//  3. Run the governed pipeline (gates, retrieval, synthesis, reporting)
//  4. Emit exactly one NDJSON line carrying the full answer
//
// The response is chunked NDJSON for wire compatibility with streaming
// clients, but the body is always a single line: the answer is fully
// buffered server-side so the response gate sees the complete text before
// any byte reaches the client. A governance block is not an error; the
// line then carries the fixed denial text.
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// Request Body (datatypes.ChatStreamRequest):
//   - messages: Required. Array of {role, content} objects; the last user
//     message is the question.
//   - context.sessionId: Optional. Resumes an existing session; a fresh
//     session id is generated when absent.
//
// # Outputs
//
// NDJSON line:
//
//	{"delta":{"content":"...","role":"assistant"},"context":{"sessionId":"..."}}
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid body, no user message, malformed credential
//   - 503 Service Unavailable: Any downstream failure (generic message only)
//
// # Limitations
//
//   - Errors after the NDJSON line is written cannot change the status code
//
// # Assumptions
//
//   - AuthMiddleware and RequireUserID have run on this route
//   - The response writer supports http.Flusher
//
// # Security References
//
//   - SEC-003: Message size limits enforced via validation
//   - SEC-005: Internal errors never reach the client
func (h *chatStreamHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Track in-flight turns (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.TurnStarted(endpoint)
		defer m.TurnEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordTurnDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Caller identity comes from the middleware chain.
	userID := middleware.UserID(c)
	bearer := middleware.BearerToken(c)
	span.SetAttributes(attribute.String("user.id", userID))

	// Step 2: Parse request body
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat stream request", "error", err, "userId", userID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}

	// Step 3: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat stream request validation failed", "error", err, "userId", userID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	question := req.Question()
	if question == "" {
		span.SetStatus(codes.Error, "no user message")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "request contains no user message"})
		return
	}

	// Session ids are minted server-side as UUIDs; anything else in the
	// resume field never reaches the store.
	if sid := req.SessionID(); sid != "" {
		if err := validation.ValidateSessionID(sid); err != nil {
			span.SetStatus(codes.Error, "invalid session id")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
			}
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid sessionId"})
			return
		}
	}

	span.SetAttributes(
		attribute.Int("request.message_count", len(req.Messages)),
		attribute.Bool("request.session_provided", req.SessionID() != ""),
	)

	// Step 4: Run the governed pipeline. Nothing reaches the client until
	// both gates have seen the relevant text.
	result, err := h.orchestrator.Run(ctx, pipeline.TurnInput{
		UserID:      userID,
		BearerToken: bearer,
		SessionID:   req.SessionID(),
		Question:    question,
	})
	if err != nil {
		code := pipeline.ErrorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		slog.Error("Chat turn failed",
			"error", err,
			"errorCode", code,
			"userId", userID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, code)
		}
		writeTurnError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("turn.session_id", result.SessionID),
		attribute.Bool("turn.blocked", result.Blocked),
	)

	// Step 5: Emit exactly one NDJSON line. Blocked turns carry the fixed
	// denial text and are a success at this layer.
	SetStreamHeaders(c.Writer)
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "streaming unsupported")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "service unavailable"})
		return
	}
	if err := writer.WriteAnswer(result.SessionID, result.Content); err != nil {
		// Headers are already out; all we can do is note the disconnect.
		span.RecordError(err)
		slog.Warn("Client disconnected before answer was written",
			"error", err,
			"sessionId", result.SessionID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		}
		return
	}

	success = true
}

// writeTurnError maps a pipeline error to a client response. Malformed
// credentials are the caller's mistake; everything else is a generic 503 so
// no downstream detail leaks.
func writeTurnError(c *gin.Context, err error) {
	if identity.IsAuthError(err) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid authorization credential"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "service unavailable"})
}
