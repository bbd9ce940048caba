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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGovern/pkg/validation"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/middleware"
)

// ListSessions returns a handler for GET /api/chats.
//
// Sessions are scoped to the caller: the store only returns sessions owned
// by the userId the middleware validated.
func ListSessions(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)

		sessions, err := store.ListSessions(c.Request.Context(), userID)
		if err != nil {
			slog.Error("Failed to list sessions", "error", err, "userId", userID)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}
		if sessions == nil {
			sessions = []datatypes.SessionSummary{}
		}

		c.JSON(http.StatusOK, datatypes.SessionListResponse{
			Sessions: sessions,
			Count:    len(sessions),
		})
	}
}

// GetSession returns a handler for GET /api/chats/:sessionId.
func GetSession(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		sessionID := c.Param("sessionId")
		if err := validation.ValidateSessionID(sessionID); err != nil {
			c.JSON(http.StatusBadRequest,
				datatypes.ErrorResponse{Error: "invalid sessionId"})
			return
		}

		detail, err := store.SessionDetail(c.Request.Context(), userID, sessionID)
		if err != nil {
			if errors.Is(err, history.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound,
					datatypes.ErrorResponse{Error: "session not found"})
				return
			}
			slog.Error("Failed to fetch session detail",
				"error", err, "userId", userID, "sessionId", sessionID)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}

		c.JSON(http.StatusOK, detail)
	}
}

// DeleteSession returns a handler for DELETE /api/chats/:sessionId.
//
// Removes the session record and every turn it owns. Foreign sessions look
// identical to absent ones so callers cannot probe other users' ids.
func DeleteSession(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		sessionID := c.Param("sessionId")
		if err := validation.ValidateSessionID(sessionID); err != nil {
			c.JSON(http.StatusBadRequest,
				datatypes.ErrorResponse{Error: "invalid sessionId"})
			return
		}
		slog.Info("Received a request to delete a session",
			"userId", userID, "sessionId", sessionID)

		turnsDeleted, err := store.DeleteSession(c.Request.Context(), userID, sessionID)
		if err != nil {
			if errors.Is(err, history.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound,
					datatypes.ErrorResponse{Error: "session not found"})
				return
			}
			slog.Error("Failed to delete session",
				"error", err, "userId", userID, "sessionId", sessionID)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}

		slog.Info("Successfully deleted all data for session",
			"sessionId", sessionID, "turnsDeleted", turnsDeleted)
		c.JSON(http.StatusOK, datatypes.SessionDeleteResponse{
			SessionID:    sessionID,
			TurnsDeleted: turnsDeleted,
		})
	}
}
