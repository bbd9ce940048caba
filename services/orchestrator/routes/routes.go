// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the orchestrator's HTTP surface.
//
// The route table is the compatibility contract with existing clients; the
// paths and their query parameters are fixed. Handlers live in the handlers
// package; this package only decides which middleware guards which group.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/docstore"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/history"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/pipeline"
)

// Deps carries everything the route table needs. All fields are required.
type Deps struct {
	// Chat serves POST /api/chats/stream.
	Chat handlers.ChatStreamHandler

	// Turns runs governed turns for the websocket endpoint.
	Turns *pipeline.ChatOrchestrator

	// History backs the session administration endpoints.
	History history.Store

	// Documents stores raw uploads and serves downloads.
	Documents docstore.DocumentStore

	// Ingestor chunks and indexes uploads for retrieval.
	Ingestor docstore.Ingestor

	// Limiter is the shared per-caller rate limiter.
	Limiter *middleware.RateLimiter

	// Options supplies the auth provider consulted before governed routes.
	Options extensions.ServiceOptions
}

// SetupRoutes registers every endpoint on the router.
//
// # Description
//
// Three surfaces with different guards:
//
//   - Operational (healthz, metrics): unauthenticated, for the platform.
//   - Chats: rate-limited, bearer-authenticated, userId-scoped. The chat
//     pipeline cannot run without a token to exchange, so the whole group
//     fails closed at the middleware.
//   - Documents: rate-limited only. Ingestion is a deployment-internal
//     surface fronted by the operator's own controls, matching the original
//     system's open document endpoints.
//
// # Inputs
//
//   - router: The engine to register on. Must not be nil.
//   - deps: Fully populated dependency set.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", middleware.RateLimitMiddleware(deps.Limiter))
	{
		chats := api.Group("/chats",
			middleware.AuthMiddleware(deps.Options.AuthProvider),
			middleware.RequireUserID(),
		)
		{
			chats.POST("/stream", deps.Chat.HandleChatStream)
			chats.GET("/ws", handlers.HandleChatWebSocket(deps.Turns))
			chats.GET("", handlers.ListSessions(deps.History))
			chats.GET("/:sessionId", handlers.GetSession(deps.History))
			chats.DELETE("/:sessionId", handlers.DeleteSession(deps.History))
		}

		documents := api.Group("/documents")
		{
			documents.POST("", handlers.UploadDocument(deps.Documents, deps.Ingestor))
			documents.GET("/:filename", handlers.DownloadDocument(deps.Documents))
		}
	}
}
