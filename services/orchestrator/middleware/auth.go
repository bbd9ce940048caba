// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// This package contains middleware for authentication, caller identification,
// and per-user rate limiting. It integrates with the extensions package to
// support enterprise identity providers.
//
// # Request Flow
//
// The governed chat surface requires two pieces of caller identity: a bearer
// token (exchanged downstream for delegated and application tokens) and a
// userId query parameter (the key for policy-scope lookups). Both are
// validated here so handlers can assume they are present.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>" (400 if absent)
//	   │
//	   ├─► provider.Validate(ctx, token) (401 if rejected)
//	   │
//	   └─► Store token + AuthInfo in context
//	           │
//	           ▼
//	RequireUserID
//	   │
//	   ├─► Read userId query parameter (400 if absent)
//	   │
//	   └─► Store userId in context
//	           │
//	           ▼
//	       Handler (retrieves via BearerToken / UserID / GetAuthInfo)
//
// # Open Source Behavior
//
// When using NopAuthProvider (default), any non-empty bearer passes
// validation here; a bad token still fails closed at the token exchange.
// The header itself is always required because the pipeline cannot run
// without a token to exchange.
//
// # Enterprise Behavior
//
// Enterprise implementations validate tokens against identity providers
// (Entra, Okta, Auth0) before the exchange is attempted and can attach
// roles used by AuthzProvider checks.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGovern/pkg/extensions"
	"github.com/AleutianAI/AleutianGovern/pkg/validation"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
)

// =============================================================================
// Context Keys
// =============================================================================

// Context keys for values stored by the middleware chain.
// Using prefixed string keys prevents collisions with other context values.
const (
	authInfoKey    = "aleutian_auth_info"
	bearerTokenKey = "aleutian_bearer_token"
	userIDKey      = "aleutian_user_id"
)

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by AuthMiddleware after successful authentication.
// The stored AuthInfo can be retrieved by handlers via GetAuthInfo.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//   - info: Authenticated user information. May be nil.
//
// # Outputs
//
// None.
//
// # Limitations
//
//   - Only valid for current request (context is request-scoped)
//   - Overwrites any previously set auth info
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Description
//
// Called by handlers to access the authenticated user's identity.
// Returns nil if no AuthInfo is present (request not authenticated).
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if not authenticated
//
// # Examples
//
//	func (h *handler) HandleRequest(c *gin.Context) {
//	    authInfo := middleware.GetAuthInfo(c)
//	    if authInfo != nil && !authInfo.HasRole("auditor") {
//	        c.JSON(403, datatypes.ErrorResponse{Error: "forbidden"})
//	        return
//	    }
//	}
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// BearerToken retrieves the raw bearer token stored by AuthMiddleware.
//
// # Description
//
// The token is the credential the pipeline exchanges for delegated and
// application tokens. Returns empty string if AuthMiddleware did not run.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: The bearer token, without the "Bearer " prefix
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func BearerToken(c *gin.Context) string {
	return c.GetString(bearerTokenKey)
}

// UserID retrieves the caller's user id stored by RequireUserID.
//
// # Description
//
// The user id keys policy-scope cache entries and session ownership.
// Returns empty string if RequireUserID did not run.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: The userId query parameter value
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// using the provided AuthProvider, and stores the token and resulting
// AuthInfo in the context for downstream handlers.
//
// Unlike a conventional optional-auth middleware, a missing or malformed
// Authorization header is rejected with 400 before the provider is
// consulted: the chat pipeline cannot run without a token to exchange, so
// there is no anonymous path through this surface.
//
// # Token Extraction
//
// The middleware expects tokens in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The "Bearer" prefix is case-insensitive per RFC 7235.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	// Apply to route group
//	chats := router.Group("/api/chats")
//	chats.Use(middleware.AuthMiddleware(opts.AuthProvider))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Does not cache validation results (validates every request)
//
// # Assumptions
//
//   - Provider is non-nil and ready for use
//   - Provider.Validate is safe for concurrent calls
//   - ErrUnauthorized is used for auth failures (other errors treated as failures too)
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := identity.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			// Client-shape problem, reported as such. The message names the
			// missing header, never a downstream detail.
			c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: err.Error(),
			})
			return
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
					Error: "unauthorized",
				})
				return
			}
			// Provider failures (network, key cache) are indistinguishable
			// from rejection as far as the caller is concerned.
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Error: "authentication failed",
			})
			return
		}

		c.Set(bearerTokenKey, token)
		SetAuthInfo(c, authInfo)

		c.Next()
	}
}

// RequireUserID creates a Gin middleware that enforces the userId parameter.
//
// # Description
//
// Every governed endpoint identifies the end user with a userId query
// parameter; it keys the policy-scope cache and session ownership checks.
// Requests without one, or with one outside the directory account grammar,
// are rejected with 400 before any handler runs.
//
// # Inputs
//
// None.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	chats := router.Group("/api/chats")
//	chats.Use(middleware.AuthMiddleware(provider), middleware.RequireUserID())
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequireUserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.Query("userId"))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "missing required query parameter: userId",
			})
			return
		}
		// The id becomes a cache key, a GraphQL filter operand, and a token
		// subject downstream; reject anything outside the directory grammar
		// before it gets there.
		if err := validation.ValidateUserID(userID); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid userId",
			})
			return
		}

		c.Set(userIDKey, userID)

		c.Next()
	}
}
