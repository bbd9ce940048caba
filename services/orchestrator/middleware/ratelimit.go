// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// =============================================================================
// Rate Limiting
// =============================================================================

const (
	// DefaultRequestsPerSecond is the steady-state refill rate per caller.
	// Chat turns are expensive (token exchange, retrieval, model call), so
	// the default is deliberately low.
	DefaultRequestsPerSecond = 2.0

	// DefaultBurst is the bucket size per caller. It covers a short burst of
	// session-list and detail calls without tripping the limiter.
	DefaultBurst = 10

	limiterCleanupInterval = 5 * time.Minute
	limiterStaleThreshold  = 10 * time.Minute
)

// callerLimiter holds a token bucket and last-seen time for one caller key.
type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token-bucket limit per caller.
//
// # Description
//
// Callers are keyed by userId when present (the governed surface always
// carries one) and by client IP otherwise, so an unauthenticated scanner
// cannot share a bucket with a real user. Stale entries are swept inline
// during Allow calls; there is no background goroutine to stop.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex guards the caller map; the
// per-caller limiter does its own locking.
type RateLimiter struct {
	mu          sync.Mutex
	callers     map[string]*callerLimiter
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

// NewRateLimiter creates a rate limiter.
//
// # Inputs
//
//   - perSecond: Tokens refilled per second per caller. Values <= 0 fall
//     back to DefaultRequestsPerSecond.
//   - burst: Maximum tokens per caller (and the initial allowance). Values
//     <= 0 fall back to DefaultBurst.
//
// # Outputs
//
//   - *RateLimiter: Ready for use with RateLimitMiddleware.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		callers:     make(map[string]*callerLimiter),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a request from the given caller key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if now.Sub(rl.lastCleanup) > limiterCleanupInterval {
		for k, v := range rl.callers {
			if now.Sub(v.lastSeen) > limiterStaleThreshold {
				delete(rl.callers, k)
			}
		}
		rl.lastCleanup = now
	}

	cl, exists := rl.callers[key]
	if !exists {
		limiter := rate.NewLimiter(rl.limit, rl.burst)
		rl.callers[key] = &callerLimiter{
			limiter:  limiter,
			lastSeen: now,
		}
		limiter.Allow()
		return true
	}

	cl.lastSeen = now
	return cl.limiter.Allow()
}

// RateLimitMiddleware creates a Gin middleware that limits request rates.
//
// # Description
//
// Rejects requests with 429 and a Retry-After header once a caller has
// exhausted its token bucket. Runs before AuthMiddleware so rejected
// requests never reach the identity provider.
//
// # Inputs
//
//   - rl: The shared limiter. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	rl := middleware.NewRateLimiter(0, 0) // defaults
//	api := router.Group("/api", middleware.RateLimitMiddleware(rl))
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Query("userId"))
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			slog.Warn("Rate limit exceeded",
				"caller", key,
				"path", c.Request.URL.Path,
				"method", c.Request.Method)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
				Error: "too many requests",
			})
			return
		}

		c.Next()
	}
}
