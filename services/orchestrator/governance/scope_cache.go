// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"context"
	"fmt"
	"log/slog"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// scopeCacheTracer is the OpenTelemetry tracer for scope cache operations.
var scopeCacheTracer = otel.Tracer("aleutian.govern.governance.scope_cache")

// =============================================================================
// ScopeCache
// =============================================================================

// ScopeCache caches resolved protection scopes per user for the lifetime of
// the process.
//
// # Description
//
// A user's scope is fetched at most once per process: entries never expire
// and are never invalidated, not even when a later content evaluation reports
// the scope as "modified"; that signal is logged upstream and deliberately
// not acted on here. Concurrent first requests for the same user are
// deduplicated with singleflight so the scope API sees one call.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	cache := governance.NewScopeCache(gateway)
//	scope, err := cache.GetScope(ctx, appToken, userID)
//	if err != nil { ... }
//	if scope.RequiresInline(datatypes.ActivityUploadText) { ... }
type ScopeCache struct {
	cache   *gocache.Cache
	gateway PolicyGateway

	// flight deduplicates concurrent scope fetches for the same user.
	flight singleflight.Group
}

// NewScopeCache creates a ScopeCache backed by the given gateway.
//
// Panics if gateway is nil: the cache cannot resolve misses without one.
func NewScopeCache(gateway PolicyGateway) *ScopeCache {
	if gateway == nil {
		panic("governance: NewScopeCache requires a non-nil gateway")
	}
	return &ScopeCache{
		// Entries live for the whole process: no TTL, no janitor.
		cache:   gocache.New(gocache.NoExpiration, 0),
		gateway: gateway,
	}
}

// GetScope returns the cached scope for a user, fetching it on first use.
//
// # Inputs
//
//   - ctx: Context for cancellation, timeouts, and tracing.
//   - appToken: Application-only access token, used only on a cache miss.
//   - userID: The user to resolve the scope for.
//
// # Outputs
//
//   - *datatypes.PolicyScope: The resolved scope. Callers must treat it as
//     read-only; it is shared across requests.
//   - error: Non-nil when the first fetch for this user fails. Failed
//     fetches are not cached; the next request retries.
func (c *ScopeCache) GetScope(ctx context.Context, appToken, userID string) (*datatypes.PolicyScope, error) {
	ctx, span := scopeCacheTracer.Start(ctx, "GetScope")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if cached, ok := c.cache.Get(userID); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return cached.(*datatypes.PolicyScope), nil
	}

	// Use singleflight to prevent thundering herd on cache miss.
	resultI, err, shared := c.flight.Do(userID, func() (any, error) {
		// Double-check cache inside singleflight.
		if cached, ok := c.cache.Get(userID); ok {
			return cached, nil
		}

		scope, err := c.gateway.FetchScope(ctx, appToken, userID)
		if err != nil {
			return nil, err
		}

		c.cache.Set(userID, scope, gocache.NoExpiration)
		slog.Info("Cached protection scope",
			"user_id", userID,
			"activities", len(scope.ActivityExecutionMap),
		)
		return scope, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scope fetch failed")
		return nil, err
	}

	scope, ok := resultI.(*datatypes.PolicyScope)
	if !ok {
		err := fmt.Errorf("unexpected type from scope singleflight: got %T", resultI)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.Bool("flight_shared", shared),
	)
	return scope, nil
}

// Cached reports whether a scope is already resolved for the user. Used by
// tests and the health surface; the chat path goes through GetScope.
func (c *ScopeCache) Cached(userID string) bool {
	_, ok := c.cache.Get(userID)
	return ok
}

// Size returns the number of cached scopes.
func (c *ScopeCache) Size() int {
	return c.cache.ItemCount()
}
