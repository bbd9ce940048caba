// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Retention Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the retention scheduler.
//
// # Fields
//
//   - Interval: How often to run cleanup cycles. Default: 1 hour.
//   - DocumentBatchSize: Maximum document chunks to delete per cycle.
//     Default: 1000.
//   - SessionBatchSize: Maximum sessions to delete per cycle. Default: 100.
type SchedulerConfig struct {
	Interval          time.Duration
	DocumentBatchSize int
	SessionBatchSize  int
}

// DefaultSchedulerConfig returns production-ready scheduler defaults.
//
// # Outputs
//
//   - SchedulerConfig: 1 hour interval, 1000 document chunks and 100
//     sessions per cycle.
//
// # Examples
//
//	config := DefaultSchedulerConfig()
//	config.Interval = 30 * time.Minute // Override just the interval
//	scheduler := NewScheduler(cleaner, audit, config)
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:          1 * time.Hour,
		DocumentBatchSize: 1000,
		SessionBatchSize:  100,
	}
}

// Scheduler runs retention cleanup cycles in the background.
//
// # Description
//
// Manages the lifecycle of a goroutine that periodically asks the Cleaner
// for expired objects and deletes them. Uses the ticker + done channel
// pattern for graceful shutdown. Each cycle runs the document phase first,
// then the session phase; a query failure aborts the cycle and the next
// tick retries from scratch.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex protects state transitions.
type Scheduler struct {
	cleaner Cleaner
	audit   AuditLogger
	config  SchedulerConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler.
//
// # Inputs
//
//   - cleaner: Cleaner implementation for querying and deleting expired
//     objects.
//   - audit: Audit log for cycle summaries and errors. May be nil for
//     slog-only logging.
//   - config: Scheduler configuration including interval and batch sizes.
//
// # Outputs
//
//   - *Scheduler: Ready to Start().
//
// # Examples
//
//	cleaner := NewWeaviateCleaner(weaviateClient, blobStore, audit)
//	scheduler := NewScheduler(cleaner, audit, DefaultSchedulerConfig())
//	if err := scheduler.Start(ctx); err != nil {
//	    return err
//	}
//	defer scheduler.Stop()
//
// # Limitations
//
//   - Only one scheduler should run per orchestrator instance.
//   - The scheduler does not persist state between restarts.
func NewScheduler(cleaner Cleaner, audit AuditLogger, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		cleaner: cleaner,
		audit:   audit,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Start begins the background cleanup loop.
//
// # Description
//
// Starts a goroutine that runs an immediate cleanup cycle and then one per
// configured interval, until Stop() is called or the context is cancelled.
//
// # Inputs
//
//   - ctx: Context for cancellation. When cancelled, the loop exits.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	s.mu.Unlock()

	slog.Info("Retention scheduler starting",
		"interval", s.config.Interval.String(),
		"document_batch_size", s.config.DocumentBatchSize,
		"session_batch_size", s.config.SessionBatchSize,
	)

	go s.runLoop(ctx)
	return nil
}

// Stop signals the background loop to exit. Safe to call multiple times.
//
// Does not interrupt a delete operation already in flight.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	slog.Info("Retention scheduler stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow triggers an immediate cleanup cycle.
//
// # Description
//
// Performs a cycle without waiting for the next scheduled interval. Useful
// for manual invocation. Does not affect scheduled cleanup timing.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//
// # Outputs
//
//   - CleanupResult: Summary of the cycle.
//   - error: Non-nil if a query phase fails.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.runCycle(ctx)
}

// =============================================================================
// Internal Methods
// =============================================================================

// runLoop is the main scheduler goroutine.
func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run an initial cleanup immediately on start
	s.executeCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retention scheduler stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Retention scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

// executeCleanup runs one cycle with error handling so a failing cycle
// never crashes the scheduler.
func (s *Scheduler) executeCleanup(ctx context.Context) {
	result, err := s.runCycle(ctx)
	if err != nil {
		slog.Error("Retention cleanup cycle failed", "error", err)
		if s.audit != nil {
			_ = s.audit.LogError(err, "cleanup_cycle")
		}
		return
	}

	// Only log at info level when something was found
	if result.DocumentsFound > 0 || result.SessionsFound > 0 {
		slog.Info("Retention cleanup cycle completed",
			"documents_found", result.DocumentsFound,
			"documents_deleted", result.DocumentsDeleted,
			"blobs_deleted", result.BlobsDeleted,
			"sessions_found", result.SessionsFound,
			"sessions_deleted", result.SessionsDeleted,
			"turns_deleted", result.TurnsDeleted,
			"duration_ms", result.DurationMs(),
			"partial", result.Partial,
		)
	} else {
		slog.Debug("Retention cleanup cycle completed (no expired objects)")
	}

	if s.audit != nil {
		_ = s.audit.LogCleanup(result)
	}
}

// runCycle performs one cleanup cycle: documents first, then sessions.
//
// A query failure aborts the cycle; deletions already performed stand and
// whatever remains expired is picked up by the next cycle.
func (s *Scheduler) runCycle(ctx context.Context) (CleanupResult, error) {
	combined := CleanupResult{
		StartTime: time.Now(),
		Errors:    make([]CleanupError, 0),
	}

	docPhase, err := s.cleanupDocuments(ctx)
	if err != nil {
		combined.EndTime = time.Now()
		return combined, fmt.Errorf("document cleanup failed: %w", err)
	}
	combined.merge(docPhase)

	sessPhase, err := s.cleanupSessions(ctx)
	if err != nil {
		combined.EndTime = time.Now()
		return combined, fmt.Errorf("session cleanup failed: %w", err)
	}
	combined.merge(sessPhase)

	combined.EndTime = time.Now()
	return combined, nil
}

// cleanupDocuments queries and deletes expired document chunks.
func (s *Scheduler) cleanupDocuments(ctx context.Context) (CleanupResult, error) {
	expired, err := s.cleaner.ExpiredDocuments(ctx, s.config.DocumentBatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	if len(expired) == 0 {
		now := time.Now()
		return CleanupResult{StartTime: now, EndTime: now}, nil
	}

	slog.Debug("Found expired document chunks", "count", len(expired))
	return s.cleaner.DeleteDocuments(ctx, expired), nil
}

// cleanupSessions queries and deletes expired sessions.
func (s *Scheduler) cleanupSessions(ctx context.Context) (CleanupResult, error) {
	expired, err := s.cleaner.ExpiredSessions(ctx, s.config.SessionBatchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	if len(expired) == 0 {
		now := time.Now()
		return CleanupResult{StartTime: now, EndTime: now}, nil
	}

	slog.Debug("Found expired sessions", "count", len(expired))
	return s.cleaner.DeleteSessions(ctx, expired), nil
}
