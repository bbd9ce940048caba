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
	"testing"
	"time"
)

// =============================================================================
// Test Stubs
// =============================================================================

// stubCleaner returns canned expired objects and counts delete calls.
type stubCleaner struct {
	sessions     []ExpiredSession
	documents    []ExpiredDocument
	sessionsErr  error
	documentsErr error

	sessionResult  CleanupResult
	documentResult CleanupResult

	deleteSessionCalls  int
	deleteDocumentCalls int

	queried chan struct{} // Closed on first document query, for async tests
}

func (s *stubCleaner) ExpiredSessions(_ context.Context, _ int) ([]ExpiredSession, error) {
	if s.sessionsErr != nil {
		return nil, s.sessionsErr
	}
	return s.sessions, nil
}

func (s *stubCleaner) ExpiredDocuments(_ context.Context, _ int) ([]ExpiredDocument, error) {
	if s.queried != nil {
		select {
		case <-s.queried:
		default:
			close(s.queried)
		}
	}
	if s.documentsErr != nil {
		return nil, s.documentsErr
	}
	return s.documents, nil
}

func (s *stubCleaner) DeleteSessions(_ context.Context, _ []ExpiredSession) CleanupResult {
	s.deleteSessionCalls++
	return s.sessionResult
}

func (s *stubCleaner) DeleteDocuments(_ context.Context, _ []ExpiredDocument) CleanupResult {
	s.deleteDocumentCalls++
	return s.documentResult
}

// =============================================================================
// Config Tests
// =============================================================================

// TestDefaultSchedulerConfig verifies the production defaults.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.Interval != 1*time.Hour {
		t.Errorf("Interval: expected 1h, got %v", config.Interval)
	}
	if config.DocumentBatchSize != 1000 {
		t.Errorf("DocumentBatchSize: expected 1000, got %d", config.DocumentBatchSize)
	}
	if config.SessionBatchSize != 100 {
		t.Errorf("SessionBatchSize: expected 100, got %d", config.SessionBatchSize)
	}
}

// =============================================================================
// Cycle Tests
// =============================================================================

// TestScheduler_RunNow_MergesPhases verifies that document and session
// phase results are folded into one cycle summary.
func TestScheduler_RunNow_MergesPhases(t *testing.T) {
	cleaner := &stubCleaner{
		sessions:  []ExpiredSession{{WeaviateID: "s1"}, {WeaviateID: "s2"}},
		documents: []ExpiredDocument{{WeaviateID: "d1"}},
		sessionResult: CleanupResult{
			SessionsFound:   2,
			SessionsDeleted: 2,
			TurnsDeleted:    9,
		},
		documentResult: CleanupResult{
			DocumentsFound:   1,
			DocumentsDeleted: 1,
			BlobsDeleted:     1,
		},
	}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	result, err := scheduler.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}

	if result.SessionsDeleted != 2 || result.TurnsDeleted != 9 {
		t.Errorf("Session phase not merged: %+v", result)
	}
	if result.DocumentsDeleted != 1 || result.BlobsDeleted != 1 {
		t.Errorf("Document phase not merged: %+v", result)
	}
	if cleaner.deleteDocumentCalls != 1 || cleaner.deleteSessionCalls != 1 {
		t.Errorf("Expected one delete call per phase, got %d / %d",
			cleaner.deleteDocumentCalls, cleaner.deleteSessionCalls)
	}
	if result.EndTime.Before(result.StartTime) {
		t.Error("EndTime should not precede StartTime")
	}
}

// TestScheduler_RunNow_NothingExpired verifies that empty queries skip the
// delete calls entirely.
func TestScheduler_RunNow_NothingExpired(t *testing.T) {
	cleaner := &stubCleaner{}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	result, err := scheduler.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}

	if cleaner.deleteSessionCalls != 0 || cleaner.deleteDocumentCalls != 0 {
		t.Errorf("Empty queries should not trigger deletes, got %d / %d",
			cleaner.deleteSessionCalls, cleaner.deleteDocumentCalls)
	}
	if result.SessionsDeleted != 0 || result.DocumentsDeleted != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}
}

// TestScheduler_RunNow_DocumentQueryFails verifies that a document query
// failure aborts the cycle before the session phase.
func TestScheduler_RunNow_DocumentQueryFails(t *testing.T) {
	cleaner := &stubCleaner{
		documentsErr: fmt.Errorf("weaviate unavailable"),
		sessions:     []ExpiredSession{{WeaviateID: "s1"}},
	}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	_, err := scheduler.RunNow(context.Background())
	if err == nil {
		t.Fatal("Expected an error from the failed document query")
	}
	if cleaner.deleteSessionCalls != 0 {
		t.Error("Session phase should not run after a document query failure")
	}
}

// TestScheduler_RunNow_SessionQueryFails verifies that the document phase
// results are kept even when the session query fails afterward.
func TestScheduler_RunNow_SessionQueryFails(t *testing.T) {
	cleaner := &stubCleaner{
		sessionsErr: fmt.Errorf("weaviate unavailable"),
		documents:   []ExpiredDocument{{WeaviateID: "d1"}},
		documentResult: CleanupResult{
			DocumentsFound:   1,
			DocumentsDeleted: 1,
		},
	}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	result, err := scheduler.RunNow(context.Background())
	if err == nil {
		t.Fatal("Expected an error from the failed session query")
	}
	if cleaner.deleteDocumentCalls != 1 {
		t.Error("Document phase should have completed before the failure")
	}
	if result.DocumentsDeleted != 1 {
		t.Errorf("Document deletions should survive in the partial result, got %d", result.DocumentsDeleted)
	}
}

// TestScheduler_RunNow_PartialPropagates verifies that a partial phase
// flags the whole cycle.
func TestScheduler_RunNow_PartialPropagates(t *testing.T) {
	cleaner := &stubCleaner{
		documents: []ExpiredDocument{{WeaviateID: "d1"}, {WeaviateID: "d2"}},
		documentResult: CleanupResult{
			DocumentsFound:   2,
			DocumentsDeleted: 1,
			Errors:           []CleanupError{{ObjectID: "d2", Reason: "refused"}},
			Partial:          true,
		},
	}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	result, err := scheduler.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}

	if !result.Partial {
		t.Error("Partial phase should flag the cycle partial")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Phase errors should be carried over, got %d", len(result.Errors))
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestScheduler_Start_RunsInitialCleanup verifies that the loop runs one
// cycle immediately rather than waiting for the first tick.
func TestScheduler_Start_RunsInitialCleanup(t *testing.T) {
	cleaner := &stubCleaner{queried: make(chan struct{})}

	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())
	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scheduler.Stop()

	select {
	case <-cleaner.queried:
	case <-time.After(2 * time.Second):
		t.Fatal("Initial cleanup cycle did not run")
	}
}

// TestScheduler_Start_AlreadyRunning verifies that a second Start fails
// while the first is active.
func TestScheduler_Start_AlreadyRunning(t *testing.T) {
	cleaner := &stubCleaner{}
	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	defer scheduler.Stop()

	if err := scheduler.Start(context.Background()); err == nil {
		t.Error("Second Start should fail while running")
	}
}

// TestScheduler_StopAndRestart verifies that Stop resets state so the
// scheduler can be started again.
func TestScheduler_StopAndRestart(t *testing.T) {
	cleaner := &stubCleaner{}
	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := scheduler.Start(context.Background()); err != nil {
		t.Errorf("Restart after Stop failed: %v", err)
	}
	scheduler.Stop()
}

// TestScheduler_Stop_Idempotent verifies that stopping twice is safe.
func TestScheduler_Stop_Idempotent(t *testing.T) {
	cleaner := &stubCleaner{}
	scheduler := NewScheduler(cleaner, nil, DefaultSchedulerConfig())

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		t.Fatalf("First Stop failed: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got: %v", err)
	}
}

// TestScheduler_Stop_WithoutStart verifies that stopping a never-started
// scheduler is a no-op.
func TestScheduler_Stop_WithoutStart(t *testing.T) {
	scheduler := NewScheduler(&stubCleaner{}, nil, DefaultSchedulerConfig())
	if err := scheduler.Stop(); err != nil {
		t.Errorf("Stop without Start should be a no-op, got: %v", err)
	}
}
