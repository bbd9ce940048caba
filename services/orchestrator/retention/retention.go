// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention enforces retention windows for chat sessions and
// ingested documents. A background scheduler removes data whose
// ttl_expires_at stamp has passed, and every removal is recorded in a
// tamper-evident audit log for GDPR/CCPA compliance.
//
// Retention runs against the Weaviate backend only. Stores stamp
// ttl_expires_at at creation time; a stamp of zero means never expires.
package retention

import (
	"context"
	"time"
)

// Cleaner queries and deletes expired data.
//
// # Description
//
// The scheduler drives a Cleaner in two phases per cycle: documents first,
// then sessions. Delete operations report per-object failures in the
// CleanupResult rather than aborting the batch, so one stuck object cannot
// block the rest of the cycle.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Cleaner interface {
	// ExpiredSessions returns sessions whose ttl_expires_at is non-zero and
	// in the past, up to limit.
	ExpiredSessions(ctx context.Context, limit int) ([]ExpiredSession, error)

	// ExpiredDocuments returns document chunks whose ttl_expires_at is
	// non-zero and in the past, up to limit.
	ExpiredDocuments(ctx context.Context, limit int) ([]ExpiredDocument, error)

	// DeleteSessions removes expired sessions and cascades to their turns.
	DeleteSessions(ctx context.Context, sessions []ExpiredSession) CleanupResult

	// DeleteDocuments removes expired chunks. When the last chunk of a
	// source is gone the stored blob is deleted too.
	DeleteDocuments(ctx context.Context, docs []ExpiredDocument) CleanupResult
}

// AuditLogger records retention activity in the dedicated audit file.
//
// The zero-value interface (nil) is accepted everywhere audit logging is
// optional; callers must nil-check before use.
type AuditLogger interface {
	// LogDeletion appends one hash-chained deletion record.
	LogDeletion(content []byte, objectID, operation string, meta DeletionMetadata) (DeletionRecord, error)

	// LogCleanup appends a cycle summary. Summaries are informational and
	// sit outside the hash chain.
	LogCleanup(result CleanupResult) error

	// LogError appends an error entry, outside the hash chain.
	LogError(err error, context string) error

	// Close flushes and closes the audit file.
	Close() error
}

// ExpiredSession identifies one session past its retention window.
type ExpiredSession struct {
	// WeaviateID is the object UUID used for deletion.
	WeaviateID string

	// SessionID is the logical session identifier, used for the turn
	// cascade and audit records.
	SessionID string

	// UserID is the owning user, carried for audit context.
	UserID string

	// TTLExpiresAt is the stamp (Unix ms) that put the session in scope.
	TTLExpiresAt int64
}

// ExpiredDocument identifies one document chunk past its retention window.
type ExpiredDocument struct {
	// WeaviateID is the object UUID used for deletion.
	WeaviateID string

	// Source is the original filename the chunk came from.
	Source string

	// LabelID is the sensitivity label attached at ingestion.
	LabelID string

	// Content is the chunk text, fetched so the audit record can carry a
	// hash of what was removed.
	Content string

	// TTLExpiresAt is the stamp (Unix ms) that put the chunk in scope.
	TTLExpiresAt int64
}

// CleanupResult summarizes one cleanup operation.
type CleanupResult struct {
	StartTime        time.Time
	EndTime          time.Time
	SessionsFound    int
	SessionsDeleted  int
	TurnsDeleted     int
	DocumentsFound   int
	DocumentsDeleted int
	BlobsDeleted     int
	Errors           []CleanupError

	// Partial marks a batch where some objects were deleted and some
	// failed. Failed objects stay expired and are retried next cycle.
	Partial bool
}

// Duration returns the total duration of the cleanup operation.
func (r *CleanupResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// DurationMs returns the duration in milliseconds for logging.
func (r *CleanupResult) DurationMs() int64 {
	return r.Duration().Milliseconds()
}

// HasErrors returns true if any errors occurred during cleanup.
func (r *CleanupResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// merge folds a phase result into a combined cycle result.
func (r *CleanupResult) merge(phase CleanupResult) {
	r.SessionsFound += phase.SessionsFound
	r.SessionsDeleted += phase.SessionsDeleted
	r.TurnsDeleted += phase.TurnsDeleted
	r.DocumentsFound += phase.DocumentsFound
	r.DocumentsDeleted += phase.DocumentsDeleted
	r.BlobsDeleted += phase.BlobsDeleted
	r.Errors = append(r.Errors, phase.Errors...)
	if phase.Partial {
		r.Partial = true
	}
}

// CleanupError records one object that failed to delete.
type CleanupError struct {
	// ObjectID is the UUID of the object that failed to delete. Empty for
	// failures not tied to a single object (blob deletes, cascades).
	ObjectID string

	// Reason is a human-readable error description.
	Reason string
}
