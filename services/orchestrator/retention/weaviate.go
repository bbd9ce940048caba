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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/docstore"
)

// BatchDeleteFunc deletes every object of a class where property equals
// value, returning the number of objects removed. Decoupled from the client
// so the cascade logic is unit-testable.
type BatchDeleteFunc func(ctx context.Context, className, property, value string) (int, error)

// DeleteByIDFunc deletes a single object by class name and UUID.
type DeleteByIDFunc func(ctx context.Context, className, id string) error

// ObjectExistsFunc reports whether an object still exists.
type ObjectExistsFunc func(ctx context.Context, className, id string) (bool, error)

// SourceHasChunksFunc reports whether any chunk of a source remains indexed.
type SourceHasChunksFunc func(ctx context.Context, source string) (bool, error)

// deleteOps bundles the mutations the cleaner performs. Production wiring
// backs them with the Weaviate client; tests inject stubs.
type deleteOps struct {
	batchDelete     BatchDeleteFunc
	deleteByID      DeleteByIDFunc
	exists          ObjectExistsFunc
	sourceHasChunks SourceHasChunksFunc
}

// WeaviateCleaner removes expired sessions and documents from Weaviate.
//
// # Description
//
// Sessions cascade: all ChatTurn objects for the session are batch-deleted
// before the ChatSession object itself, so an interrupted cycle never
// strands orphaned turns. Documents cascade the other way: once the last
// indexed chunk of a source is gone, the stored blob is deleted too.
//
// Every deletion is confirmed with a read-after-delete check (retried to
// absorb replication lag) before it is counted and written to the audit
// chain.
//
// # Thread Safety
//
// Safe for concurrent use; all state is read-only after construction.
type WeaviateCleaner struct {
	client *weaviate.Client
	blobs  docstore.DocumentStore
	audit  AuditLogger
	ops    deleteOps

	verifyDelay   time.Duration
	verifyRetries int
}

// Compile-time interface check.
var _ Cleaner = (*WeaviateCleaner)(nil)

// NewWeaviateCleaner creates the cleaner for the cloud backend.
//
// # Inputs
//
//   - client: Weaviate client. Must not be nil.
//   - blobs: Blob store for source files. May be nil; blob cascade is then
//     skipped.
//   - audit: Audit log for deletion records. May be nil; deletions are then
//     only logged via slog.
func NewWeaviateCleaner(client *weaviate.Client, blobs docstore.DocumentStore, audit AuditLogger) *WeaviateCleaner {
	if client == nil {
		panic("NewWeaviateCleaner: client cannot be nil")
	}
	return &WeaviateCleaner{
		client: client,
		blobs:  blobs,
		audit:  audit,
		ops: deleteOps{
			batchDelete:     weaviateBatchDelete(client),
			deleteByID:      weaviateDeleteByID(client),
			exists:          weaviateObjectExists(client),
			sourceHasChunks: weaviateSourceHasChunks(client),
		},
		verifyDelay:   100 * time.Millisecond,
		verifyRetries: 3,
	}
}

// ExpiredSessions returns sessions whose ttl_expires_at has passed.
func (c *WeaviateCleaner) ExpiredSessions(ctx context.Context, limit int) ([]ExpiredSession, error) {
	resp, err := c.client.GraphQL().Get().
		WithClassName("ChatSession").
		WithWhere(expiredFilter(time.Now().UnixMilli())).
		WithLimit(limit).
		WithFields(
			graphql.Field{Name: "session_id"},
			graphql.Field{Name: "user_id"},
			graphql.Field{Name: "ttl_expires_at"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatSessionQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expired sessions: %w", err)
	}

	expired := make([]ExpiredSession, 0, len(parsed.Get.ChatSession))
	for _, sess := range parsed.Get.ChatSession {
		expired = append(expired, ExpiredSession{
			WeaviateID:   sess.Additional.ID,
			SessionID:    sess.SessionID,
			UserID:       sess.UserID,
			TTLExpiresAt: sess.TTLExpiresAt,
		})
	}
	return expired, nil
}

// ExpiredDocuments returns document chunks whose ttl_expires_at has passed.
// Chunk content is fetched so audit records carry a hash of what is removed.
func (c *WeaviateCleaner) ExpiredDocuments(ctx context.Context, limit int) ([]ExpiredDocument, error) {
	resp, err := c.client.GraphQL().Get().
		WithClassName("GovernedDocument").
		WithWhere(expiredFilter(time.Now().UnixMilli())).
		WithLimit(limit).
		WithFields(
			graphql.Field{Name: "content"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "label_id"},
			graphql.Field{Name: "ttl_expires_at"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired documents: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.GovernedDocumentQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expired documents: %w", err)
	}

	expired := make([]ExpiredDocument, 0, len(parsed.Get.GovernedDocument))
	for _, doc := range parsed.Get.GovernedDocument {
		expired = append(expired, ExpiredDocument{
			WeaviateID:   doc.Additional.ID,
			Source:       doc.Source,
			LabelID:      doc.LabelID,
			Content:      doc.Content,
			TTLExpiresAt: doc.TTLExpiresAt,
		})
	}
	return expired, nil
}

// DeleteSessions removes expired sessions, cascading to their turns.
//
// Turns go first so a failure between the phases leaves a session that the
// next cycle retries, never orphaned turns.
func (c *WeaviateCleaner) DeleteSessions(ctx context.Context, sessions []ExpiredSession) CleanupResult {
	result := CleanupResult{
		StartTime:     time.Now(),
		SessionsFound: len(sessions),
		Errors:        make([]CleanupError, 0),
	}

	for _, sess := range sessions {
		turns, err := c.ops.batchDelete(ctx, "ChatTurn", "session_id", sess.SessionID)
		if err != nil {
			slog.Warn("Failed to delete turns for expired session",
				"session_id", sess.SessionID, "error", err)
			result.Errors = append(result.Errors, CleanupError{
				ObjectID: sess.WeaviateID,
				Reason:   fmt.Sprintf("turn cascade failed: %v", err),
			})
			continue
		}
		result.TurnsDeleted += turns

		if err := c.ops.deleteByID(ctx, "ChatSession", sess.WeaviateID); err != nil {
			slog.Warn("Failed to delete expired session",
				"session_id", sess.SessionID, "error", err)
			result.Errors = append(result.Errors, CleanupError{
				ObjectID: sess.WeaviateID,
				Reason:   err.Error(),
			})
			continue
		}

		if !c.confirmDeleted(ctx, "ChatSession", sess.WeaviateID) {
			result.Errors = append(result.Errors, CleanupError{
				ObjectID: sess.WeaviateID,
				Reason:   "deletion not verified",
			})
			continue
		}

		result.SessionsDeleted++
		c.auditDeletion(nil, sess.WeaviateID, OpDeleteSession, DeletionMetadata{
			SessionID: sess.SessionID,
		})
		slog.Debug("Deleted expired session",
			"session_id", sess.SessionID,
			"turns_deleted", turns,
		)
	}

	result.EndTime = time.Now()
	markPartial(&result, result.SessionsDeleted)
	return result
}

// DeleteDocuments removes expired chunks and, when a source has no chunks
// left, its stored blob.
func (c *WeaviateCleaner) DeleteDocuments(ctx context.Context, docs []ExpiredDocument) CleanupResult {
	result := CleanupResult{
		StartTime:      time.Now(),
		DocumentsFound: len(docs),
		Errors:         make([]CleanupError, 0),
	}

	touched := make(map[string]struct{})
	for _, doc := range docs {
		if err := c.ops.deleteByID(ctx, "GovernedDocument", doc.WeaviateID); err != nil {
			slog.Warn("Failed to delete expired chunk",
				"source", doc.Source, "error", err)
			result.Errors = append(result.Errors, CleanupError{
				ObjectID: doc.WeaviateID,
				Reason:   err.Error(),
			})
			continue
		}

		if !c.confirmDeleted(ctx, "GovernedDocument", doc.WeaviateID) {
			result.Errors = append(result.Errors, CleanupError{
				ObjectID: doc.WeaviateID,
				Reason:   "deletion not verified",
			})
			continue
		}

		result.DocumentsDeleted++
		touched[doc.Source] = struct{}{}
		c.auditDeletion([]byte(doc.Content), doc.WeaviateID, OpDeleteDocument, DeletionMetadata{
			Source:  doc.Source,
			LabelID: doc.LabelID,
		})
	}

	c.cleanOrphanedBlobs(ctx, touched, &result)

	result.EndTime = time.Now()
	markPartial(&result, result.DocumentsDeleted)
	return result
}

// cleanOrphanedBlobs deletes the stored blob of every source whose chunks
// are all gone. Skipped when no blob store is configured.
func (c *WeaviateCleaner) cleanOrphanedBlobs(ctx context.Context, sources map[string]struct{}, result *CleanupResult) {
	if c.blobs == nil {
		return
	}

	for source := range sources {
		remains, err := c.ops.sourceHasChunks(ctx, source)
		if err != nil {
			slog.Warn("Failed to check remaining chunks", "source", source, "error", err)
			result.Errors = append(result.Errors, CleanupError{
				Reason: fmt.Sprintf("chunk probe failed for %s: %v", source, err),
			})
			continue
		}
		if remains {
			continue
		}

		err = c.blobs.Delete(ctx, source)
		if err != nil && !errors.Is(err, docstore.ErrDocumentNotFound) {
			slog.Warn("Failed to delete orphaned blob", "source", source, "error", err)
			result.Errors = append(result.Errors, CleanupError{
				Reason: fmt.Sprintf("blob delete failed for %s: %v", source, err),
			})
			continue
		}
		if err == nil {
			result.BlobsDeleted++
			c.auditDeletion(nil, "", OpDeleteBlob, DeletionMetadata{Source: source})
			slog.Info("Deleted expired document blob", "source", source)
		}
	}
}

// confirmDeleted performs a read-after-delete check with retries to absorb
// replication lag.
func (c *WeaviateCleaner) confirmDeleted(ctx context.Context, className, id string) bool {
	for attempt := 0; attempt < c.verifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.verifyDelay):
			}
		}

		exists, err := c.ops.exists(ctx, className, id)
		if err != nil {
			slog.Debug("Deletion verification check failed, retrying",
				"class", className, "id", id, "attempt", attempt+1, "error", err)
			continue
		}
		if !exists {
			return true
		}
	}

	slog.Warn("Deletion not verified", "class", className, "id", id)
	return false
}

// auditDeletion writes one chain record, tolerating a missing audit log.
func (c *WeaviateCleaner) auditDeletion(content []byte, objectID, operation string, meta DeletionMetadata) {
	if c.audit == nil {
		return
	}
	if _, err := c.audit.LogDeletion(content, objectID, operation, meta); err != nil {
		slog.Error("Failed to write audit record", "operation", operation, "error", err)
	}
}

// markPartial flags a batch where some objects were deleted and some failed.
func markPartial(result *CleanupResult, deleted int) {
	if result.HasErrors() && deleted > 0 {
		result.Partial = true
	}
}

// expiredFilter matches objects with a non-zero ttl_expires_at in the past.
// Zero stamps mean never expires and must not match.
func expiredFilter(nowMs int64) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"ttl_expires_at"}).
				WithOperator(filters.GreaterThan).
				WithValueNumber(0),
			filters.Where().
				WithPath([]string{"ttl_expires_at"}).
				WithOperator(filters.LessThan).
				WithValueNumber(float64(nowMs)),
		})
}

// =============================================================================
// Weaviate-backed operations
// =============================================================================

func weaviateBatchDelete(client *weaviate.Client) BatchDeleteFunc {
	return func(ctx context.Context, className, property, value string) (int, error) {
		where := filters.Where().
			WithPath([]string{property}).
			WithOperator(filters.Equal).
			WithValueText(value)

		resp, err := client.Batch().ObjectsBatchDeleter().
			WithClassName(className).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return 0, fmt.Errorf("batch delete failed for %s: %w", className, err)
		}
		if resp == nil || resp.Results == nil {
			return 0, nil
		}
		return int(resp.Results.Successful), nil
	}
}

func weaviateDeleteByID(client *weaviate.Client) DeleteByIDFunc {
	return func(ctx context.Context, className, id string) error {
		return client.Data().Deleter().
			WithClassName(className).
			WithID(id).
			Do(ctx)
	}
}

func weaviateObjectExists(client *weaviate.Client) ObjectExistsFunc {
	return func(ctx context.Context, className, id string) (bool, error) {
		result, err := client.Data().ObjectsGetter().
			WithClassName(className).
			WithID(id).
			Do(ctx)
		if err != nil {
			// Some client versions report "not found" as an error.
			if isNotFoundError(err) {
				return false, nil
			}
			return false, err
		}
		return len(result) > 0, nil
	}
}

func weaviateSourceHasChunks(client *weaviate.Client) SourceHasChunksFunc {
	return func(ctx context.Context, source string) (bool, error) {
		where := filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueText(source)

		resp, err := client.GraphQL().Get().
			WithClassName("GovernedDocument").
			WithWhere(where).
			WithLimit(1).
			WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
			Do(ctx)
		if err != nil {
			return false, fmt.Errorf("chunk probe failed: %w", err)
		}

		parsed, err := datatypes.ParseGraphQLResponse[datatypes.GovernedDocumentQueryResponse](resp)
		if err != nil {
			return false, fmt.Errorf("failed to parse chunk probe: %w", err)
		}
		return len(parsed.Get.GovernedDocument) > 0, nil
	}
}

// isNotFoundError checks if a Weaviate error indicates a missing object.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "does not exist")
}
