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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// GenesisHash is the initial hash value for the first record in the chain.
// This allows verification that the chain starts from a known state.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditFileMode restricts read/write to owner only (0600).
//
// The audit log reveals what governed data existed and when it was removed,
// which is itself sensitive. World-readable permissions would expose
// compliance-critical metadata to other system users.
const auditFileMode = 0600

// Well-known operation names for chain records.
const (
	OpDeleteSession  = "delete_session"
	OpDeleteDocument = "delete_document"
	OpDeleteBlob     = "delete_blob"
)

// DeletionRecord is one cryptographically linked deletion entry.
//
// # Description
//
// Each deletion is recorded with a hash of the deleted content and linked
// to the previous record, creating a tamper-evident chain. Modifying any
// record after the fact breaks the chain during verification.
//
// # Hash Chain Verification
//
// To verify the chain:
//  1. The first record's PrevHash must equal GenesisHash.
//  2. Recompute each record's EntryHash from its fields.
//  3. The computed hash must match the stored EntryHash.
//  4. The next record's PrevHash must match this EntryHash.
type DeletionRecord struct {
	Sequence    int64  `json:"sequence"`
	Timestamp   string `json:"timestamp"`
	Operation   string `json:"operation"`
	ContentHash string `json:"content_hash"`
	ObjectID    string `json:"object_id"`
	Source      string `json:"source,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	LabelID     string `json:"label_id,omitempty"`
	PrevHash    string `json:"prev_hash"`
	EntryHash   string `json:"entry_hash"`
}

// DeletionMetadata carries optional context for a deletion record.
type DeletionMetadata struct {
	Source    string
	SessionID string
	LabelID   string
}

// AuditLog writes retention records to a dedicated append-only file.
//
// # Description
//
// Deletion records form a hash chain: each entry carries the hash of the
// previous one, so after-the-fact tampering is detectable by VerifyChain.
// Cycle summaries and error entries are informational and sit outside the
// chain (they carry no sequence number and are skipped by verification).
//
// # Thread Safety
//
// All methods are safe for concurrent use; file writes are serialized.
type AuditLog struct {
	file     *os.File
	path     string
	mu       sync.Mutex
	sequence int64
	prevHash string
}

// Compile-time interface check.
var _ AuditLogger = (*AuditLog)(nil)

// NewAuditLog opens (or creates) the audit file and resumes the hash chain.
//
// # Description
//
// The file is opened in append mode with owner-only permissions. When the
// file already holds records, the chain continues from the last entry;
// otherwise it starts from the genesis hash.
//
// # Inputs
//
//   - path: Audit file location. Created if absent.
//
// # Outputs
//
//   - *AuditLog: Ready-to-use log.
//   - error: Non-nil if the file cannot be opened or read.
//
// # Limitations
//
//   - Log rotation must be handled externally; after rotation the chain
//     continues in the new file but verification needs the old files.
func NewAuditLog(path string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &AuditLog{
		file:     file,
		path:     path,
		prevHash: GenesisHash,
	}

	if err := l.resumeChain(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to resume audit chain: %w", err)
	}

	slog.Info("Retention audit log opened",
		"path", path,
		"starting_sequence", l.sequence,
	)
	return l, nil
}

// Path returns the audit file location.
func (l *AuditLog) Path() string {
	return l.path
}

// LogDeletion appends one hash-chained deletion record.
//
// # Description
//
// Hashes the deleted content, links the record to the previous entry, and
// writes it as one JSON line. Pass nil content when the deleted data is no
// longer available; the record then carries the hash of empty input.
//
// # Inputs
//
//   - content: The deleted content, for the content hash. May be nil.
//   - objectID: UUID of the deleted object. Empty for blob deletions.
//   - operation: OpDeleteSession, OpDeleteDocument, or OpDeleteBlob.
//   - meta: Source, session, and label context for the record.
//
// # Outputs
//
//   - DeletionRecord: The record as written.
//   - error: Non-nil if the write fails. The chain state is unchanged on
//     failure.
func (l *AuditLog) LogDeletion(content []byte, objectID, operation string, meta DeletionMetadata) (DeletionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record := DeletionRecord{
		Sequence:    l.sequence + 1,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Operation:   operation,
		ContentHash: hashContent(content),
		ObjectID:    objectID,
		Source:      meta.Source,
		SessionID:   meta.SessionID,
		LabelID:     meta.LabelID,
		PrevHash:    l.prevHash,
	}
	record.EntryHash = recordHash(record)

	if err := l.writeLine(record); err != nil {
		return DeletionRecord{}, fmt.Errorf("failed to write deletion record: %w", err)
	}

	l.sequence = record.Sequence
	l.prevHash = record.EntryHash

	slog.Info("retention.deletion.logged",
		"sequence", record.Sequence,
		"operation", record.Operation,
		"object_id", record.ObjectID,
		"source", record.Source,
		"session_id", record.SessionID,
	)
	return record, nil
}

// cycleSummary is a cleanup cycle summary line (not part of the hash chain).
type cycleSummary struct {
	Timestamp        string `json:"timestamp"`
	Operation        string `json:"operation"`
	SessionsFound    int    `json:"sessions_found"`
	SessionsDeleted  int    `json:"sessions_deleted"`
	TurnsDeleted     int    `json:"turns_deleted"`
	DocumentsFound   int    `json:"documents_found"`
	DocumentsDeleted int    `json:"documents_deleted"`
	BlobsDeleted     int    `json:"blobs_deleted"`
	DurationMs       int64  `json:"duration_ms"`
	Partial          bool   `json:"partial"`
	ErrorCount       int    `json:"error_count"`
}

// LogCleanup appends a cycle summary line outside the hash chain.
func (l *AuditLog) LogCleanup(result CleanupResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeLine(cycleSummary{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Operation:        "cleanup_cycle",
		SessionsFound:    result.SessionsFound,
		SessionsDeleted:  result.SessionsDeleted,
		TurnsDeleted:     result.TurnsDeleted,
		DocumentsFound:   result.DocumentsFound,
		DocumentsDeleted: result.DocumentsDeleted,
		BlobsDeleted:     result.BlobsDeleted,
		DurationMs:       result.DurationMs(),
		Partial:          result.Partial,
		ErrorCount:       len(result.Errors),
	})
}

// errorEntry is an error line (not part of the hash chain).
type errorEntry struct {
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Context   string `json:"context"`
	Error     string `json:"error"`
}

// LogError appends an error entry outside the hash chain.
func (l *AuditLog) LogError(err error, context string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	slog.Error("retention.cleanup.error", "context", context, "error", err)

	return l.writeLine(errorEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: "error",
		Context:   context,
		Error:     err.Error(),
	})
}

// Close flushes and closes the audit file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	l.file = nil
	return nil
}

// VerifyFilePermissions checks that the audit file kept its restricted mode.
//
// Detects external chmod that would expose audit data to other users. Only
// Unix permission bits are checked, not ACLs.
func (l *AuditLog) VerifyFilePermissions() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log is not open")
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if mode := info.Mode().Perm(); mode != auditFileMode {
		return fmt.Errorf("audit log permissions changed: expected %04o, got %04o", auditFileMode, mode)
	}
	return nil
}

// resumeChain reads the existing file to find the last sequence and hash.
func (l *AuditLog) resumeChain() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open audit log for reading: %w", err)
	}
	defer file.Close()

	var last DeletionRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record DeletionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		// Summary and error lines have no sequence number.
		if record.Sequence > 0 {
			last = record
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading audit log: %w", err)
	}

	if last.Sequence > 0 {
		l.sequence = last.Sequence
		l.prevHash = last.EntryHash
	}
	return nil
}

// writeLine marshals v and appends it as one JSON line.
func (l *AuditLog) writeLine(v any) error {
	if l.file == nil {
		return fmt.Errorf("audit log is not open")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// Chain Verification
// =============================================================================

// VerifyChain checks the integrity of the hash chain in an audit file.
//
// # Description
//
// Reads every deletion record and verifies that each PrevHash matches the
// previous EntryHash and that each EntryHash matches the recomputed hash of
// the record's fields. Summary and error lines are skipped. Opens the file
// read-only, so it is safe to run against a live log.
//
// # Inputs
//
//   - path: Audit file to verify.
//
// # Outputs
//
//   - valid: True if the entire chain is intact.
//   - breakIndex: Index of the first broken record (-1 if valid).
//   - error: Non-nil if the file cannot be read.
func VerifyChain(path string) (valid bool, breakIndex int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	prevHash := GenesisHash
	var index int64

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record DeletionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence == 0 {
			continue
		}

		if record.PrevHash != prevHash {
			return false, index, nil
		}
		if recordHash(record) != record.EntryHash {
			return false, index, nil
		}

		prevHash = record.EntryHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading audit log: %w", err)
	}
	return true, -1, nil
}

// EntryCount returns the number of chained deletion records in an audit file.
// A missing file counts as zero.
func EntryCount(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var count int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record DeletionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading audit log: %w", err)
	}
	return count, nil
}

// LastEntry returns the most recent chained deletion record, nil when the
// file holds none.
func LastEntry(path string) (*DeletionRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var last *DeletionRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record DeletionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			rec := record
			last = &rec
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading audit log: %w", err)
	}
	return last, nil
}

// hashContent computes the SHA-256 hash of content as a hex string.
func hashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// recordHash computes the chain hash of a record over a stable field order,
// excluding EntryHash itself.
func recordHash(record DeletionRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s",
		record.Sequence,
		record.Timestamp,
		record.Operation,
		record.ContentHash,
		record.ObjectID,
		record.Source,
		record.SessionID,
		record.LabelID,
		record.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
