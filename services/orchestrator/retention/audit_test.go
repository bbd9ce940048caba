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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// File Permission Tests
// =============================================================================

// TestNewAuditLog_CreatesFileWithRestrictedPermissions verifies that new
// audit files are created with 0600 permissions (owner read/write only).
func TestNewAuditLog_CreatesFileWithRestrictedPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Failed to stat audit file: %v", err)
	}

	mode := info.Mode().Perm()
	expectedMode := os.FileMode(0600)
	if mode != expectedMode {
		t.Errorf("File permissions incorrect: expected %04o, got %04o", expectedMode, mode)
	}
}

// TestAuditLog_VerifyFilePermissions_ValidPermissions tests the happy path
// where the audit file kept its restricted mode.
func TestAuditLog_VerifyFilePermissions_ValidPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	if err := log.VerifyFilePermissions(); err != nil {
		t.Errorf("VerifyFilePermissions failed unexpectedly: %v", err)
	}
}

// TestAuditLog_VerifyFilePermissions_DetectsChange tests that an external
// chmod to a less restrictive mode is detected.
func TestAuditLog_VerifyFilePermissions_DetectsChange(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	if err := os.Chmod(logPath, 0644); err != nil {
		t.Fatalf("Failed to chmod audit file: %v", err)
	}

	err = log.VerifyFilePermissions()
	if err == nil {
		t.Error("VerifyFilePermissions should have detected the mode change")
	}
	if err != nil && !strings.Contains(err.Error(), "permissions changed") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

// =============================================================================
// Hash Chain Tests
// =============================================================================

// TestAuditLog_LogDeletion_FirstRecord verifies that the first record links
// to the genesis hash and carries a valid content hash.
func TestAuditLog_LogDeletion_FirstRecord(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	content := []byte("chunk content to be deleted")
	record, err := log.LogDeletion(content, "uuid-1", OpDeleteDocument, DeletionMetadata{
		Source:  "report.pdf",
		LabelID: "label-finance",
	})
	if err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}

	if record.Sequence != 1 {
		t.Errorf("First record sequence: expected 1, got %d", record.Sequence)
	}
	if record.PrevHash != GenesisHash {
		t.Errorf("First record PrevHash: expected genesis hash, got %s", record.PrevHash)
	}
	if record.EntryHash == "" {
		t.Error("EntryHash should not be empty")
	}
	if record.Operation != OpDeleteDocument {
		t.Errorf("Operation: expected %s, got %s", OpDeleteDocument, record.Operation)
	}
	if record.Source != "report.pdf" {
		t.Errorf("Source: expected report.pdf, got %s", record.Source)
	}
	if record.LabelID != "label-finance" {
		t.Errorf("LabelID: expected label-finance, got %s", record.LabelID)
	}

	wantHash := sha256.Sum256(content)
	if record.ContentHash != hex.EncodeToString(wantHash[:]) {
		t.Errorf("ContentHash does not match SHA-256 of the content")
	}
}

// TestAuditLog_LogDeletion_ChainLinks verifies that each record's PrevHash
// equals the previous record's EntryHash.
func TestAuditLog_LogDeletion_ChainLinks(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	var prevEntryHash string
	for i := 0; i < 5; i++ {
		record, err := log.LogDeletion([]byte(fmt.Sprintf("content %d", i)),
			fmt.Sprintf("uuid-%d", i), OpDeleteDocument, DeletionMetadata{})
		if err != nil {
			t.Fatalf("LogDeletion %d failed: %v", i, err)
		}

		if record.Sequence != int64(i+1) {
			t.Errorf("Record %d sequence: expected %d, got %d", i, i+1, record.Sequence)
		}
		if i == 0 {
			if record.PrevHash != GenesisHash {
				t.Errorf("Record 0 PrevHash should be genesis, got %s", record.PrevHash)
			}
		} else if record.PrevHash != prevEntryHash {
			t.Errorf("Record %d PrevHash does not link to previous EntryHash", i)
		}
		prevEntryHash = record.EntryHash
	}
}

// TestAuditLog_LogDeletion_NilContent verifies that a nil content payload
// produces the hash of empty input rather than failing.
func TestAuditLog_LogDeletion_NilContent(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	record, err := log.LogDeletion(nil, "uuid-1", OpDeleteSession, DeletionMetadata{
		SessionID: "session-abc",
	})
	if err != nil {
		t.Fatalf("LogDeletion with nil content failed: %v", err)
	}

	emptyHash := sha256.Sum256(nil)
	if record.ContentHash != hex.EncodeToString(emptyHash[:]) {
		t.Errorf("Nil content should hash to the empty-input hash, got %s", record.ContentHash)
	}
	if record.SessionID != "session-abc" {
		t.Errorf("SessionID: expected session-abc, got %s", record.SessionID)
	}
}

// TestVerifyChain_ValidChain verifies that an untampered file passes
// verification with breakIndex -1.
func TestVerifyChain_ValidChain(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		_, err := log.LogDeletion([]byte(fmt.Sprintf("content %d", i)),
			fmt.Sprintf("uuid-%d", i), OpDeleteDocument, DeletionMetadata{})
		if err != nil {
			t.Fatalf("LogDeletion %d failed: %v", i, err)
		}
	}
	log.Close()

	valid, breakIndex, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("Chain should be valid, broke at index %d", breakIndex)
	}
	if breakIndex != -1 {
		t.Errorf("breakIndex: expected -1 for valid chain, got %d", breakIndex)
	}
}

// TestVerifyChain_DetectsTampering verifies that modifying a record after
// the fact breaks verification at that record's index.
func TestVerifyChain_DetectsTampering(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, err := log.LogDeletion([]byte(fmt.Sprintf("content %d", i)),
			fmt.Sprintf("uuid-%d", i), OpDeleteDocument, DeletionMetadata{})
		if err != nil {
			t.Fatalf("LogDeletion %d failed: %v", i, err)
		}
	}
	log.Close()

	// Tamper with the third record's object_id
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d", len(lines))
	}

	var tampered DeletionRecord
	if err := json.Unmarshal([]byte(lines[2]), &tampered); err != nil {
		t.Fatalf("Failed to unmarshal record: %v", err)
	}
	tampered.ObjectID = "uuid-forged"
	forged, err := json.Marshal(tampered)
	if err != nil {
		t.Fatalf("Failed to marshal tampered record: %v", err)
	}
	lines[2] = string(forged)

	err = os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0600)
	if err != nil {
		t.Fatalf("Failed to write tampered file: %v", err)
	}

	valid, breakIndex, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if valid {
		t.Error("Tampered chain should not verify")
	}
	if breakIndex != 2 {
		t.Errorf("breakIndex: expected 2, got %d", breakIndex)
	}
}

// TestVerifyChain_SkipsSummaryLines verifies that cycle summaries and error
// entries interleaved with deletion records do not break verification.
func TestVerifyChain_SkipsSummaryLines(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}

	if _, err := log.LogDeletion([]byte("a"), "uuid-1", OpDeleteDocument, DeletionMetadata{}); err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	if err := log.LogCleanup(CleanupResult{DocumentsFound: 1, DocumentsDeleted: 1}); err != nil {
		t.Fatalf("LogCleanup failed: %v", err)
	}
	if _, err := log.LogDeletion([]byte("b"), "uuid-2", OpDeleteDocument, DeletionMetadata{}); err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	if err := log.LogError(fmt.Errorf("probe failed"), "cleanup_cycle"); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}
	log.Close()

	valid, breakIndex, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("Chain with interleaved summaries should verify, broke at %d", breakIndex)
	}
}

// =============================================================================
// Chain Resume Tests
// =============================================================================

// TestNewAuditLog_ResumesChainAcrossReopen verifies that closing and
// reopening the log continues the chain instead of restarting it.
func TestNewAuditLog_ResumesChainAcrossReopen(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	first, err := log.LogDeletion([]byte("first"), "uuid-1", OpDeleteDocument, DeletionMetadata{})
	if err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	second, err := log.LogDeletion([]byte("second"), "uuid-2", OpDeleteDocument, DeletionMetadata{})
	if err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	log.Close()

	reopened, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog reopen failed: %v", err)
	}
	defer reopened.Close()

	third, err := reopened.LogDeletion([]byte("third"), "uuid-3", OpDeleteDocument, DeletionMetadata{})
	if err != nil {
		t.Fatalf("LogDeletion after reopen failed: %v", err)
	}

	if third.Sequence != 3 {
		t.Errorf("Resumed sequence: expected 3, got %d", third.Sequence)
	}
	if third.PrevHash != second.EntryHash {
		t.Error("Resumed record should link to the last pre-close record")
	}
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Errorf("Pre-close sequences wrong: %d, %d", first.Sequence, second.Sequence)
	}

	valid, breakIndex, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("Chain spanning a reopen should verify, broke at %d", breakIndex)
	}
}

// =============================================================================
// Inspection Helper Tests
// =============================================================================

// TestEntryCount_SkipsSummaries verifies that only chained deletion records
// are counted.
func TestEntryCount_SkipsSummaries(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.LogDeletion(nil, fmt.Sprintf("uuid-%d", i), OpDeleteSession, DeletionMetadata{}); err != nil {
			t.Fatalf("LogDeletion failed: %v", err)
		}
	}
	if err := log.LogCleanup(CleanupResult{SessionsDeleted: 3}); err != nil {
		t.Fatalf("LogCleanup failed: %v", err)
	}
	log.Close()

	count, err := EntryCount(logPath)
	if err != nil {
		t.Fatalf("EntryCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("EntryCount: expected 3, got %d", count)
	}
}

// TestEntryCount_MissingFile verifies that a nonexistent file counts as zero
// rather than erroring.
func TestEntryCount_MissingFile(t *testing.T) {
	count, err := EntryCount(filepath.Join(t.TempDir(), "absent.log"))
	if err != nil {
		t.Fatalf("EntryCount on missing file failed: %v", err)
	}
	if count != 0 {
		t.Errorf("EntryCount on missing file: expected 0, got %d", count)
	}
}

// TestLastEntry_ReturnsLatestRecord verifies that the most recent chained
// record is returned.
func TestLastEntry_ReturnsLatestRecord(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	if _, err := log.LogDeletion(nil, "uuid-1", OpDeleteSession, DeletionMetadata{}); err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	if _, err := log.LogDeletion(nil, "uuid-2", OpDeleteBlob, DeletionMetadata{Source: "old.pdf"}); err != nil {
		t.Fatalf("LogDeletion failed: %v", err)
	}
	log.Close()

	last, err := LastEntry(logPath)
	if err != nil {
		t.Fatalf("LastEntry failed: %v", err)
	}
	if last == nil {
		t.Fatal("LastEntry returned nil for a populated file")
	}
	if last.Sequence != 2 {
		t.Errorf("LastEntry sequence: expected 2, got %d", last.Sequence)
	}
	if last.Operation != OpDeleteBlob {
		t.Errorf("LastEntry operation: expected %s, got %s", OpDeleteBlob, last.Operation)
	}
	if last.Source != "old.pdf" {
		t.Errorf("LastEntry source: expected old.pdf, got %s", last.Source)
	}
}

// TestLastEntry_EmptyFile verifies nil is returned when no chained records
// exist yet.
func TestLastEntry_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	log.Close()

	last, err := LastEntry(logPath)
	if err != nil {
		t.Fatalf("LastEntry failed: %v", err)
	}
	if last != nil {
		t.Errorf("LastEntry on empty file: expected nil, got %+v", last)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestAuditLog_LogDeletion_AfterClose verifies that writes to a closed log
// fail with an error instead of panicking.
func TestAuditLog_LogDeletion_AfterClose(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = log.LogDeletion(nil, "uuid-1", OpDeleteSession, DeletionMetadata{})
	if err == nil {
		t.Error("LogDeletion on closed log should fail")
	}
}

// TestAuditLog_Close_Idempotent verifies that closing twice is safe.
func TestAuditLog_Close_Idempotent(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got: %v", err)
	}
}

// TestAuditLog_Path returns the configured file location.
func TestAuditLog_Path(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	log, err := NewAuditLog(logPath)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	if log.Path() != logPath {
		t.Errorf("Path: expected %s, got %s", logPath, log.Path())
	}
}
