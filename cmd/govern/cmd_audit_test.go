// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/retention"
)

// captureStdout runs fn with os.Stdout piped into the returned string.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// writeChainedLog writes n deletion records to a fresh audit log and
// returns its path.
func writeChainedLog(t *testing.T, n int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := retention.NewAuditLog(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	defer log.Close()

	for i := 0; i < n; i++ {
		_, err := log.LogDeletion([]byte("expired chunk"),
			fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			retention.OpDeleteDocument,
			retention.DeletionMetadata{Source: "report.pdf"})
		if err != nil {
			t.Fatalf("failed to write deletion record: %v", err)
		}
	}
	return path
}

func TestAuditVerify_IntactChain(t *testing.T) {
	auditLogPath = writeChainedLog(t, 3)
	auditJSON = false

	var code int
	output := captureStdout(t, func() { code = auditVerify() })

	if code != CLIExitSuccess {
		t.Errorf("expected exit %d for an intact chain, got %d", CLIExitSuccess, code)
	}
	if !strings.Contains(output, "Chain:   INTACT") {
		t.Errorf("unexpected output: %s", output)
	}
	if !strings.Contains(output, "Entries: 3") {
		t.Errorf("expected 3 entries in output: %s", output)
	}
}

func TestAuditVerify_TamperedRecord(t *testing.T) {
	auditLogPath = writeChainedLog(t, 3)
	auditJSON = false

	// Flip the object id inside the second record. Its entry hash no longer
	// matches, and every later record inherits the break.
	data, err := os.ReadFile(auditLogPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	tampered := bytes.Replace(data,
		[]byte("00000000-0000-0000-0000-000000000001"),
		[]byte("ffffffff-0000-0000-0000-000000000001"), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper target not found in audit log")
	}
	if err := os.WriteFile(auditLogPath, tampered, 0o600); err != nil {
		t.Fatalf("failed to write tampered log: %v", err)
	}

	var code int
	output := captureStdout(t, func() { code = auditVerify() })

	if code != CLIExitFindings {
		t.Errorf("expected exit %d for a broken chain, got %d", CLIExitFindings, code)
	}
	if !strings.Contains(output, "BROKEN at record 1") {
		t.Errorf("expected break at record 1: %s", output)
	}
}

func TestAuditVerify_MissingFile(t *testing.T) {
	auditLogPath = filepath.Join(t.TempDir(), "no-such.log")
	auditJSON = false

	var code int
	captureStdout(t, func() { code = auditVerify() })

	if code != CLIExitError {
		t.Errorf("expected exit %d for a missing log, got %d", CLIExitError, code)
	}
}

func TestAuditStatus_EmptyLog(t *testing.T) {
	// A deployment that never deleted anything has no log file at all.
	auditLogPath = filepath.Join(t.TempDir(), "no-such.log")
	auditJSON = false

	var code int
	output := captureStdout(t, func() { code = auditStatus() })

	if code != CLIExitSuccess {
		t.Errorf("expected exit %d for an empty log, got %d", CLIExitSuccess, code)
	}
	if !strings.Contains(output, "Entries: 0") {
		t.Errorf("expected zero entries: %s", output)
	}
	if !strings.Contains(output, "(log is empty)") {
		t.Errorf("expected empty-log marker: %s", output)
	}
}

func TestAuditStatus_ReportsLastDeletion(t *testing.T) {
	auditLogPath = writeChainedLog(t, 2)
	auditJSON = false

	var code int
	output := captureStdout(t, func() { code = auditStatus() })

	if code != CLIExitSuccess {
		t.Errorf("expected exit %d, got %d", CLIExitSuccess, code)
	}
	if !strings.Contains(output, "Entries: 2") {
		t.Errorf("expected 2 entries: %s", output)
	}
	if !strings.Contains(output, "#2 delete_document") {
		t.Errorf("expected the second deletion as the last record: %s", output)
	}
}

func TestAuditStatus_JSONOutput(t *testing.T) {
	auditLogPath = writeChainedLog(t, 1)
	auditJSON = true
	defer func() { auditJSON = false }()

	var code int
	output := captureStdout(t, func() { code = auditStatus() })

	if code != CLIExitSuccess {
		t.Errorf("expected exit %d, got %d", CLIExitSuccess, code)
	}
	if !strings.Contains(output, `"entries": 1`) {
		t.Errorf("expected entries field in JSON: %s", output)
	}
	if !strings.Contains(output, `"last_operation": "delete_document"`) {
		t.Errorf("expected last operation in JSON: %s", output)
	}
}
