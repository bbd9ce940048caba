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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/retention"
)

// =============================================================================
// AUDIT VERIFY COMMAND
// =============================================================================

// runAuditVerify is the CLI handler for the "govern audit verify" command.
//
// # Exit Codes
//
//   - 0: Chain intact
//   - 1: Chain broken
//   - 2: Log unreadable
func runAuditVerify(cmd *cobra.Command, args []string) {
	os.Exit(auditVerify())
}

// auditVerify re-walks the hash chain of the retention audit log from the
// genesis hash forward and returns the process exit code.
//
// Every record's entry_hash must equal the hash of its content plus the
// previous record's entry_hash, so a single edited, removed, or reordered
// line breaks every record after it. The first broken record's index is
// reported.
func auditVerify() int {
	valid, breakIndex, err := retention.VerifyChain(auditLogPath)
	if err != nil {
		OutputError(auditJSON, "Failed to verify audit log", err)
		return CLIExitError
	}

	entries, err := retention.EntryCount(auditLogPath)
	if err != nil {
		OutputError(auditJSON, "Failed to count audit entries", err)
		return CLIExitError
	}

	if auditJSON {
		result := AuditVerifyResult{
			Path:       auditLogPath,
			Valid:      valid,
			Entries:    entries,
			BreakIndex: breakIndex,
		}
		if encErr := OutputJSON(result); encErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
	} else {
		fmt.Println("--- Audit Log Verification ---")
		fmt.Printf("Log:     %s\n", auditLogPath)
		fmt.Printf("Entries: %d\n", entries)
		if valid {
			fmt.Println("Chain:   INTACT")
		} else {
			fmt.Printf("Chain:   BROKEN at record %d\n", breakIndex)
		}
		fmt.Println("------------------------------")
	}

	if !valid {
		return CLIExitFindings
	}
	return CLIExitSuccess
}

// =============================================================================
// AUDIT STATUS COMMAND
// =============================================================================

// runAuditStatus is the CLI handler for the "govern audit status" command.
//
// # Exit Codes
//
//   - 0: Status reported
//   - 2: Log unreadable
func runAuditStatus(cmd *cobra.Command, args []string) {
	os.Exit(auditStatus())
}

// auditStatus prints the entry count plus the most recent deletion record
// and returns the process exit code.
//
// A missing log file is an empty log, not an error, because a deployment
// that has never deleted anything has nothing to audit.
func auditStatus() int {
	entries, err := retention.EntryCount(auditLogPath)
	if err != nil {
		OutputError(auditJSON, "Failed to read audit log", err)
		return CLIExitError
	}

	last, err := retention.LastEntry(auditLogPath)
	if err != nil {
		OutputError(auditJSON, "Failed to read audit log", err)
		return CLIExitError
	}

	if auditJSON {
		result := AuditStatusResult{
			Path:    auditLogPath,
			Entries: entries,
		}
		if last != nil {
			result.LastSequence = last.Sequence
			result.LastOperation = last.Operation
			result.LastObjectID = last.ObjectID
			result.LastTimestamp = last.Timestamp
		}
		if encErr := OutputJSON(result); encErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
		return CLIExitSuccess
	}

	fmt.Println("--- Audit Log Status ---")
	fmt.Printf("Log:     %s\n", auditLogPath)
	fmt.Printf("Entries: %d\n", entries)
	if last != nil {
		fmt.Printf("Last:    #%d %s %s at %s\n",
			last.Sequence, last.Operation, last.ObjectID, last.Timestamp)
	} else {
		fmt.Println("Last:    (log is empty)")
	}
	fmt.Println("------------------------")
	return CLIExitSuccess
}
