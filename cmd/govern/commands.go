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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/config"
)

// Build-time values, overridden via
// -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// --- Global Command Variables ---
var (
	configCheckJSON bool
	auditJSON       bool
	auditLogPath    string

	rootCmd = &cobra.Command{
		Use:   "govern",
		Short: "Operator CLI for the AleutianGovern orchestrator",
		Long: `govern inspects a deployment from the outside: it resolves the same
				environment configuration the orchestrator reads, and it verifies the
				tamper-evident retention audit log without needing the server up.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the govern build version",
		Run:   runVersion, // Defined in cmd_version.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the orchestrator configuration",
	}
	configCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Resolve the environment configuration and report the selected backend",
		Long: `config check runs the exact resolution and validation the orchestrator
				performs at startup, then prints the outcome instead of starting the
				server. Use it in CI or on a host before rolling a new environment.`,
		Run: runConfigCheck, // Defined in cmd_config.go
	}

	// --- Retention Audit Log ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident retention audit log",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Re-walk the audit log hash chain and report the first break",
		Run:   runAuditVerify, // Defined in cmd_audit.go
	}
	auditStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the audit log entry count and most recent deletion",
		Run:   runAuditStatus, // Defined in cmd_audit.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	configCheckCmd.Flags().BoolVar(&configCheckJSON, "json", false,
		"Output the resolved configuration as JSON")

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditStatusCmd)
	auditCmd.PersistentFlags().StringVar(&auditLogPath, "log",
		config.DefaultAuditLogPath,
		"Path to the retention audit log (GOVERN_AUDIT_LOG in the container)")
	auditCmd.PersistentFlags().BoolVar(&auditJSON, "json", false,
		"Output results as JSON")
}
