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

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/config"
)

// =============================================================================
// CONFIG CHECK COMMAND
// =============================================================================

// runConfigCheck is the CLI handler for the "govern config check" command.
//
// # Exit Codes
//
//   - 0: Configuration valid
//   - 1: Configuration invalid
//   - 2: Output error
func runConfigCheck(cmd *cobra.Command, args []string) {
	os.Exit(configCheck())
}

// configCheck resolves configuration from the environment exactly as the
// orchestrator does at startup, including validation, and reports which
// backend the orchestrator would select. An invalid environment is a
// finding, not a CLI failure: the check itself ran. Returns the process
// exit code.
func configCheck() int {
	cfg, err := config.Load()
	if err != nil {
		if configCheckJSON {
			result := ConfigCheckResult{Valid: false, Error: err.Error()}
			if encErr := OutputJSON(result); encErr != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", encErr)
				return CLIExitError
			}
		} else {
			fmt.Printf("Configuration INVALID: %v\n", err)
		}
		return CLIExitFindings
	}

	if configCheckJSON {
		result := ConfigCheckResult{
			Valid:             true,
			Backend:           string(cfg.Backend()),
			Port:              cfg.Port,
			OTelEndpoint:      cfg.OTelEndpoint,
			ChatModelEndpoint: cfg.ChatModelEndpoint,
			WeaviateURL:       cfg.WeaviateURL,
			GCSBucket:         cfg.GCSBucket,
			DataDir:           cfg.DataDir,
			RetentionInterval: cfg.RetentionInterval.String(),
			AuditLogPath:      cfg.AuditLogPath,
			ClientSecretSet:   cfg.ClientSecretSet,
		}
		if err := OutputJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return CLIExitError
		}
		return CLIExitSuccess
	}

	fmt.Println("--- Resolved Configuration ---")
	fmt.Printf("Backend:            %s\n", cfg.Backend())
	fmt.Printf("Port:               %d\n", cfg.Port)
	fmt.Printf("OTel collector:     %s\n", cfg.OTelEndpoint)
	if cfg.Backend() == config.BackendCloud {
		fmt.Printf("Chat model:         %s\n", cfg.ChatModelEndpoint)
		fmt.Printf("Weaviate:           %s\n", cfg.WeaviateURL)
		if cfg.GCSBucket != "" {
			fmt.Printf("Document bucket:    %s\n", cfg.GCSBucket)
		} else {
			fmt.Printf("Document bucket:    (none, filesystem fallback)\n")
		}
	} else {
		fmt.Printf("Data directory:     %s\n", cfg.DataDir)
	}
	fmt.Printf("Retention interval: %s\n", cfg.RetentionInterval)
	fmt.Printf("Audit log:          %s\n", cfg.AuditLogPath)
	fmt.Printf("Client secret set:  %t\n", cfg.ClientSecretSet)
	fmt.Println("------------------------------")
	fmt.Println("Configuration valid.")
	return CLIExitSuccess
}
