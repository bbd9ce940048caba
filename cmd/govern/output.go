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
	"encoding/json"
	"fmt"
	"os"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with findings (invalid config, broken chain)
	CLIExitError    = 2 // Operation failed
)

// OutputJSON writes structured data as JSON to stdout.
//
// # Inputs
//
//   - data: The data to encode. Must be JSON-serializable.
//
// # Outputs
//
//   - error: Non-nil if encoding fails.
func OutputJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// OutputError writes an error in the appropriate format.
//
// # Inputs
//
//   - jsonMode: If true, output as JSON to stdout.
//   - msg: Human-readable error message.
//   - err: The underlying error.
func OutputError(jsonMode bool, msg string, err error) {
	if jsonMode {
		result := struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{
			Success: false,
			Error:   fmt.Sprintf("%s: %v", msg, err),
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
}

// ConfigCheckResult holds config check output.
type ConfigCheckResult struct {
	Valid             bool   `json:"valid"`
	Backend           string `json:"backend,omitempty"`
	Port              int    `json:"port,omitempty"`
	OTelEndpoint      string `json:"otel_endpoint,omitempty"`
	ChatModelEndpoint string `json:"chat_model_endpoint,omitempty"`
	WeaviateURL       string `json:"weaviate_url,omitempty"`
	GCSBucket         string `json:"gcs_bucket,omitempty"`
	DataDir           string `json:"data_dir,omitempty"`
	RetentionInterval string `json:"retention_interval,omitempty"`
	AuditLogPath      string `json:"audit_log_path,omitempty"`
	ClientSecretSet   bool   `json:"client_secret_set"`
	Error             string `json:"error,omitempty"`
}

// AuditVerifyResult holds audit verify output.
type AuditVerifyResult struct {
	Path       string `json:"path"`
	Valid      bool   `json:"valid"`
	Entries    int64  `json:"entries"`
	BreakIndex int64  `json:"break_index"`
}

// AuditStatusResult holds audit status output.
type AuditStatusResult struct {
	Path          string `json:"path"`
	Entries       int64  `json:"entries"`
	LastSequence  int64  `json:"last_sequence,omitempty"`
	LastOperation string `json:"last_operation,omitempty"`
	LastObjectID  string `json:"last_object_id,omitempty"`
	LastTimestamp string `json:"last_timestamp,omitempty"`
}
