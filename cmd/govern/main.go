// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command govern is the AleutianGovern operator CLI.
//
// It runs against the same environment as the orchestrator container and
// answers the questions operators actually ask: which backend will this
// configuration select, and has the retention audit log been tampered with.
//
// # Usage
//
//	govern version
//	govern config check
//	govern audit verify [--log path]
//	govern audit status [--log path]
package main

import (
	"log"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
