// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the AleutianGovern orchestrator HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - CHAT_MODEL_ENDPOINT: OpenAI-compatible endpoint; set selects the cloud
//     backend, unset selects the local llama.cpp backend
//   - WEAVIATE_URL: Weaviate vector DB URL (cloud backend)
//   - DATA_DIR: BadgerDB and document root (local backend, default: ./data)
//   - GOVERN_CLIENT_ID / IDENTITY_AUTHORITY_BASE: identity provider wiring
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: govern-otel-collector:4317)
//
// The full list, including retention and rate-limit knobs, lives in the
// config package.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
//
//	# Or via container
//	podman-compose up orchestrator
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/config"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"backend", string(cfg.Backend()),
	)

	// Create orchestrator with default (no-op) extension options
	// Enterprise builds will pass custom ServiceOptions here
	svc, err := orchestrator.New(*cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}
