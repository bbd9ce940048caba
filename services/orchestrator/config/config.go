// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves orchestrator configuration from the environment.
//
// One Load() call at startup produces the validated Config the service is
// built from. Packages that own a credential or a TTL still read their own
// environment variables at construction time (the token broker, the policy
// gateway, the stores); Config mirrors those values so startup validation
// and the admin CLI can inspect the resolved state without touching
// secrets.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Backend identifies which storage and model bundle the orchestrator runs.
type Backend string

const (
	// BackendCloud uses the OpenAI-compatible chat endpoint, Weaviate, and GCS.
	BackendCloud Backend = "cloud"

	// BackendLocal uses llama.cpp, the embedding sidecar, Badger, and the
	// local filesystem.
	BackendLocal Backend = "local"
)

// DefaultAuditLogPath is where the retention audit log lives unless
// GOVERN_AUDIT_LOG points elsewhere. Exported for the admin CLI.
const DefaultAuditLogPath = "./logs/retention_audit.log"

const (
	defaultPort              = 12210
	defaultOTelEndpoint      = "govern-otel-collector:4317"
	defaultDataDir           = "./data"
	defaultRetentionInterval = 1 * time.Hour

	clientSecretFile = "/run/secrets/govern_client_secret"
)

// Config holds the resolved orchestrator configuration.
//
// # Description
//
// Values come from environment variables with defaults applied by Load().
// The struct can also be populated directly for tests. Backend selection is
// derived, not stored: ChatModelEndpoint set means cloud, otherwise local.
//
// # Fields
//
// See the field comments for the environment variable each maps to.
type Config struct {
	// Port is the HTTP server port. ORCHESTRATOR_PORT, default 12210.
	Port int `validate:"min=1,max=65535"`

	// GinMode sets the Gin framework mode. GIN_MODE; empty keeps Gin's own
	// default.
	GinMode string `validate:"omitempty,oneof=debug release test"`

	// OTelEndpoint is the OTLP gRPC collector address (host:port).
	// OTEL_EXPORTER_OTLP_ENDPOINT, default govern-otel-collector:4317.
	OTelEndpoint string `validate:"required"`

	// ChatModelEndpoint is the OpenAI-compatible base URL for the cloud
	// chat model. CHAT_MODEL_ENDPOINT. Setting it selects the cloud
	// backend.
	ChatModelEndpoint string `validate:"omitempty,url"`

	// WeaviateURL is the vector database URL for the cloud backend.
	// WEAVIATE_URL. Required once ChatModelEndpoint is set.
	WeaviateURL string `validate:"required_with=ChatModelEndpoint,omitempty,url"`

	// GCSBucket is the document blob bucket for the cloud backend.
	// GCS_BUCKET; empty falls back to the filesystem store.
	GCSBucket string

	// LLMServiceURL is the llama.cpp server base URL for the local
	// backend. LLM_SERVICE_URL_BASE.
	LLMServiceURL string `validate:"omitempty,url"`

	// EmbeddingServiceURL is the embedding sidecar URL for the local
	// backend. EMBEDDING_SERVICE_URL.
	EmbeddingServiceURL string `validate:"omitempty,url"`

	// DataDir is the root for Badger data and stored documents in local
	// mode. DATA_DIR, default ./data.
	DataDir string `validate:"required"`

	// ClientID is this application's identity client id. GOVERN_CLIENT_ID.
	// The token broker reads it again at construction; blank here means
	// the broker will refuse to start.
	ClientID string

	// AuthorityBase is the token authority base URL.
	// IDENTITY_AUTHORITY_BASE; the broker defaults it when unset.
	AuthorityBase string `validate:"omitempty,url"`

	// PolicyAPIBase is the governance API base URL. POLICY_API_BASE; the
	// gateway defaults it when unset.
	PolicyAPIBase string `validate:"omitempty,url"`

	// PolicyScope is the downstream token scope. GOVERN_POLICY_SCOPE.
	PolicyScope string

	// AcceptedRights is the comma-separated usage rights that keep a
	// labeled document in context. GOVERN_ACCEPTED_RIGHTS.
	AcceptedRights string

	// ClientSecretSet reports whether a client secret is available, from
	// GOVERN_CLIENT_SECRET or the /run/secrets file. The secret itself is
	// never held here.
	ClientSecretSet bool

	// SessionTTL is the retention window stamped on new sessions.
	// GOVERN_SESSION_TTL (Go duration); 0 means sessions never expire.
	SessionTTL time.Duration `validate:"min=0"`

	// DocumentTTL is the retention window stamped on ingested chunks.
	// GOVERN_DOCUMENT_TTL (Go duration); 0 means documents never expire.
	DocumentTTL time.Duration `validate:"min=0"`

	// RetentionInterval is how often the cleanup scheduler runs.
	// GOVERN_RETENTION_INTERVAL, default 1h.
	RetentionInterval time.Duration `validate:"min=0"`

	// AuditLogPath is the hash-chained deletion log location.
	// GOVERN_AUDIT_LOG, default ./logs/retention_audit.log.
	AuditLogPath string `validate:"required"`

	// RateLimitPerSecond is the per-caller token refill rate.
	// GOVERN_RATE_LIMIT_RPS; 0 uses the middleware default.
	RateLimitPerSecond float64 `validate:"min=0"`

	// RateLimitBurst is the per-caller bucket size.
	// GOVERN_RATE_LIMIT_BURST; 0 uses the middleware default.
	RateLimitBurst int `validate:"min=0"`
}

var validate = validator.New()

// Load resolves configuration from the environment and validates it.
//
// # Outputs
//
//   - *Config: The resolved configuration.
//   - error: Non-nil when validation fails (bad URL, port out of range,
//     cloud backend selected without a Weaviate URL).
//
// # Examples
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatalf("invalid configuration: %v", err)
//	}
//	svc, err := orchestrator.New(*cfg, nil)
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnvInt("ORCHESTRATOR_PORT", defaultPort),
		GinMode:      os.Getenv("GIN_MODE"),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTelEndpoint),

		ChatModelEndpoint:   os.Getenv("CHAT_MODEL_ENDPOINT"),
		WeaviateURL:         os.Getenv("WEAVIATE_URL"),
		GCSBucket:           os.Getenv("GCS_BUCKET"),
		LLMServiceURL:       os.Getenv("LLM_SERVICE_URL_BASE"),
		EmbeddingServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),
		DataDir:             getEnvString("DATA_DIR", defaultDataDir),

		ClientID:        os.Getenv("GOVERN_CLIENT_ID"),
		AuthorityBase:   os.Getenv("IDENTITY_AUTHORITY_BASE"),
		PolicyAPIBase:   os.Getenv("POLICY_API_BASE"),
		PolicyScope:     os.Getenv("GOVERN_POLICY_SCOPE"),
		AcceptedRights:  os.Getenv("GOVERN_ACCEPTED_RIGHTS"),
		ClientSecretSet: clientSecretAvailable(),

		SessionTTL:        getEnvDuration("GOVERN_SESSION_TTL", 0),
		DocumentTTL:       getEnvDuration("GOVERN_DOCUMENT_TTL", 0),
		RetentionInterval: getEnvDuration("GOVERN_RETENTION_INTERVAL", defaultRetentionInterval),
		AuditLogPath:      getEnvString("GOVERN_AUDIT_LOG", DefaultAuditLogPath),

		RateLimitPerSecond: getEnvFloat("GOVERN_RATE_LIMIT_RPS", 0),
		RateLimitBurst:     getEnvInt("GOVERN_RATE_LIMIT_BURST", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Backend returns the bundle selected by this configuration: cloud when a
// chat model endpoint is configured, local otherwise.
func (c *Config) Backend() Backend {
	if c.ChatModelEndpoint != "" {
		return BackendCloud
	}
	return BackendLocal
}

// Validate checks the configuration against its struct rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// clientSecretAvailable mirrors the token broker's credential resolution
// without reading the secret into this package.
func clientSecretAvailable() bool {
	if os.Getenv("GOVERN_CLIENT_SECRET") != "" {
		return true
	}
	info, err := os.Stat(clientSecretFile)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"env", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return intVal
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Invalid number in environment, using default",
			"env", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return floatVal
}

// getEnvDuration returns the environment variable as a Go duration or a
// default. Negative values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Warn("Invalid duration in environment, using default",
			"env", key, "value", value, "default", defaultValue.String())
		return defaultValue
	}
	return d
}
