// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so a test starts from defaults.
// t.Setenv restores the original values when the test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORCHESTRATOR_PORT", "GIN_MODE", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"CHAT_MODEL_ENDPOINT", "WEAVIATE_URL", "GCS_BUCKET",
		"LLM_SERVICE_URL_BASE", "EMBEDDING_SERVICE_URL", "DATA_DIR",
		"GOVERN_CLIENT_ID", "GOVERN_CLIENT_SECRET", "IDENTITY_AUTHORITY_BASE",
		"POLICY_API_BASE", "GOVERN_POLICY_SCOPE", "GOVERN_ACCEPTED_RIGHTS",
		"GOVERN_SESSION_TTL", "GOVERN_DOCUMENT_TTL", "GOVERN_RETENTION_INTERVAL",
		"GOVERN_AUDIT_LOG", "GOVERN_RATE_LIMIT_RPS", "GOVERN_RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
	}
}

// =============================================================================
// Load Tests
// =============================================================================

// TestLoad_Defaults verifies default values with a blank environment.
func TestLoad_Defaults(t *testing.T) {
	// Arrange
	clearEnv(t)

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 12210, cfg.Port, "default port should be 12210")
	assert.Equal(t, "govern-otel-collector:4317", cfg.OTelEndpoint)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "./logs/retention_audit.log", cfg.AuditLogPath)
	assert.Equal(t, 1*time.Hour, cfg.RetentionInterval)
	assert.Equal(t, time.Duration(0), cfg.SessionTTL, "sessions should not expire by default")
	assert.Equal(t, time.Duration(0), cfg.DocumentTTL, "documents should not expire by default")
	assert.Zero(t, cfg.RateLimitPerSecond, "zero defers to the middleware default")
	assert.Equal(t, BackendLocal, cfg.Backend(), "local backend without a chat endpoint")
}

// TestLoad_CloudBackend verifies that a chat model endpoint selects the
// cloud backend.
func TestLoad_CloudBackend(t *testing.T) {
	// Arrange
	clearEnv(t)
	t.Setenv("CHAT_MODEL_ENDPOINT", "https://api.example.com/v1")
	t.Setenv("WEAVIATE_URL", "http://weaviate:8080")
	t.Setenv("GCS_BUCKET", "govern-documents")

	// Act
	cfg, err := Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, BackendCloud, cfg.Backend())
	assert.Equal(t, "https://api.example.com/v1", cfg.ChatModelEndpoint)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, "govern-documents", cfg.GCSBucket)
}

// TestLoad_CloudBackendRequiresWeaviate verifies that the cloud backend
// cannot start without a vector database URL.
func TestLoad_CloudBackendRequiresWeaviate(t *testing.T) {
	// Arrange
	clearEnv(t)
	t.Setenv("CHAT_MODEL_ENDPOINT", "https://api.example.com/v1")

	// Act
	_, err := Load()

	// Assert
	require.Error(t, err, "cloud backend without WEAVIATE_URL should fail validation")
	assert.Contains(t, err.Error(), "WeaviateURL")
}

// TestLoad_InvalidPortValueFallsBack verifies that a non-numeric port uses
// the default instead of failing.
func TestLoad_InvalidPortValueFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRATOR_PORT", "not-a-port")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 12210, cfg.Port)
}

// TestLoad_PortOutOfRange verifies that a numeric but invalid port fails
// validation.
func TestLoad_PortOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("ORCHESTRATOR_PORT", "99999")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Port")
}

// TestLoad_InvalidGinMode verifies the gin mode whitelist.
func TestLoad_InvalidGinMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("GIN_MODE", "verbose")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "GinMode")
}

// TestLoad_InvalidURLRejected verifies URL validation on the endpoints.
func TestLoad_InvalidURLRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAT_MODEL_ENDPOINT", "not a url")
	t.Setenv("WEAVIATE_URL", "http://weaviate:8080")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ChatModelEndpoint")
}

// TestLoad_RetentionDurations verifies Go duration parsing for the TTL and
// scheduler settings.
func TestLoad_RetentionDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOVERN_SESSION_TTL", "720h")
	t.Setenv("GOVERN_DOCUMENT_TTL", "2160h")
	t.Setenv("GOVERN_RETENTION_INTERVAL", "30m")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 2160*time.Hour, cfg.DocumentTTL)
	assert.Equal(t, 30*time.Minute, cfg.RetentionInterval)
}

// TestLoad_InvalidDurationFallsBack verifies that unparseable durations use
// their defaults rather than failing startup.
func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOVERN_SESSION_TTL", "soon")
	t.Setenv("GOVERN_RETENTION_INTERVAL", "-5m")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.SessionTTL)
	assert.Equal(t, 1*time.Hour, cfg.RetentionInterval)
}

// TestLoad_RateLimitSettings verifies the rate limit overrides parse.
func TestLoad_RateLimitSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOVERN_RATE_LIMIT_RPS", "5.5")
	t.Setenv("GOVERN_RATE_LIMIT_BURST", "20")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 5.5, cfg.RateLimitPerSecond)
	assert.Equal(t, 20, cfg.RateLimitBurst)
}

// TestLoad_ClientSecretFromEnv verifies secret presence detection without
// the secret landing in the config.
func TestLoad_ClientSecretFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOVERN_CLIENT_SECRET", "super-secret")
	t.Setenv("GOVERN_CLIENT_ID", "client-123")

	cfg, err := Load()

	require.NoError(t, err)
	assert.True(t, cfg.ClientSecretSet)
	assert.Equal(t, "client-123", cfg.ClientID)
}

// TestLoad_ClientSecretAbsent verifies the unset case.
func TestLoad_ClientSecretAbsent(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.False(t, cfg.ClientSecretSet)
}

// =============================================================================
// Backend Selection Tests
// =============================================================================

// TestBackend_Selection covers the derivation rule directly.
func TestBackend_Selection(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		want     Backend
	}{
		{"no endpoint means local", "", BackendLocal},
		{"endpoint means cloud", "https://api.example.com/v1", BackendCloud},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{ChatModelEndpoint: tc.endpoint}
			assert.Equal(t, tc.want, cfg.Backend())
		})
	}
}
