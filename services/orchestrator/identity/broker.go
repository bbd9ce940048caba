// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity acquires the tokens the governance pipeline needs to talk
// to the external policy service.
//
// Two tokens are required per chat request: a delegated (on-behalf-of) token
// carrying the end user's identity, and an application-only token for APIs
// that reject delegated access. Neither token is cached here; caching of
// derived state happens at the policy-scope layer, keyed by user.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2/clientcredentials"
)

// identityTracer is the OpenTelemetry tracer for token broker operations.
var identityTracer = otel.Tracer("aleutian.govern.identity.broker")

// Compile-time interface implementation check.
var _ TokenBroker = (*EntraTokenBroker)(nil)

// =============================================================================
// Constants
// =============================================================================

const (
	// oboGrantType is the OAuth2 grant type for on-behalf-of exchanges.
	oboGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// defaultAuthorityBase is the token authority used when
	// IDENTITY_AUTHORITY_BASE is not set.
	defaultAuthorityBase = "https://login.microsoftonline.com"

	// defaultPolicyScope is the downstream audience for both tokens when
	// GOVERN_POLICY_SCOPE is not set.
	defaultPolicyScope = "https://graph.microsoft.com/.default"

	// maxExchangeRetries is the number of retries for transient token
	// endpoint failures.
	maxExchangeRetries = 2

	// initialRetryDelay is the first backoff interval; it doubles per retry.
	initialRetryDelay = 500 * time.Millisecond
)

// =============================================================================
// Errors
// =============================================================================

// AuthError is returned when the incoming request carries no usable
// credential. This error should result in an HTTP 400 response: the request
// was malformed before any downstream call was attempted.
type AuthError struct {
	Message string
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TokenAcquisitionError is returned when a token exchange with the authority
// fails or yields an empty token. The pipeline cannot proceed with only one
// of the two required tokens, so handlers map this to a generic 503.
type TokenAcquisitionError struct {
	Stage      string // "obo" or "app"
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for TokenAcquisitionError.
func (e *TokenAcquisitionError) Error() string {
	return fmt.Sprintf("token acquisition failed at stage %s (status %d): %s",
		e.Stage, e.StatusCode, e.Message)
}

// IsTokenAcquisitionError checks if an error is a TokenAcquisitionError.
func IsTokenAcquisitionError(err error) bool {
	var acqErr *TokenAcquisitionError
	return errors.As(err, &acqErr)
}

// =============================================================================
// Bearer Token Extraction
// =============================================================================

// ExtractBearerToken parses the Authorization header value and returns the
// raw bearer token.
//
// # Description
//
// The header must be exactly "Bearer <token>" (scheme match is
// case-insensitive per RFC 7235). A missing or malformed header yields an
// AuthError; the caller must fail the request before any downstream call.
//
// # Inputs
//
//   - header: The raw Authorization header value.
//
// # Outputs
//
//   - string: The bearer token.
//   - error: *AuthError if the header is missing or malformed.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", &AuthError{Message: "missing Authorization header"}
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", &AuthError{Message: "Authorization header must be 'Bearer <token>'"}
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", &AuthError{Message: "empty bearer token"}
	}
	return token, nil
}

// =============================================================================
// Token Types
// =============================================================================

// Tokens holds the per-request credentials for the policy service.
//
// # Description
//
// Tokens are transient: they live for the duration of one chat request and
// are never persisted. OBOToken carries the user's delegated identity;
// AppToken is application-only. UserName and TenantID are extracted from the
// delegated token's claims without signature verification: the authority
// issued the token to us moments earlier over TLS, and the values are used
// for labeling and tenant routing, not authorization decisions.
type Tokens struct {
	OBOToken string
	AppToken string
	UserName string
	TenantID string
}

// =============================================================================
// Interfaces
// =============================================================================

// TokenBroker defines the contract for acquiring policy service credentials.
//
// # Description
//
// TokenBroker turns the caller's bearer token into the pair of downstream
// tokens the governance pipeline requires. Both exchanges must succeed; a
// partial result is an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Example
//
//	tokens, err := broker.AcquireTokens(ctx, userToken)
//	if err != nil {
//	    if identity.IsAuthError(err) {
//	        // 400: request was malformed
//	    }
//	    // 503: exchange failed
//	}
type TokenBroker interface {
	// AcquireTokens exchanges the user's bearer token for a delegated token
	// and an application token scoped to the policy service.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation, timeouts, and tracing.
	//   - userBearerToken: The raw bearer token from the Authorization header.
	//
	// # Outputs
	//
	//   - *Tokens: Both tokens plus the user name and tenant extracted from
	//     the delegated token.
	//   - error: *AuthError for a malformed input token,
	//     *TokenAcquisitionError when either exchange fails.
	AcquireTokens(ctx context.Context, userBearerToken string) (*Tokens, error)
}

// =============================================================================
// EntraTokenBroker
// =============================================================================

// EntraTokenBroker acquires tokens from a Microsoft Entra authority.
//
// The on-behalf-of exchange runs against the multi-tenant endpoint; the
// application token is then requested from the specific tenant identified by
// the delegated token's tid claim, not from a statically configured tenant.
// The client secret is held in a memguard enclave and only decrypted for the
// duration of each exchange.
type EntraTokenBroker struct {
	httpClient    *http.Client
	authorityBase string
	clientID      string
	secret        *memguard.Enclave
	policyScope   string
}

// NewEntraTokenBroker creates a broker from environment configuration.
//
// Environment:
//   - GOVERN_CLIENT_ID: Application (client) identifier. Required.
//   - GOVERN_CLIENT_SECRET: Client secret. Falls back to the file
//     /run/secrets/govern_client_secret when unset.
//   - GOVERN_POLICY_SCOPE: Downstream scope for both tokens.
//     Defaults to "https://graph.microsoft.com/.default".
//   - IDENTITY_AUTHORITY_BASE: Token authority base URL.
//     Defaults to "https://login.microsoftonline.com".
//
// Returns an error when no client credential is available; the governance
// pipeline cannot run without one.
func NewEntraTokenBroker() (*EntraTokenBroker, error) {
	clientID := os.Getenv("GOVERN_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("GOVERN_CLIENT_ID is not set")
	}

	secret := os.Getenv("GOVERN_CLIENT_SECRET")
	if secret == "" {
		data, err := os.ReadFile("/run/secrets/govern_client_secret")
		if err != nil {
			return nil, fmt.Errorf("no client secret: GOVERN_CLIENT_SECRET unset and secret file unreadable: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}
	if secret == "" {
		return nil, fmt.Errorf("client secret is empty")
	}

	authorityBase := os.Getenv("IDENTITY_AUTHORITY_BASE")
	if authorityBase == "" {
		authorityBase = defaultAuthorityBase
	}

	policyScope := os.Getenv("GOVERN_POLICY_SCOPE")
	if policyScope == "" {
		policyScope = defaultPolicyScope
		slog.Warn("GOVERN_POLICY_SCOPE not set, using default", "scope", policyScope)
	}

	return &EntraTokenBroker{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		authorityBase: authorityBase,
		clientID:      clientID,
		secret:        memguard.NewEnclave([]byte(secret)),
		policyScope:   policyScope,
	}, nil
}

// AcquireTokens implements TokenBroker.
func (b *EntraTokenBroker) AcquireTokens(ctx context.Context, userBearerToken string) (*Tokens, error) {
	ctx, span := identityTracer.Start(ctx, "AcquireTokens")
	defer span.End()

	if strings.TrimSpace(userBearerToken) == "" {
		err := &AuthError{Message: "empty bearer token"}
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing user token")
		return nil, err
	}

	oboToken, err := b.exchangeOnBehalfOf(ctx, userBearerToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "obo exchange failed")
		return nil, err
	}

	tenantID, userName := parseTokenIdentity(oboToken)
	if tenantID == "" {
		err := &TokenAcquisitionError{
			Stage:   "obo",
			Message: "delegated token carries no tenant claim",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no tenant claim")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Bool("has_user_name", userName != ""),
	)

	appToken, err := b.acquireAppToken(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "app token acquisition failed")
		return nil, err
	}

	return &Tokens{
		OBOToken: oboToken,
		AppToken: appToken,
		UserName: userName,
		TenantID: tenantID,
	}, nil
}

// tokenEndpointResponse is the subset of the authority's token response the
// broker consumes.
type tokenEndpointResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeOnBehalfOf performs the jwt-bearer grant against the multi-tenant
// token endpoint. Transient authority failures (502/503/504) are retried with
// exponential backoff.
func (b *EntraTokenBroker) exchangeOnBehalfOf(ctx context.Context, userToken string) (string, error) {
	ctx, span := identityTracer.Start(ctx, "exchangeOnBehalfOf")
	defer span.End()

	secretBuf, err := b.secret.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open client secret enclave: %w", err)
	}
	defer secretBuf.Destroy()

	form := url.Values{}
	form.Set("grant_type", oboGrantType)
	form.Set("client_id", b.clientID)
	form.Set("client_secret", secretBuf.String())
	form.Set("assertion", userToken)
	form.Set("scope", b.policyScope)
	form.Set("requested_token_use", "on_behalf_of")

	endpoint := fmt.Sprintf("%s/organizations/oauth2/v2.0/token", b.authorityBase)

	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt <= maxExchangeRetries; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying on-behalf-of exchange",
				"attempt", attempt,
				"delay", retryDelay,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2 // Exponential backoff
		}

		token, err := b.postTokenRequest(ctx, endpoint, form, "obo")
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return token, nil
		}

		lastErr = err
		if tae, ok := err.(*TokenAcquisitionError); !ok || !tae.Retryable {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable exchange error")
			return "", err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "exchange retries exhausted")
	return "", lastErr
}

// postTokenRequest posts a form to the token endpoint and extracts the access
// token from the response.
func (b *EntraTokenBroker) postTokenRequest(ctx context.Context, endpoint string, form url.Values, stage string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", &TokenAcquisitionError{
			Stage:     stage,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("Failed to close token response body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var parsed tokenEndpointResponse
		_ = json.Unmarshal(body, &parsed)
		msg := parsed.ErrorDescription
		if msg == "" {
			msg = parsed.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		}
		return "", &TokenAcquisitionError{
			Stage:      stage,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	var parsed tokenEndpointResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", &TokenAcquisitionError{
			Stage:      stage,
			StatusCode: resp.StatusCode,
			Message:    "token endpoint returned no access token",
		}
	}
	return parsed.AccessToken, nil
}

// acquireAppToken requests an application-only token from the tenant
// identified by the delegated exchange.
func (b *EntraTokenBroker) acquireAppToken(ctx context.Context, tenantID string) (string, error) {
	ctx, span := identityTracer.Start(ctx, "acquireAppToken")
	defer span.End()

	secretBuf, err := b.secret.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open client secret enclave: %w", err)
	}
	defer secretBuf.Destroy()

	conf := &clientcredentials.Config{
		ClientID:     b.clientID,
		ClientSecret: secretBuf.String(),
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", b.authorityBase, tenantID),
		Scopes:       []string{b.policyScope},
	}

	token, err := conf.Token(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "client credentials grant failed")
		return "", &TokenAcquisitionError{
			Stage:   "app",
			Message: err.Error(),
		}
	}
	if token.AccessToken == "" {
		return "", &TokenAcquisitionError{
			Stage:   "app",
			Message: "client credentials grant returned no access token",
		}
	}
	return token.AccessToken, nil
}

// parseTokenIdentity extracts the tenant and user name claims from a JWT
// without verifying its signature. The token was just issued to this process
// by the authority; the claims feed tenant routing and display labeling only.
func parseTokenIdentity(token string) (tenantID, userName string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		slog.Warn("Failed to parse delegated token claims", "error", err)
		return "", ""
	}

	if tid, ok := claims["tid"].(string); ok {
		tenantID = tid
	}
	if name, ok := claims["preferred_username"].(string); ok && name != "" {
		userName = name
	} else if upn, ok := claims["upn"].(string); ok {
		userName = upn
	}
	return tenantID, userName
}

// isRetryableStatusCode determines if an HTTP status code is retryable.
//
// Returns true for status codes that indicate transient failures where a
// retry may succeed: 502 Bad Gateway, 503 Service Unavailable, and 504
// Gateway Timeout.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return true
	default:
		return false
	}
}
