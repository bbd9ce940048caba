// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// This package provides extension points that allow enterprise builds of
// AleutianGovern to add capabilities without modifying the core orchestrator.
// The open source version uses no-op defaults for all interfaces.
//
// # Design Philosophy
//
// AleutianGovern ships with the full governance pipeline built in: token
// brokering, policy gating, label filtering, and answer synthesis. What an
// enterprise deployment typically needs on top is environment-specific glue:
// validating bearer tokens against its own identity provider, exporting gate
// decisions to a SIEM, and redacting content before it reaches a model.
// Those concerns are expressed as interfaces here and injected via
// ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Gate decision export for compliance sinks (DecisionAuditor)
//   - filter.go: Message transformation and redaction (MessageFilter)
//
// # Usage (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Usage (Enterprise)
//
// Enterprise provides concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider:    enterprise.NewEntraValidator(config),
//	    DecisionAuditor: enterprise.NewSplunkDecisionSink(config),
//	    MessageFilter:   enterprise.NewDLPFilter(policy),
//	}
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors to enable enterprise features.
// All fields are optional; nil values are replaced with no-op defaults
// when DefaultOptions() is called or when services check for nil.
//
// Example:
//
//	// Open source: use defaults
//	opts := extensions.DefaultOptions()
//
//	// Enterprise: inject implementations
//	opts := extensions.ServiceOptions{
//	    AuthProvider:    entraValidator,
//	    DecisionAuditor: splunkSink,
//	    MessageFilter:   dlpFilter,
//	}
type ServiceOptions struct {
	// AuthProvider validates bearer tokens before the pipeline runs.
	// Default: NopAuthProvider (accepts any non-empty token as a local user)
	AuthProvider AuthProvider

	// AuthzProvider checks authorization permissions.
	// Default: NopAuthzProvider (always allows all actions)
	AuthzProvider AuthzProvider

	// DecisionAuditor receives every gate decision the pipeline makes.
	// Default: NopDecisionAuditor (discards all decisions)
	DecisionAuditor DecisionAuditor

	// MessageFilter transforms messages before/after model inference.
	// Default: NopMessageFilter (passes through unchanged)
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source version: every request
// is treated as the bearer's own, gate decisions are enforced but not
// exported, and message content is not transformed.
//
// Returns:
//   - ServiceOptions with all fields set to no-op implementations
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:    &NopAuthProvider{},
		AuthzProvider:   &NopAuthzProvider{},
		DecisionAuditor: &NopDecisionAuditor{},
		MessageFilter:   &NopMessageFilter{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithDecisionAuditor returns a copy of opts with the given DecisionAuditor.
func (opts ServiceOptions) WithDecisionAuditor(auditor DecisionAuditor) ServiceOptions {
	opts.DecisionAuditor = auditor
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}
