// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries, file paths, or object store keys. Using these validators
// prevents injection attacks (GraphQL injection, path traversal) before any
// identifier reaches a backing store.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// userIDPattern matches directory account identifiers: UPNs (user@tenant.com),
// object IDs, and plain account names. Allows letters, digits, and @ . _ - # '
// which covers the forms issued by the identity providers we federate with.
// Max length: 256 characters.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._\-#']{0,255}$`)

// uuidPattern matches canonical RFC 4122 text form, case-insensitive.
// Session IDs and sensitivity label IDs are both minted as UUIDs.
var uuidPattern = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// filenamePattern matches a bare filename: no path separators, no leading
// dot or dash, printable ASCII plus space. Max length: 255 characters.
var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ \-()+,]{0,254}$`)

// ValidateUserID validates a caller-supplied user identifier before it is
// used as a cache key, a GraphQL where-filter operand, or an on-behalf-of
// token subject.
//
// Valid user IDs:
//   - 1-256 characters
//   - Start with a letter or digit
//   - Letters, digits, and @ . _ - # ' thereafter
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateUserID(userID); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
//	    return
//	}
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("userId cannot be empty")
	}

	if !userIDPattern.MatchString(userID) {
		return fmt.Errorf("invalid userId format: %q (must be 1-256 chars: letters, digits, @ . _ - # ')", userID)
	}

	return nil
}

// ValidateSessionID validates a session identifier. Sessions are minted
// server-side as UUIDs, so anything else in a path parameter is either a
// stale client or an injection attempt.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionId cannot be empty")
	}

	if !uuidPattern.MatchString(sessionID) {
		return fmt.Errorf("invalid sessionId format: %q (must be a UUID)", sessionID)
	}

	return nil
}

// ValidateLabelID validates a sensitivity label identifier. Label IDs are
// issued by the governance service as UUIDs.
func ValidateLabelID(labelID string) error {
	if labelID == "" {
		return fmt.Errorf("labelId cannot be empty")
	}

	if !uuidPattern.MatchString(labelID) {
		return fmt.Errorf("invalid labelId format: %q (must be a UUID)", labelID)
	}

	return nil
}

// ValidateFilename validates a document filename before it is used as an
// object store key or joined onto a filesystem path.
//
// Valid filenames:
//   - 1-255 characters
//   - Start with a letter or digit (no dotfiles, no leading dash)
//   - Letters, digits, space, and . _ - ( ) + , thereafter
//   - No path separators, no ".." sequences
//
// Returns an error if the filename is invalid.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid filename: %q (parent directory references are not allowed)", name)
	}

	if !filenamePattern.MatchString(name) {
		return fmt.Errorf("invalid filename format: %q (must be 1-255 chars, no path separators)", name)
	}

	return nil
}

// SanitizeLabelName normalizes a display label name for embedding into
// citation suffixes. Control characters are stripped and surrounding
// whitespace trimmed; the result is capped at 128 characters.
//
// Label names are display strings, not identifiers, so this never rejects;
// it returns the cleaned form.
func SanitizeLabelName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}
