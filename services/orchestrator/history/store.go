// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists chat sessions and turns.
//
// Two backends implement the same Store contract: Weaviate for the cloud
// deployment and BadgerDB for fully local operation. Which one is active is
// decided once at startup; the pipeline only sees the interface.
package history

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// ErrSessionNotFound is returned when an operation references a session the
// store has never seen. Handlers map it to a 404.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is the store's view of one chat session.
type SessionRecord struct {
	SessionID       string
	UserID          string
	Title           string
	SequenceCounter int
	CreatedAt       int64
	UpdatedAt       int64
	TTLExpiresAt    int64
}

// sessionTTLEnv holds the retention window for chat sessions as a Go duration
// string ("720h"). Empty, zero, or unparseable means sessions never expire.
const sessionTTLEnv = "GOVERN_SESSION_TTL"

// SessionTTL reads the configured session retention window from the
// environment. Zero means retention is disabled.
func SessionTTL() time.Duration {
	raw := os.Getenv(sessionTTLEnv)
	if raw == "" {
		return 0
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl < 0 {
		slog.Warn("Invalid session TTL, sessions will not expire",
			"env", sessionTTLEnv,
			"value", raw,
		)
		return 0
	}
	return ttl
}

// ExpiryStamp converts a creation time and retention window into the stored
// ttl_expires_at value. A zero window produces zero, the never-expires marker.
func ExpiryStamp(nowMs int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowMs + ttl.Milliseconds()
}

// Store defines the contract for chat history persistence.
//
// # Description
//
// The orchestrator reads and appends history; it never deletes outside the
// explicit DELETE endpoint. Turn numbers are assigned by the caller (the
// pipeline knows the running history); stores persist them as given.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// EnsureSession returns the session record, creating it when absent.
	// A created record has no title and a zero sequence counter.
	EnsureSession(ctx context.Context, userID, sessionID string) (*SessionRecord, error)

	// AppendTurn persists one completed question/answer turn and bumps the
	// session's updated-at timestamp.
	AppendTurn(ctx context.Context, userID, sessionID string, turn datatypes.TurnRecord) error

	// RecentTurns returns up to n turns for a session, newest first.
	// Callers that need chronological order reverse the slice.
	RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.TurnRecord, error)

	// ListSessions returns summaries for every session owned by the user,
	// most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error)

	// SessionDetail returns a session with its full turn history in
	// chronological order. Returns ErrSessionNotFound for unknown or
	// foreign sessions.
	SessionDetail(ctx context.Context, userID, sessionID string) (*datatypes.SessionDetailResponse, error)

	// DeleteSession removes the session and all its turns, returning the
	// number of turns removed. Returns ErrSessionNotFound when the session
	// does not exist or belongs to another user.
	DeleteSession(ctx context.Context, userID, sessionID string) (int, error)

	// SetTitleIfEmpty persists a session title only when none is set yet,
	// reporting whether this call set it. Title generation is lazy and must
	// happen at most once per session.
	SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error)

	// SequenceValue returns the persisted sequence counter for a session,
	// zero for sessions without one.
	SequenceValue(ctx context.Context, sessionID string) (int, error)

	// UpdateSequence persists a new sequence counter value. Best-effort:
	// the in-memory counter is authoritative within a process lifetime.
	UpdateSequence(ctx context.Context, sessionID string, value int) error
}

// Sequence hands out strictly ordered per-session sequence numbers for
// governance evaluation calls.
//
// # Description
//
// Reserve(sessionID, n) atomically advances the session's counter by n and
// returns the first reserved value. Two concurrent requests for the same
// session can never observe the same value: reservation is serialized per
// session.
type Sequence interface {
	// Reserve advances the counter by n and returns the first reserved
	// sequence number. n must be >= 1.
	Reserve(ctx context.Context, sessionID string, n int) (int, error)
}
