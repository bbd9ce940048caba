// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SessionSequence hands out governance sequence numbers, serialized per
// session.
//
// # Description
//
// Every chat turn consumes exactly two sequence numbers: one for the prompt
// evaluation and one for the response evaluation. Reservation holds a
// per-session lock across the read-advance-persist cycle, so concurrent
// requests on the same session always receive disjoint ranges.
//
// The in-memory counter is authoritative for the process lifetime. It is
// seeded from the store on first use and written back after each
// reservation; a persist failure only degrades continuity across restarts.
type SessionSequence struct {
	store Store

	mu       sync.Mutex
	counters map[string]int
	locks    map[string]*sync.Mutex
}

// Compile-time interface check.
var _ Sequence = (*SessionSequence)(nil)

// NewSessionSequence creates a sequence reservation service backed by the
// given store.
func NewSessionSequence(store Store) *SessionSequence {
	if store == nil {
		panic("NewSessionSequence: store cannot be nil")
	}
	return &SessionSequence{
		store:    store,
		counters: make(map[string]int),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Reserve advances the session counter by n and returns the first reserved
// number. The first reservation of a fresh session returns 1.
func (q *SessionSequence) Reserve(ctx context.Context, sessionID string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("invalid reservation size %d", n)
	}

	lock := q.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	q.mu.Lock()
	current, seeded := q.counters[sessionID]
	q.mu.Unlock()

	if !seeded {
		value, err := q.store.SequenceValue(ctx, sessionID)
		if err != nil {
			return 0, fmt.Errorf("failed to seed sequence counter: %w", err)
		}
		current = value
	}

	next := current + n

	q.mu.Lock()
	q.counters[sessionID] = next
	q.mu.Unlock()

	if err := q.store.UpdateSequence(ctx, sessionID, next); err != nil {
		slog.Warn("Failed to persist sequence counter",
			"session_id", sessionID, "value", next, "error", err)
	}

	return current + 1, nil
}

// sessionLock returns the mutex for a session, creating it on first use.
// Entries are never reclaimed; a process serves few sessions in its lifetime.
func (q *SessionSequence) sessionLock(sessionID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[sessionID] = l
	}
	return l
}
