// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements secure buffering for synthesized answers. The complete
// model output is held in mlocked memory between synthesis and emission so an
// answer that the response gate later withholds never sits in swappable
// memory, and is incrementally hashed for the audit trail.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// answerBufferSize is the capacity of the mlocked answer buffer. 512 KB
	// comfortably holds the longest synthesized answer plus citations.
	answerBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required in kilobytes.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// AnswerBuffer holds one turn's model output between synthesis and emission.
//
// # Description
//
// The pipeline collects the complete answer before citation rewriting and
// response gating run; AnswerBuffer is where that text lives. The secure
// implementation stores it in an mlocked memguard buffer so a gated answer
// cannot be swapped to disk, and hashes content as it is written so the
// audit trail carries an integrity hash even for answers that are withheld.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though the pipeline writes
// from a single goroutine.
//
// # Limitations
//
//   - Capacity is fixed; an oversized answer fails the turn.
//   - A buffer cannot be reused after Finalize or Destroy.
type AnswerBuffer interface {
	// Write appends answer text. Content is hashed as it arrives.
	Write(s string) error

	// Finalize returns the buffered text and its SHA-256 hash (hex), then
	// wipes the buffer. Can only be called once.
	Finalize() (text string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; safe on
	// error paths after Finalize.
	Destroy()

	// ID returns a unique identifier for log correlation.
	ID() string
}

// NewAnswerBuffer allocates an answer buffer for one turn.
//
// Uses mlocked memory when the system's RLIMIT_MEMLOCK allows it. When the
// limit is insufficient, ALEUTIAN_INSECURE_MEMORY=true selects a plain-memory
// fallback; otherwise allocation fails and the turn errors.
func NewAnswerBuffer() (AnswerBuffer, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
			return newPlainAnswerBuffer(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Configure system limits or set ALEUTIAN_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB,
		)
	}

	buf := memguard.NewBuffer(answerBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", answerBufferSize)
	}
	buf.Melt()

	return &lockedAnswerBuffer{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

// PurgeSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown; also triggered automatically on SIGINT/SIGTERM via
// memguard.CatchInterrupt.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure answer buffering",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"fallback", "set ALEUTIAN_INSECURE_MEMORY=true to run without mlock",
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK. Returns the limit in KB, -1 when
// unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// =============================================================================
// Locked Implementation
// =============================================================================

// lockedAnswerBuffer stores the answer in an mlocked memguard buffer with
// guard pages and canaries, wiping on Finalize or Destroy.
type lockedAnswerBuffer struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ AnswerBuffer = (*lockedAnswerBuffer)(nil)

func (b *lockedAnswerBuffer) Write(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return fmt.Errorf("answer buffer already destroyed")
	}
	if b.overflow {
		return fmt.Errorf("answer buffer overflow - response too large")
	}

	data := []byte(s)
	if b.offset+len(data) > answerBufferSize {
		b.overflow = true
		return fmt.Errorf("answer buffer overflow: need %d bytes, have %d remaining",
			len(data), answerBufferSize-b.offset)
	}

	copy(b.buffer.Bytes()[b.offset:], data)
	b.offset += len(data)
	b.hasher.Write(data)
	return nil
}

func (b *lockedAnswerBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return "", "", fmt.Errorf("answer buffer already destroyed")
	}
	if b.overflow {
		b.wipe()
		return "", "", fmt.Errorf("answer buffer overflowed during accumulation")
	}

	text := string(b.buffer.Bytes()[:b.offset])
	hashStr := hex.EncodeToString(b.hasher.Sum(nil))
	b.wipe()

	slog.Debug("Finalized answer buffer",
		"buffer_id", b.id,
		"answer_length", len(text),
		"hash", hashStr[:16]+"...",
	)
	return text, hashStr, nil
}

func (b *lockedAnswerBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.wipe()
	slog.Debug("Destroyed answer buffer", "buffer_id", b.id)
}

func (b *lockedAnswerBuffer) ID() string {
	return b.id
}

func (b *lockedAnswerBuffer) wipe() {
	if b.buffer != nil {
		b.buffer.Destroy()
	}
	b.destroyed = true
}

// =============================================================================
// Plain Fallback Implementation
// =============================================================================

// plainAnswerBuffer is the fallback for systems without sufficient mlock.
// Same contract, ordinary Go memory: data may be swapped to disk and wiping
// is best-effort under the garbage collector.
type plainAnswerBuffer struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

var _ AnswerBuffer = (*plainAnswerBuffer)(nil)

func newPlainAnswerBuffer() *plainAnswerBuffer {
	id := uuid.New().String()
	slog.Warn("Created INSECURE answer buffer - data may be swapped to disk",
		"buffer_id", id,
	)
	return &plainAnswerBuffer{
		id:     id,
		data:   make([]byte, 0, answerBufferSize),
		hasher: sha256.New(),
	}
}

func (b *plainAnswerBuffer) Write(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return fmt.Errorf("answer buffer already destroyed")
	}
	if b.overflow {
		return fmt.Errorf("answer buffer overflow - response too large")
	}

	data := []byte(s)
	if len(b.data)+len(data) > answerBufferSize {
		b.overflow = true
		return fmt.Errorf("answer buffer overflow: need %d bytes, have %d remaining",
			len(data), answerBufferSize-len(b.data))
	}

	b.data = append(b.data, data...)
	b.hasher.Write(data)
	return nil
}

func (b *plainAnswerBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return "", "", fmt.Errorf("answer buffer already destroyed")
	}
	if b.overflow {
		b.wipe()
		return "", "", fmt.Errorf("answer buffer overflowed during accumulation")
	}

	text := string(b.data)
	hashStr := hex.EncodeToString(b.hasher.Sum(nil))
	b.wipe()
	return text, hashStr, nil
}

func (b *plainAnswerBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.wipe()
}

func (b *plainAnswerBuffer) ID() string {
	return b.id
}

func (b *plainAnswerBuffer) wipe() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.data = nil
	b.destroyed = true
}
