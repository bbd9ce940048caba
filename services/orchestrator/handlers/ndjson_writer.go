// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing NDJSON chat chunks to HTTP
// responses.
//
// # Description
//
// StreamWriter abstracts chunk serialization and writing, separating the
// wire format from handler logic. The chat stream is application/x-ndjson:
// each chunk is one JSON object terminated by a newline, flushed as soon as
// it is written.
//
// The wire shape is fixed by the API contract: a chunk carries only a delta
// (content plus role) and a context (session id). Anything else a client
// might need, titles or sources, travels out of band.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter.
//   - Headers must be set before the first write (see SetStreamHeaders).
type StreamWriter interface {
	// WriteChunk serializes one chunk and writes it as a single NDJSON
	// line, flushing immediately.
	//
	// # Inputs
	//
	//   - chunk: The chunk to emit. Written exactly as given.
	//
	// # Outputs
	//
	//   - error: Non-nil if JSON marshaling or the write failed.
	WriteChunk(chunk datatypes.StreamChunk) error

	// WriteAnswer emits answer text for a session as one chunk.
	//
	// The current pipeline gates the complete answer before emission, so a
	// successful turn produces exactly one call, but clients concatenate
	// deltas and must not depend on that.
	//
	// # Inputs
	//
	//   - sessionID: Session identifier echoed in the chunk context.
	//   - content: The answer (or denial) text.
	//
	// # Outputs
	//
	//   - error: Non-nil if writing failed.
	WriteAnswer(sessionID, content string) error
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements StreamWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter.
//   - flusher: http.Flusher for immediate send.
//   - mu: Serializes writes so lines never interleave.
type ndjsonWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - StreamWriter: Ready to write chunks.
//   - error: Non-nil if the ResponseWriter does not support flushing.
//
// # Examples
//
//	SetStreamHeaders(w)
//	writer, err := NewStreamWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteAnswer("sess-123", "Rentals are booked via...")
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &ndjsonWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteChunk serializes one chunk and writes it as a single NDJSON line.
func (w *ndjsonWriter) WriteChunk(chunk datatypes.StreamChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "%s\n", data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteAnswer emits answer text for a session as one chunk.
func (w *ndjsonWriter) WriteAnswer(sessionID, content string) error {
	return w.WriteChunk(datatypes.NewAnswerChunk(sessionID, content))
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures response headers for NDJSON streaming.
//
// # Description
//
// Sets the headers the chat stream requires:
//   - Content-Type: application/x-ndjson
//   - Cache-Control: no-cache
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*ndjsonWriter)(nil)
