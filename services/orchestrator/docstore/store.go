// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docstore persists uploaded source documents and ingests their
// chunks into the active vector index.
//
// The blob store keeps the original file byte-for-byte so GET
// /api/documents/:filename can return exactly what was uploaded; the
// ingestor owns chunking, embedding, and label metadata.
package docstore

import (
	"context"
	"errors"
	"io"
)

// ErrDocumentNotFound is returned when no stored document matches the
// requested filename. Handlers map it to a 404.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore persists original uploaded documents.
type DocumentStore interface {
	// Put stores the document under its filename, replacing any previous
	// version.
	Put(ctx context.Context, filename string, r io.Reader) error

	// Get opens the stored document for reading. The caller closes it.
	Get(ctx context.Context, filename string) (io.ReadCloser, error)

	// Delete removes the stored document.
	Delete(ctx context.Context, filename string) error
}
