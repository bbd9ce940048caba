// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore keeps documents as plain files under one directory. The local
// deployment's document store.
type FSStore struct {
	root string
}

var _ DocumentStore = (*FSStore)(nil)

// NewFSStore creates the directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("document directory is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create document directory %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// path confines every access to the root directory. Handlers validate
// filenames before calling; Base strips anything that slipped through.
func (s *FSStore) path(filename string) string {
	return filepath.Join(s.root, filepath.Base(filename))
}

func (s *FSStore) Put(ctx context.Context, filename string, r io.Reader) error {
	target := s.path(filename)

	// Write to a temp file and rename so a failed upload never leaves a
	// truncated document behind.
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write document %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close document %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("finalize document %s: %w", filename, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, filename string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(filename))
	if os.IsNotExist(err) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", filename, err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, filename string) error {
	err := os.Remove(s.path(filename))
	if os.IsNotExist(err) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("delete document %s: %w", filename, err)
	}
	return nil
}
