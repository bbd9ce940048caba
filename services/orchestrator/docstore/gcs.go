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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// gcsObjectPrefix namespaces document objects inside the bucket.
const gcsObjectPrefix = "documents"

// GCSStore keeps documents in a Google Cloud Storage bucket. The cloud
// deployment's document store.
type GCSStore struct {
	client *storage.Client
	bucket string
}

var _ DocumentStore = (*GCSStore)(nil)

// NewGCSStore connects to the bucket named by GCS_BUCKET. When
// GCS_SA_KEY_PATH points to a service account key that key is used,
// otherwise application default credentials apply.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	bucket := os.Getenv("GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET environment variable not set")
	}

	var opts []option.ClientOption
	if keyPath := os.Getenv("GCS_SA_KEY_PATH"); keyPath != "" {
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", keyPath)
		}
		opts = append(opts, option.WithCredentialsFile(keyPath))
	} else {
		slog.Info("GCS_SA_KEY_PATH not set, using application default credentials")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) objectName(filename string) string {
	return path.Join(gcsObjectPrefix, path.Base(filename))
}

func (s *GCSStore) Put(ctx context.Context, filename string, r io.Reader) error {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(filename))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		writer.Close()
		return fmt.Errorf("failed to copy document %s to GCS: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", filename, err)
	}

	slog.Info("Stored document", "bucket", s.bucket, "object", s.objectName(filename))
	return nil
}

func (s *GCSStore) Get(ctx context.Context, filename string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(filename)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object for %s: %w", filename, err)
	}
	return reader, nil
}

func (s *GCSStore) Delete(ctx context.Context, filename string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(filename)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete GCS object for %s: %w", filename, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
