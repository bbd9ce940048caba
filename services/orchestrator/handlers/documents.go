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
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGovern/pkg/validation"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/docstore"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
)

// maxUploadBytes bounds a single document upload. Uploads are read fully
// into memory for chunking, so the cap protects the process, not the store.
const maxUploadBytes = 10 << 20 // 10 MiB

// UploadDocument returns a handler for POST /api/documents.
//
// # Description
//
// Accepts a multipart form with a required file part and optional labelId /
// labelName fields. The raw document is stored for later download and the
// content is chunked, embedded, and indexed for retrieval. The label
// metadata rides along to every chunk; the label filter reads it back at
// query time.
//
// A re-upload of the same filename replaces both the stored document and
// its chunks.
//
// # Inputs
//
//   - store: Raw document storage. Must not be nil.
//   - ingestor: Chunking and indexing backend. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler ready for use with Gin
//
// HTTP Status:
//   - 201 Created: Document stored and indexed
//   - 400 Bad Request: Missing file part, unsafe filename, non-UUID labelId,
//     oversized upload
//   - 503 Service Unavailable: Storage or indexing failure (generic message)
func UploadDocument(store docstore.DocumentStore, ingestor docstore.Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest,
				datatypes.ErrorResponse{Error: "missing required form field: file"})
			return
		}

		filename, err := sanitizeFilename(fileHeader.Filename)
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		labelID := c.PostForm("labelId")
		if labelID != "" {
			if err := validation.ValidateLabelID(labelID); err != nil {
				c.JSON(http.StatusBadRequest,
					datatypes.ErrorResponse{Error: "invalid labelId"})
				return
			}
		}
		// Label names are display strings that end up inside citation
		// suffixes; clean, never reject.
		labelName := validation.SanitizeLabelName(c.PostForm("labelName"))

		file, err := fileHeader.Open()
		if err != nil {
			slog.Error("Failed to open uploaded file", "filename", filename, "error", err)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}
		defer file.Close()

		// One byte past the cap distinguishes "at the limit" from "over it".
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			slog.Error("Failed to read uploaded file", "filename", filename, "error", err)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}
		if len(content) > maxUploadBytes {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: fmt.Sprintf("file exceeds the %d byte upload limit", maxUploadBytes),
			})
			return
		}

		ctx := c.Request.Context()
		if err := store.Put(ctx, filename, bytes.NewReader(content)); err != nil {
			slog.Error("Failed to store document", "filename", filename, "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordIngest(0, false)
			}
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}

		chunks, err := ingestor.Ingest(ctx, docstore.IngestRequest{
			Filename:  filename,
			Content:   string(content),
			LabelID:   labelID,
			LabelName: labelName,
		})
		if err != nil {
			slog.Error("Failed to index document", "filename", filename, "error", err)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordIngest(0, false)
			}
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}

		if m := observability.DefaultMetrics; m != nil {
			m.RecordIngest(chunks, true)
		}
		slog.Info("Successfully ingested document",
			"filename", filename,
			"labelId", labelID,
			"chunks", chunks,
		)
		c.JSON(http.StatusCreated, datatypes.DocumentUploadResponse{
			Filename:       filename,
			LabelID:        labelID,
			LabelName:      labelName,
			ChunksIngested: chunks,
		})
	}
}

// DownloadDocument returns a handler for GET /api/documents/:filename.
//
// Serves the raw stored document. The content type comes from the file
// extension; unknown extensions fall back to octet-stream.
func DownloadDocument(store docstore.DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename, err := sanitizeFilename(c.Param("filename"))
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		reader, err := store.Get(c.Request.Context(), filename)
		if err != nil {
			if errors.Is(err, docstore.ErrDocumentNotFound) {
				c.JSON(http.StatusNotFound,
					datatypes.ErrorResponse{Error: "document not found"})
				return
			}
			slog.Error("Failed to fetch document", "filename", filename, "error", err)
			c.JSON(http.StatusServiceUnavailable,
				datatypes.ErrorResponse{Error: "service unavailable"})
			return
		}
		defer reader.Close()

		contentType := mime.TypeByExtension(filepath.Ext(filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		c.Status(http.StatusOK)

		if _, err := io.Copy(c.Writer, reader); err != nil {
			// Headers are already out; nothing to send the client.
			slog.Warn("Document download aborted", "filename", filename, "error", err)
		}
	}
}

// sanitizeFilename reduces a client-supplied name to a safe flat filename.
// Path components are stripped rather than rejected so browser uploads with
// full paths still land under their base name; the flattened name must then
// clear the filename grammar before it becomes a store key.
func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if err := validation.ValidateFilename(base); err != nil {
		return "", err
	}
	return base, nil
}
