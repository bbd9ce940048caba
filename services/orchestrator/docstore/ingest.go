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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/rag"
)

var ingestTracer = otel.Tracer("aleutian.govern.docstore.ingest")

var (
	CHUNK_SIZE        = 1000
	CHUNK_OVERLAP     = int(float64(CHUNK_SIZE) * 0.10) // Chunk_overlap is 10% of the CHUNK_SIZE
	defaultSeparators = []string{"\n\n", "\n", " ", ""}
	pythonSeparators  = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	cStyleSeparators  = []string{
		"\nfunction ", "\nclass ", "\ninterface ",
		"\npublic ", "\nprivate ", "\nprotected ",
		"\nfunc", "\ntype",
		"\n\n", "\n", " ", "",
	}

	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// IngestRequest carries one document into the index. Label metadata
// attaches here, at ingestion time; retrieval and filtering read it back.
type IngestRequest struct {
	Filename  string
	Content   string
	LabelID   string
	LabelName string
}

// documentTTLEnv holds the retention window for ingested documents as a Go
// duration string ("2160h"). Empty, zero, or unparseable means chunks never
// expire.
const documentTTLEnv = "GOVERN_DOCUMENT_TTL"

// documentTTL reads the configured document retention window from the
// environment. Zero means retention is disabled.
func documentTTL() time.Duration {
	raw := os.Getenv(documentTTLEnv)
	if raw == "" {
		return 0
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl < 0 {
		slog.Warn("Invalid document TTL, chunks will not expire",
			"env", documentTTLEnv,
			"value", raw,
		)
		return 0
	}
	return ttl
}

// expiryStamp converts an ingestion time and retention window into the stored
// ttl_expires_at value. A zero window produces zero, the never-expires marker.
func expiryStamp(nowMs int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowMs + ttl.Milliseconds()
}

// Ingestor chunks, embeds, and indexes a document, returning the number of
// chunks stored. Re-ingesting a filename replaces its previous chunks.
type Ingestor interface {
	Ingest(ctx context.Context, req IngestRequest) (int, error)
}

// chunkID derives a deterministic object id from the chunk's identity, so
// re-ingesting unchanged content writes the same objects.
func chunkID(source string, index int, chunk string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s", source, index, chunk)))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// splitDocument picks a splitter by file extension and chunks the content.
func splitDocument(filename, content string) ([]string, error) {
	chunks, err := getSplitterForFile(filename).SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("failed to split content: %w", err)
	}
	return chunks, nil
}

func getSplitterForFile(filename string) textsplitter.TextSplitter {
	ext := filepath.Ext(filename)
	switch ext {
	case ".md":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(CHUNK_SIZE),
			textsplitter.WithChunkOverlap(CHUNK_OVERLAP),
			textsplitter.WithSeparators(markdownSeparators),
		)

	case ".py":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(CHUNK_SIZE),
			textsplitter.WithChunkOverlap(CHUNK_OVERLAP),
			textsplitter.WithSeparators(pythonSeparators),
		)

	case ".js", ".ts", ".java", ".c", ".cpp", ".h", ".hpp", ".rs", ".go":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(CHUNK_SIZE),
			textsplitter.WithChunkOverlap(CHUNK_OVERLAP),
			textsplitter.WithSeparators(cStyleSeparators),
		)

	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(CHUNK_SIZE),
			textsplitter.WithChunkOverlap(CHUNK_OVERLAP),
			textsplitter.WithSeparators(defaultSeparators),
		)
	}
}

// =============================================================================
// Weaviate Ingestor
// =============================================================================

// WeaviateIngestor writes chunks into the GovernedDocument class.
type WeaviateIngestor struct {
	client   *weaviate.Client
	embedder rag.Embedder
	ttl      time.Duration
}

var _ Ingestor = (*WeaviateIngestor)(nil)

// NewWeaviateIngestor creates the cloud ingestor. The document retention
// window is read from the environment once at construction.
func NewWeaviateIngestor(client *weaviate.Client, embedder rag.Embedder) *WeaviateIngestor {
	if client == nil {
		panic("NewWeaviateIngestor: client cannot be nil")
	}
	if embedder == nil {
		panic("NewWeaviateIngestor: embedder cannot be nil")
	}
	return &WeaviateIngestor{client: client, embedder: embedder, ttl: documentTTL()}
}

func (g *WeaviateIngestor) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	ctx, span := ingestTracer.Start(ctx, "WeaviateIngestor.Ingest")
	defer span.End()

	span.SetAttributes(attribute.String("document.source", req.Filename))
	slog.Info("Ingestion request received", "source", req.Filename)

	chunks, err := splitDocument(req.Filename, req.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		return 0, err
	}
	if len(chunks) == 0 {
		slog.Warn("No chunks produced after splitting", "source", req.Filename)
		return 0, nil
	}
	slog.Info("Split document into chunks", "source", req.Filename, "chunk_count", len(chunks))

	vectors, err := g.embedder.Embed(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding service returned mismatched vector count")
	}

	// Drop the previous version of this document; deterministic ids only
	// cover unchanged chunks.
	if err := g.deleteSource(ctx, req.Filename); err != nil {
		slog.Warn("Failed to clear previous chunks before ingest", "source", req.Filename, "error", err)
	}

	now := time.Now().UnixMilli()
	expiresAt := expiryStamp(now, g.ttl)
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		props := datatypes.GovernedDocumentProperties{
			Content:      chunk,
			Source:       req.Filename,
			LabelID:      req.LabelID,
			LabelName:    req.LabelName,
			ChunkIndex:   i,
			IngestedAt:   now,
			TTLExpiresAt: expiresAt,
		}
		objects[i] = &models.Object{
			Class:      "GovernedDocument",
			ID:         strfmt.UUID(chunkID(req.Filename, i, chunk)),
			Vector:     vectors[i],
			Properties: props.ToMap(),
		}
	}

	resp, err := g.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch import failed")
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	chunksCreated := 0
	hasErrors := false
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			chunksCreated++
			continue
		}
		hasErrors = true
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "source", req.Filename, "error", errItem.Message)
			}
		} else {
			slog.Warn("Failed Weaviate batch item, no error provided", "source", req.Filename)
		}
	}
	if hasErrors {
		slog.Warn("Errors encountered during Weaviate batch import",
			"source", req.Filename, "successful_chunks", chunksCreated)
	}

	span.SetAttributes(attribute.Int("document.chunks", chunksCreated))
	slog.Info("Successfully processed document", "source", req.Filename, "chunks_processed", chunksCreated)
	return chunksCreated, nil
}

func (g *WeaviateIngestor) deleteSource(ctx context.Context, source string) error {
	where := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueString(source)

	_, err := g.client.Batch().ObjectsBatchDeleter().
		WithClassName("GovernedDocument").
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	return err
}

// =============================================================================
// Badger Ingestor
// =============================================================================

// BadgerIngestor writes chunks into the local vector index.
type BadgerIngestor struct {
	index    *rag.BadgerIndex
	embedder rag.Embedder
}

var _ Ingestor = (*BadgerIngestor)(nil)

// NewBadgerIngestor creates the local ingestor.
func NewBadgerIngestor(index *rag.BadgerIndex, embedder rag.Embedder) *BadgerIngestor {
	if index == nil {
		panic("NewBadgerIngestor: index cannot be nil")
	}
	if embedder == nil {
		panic("NewBadgerIngestor: embedder cannot be nil")
	}
	return &BadgerIngestor{index: index, embedder: embedder}
}

func (b *BadgerIngestor) Ingest(ctx context.Context, req IngestRequest) (int, error) {
	ctx, span := ingestTracer.Start(ctx, "BadgerIngestor.Ingest")
	defer span.End()

	span.SetAttributes(attribute.String("document.source", req.Filename))

	chunks, err := splitDocument(req.Filename, req.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		return 0, err
	}
	if len(chunks) == 0 {
		slog.Warn("No chunks produced after splitting", "source", req.Filename)
		return 0, nil
	}

	vectors, err := b.embedder.Embed(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding service returned mismatched vector count")
	}

	if _, err := b.index.DeleteSource(ctx, req.Filename); err != nil {
		slog.Warn("Failed to clear previous chunks before ingest", "source", req.Filename, "error", err)
	}

	now := time.Now().UnixMilli()
	records := make([]datatypes.DocumentChunk, len(chunks))
	for i, chunk := range chunks {
		records[i] = datatypes.DocumentChunk{
			Content:    chunk,
			Source:     req.Filename,
			LabelID:    req.LabelID,
			LabelName:  req.LabelName,
			ChunkIndex: i,
			Vector:     vectors[i],
			IngestedAt: now,
		}
	}

	if err := b.index.AddChunks(ctx, records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index write failed")
		return 0, err
	}

	span.SetAttributes(attribute.Int("document.chunks", len(records)))
	slog.Info("Successfully processed document", "source", req.Filename, "chunks_processed", len(records))
	return len(records), nil
}
