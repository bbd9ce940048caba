// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// BadgerIndex stores embedded chunks in BadgerDB and serves brute-force
// cosine search over them.
//
// # Description
//
// The local deployment has no vector database; corpora there are small
// enough that scanning every chunk per query stays in the low milliseconds.
// Keys are chunk/<source>/<%08d index> so one source's chunks form a
// contiguous range.
type BadgerIndex struct {
	db *badger.DB
}

// NewBadgerIndex wraps an open BadgerDB as a chunk index. The database is
// shared with the history store; key prefixes keep the layouts apart.
func NewBadgerIndex(db *badger.DB) *BadgerIndex {
	if db == nil {
		panic("NewBadgerIndex: db cannot be nil")
	}
	return &BadgerIndex{db: db}
}

func chunkKey(source string, index int) []byte {
	return []byte(fmt.Sprintf("chunk/%s/%08d", source, index))
}

func chunkPrefix(source string) []byte {
	return []byte("chunk/" + source + "/")
}

// AddChunks stores all chunks of one ingestion. A write batch keeps large
// documents from overflowing a single transaction.
func (x *BadgerIndex) AddChunks(ctx context.Context, chunks []datatypes.DocumentChunk) error {
	wb := x.db.NewWriteBatch()
	defer wb.Cancel()

	for _, chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		if err := wb.Set(chunkKey(chunk.Source, chunk.ChunkIndex), data); err != nil {
			return fmt.Errorf("store chunk: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush chunk batch: %w", err)
	}
	slog.Info("Indexed document chunks", "chunks", len(chunks))
	return nil
}

// DeleteSource removes every chunk of one source document, returning the
// number removed.
func (x *BadgerIndex) DeleteSource(ctx context.Context, source string) (int, error) {
	deleted := 0

	err := x.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		prefix := chunkPrefix(source)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete chunk: %w", err)
			}
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Search scans all chunks and returns the limit best cosine matches above
// the retrieval certainty floor.
func (x *BadgerIndex) Search(ctx context.Context, vector []float32, limit int) ([]datatypes.RetrievedDocument, error) {
	var docs []datatypes.RetrievedDocument

	err := x.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("chunk/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var chunk datatypes.DocumentChunk
				if err := json.Unmarshal(val, &chunk); err != nil {
					return fmt.Errorf("decode chunk: %w", err)
				}

				score := cosineSimilarity(vector, chunk.Vector)
				if score < minRetrievalCertainty {
					return nil
				}
				docs = append(docs, datatypes.RetrievedDocument{
					Content:   chunk.Content,
					Source:    chunk.Source,
					LabelID:   chunk.LabelID,
					LabelName: chunk.LabelName,
					Score:     score,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// zero for mismatched lengths or zero-norm inputs.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// BadgerRetriever embeds the question with the local embedding service and
// searches the local index.
type BadgerRetriever struct {
	index    *BadgerIndex
	embedder Embedder
}

var _ Retriever = (*BadgerRetriever)(nil)

// NewBadgerRetriever creates the local retriever.
func NewBadgerRetriever(index *BadgerIndex, embedder Embedder) *BadgerRetriever {
	if index == nil {
		panic("NewBadgerRetriever: index cannot be nil")
	}
	if embedder == nil {
		panic("NewBadgerRetriever: embedder cannot be nil")
	}
	return &BadgerRetriever{index: index, embedder: embedder}
}

func (r *BadgerRetriever) Retrieve(ctx context.Context, question string, limit int) ([]datatypes.RetrievedDocument, error) {
	if limit <= 0 {
		limit = DefaultRetrievalLimit
	}

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one question", len(vectors))
	}

	return r.index.Search(ctx, vectors[0], limit)
}
