// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag retrieves governed document chunks and synthesizes grounded
// answers from them. It holds the retriever backends, the label filter's
// document shape contract, the prompt configuration, and the answer engine.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGovern/services/llm"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// Embedder turns texts into vectors. One vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelEmbedder delegates to the OpenAI-compatible embeddings endpoint of
// the cloud chat backend.
type ModelEmbedder struct {
	client *llm.OpenAIClient
}

var _ Embedder = (*ModelEmbedder)(nil)

// NewModelEmbedder wraps the cloud model client as an Embedder.
func NewModelEmbedder(client *llm.OpenAIClient) *ModelEmbedder {
	if client == nil {
		panic("NewModelEmbedder: client cannot be nil")
	}
	return &ModelEmbedder{client: client}
}

func (e *ModelEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.client.Embed(ctx, texts)
}

// batchEmbeddingRequest is the request body for the /batch_embed endpoint.
type batchEmbeddingRequest struct {
	Texts []string `json:"texts"`
}

// batchEmbeddingResponse is the response from the /batch_embed endpoint.
type batchEmbeddingResponse struct {
	Id        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

// ServiceEmbedder calls the local embedding sidecar. Single texts go to
// /embed, batches to /batch_embed.
type ServiceEmbedder struct {
	httpClient *http.Client
	embedURL   string
	batchURL   string
}

var _ Embedder = (*ServiceEmbedder)(nil)

// NewServiceEmbedder reads EMBEDDING_SERVICE_URL and prepares both endpoint
// URLs. Batch embedding of a large document can take a while, hence the
// generous timeout.
func NewServiceEmbedder() (*ServiceEmbedder, error) {
	base := os.Getenv("EMBEDDING_SERVICE_URL")
	if base == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL environment variable not set")
	}

	embedURL := strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(embedURL, "/embed") {
		embedURL += "/embed"
	}
	batchURL := strings.TrimSuffix(embedURL, "/embed") + "/batch_embed"

	return &ServiceEmbedder{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		embedURL:   embedURL,
		batchURL:   batchURL,
	}, nil
}

func (e *ServiceEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		vector, err := e.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vector}, nil
	default:
		return e.embedBatch(ctx, texts)
	}
}

func (e *ServiceEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := e.post(ctx, e.embedURL, datatypes.EmbeddingRequest{Text: text})
	if err != nil {
		return nil, err
	}

	var embResp datatypes.EmbeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(embResp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return embResp.Vector, nil
}

func (e *ServiceEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := e.post(ctx, e.batchURL, batchEmbeddingRequest{Texts: texts})
	if err != nil {
		return nil, err
	}

	var batchResp batchEmbeddingResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		return nil, fmt.Errorf("failed to decode batch embed response: %w", err)
	}
	if len(batchResp.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors",
			len(texts), len(batchResp.Vectors))
	}
	return batchResp.Vectors, nil
}

func (e *ServiceEmbedder) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Embedding service returned an error", "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
