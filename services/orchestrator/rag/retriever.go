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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

var retrieverTracer = otel.Tracer("aleutian.govern.rag.retriever")

const (
	// DefaultRetrievalLimit is the candidate count handed to the label
	// filter. Filtering can only shrink it.
	DefaultRetrievalLimit = 5

	// minRetrievalCertainty drops chunks with no meaningful similarity to
	// the question before they ever reach filtering.
	minRetrievalCertainty float32 = 0.55
)

// Retriever finds document chunks relevant to a question.
//
// # Description
//
// Results are similarity-ranked candidates only: the caller must run them
// through the label filter before any content reaches a prompt.
type Retriever interface {
	Retrieve(ctx context.Context, question string, limit int) ([]datatypes.RetrievedDocument, error)
}

// WeaviateRetriever performs nearVector search over the GovernedDocument
// class.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder Embedder
}

var _ Retriever = (*WeaviateRetriever)(nil)

// NewWeaviateRetriever creates the cloud retriever.
func NewWeaviateRetriever(client *weaviate.Client, embedder Embedder) *WeaviateRetriever {
	if client == nil {
		panic("NewWeaviateRetriever: client cannot be nil")
	}
	if embedder == nil {
		panic("NewWeaviateRetriever: embedder cannot be nil")
	}
	return &WeaviateRetriever{client: client, embedder: embedder}
}

// Retrieve embeds the question and runs a certainty-bounded nearVector query.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, question string, limit int) ([]datatypes.RetrievedDocument, error) {
	ctx, span := retrieverTracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()

	if limit <= 0 {
		limit = DefaultRetrievalLimit
	}
	span.SetAttributes(attribute.Int("retrieval.limit", limit))

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "question embedding failed")
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one question", len(vectors))
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().
		WithVector(vectors[0]).
		WithCertainty(minRetrievalCertainty)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "label_id"},
		{Name: "label_name"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName("GovernedDocument").
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.GovernedDocumentQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	docs := make([]datatypes.RetrievedDocument, 0, len(parsed.Get.GovernedDocument))
	for _, result := range parsed.Get.GovernedDocument {
		docs = append(docs, result.ToRetrievedDocument())
	}

	span.SetAttributes(attribute.Int("retrieval.count", len(docs)))
	return docs, nil
}
