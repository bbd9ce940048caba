// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// labelFilterTracer is the OpenTelemetry tracer for label filter operations.
var labelFilterTracer = otel.Tracer("aleutian.govern.governance.label_filter")

// defaultAcceptedRights is used when GOVERN_ACCEPTED_RIGHTS is not set.
const defaultAcceptedRights = "view,print"

// =============================================================================
// LabelFilter
// =============================================================================

// LabelFilter removes retrieved documents whose sensitivity label does not
// grant acceptable access rights.
//
// # Description
//
// Documents without a label pass through unfiltered: label policy does not
// apply to them. For labeled documents the filter looks up each label's
// rights concurrently across the whole batch to bound latency, then retains
// a document iff the reported rights value is contained (case-insensitive)
// in the configured accepted-rights string. A lookup failure excludes that
// one document (fail-closed per document) but never aborts the batch.
//
// # Thread Safety
//
// Safe for concurrent use.
type LabelFilter struct {
	gateway        PolicyGateway
	acceptedRights string
}

// NewLabelFilter creates a LabelFilter backed by the given gateway.
//
// The accepted-rights string comes from GOVERN_ACCEPTED_RIGHTS, defaulting
// to "view,print". Panics if gateway is nil.
func NewLabelFilter(gateway PolicyGateway) *LabelFilter {
	if gateway == nil {
		panic("governance: NewLabelFilter requires a non-nil gateway")
	}

	acceptedRights := os.Getenv("GOVERN_ACCEPTED_RIGHTS")
	if acceptedRights == "" {
		acceptedRights = defaultAcceptedRights
		slog.Warn("GOVERN_ACCEPTED_RIGHTS not set, using default", "rights", acceptedRights)
	}

	return &LabelFilter{
		gateway:        gateway,
		acceptedRights: acceptedRights,
	}
}

// Filter returns the subset of documents whose labels grant acceptable
// rights, preserving input order.
//
// # Inputs
//
//   - ctx: Context for cancellation, timeouts, and tracing.
//   - appToken: Application-only access token for label lookups.
//   - userName: The user the rights evaluation applies to.
//   - docs: The retrieval candidates. Not modified.
//
// # Outputs
//
//   - []datatypes.RetrievedDocument: Retained documents. Label names are
//     backfilled from lookup results when the stored metadata was empty.
func (f *LabelFilter) Filter(ctx context.Context, appToken, userName string, docs []datatypes.RetrievedDocument) []datatypes.RetrievedDocument {
	ctx, span := labelFilterTracer.Start(ctx, "Filter")
	defer span.End()
	span.SetAttributes(attribute.Int("documents.in", len(docs)))

	if len(docs) == 0 {
		return docs
	}

	keep := make([]bool, len(docs))
	enriched := make([]datatypes.RetrievedDocument, len(docs))
	copy(enriched, docs)

	g, gCtx := errgroup.WithContext(ctx)

	for i := range docs {
		i := i // Capture loop variable

		g.Go(func() error {
			doc := docs[i]

			// Unlabeled documents are out of label policy's reach.
			if doc.LabelID == "" {
				keep[i] = true
				return nil
			}

			label, err := f.gateway.LookupLabel(gCtx, appToken, userName, doc.LabelID)
			if err != nil {
				// Fail closed for this document only.
				slog.Warn("Label lookup failed, excluding document",
					"source", doc.Source,
					"label_id", doc.LabelID,
					"error", err,
				)
				return nil // Never propagate errors - failures exclude one document
			}

			if label.Name != "" && enriched[i].LabelName == "" {
				enriched[i].LabelName = label.Name
			}

			if label.RightsAccepted(f.acceptedRights) {
				keep[i] = true
			} else {
				slog.Info("Excluding document by label rights",
					"source", doc.Source,
					"label_id", doc.LabelID,
					"rights", label.Rights,
				)
			}
			return nil
		})
	}

	// Wait for all lookups (errors ignored - they're isolated per document).
	_ = g.Wait()

	filtered := make([]datatypes.RetrievedDocument, 0, len(docs))
	for i := range enriched {
		if keep[i] {
			filtered = append(filtered, enriched[i])
		}
	}

	span.SetAttributes(
		attribute.Int("documents.out", len(filtered)),
		attribute.Int("documents.excluded", len(docs)-len(filtered)),
	)
	return filtered
}
