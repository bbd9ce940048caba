// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains response types for the document endpoints
// (POST /api/documents, GET /api/documents/:filename).
package datatypes

// DocumentUploadResponse is the POST /api/documents response body.
//
// # Fields
//
//   - Filename: The stored filename, used for retrieval citations and for
//     GET /api/documents/:filename.
//   - LabelID / LabelName: The sensitivity label the upload was tagged with,
//     empty when no label was supplied.
//   - ChunksIngested: Number of chunks written to the vector store.
type DocumentUploadResponse struct {
	Filename       string `json:"filename"`
	LabelID        string `json:"labelId,omitempty"`
	LabelName      string `json:"labelName,omitempty"`
	ChunksIngested int    `json:"chunksIngested"`
}
