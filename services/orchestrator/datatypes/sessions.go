// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains response types for the session management endpoints
// (GET/DELETE /api/chats). The chat streaming types live in api.go.
package datatypes

// SessionSummary is one session in the GET /api/chats listing.
//
// # Fields
//
//   - SessionID: The session identifier used on subsequent stream requests.
//   - Title: The lazily generated session title. Empty until the first
//     successful answer for the session.
//   - UpdatedAt: Unix milliseconds of the most recent turn.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SessionListResponse is the GET /api/chats response body.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

// TurnRecord is one question/answer pair in a session's history.
type TurnRecord struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	TurnNumber int    `json:"turnNumber"`
	Timestamp  int64  `json:"timestamp"`
}

// SessionDetailResponse is the GET /api/chats/:sessionId response body.
type SessionDetailResponse struct {
	SessionID string       `json:"sessionId"`
	Title     string       `json:"title,omitempty"`
	Turns     []TurnRecord `json:"turns"`
}

// SessionDeleteResponse is the DELETE /api/chats/:sessionId response body.
type SessionDeleteResponse struct {
	SessionID    string `json:"sessionId"`
	TurnsDeleted int    `json:"turnsDeleted"`
}
