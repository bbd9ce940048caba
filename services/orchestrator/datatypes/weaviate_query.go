// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("ChatSession").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[ChatSessionQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, s := range parsed.Get.ChatSession {
//	    fmt.Println(s.SessionID)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// ChatSessionQueryResponse represents the response from querying the
// ChatSession class.
//
// # Fields
//
//   - Get.ChatSession: Array of session objects with their Weaviate UUIDs.
type ChatSessionQueryResponse struct {
	Get struct {
		ChatSession []ChatSessionResult `json:"ChatSession"`
	} `json:"Get"`
}

// ChatSessionResult represents a single session from a query.
type ChatSessionResult struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	SequenceCounter *int   `json:"sequence_counter"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	TTLExpiresAt    int64  `json:"ttl_expires_at"`
	Additional      struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ChatTurnQueryResponse represents the response from querying the ChatTurn class.
//
// # Fields
//
//   - Get.ChatTurn: Array of question/answer turns.
type ChatTurnQueryResponse struct {
	Get struct {
		ChatTurn []ChatTurnResult `json:"ChatTurn"`
	} `json:"Get"`
}

// ChatTurnResult represents a single conversation turn from a query.
type ChatTurnResult struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	TurnNumber *int   `json:"turn_number"`
	CreatedAt  int64  `json:"created_at"`
}

// GovernedDocumentQueryResponse represents the response from querying the
// GovernedDocument class.
//
// # Fields
//
//   - Get.GovernedDocument: Array of document chunk objects.
type GovernedDocumentQueryResponse struct {
	Get struct {
		GovernedDocument []GovernedDocumentResult `json:"GovernedDocument"`
	} `json:"Get"`
}

// GovernedDocumentResult represents a single document chunk from a query.
type GovernedDocumentResult struct {
	Content      string `json:"content"`
	Source       string `json:"source"`
	LabelID      string `json:"label_id"`
	LabelName    string `json:"label_name"`
	ChunkIndex   *int   `json:"chunk_index"`
	IngestedAt   int64  `json:"ingested_at"`
	TTLExpiresAt int64  `json:"ttl_expires_at"`
	Additional   struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// ToRetrievedDocument converts a query result into the pipeline's document type.
func (r *GovernedDocumentResult) ToRetrievedDocument() RetrievedDocument {
	doc := RetrievedDocument{
		Content:   r.Content,
		Source:    r.Source,
		LabelID:   r.LabelID,
		LabelName: r.LabelName,
	}
	if r.Additional.Certainty != nil {
		doc.Score = *r.Additional.Certainty
	}
	return doc
}

// =============================================================================
// Property Structs for Object Creation
// =============================================================================

// ChatSessionProperties represents the properties for creating a ChatSession
// object.
type ChatSessionProperties struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	SequenceCounter int    `json:"sequence_counter"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	TTLExpiresAt    int64  `json:"ttl_expires_at"`
}

// ToMap converts ChatSessionProperties to map[string]interface{} for Weaviate.
//
// # Description
//
// Converts the typed ChatSessionProperties struct to the map format required
// by Weaviate's WithProperties() method.
//
// # Outputs
//
//   - map[string]interface{}: Property map ready for Weaviate client.
//
// # Example
//
//	props := ChatSessionProperties{SessionID: "sess_123", UserID: "u@x", CreatedAt: now}
//	client.Data().Creator().WithProperties(props.ToMap()).Do(ctx)
func (p *ChatSessionProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id":       p.SessionID,
		"user_id":          p.UserID,
		"title":            p.Title,
		"sequence_counter": p.SequenceCounter,
		"created_at":       p.CreatedAt,
		"updated_at":       p.UpdatedAt,
		"ttl_expires_at":   p.TTLExpiresAt,
	}
}

// ChatTurnProperties represents the properties for creating a ChatTurn object.
type ChatTurnProperties struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	TurnNumber int    `json:"turn_number"`
	CreatedAt  int64  `json:"created_at"`
}

// ToMap converts ChatTurnProperties to map[string]interface{} for Weaviate.
func (p *ChatTurnProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"session_id":  p.SessionID,
		"user_id":     p.UserID,
		"question":    p.Question,
		"answer":      p.Answer,
		"turn_number": p.TurnNumber,
		"created_at":  p.CreatedAt,
	}
}

// GovernedDocumentProperties represents the properties for creating a
// GovernedDocument object.
type GovernedDocumentProperties struct {
	Content      string `json:"content"`
	Source       string `json:"source"`
	LabelID      string `json:"label_id"`
	LabelName    string `json:"label_name"`
	ChunkIndex   int    `json:"chunk_index"`
	IngestedAt   int64  `json:"ingested_at"`
	TTLExpiresAt int64  `json:"ttl_expires_at"`
}

// ToMap converts GovernedDocumentProperties to map[string]interface{} for Weaviate.
func (p *GovernedDocumentProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"content":        p.Content,
		"source":         p.Source,
		"label_id":       p.LabelID,
		"label_name":     p.LabelName,
		"chunk_index":    p.ChunkIndex,
		"ingested_at":    p.IngestedAt,
		"ttl_expires_at": p.TTLExpiresAt,
	}
}
