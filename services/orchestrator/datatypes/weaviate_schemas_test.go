// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GetChatSessionSchema Tests
// =============================================================================

func TestGetChatSessionSchema_ReturnsValidClass(t *testing.T) {
	schema := GetChatSessionSchema()

	require.NotNil(t, schema)
	assert.Equal(t, "ChatSession", schema.Class)
	assert.Equal(t, "none", schema.Vectorizer)
	assert.Contains(t, schema.Description, "session")
}

func TestGetChatSessionSchema_HasRequiredProperties(t *testing.T) {
	schema := GetChatSessionSchema()

	expectedProperties := []string{
		"session_id",
		"user_id",
		"title",
		"sequence_counter",
		"created_at",
		"updated_at",
		"ttl_expires_at",
	}

	require.NotNil(t, schema.Properties)
	assert.Len(t, schema.Properties, len(expectedProperties))

	propertyNames := make(map[string]bool)
	for _, prop := range schema.Properties {
		propertyNames[prop.Name] = true
	}

	for _, expected := range expectedProperties {
		assert.True(t, propertyNames[expected], "Missing property: %s", expected)
	}
}

func TestGetChatSessionSchema_PropertyDataTypes(t *testing.T) {
	schema := GetChatSessionSchema()

	propertyDataTypes := map[string]string{
		"session_id":       "text",
		"user_id":          "text",
		"title":            "text",
		"sequence_counter": "int",
		"created_at":       "number",
		"updated_at":       "number",
		"ttl_expires_at":   "number",
	}

	for _, prop := range schema.Properties {
		expectedType, exists := propertyDataTypes[prop.Name]
		if exists {
			require.NotEmpty(t, prop.DataType, "DataType for %s should not be empty", prop.Name)
			assert.Equal(t, expectedType, prop.DataType[0], "DataType mismatch for %s", prop.Name)
		}
	}
}

// =============================================================================
// GetChatTurnSchema Tests
// =============================================================================

func TestGetChatTurnSchema_ReturnsValidClass(t *testing.T) {
	schema := GetChatTurnSchema()

	require.NotNil(t, schema)
	assert.Equal(t, "ChatTurn", schema.Class)
	assert.Equal(t, "none", schema.Vectorizer)
}

func TestGetChatTurnSchema_HasRequiredProperties(t *testing.T) {
	schema := GetChatTurnSchema()

	expectedProperties := []string{
		"session_id",
		"user_id",
		"question",
		"answer",
		"turn_number",
		"created_at",
	}

	require.NotNil(t, schema.Properties)
	assert.Len(t, schema.Properties, len(expectedProperties))

	propertyNames := make(map[string]bool)
	for _, prop := range schema.Properties {
		propertyNames[prop.Name] = true
	}

	for _, expected := range expectedProperties {
		assert.True(t, propertyNames[expected], "Missing property: %s", expected)
	}
}

func TestGetChatTurnSchema_SessionIDFilterable(t *testing.T) {
	schema := GetChatTurnSchema()

	for _, prop := range schema.Properties {
		if prop.Name == "session_id" {
			require.NotNil(t, prop.IndexFilterable)
			assert.True(t, *prop.IndexFilterable)
			assert.Equal(t, "field", string(prop.Tokenization))
			return
		}
	}
	t.Fatal("session_id property not found")
}

// =============================================================================
// GetGovernedDocumentSchema Tests
// =============================================================================

func TestGetGovernedDocumentSchema_ReturnsValidClass(t *testing.T) {
	schema := GetGovernedDocumentSchema()

	require.NotNil(t, schema)
	assert.Equal(t, "GovernedDocument", schema.Class)
	assert.Equal(t, "none", schema.Vectorizer)
}

func TestGetGovernedDocumentSchema_HasLabelProperties(t *testing.T) {
	schema := GetGovernedDocumentSchema()

	propertyNames := make(map[string]bool)
	for _, prop := range schema.Properties {
		propertyNames[prop.Name] = true
	}

	assert.True(t, propertyNames["label_id"], "Missing property: label_id")
	assert.True(t, propertyNames["label_name"], "Missing property: label_name")
	assert.True(t, propertyNames["source"], "Missing property: source")
	assert.True(t, propertyNames["content"], "Missing property: content")
}

func TestGetGovernedDocumentSchema_InvertedIndexConfig(t *testing.T) {
	schema := GetGovernedDocumentSchema()

	require.NotNil(t, schema.InvertedIndexConfig)
	assert.True(t, schema.InvertedIndexConfig.IndexNullState)
	assert.True(t, schema.InvertedIndexConfig.IndexTimestamps)
	assert.False(t, schema.InvertedIndexConfig.IndexPropertyLength)
}

// =============================================================================
// Property ToMap Tests
// =============================================================================

func TestChatSessionProperties_ToMap(t *testing.T) {
	props := ChatSessionProperties{
		SessionID:       "sess_123",
		UserID:          "user@example.com",
		Title:           "Booking rentals",
		SequenceCounter: 4,
		CreatedAt:       1700000000000,
		UpdatedAt:       1700000001000,
	}

	m := props.ToMap()

	assert.Equal(t, "sess_123", m["session_id"])
	assert.Equal(t, "user@example.com", m["user_id"])
	assert.Equal(t, "Booking rentals", m["title"])
	assert.Equal(t, 4, m["sequence_counter"])
	assert.Equal(t, int64(1700000000000), m["created_at"])
}

func TestGovernedDocumentProperties_ToMap(t *testing.T) {
	props := GovernedDocumentProperties{
		Content:    "chunk text",
		Source:     "handbook.pdf",
		LabelID:    "label-1",
		LabelName:  "Confidential",
		ChunkIndex: 2,
		IngestedAt: 1700000000000,
	}

	m := props.ToMap()

	assert.Equal(t, "handbook.pdf", m["source"])
	assert.Equal(t, "label-1", m["label_id"])
	assert.Equal(t, "Confidential", m["label_name"])
	assert.Equal(t, 2, m["chunk_index"])
}

func TestGovernedDocumentResult_ToRetrievedDocument(t *testing.T) {
	certainty := float32(0.91)
	result := GovernedDocumentResult{
		Content:   "chunk text",
		Source:    "handbook.pdf",
		LabelID:   "label-1",
		LabelName: "Confidential",
	}
	result.Additional.Certainty = &certainty

	doc := result.ToRetrievedDocument()

	assert.Equal(t, "chunk text", doc.Content)
	assert.Equal(t, "handbook.pdf", doc.Source)
	assert.Equal(t, "label-1", doc.LabelID)
	assert.Equal(t, "Confidential", doc.LabelName)
	assert.InDelta(t, 0.91, float64(doc.Score), 0.0001)
}
