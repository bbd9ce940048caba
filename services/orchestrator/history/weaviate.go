// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

var weaviateHistoryTracer = otel.Tracer("aleutian.govern.history.weaviate")

const (
	maxSessionList = 200
	maxTurnFetch   = 1000
)

// WeaviateStore persists sessions and turns in the ChatSession and ChatTurn
// Weaviate classes.
type WeaviateStore struct {
	client     *weaviate.Client
	sessionTTL time.Duration
}

// Compile-time interface check.
var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore creates a Weaviate-backed history store. The session
// retention window is read from the environment once at construction.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	if client == nil {
		panic("NewWeaviateStore: client cannot be nil")
	}
	return &WeaviateStore{client: client, sessionTTL: SessionTTL()}
}

// EnsureSession returns the session record, creating it when absent.
func (s *WeaviateStore) EnsureSession(ctx context.Context, userID, sessionID string) (*SessionRecord, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "EnsureSession")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	rec, _, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session lookup failed")
		return nil, err
	}
	if rec != nil {
		if rec.UserID != userID {
			return nil, ErrSessionNotFound
		}
		return rec, nil
	}

	now := time.Now().UnixMilli()
	expiresAt := ExpiryStamp(now, s.sessionTTL)
	props := datatypes.ChatSessionProperties{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTLExpiresAt: expiresAt,
	}

	_, err = s.client.Data().Creator().
		WithClassName("ChatSession").
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	span.SetAttributes(attribute.Bool("session.created", true))
	slog.Info("Created chat session", "session_id", sessionID)

	return &SessionRecord{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTLExpiresAt: expiresAt,
	}, nil
}

// AppendTurn persists one completed turn and refreshes the session timestamp.
func (s *WeaviateStore) AppendTurn(ctx context.Context, userID, sessionID string, turn datatypes.TurnRecord) error {
	ctx, span := weaviateHistoryTracer.Start(ctx, "AppendTurn")
	defer span.End()

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("turn.number", turn.TurnNumber),
	)

	props := datatypes.ChatTurnProperties{
		SessionID:  sessionID,
		UserID:     userID,
		Question:   turn.Question,
		Answer:     turn.Answer,
		TurnNumber: turn.TurnNumber,
		CreatedAt:  turn.Timestamp,
	}

	_, err := s.client.Data().Creator().
		WithClassName("ChatTurn").
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn create failed")
		return fmt.Errorf("failed to store turn: %w", err)
	}

	// Refresh updated_at so the session list sorts by recency. A failure here
	// leaves the turn stored; ordering degrades but nothing is lost.
	if err := s.mergeSession(ctx, sessionID, map[string]interface{}{
		"updated_at": turn.Timestamp,
	}); err != nil {
		slog.Warn("Failed to refresh session timestamp", "session_id", sessionID, "error", err)
	}

	return nil
}

// RecentTurns returns up to n turns for a session, newest first.
func (s *WeaviateStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.TurnRecord, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "RecentTurns")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "question"},
		{Name: "answer"},
		{Name: "turn_number"},
		{Name: "created_at"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("ChatTurn").
		WithFields(fields...).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"turn_number"}, Order: graphql.Desc}).
		WithLimit(n).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn query failed")
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatTurnQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse turn response: %w", err)
	}

	turns := make([]datatypes.TurnRecord, 0, len(parsed.Get.ChatTurn))
	for _, t := range parsed.Get.ChatTurn {
		turns = append(turns, turnFromResult(t))
	}

	span.SetAttributes(attribute.Int("turns.count", len(turns)))
	return turns, nil
}

// ListSessions returns session summaries for a user, most recent first.
func (s *WeaviateStore) ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "ListSessions")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"user_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "title"},
		{Name: "updated_at"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("ChatSession").
		WithFields(fields...).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"updated_at"}, Order: graphql.Desc}).
		WithLimit(maxSessionList).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session query failed")
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatSessionQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse session response: %w", err)
	}

	sessions := make([]datatypes.SessionSummary, 0, len(parsed.Get.ChatSession))
	for _, sess := range parsed.Get.ChatSession {
		sessions = append(sessions, datatypes.SessionSummary{
			SessionID: sess.SessionID,
			Title:     sess.Title,
			UpdatedAt: sess.UpdatedAt,
		})
	}

	span.SetAttributes(attribute.Int("sessions.count", len(sessions)))
	return sessions, nil
}

// SessionDetail returns a session with its full history in turn order.
func (s *WeaviateStore) SessionDetail(ctx context.Context, userID, sessionID string) (*datatypes.SessionDetailResponse, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "SessionDetail")
	defer span.End()

	rec, _, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rec == nil || rec.UserID != userID {
		return nil, ErrSessionNotFound
	}

	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "question"},
		{Name: "answer"},
		{Name: "turn_number"},
		{Name: "created_at"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("ChatTurn").
		WithFields(fields...).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"turn_number"}, Order: graphql.Asc}).
		WithLimit(maxTurnFetch).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn query failed")
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatTurnQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse turn response: %w", err)
	}

	turns := make([]datatypes.TurnRecord, 0, len(parsed.Get.ChatTurn))
	for _, t := range parsed.Get.ChatTurn {
		turns = append(turns, turnFromResult(t))
	}

	return &datatypes.SessionDetailResponse{
		SessionID: sessionID,
		Title:     rec.Title,
		Turns:     turns,
	}, nil
}

// DeleteSession removes a session and all its turns.
//
// Turns go first so an interrupted delete never strands orphaned turns behind
// a missing session object.
func (s *WeaviateStore) DeleteSession(ctx context.Context, userID, sessionID string) (int, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "DeleteSession")
	defer span.End()

	span.SetAttributes(attribute.String("session.id", sessionID))

	detail, err := s.SessionDetail(ctx, userID, sessionID)
	if err != nil {
		return 0, err
	}
	turnCount := len(detail.Turns)

	turnFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	turnResp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName("ChatTurn").
		WithOutput("minimal").
		WithWhere(turnFilter).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn delete failed")
		return 0, fmt.Errorf("failed to delete turns: %w", err)
	}
	slog.Info("Deleted session turns", "session_id", sessionID, "response", &turnResp.Output)

	sessionFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"session_id"}).
				WithOperator(filters.Equal).
				WithValueString(sessionID),
			filters.Where().
				WithPath([]string{"user_id"}).
				WithOperator(filters.Equal).
				WithValueString(userID),
		})

	sessResp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName("ChatSession").
		WithOutput("minimal").
		WithWhere(sessionFilter).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session delete failed")
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("Deleted session", "session_id", sessionID, "response", &sessResp.Output)

	span.SetAttributes(attribute.Int("turns.deleted", turnCount))
	return turnCount, nil
}

// SetTitleIfEmpty persists a title only when the session has none yet.
func (s *WeaviateStore) SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "SetTitleIfEmpty")
	defer span.End()

	rec, objectID, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if rec == nil {
		return false, ErrSessionNotFound
	}
	if rec.Title != "" {
		return false, nil
	}

	err = s.client.Data().Updater().
		WithID(objectID).
		WithClassName("ChatSession").
		WithProperties(map[string]interface{}{"title": title}).
		WithMerge().
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "title update failed")
		return false, fmt.Errorf("failed to set title: %w", err)
	}

	return true, nil
}

// SequenceValue returns the persisted sequence counter, zero when unknown.
func (s *WeaviateStore) SequenceValue(ctx context.Context, sessionID string) (int, error) {
	ctx, span := weaviateHistoryTracer.Start(ctx, "SequenceValue")
	defer span.End()

	rec, _, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	return rec.SequenceCounter, nil
}

// UpdateSequence persists a new sequence counter value.
func (s *WeaviateStore) UpdateSequence(ctx context.Context, sessionID string, value int) error {
	ctx, span := weaviateHistoryTracer.Start(ctx, "UpdateSequence")
	defer span.End()

	return s.mergeSession(ctx, sessionID, map[string]interface{}{
		"sequence_counter": value,
	})
}

// mergeSession applies a partial property update to the session object.
func (s *WeaviateStore) mergeSession(ctx context.Context, sessionID string, props map[string]interface{}) error {
	rec, objectID, err := s.lookupSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}

	err = s.client.Data().Updater().
		WithID(objectID).
		WithClassName("ChatSession").
		WithProperties(props).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// lookupSession fetches one session by its logical id. Returns a nil record
// (no error) when the session does not exist.
func (s *WeaviateStore) lookupSession(ctx context.Context, sessionID string) (*SessionRecord, string, error) {
	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "user_id"},
		{Name: "title"},
		{Name: "sequence_counter"},
		{Name: "created_at"},
		{Name: "updated_at"},
		{Name: "ttl_expires_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName("ChatSession").
		WithFields(fields...).
		WithWhere(where).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query session: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatSessionQueryResponse](resp)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse session response: %w", err)
	}
	if len(parsed.Get.ChatSession) == 0 {
		return nil, "", nil
	}

	sess := parsed.Get.ChatSession[0]
	rec := &SessionRecord{
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		Title:        sess.Title,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		TTLExpiresAt: sess.TTLExpiresAt,
	}
	if sess.SequenceCounter != nil {
		rec.SequenceCounter = *sess.SequenceCounter
	}
	return rec, sess.Additional.ID, nil
}

func turnFromResult(t datatypes.ChatTurnResult) datatypes.TurnRecord {
	turn := datatypes.TurnRecord{
		Question:  t.Question,
		Answer:    t.Answer,
		Timestamp: t.CreatedAt,
	}
	if t.TurnNumber != nil {
		turn.TurnNumber = *t.TurnNumber
	}
	return turn
}
