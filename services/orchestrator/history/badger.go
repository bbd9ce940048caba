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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// BadgerConfig holds configuration for the embedded local history store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger is the logger for BadgerDB's internal operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults for a store at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for testing: no disk I/O,
// no sync, no GC.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// storedSession is the on-disk session document.
type storedSession struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	SequenceCounter int    `json:"sequence_counter"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	TTLExpiresAt    int64  `json:"ttl_expires_at"`
}

// BadgerStore persists sessions and turns in an embedded BadgerDB.
//
// Key layout:
//
//	session/<sessionID>           -> storedSession JSON
//	turn/<sessionID>/<%08d turn>  -> datatypes.TurnRecord JSON
//
// Zero-padded turn numbers make lexical key order equal turn order, so
// prefix iteration returns turns chronologically.
type BadgerStore struct {
	db         *badger.DB
	sessionTTL time.Duration
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// Compile-time interface check.
var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the embedded history database.
//
// The caller must Close() the store on shutdown. When GCInterval is non-zero
// a background value-log GC loop runs until Close.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, sessionTTL: SessionTTL()}
	if cfg.GCInterval > 0 {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// DB exposes the underlying database so other local stores (the chunk
// index, document metadata) can share one BadgerDB under distinct key
// prefixes.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

// gcLoop periodically reclaims value log space. badger.ErrNoRewrite means
// nothing was worth collecting and is not an error.
func (s *BadgerStore) gcLoop(interval time.Duration, discardRatio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(discardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("Badger value log GC failed", "error", err)
			}
		}
	}
}

func sessionKey(sessionID string) []byte {
	return []byte("session/" + sessionID)
}

func turnKey(sessionID string, turnNumber int) []byte {
	return []byte(fmt.Sprintf("turn/%s/%08d", sessionID, turnNumber))
}

func turnPrefix(sessionID string) []byte {
	return []byte("turn/" + sessionID + "/")
}

// EnsureSession returns the session record, creating it when absent.
func (s *BadgerStore) EnsureSession(ctx context.Context, userID, sessionID string) (*SessionRecord, error) {
	var rec *SessionRecord

	err := s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored != nil {
			if stored.UserID != userID {
				return ErrSessionNotFound
			}
			rec = recordFromStored(stored)
			return nil
		}

		now := time.Now().UnixMilli()
		stored = &storedSession{
			SessionID:    sessionID,
			UserID:       userID,
			CreatedAt:    now,
			UpdatedAt:    now,
			TTLExpiresAt: ExpiryStamp(now, s.sessionTTL),
		}
		if err := writeSession(txn, stored); err != nil {
			return err
		}
		rec = recordFromStored(stored)
		slog.Info("Created chat session", "session_id", sessionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendTurn persists one completed turn and refreshes the session timestamp.
func (s *BadgerStore) AppendTurn(ctx context.Context, userID, sessionID string, turn datatypes.TurnRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored == nil || stored.UserID != userID {
			return ErrSessionNotFound
		}

		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		if err := txn.Set(turnKey(sessionID, turn.TurnNumber), data); err != nil {
			return fmt.Errorf("store turn: %w", err)
		}

		stored.UpdatedAt = turn.Timestamp
		return writeSession(txn, stored)
	})
}

// RecentTurns returns up to n turns for a session, newest first.
func (s *BadgerStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.TurnRecord, error) {
	all, err := s.readTurns(sessionID)
	if err != nil {
		return nil, err
	}

	// readTurns is chronological; keep the last n and flip to newest-first.
	if len(all) > n {
		all = all[len(all)-n:]
	}
	turns := make([]datatypes.TurnRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		turns = append(turns, all[i])
	}
	return turns, nil
}

// ListSessions returns session summaries for a user, most recent first.
func (s *BadgerStore) ListSessions(ctx context.Context, userID string) ([]datatypes.SessionSummary, error) {
	var sessions []datatypes.SessionSummary

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("session/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var stored storedSession
				if err := json.Unmarshal(val, &stored); err != nil {
					return fmt.Errorf("decode session: %w", err)
				}
				if stored.UserID != userID {
					return nil
				}
				sessions = append(sessions, datatypes.SessionSummary{
					SessionID: stored.SessionID,
					Title:     stored.Title,
					UpdatedAt: stored.UpdatedAt,
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

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt > sessions[j].UpdatedAt
	})
	return sessions, nil
}

// SessionDetail returns a session with its full history in turn order.
func (s *BadgerStore) SessionDetail(ctx context.Context, userID, sessionID string) (*datatypes.SessionDetailResponse, error) {
	var stored *storedSession
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		stored, err = readSession(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.UserID != userID {
		return nil, ErrSessionNotFound
	}

	turns, err := s.readTurns(sessionID)
	if err != nil {
		return nil, err
	}

	return &datatypes.SessionDetailResponse{
		SessionID: sessionID,
		Title:     stored.Title,
		Turns:     turns,
	}, nil
}

// DeleteSession removes a session and all its turns.
func (s *BadgerStore) DeleteSession(ctx context.Context, userID, sessionID string) (int, error) {
	deleted := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored == nil || stored.UserID != userID {
			return ErrSessionNotFound
		}

		// Collect keys first; deleting while iterating is undefined.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := turnPrefix(sessionID)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete turn: %w", err)
			}
		}
		if err := txn.Delete(sessionKey(sessionID)); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}

		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("Deleted session", "session_id", sessionID, "turns_deleted", deleted)
	return deleted, nil
}

// SetTitleIfEmpty persists a title only when the session has none yet.
func (s *BadgerStore) SetTitleIfEmpty(ctx context.Context, sessionID, title string) (bool, error) {
	set := false

	err := s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrSessionNotFound
		}
		if stored.Title != "" {
			return nil
		}
		stored.Title = title
		set = true
		return writeSession(txn, stored)
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

// SequenceValue returns the persisted sequence counter, zero when unknown.
func (s *BadgerStore) SequenceValue(ctx context.Context, sessionID string) (int, error) {
	value := 0
	err := s.db.View(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored != nil {
			value = stored.SequenceCounter
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// UpdateSequence persists a new sequence counter value.
func (s *BadgerStore) UpdateSequence(ctx context.Context, sessionID string, value int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrSessionNotFound
		}
		stored.SequenceCounter = value
		return writeSession(txn, stored)
	})
}

// readTurns returns all turns for a session in chronological order.
func (s *BadgerStore) readTurns(sessionID string) ([]datatypes.TurnRecord, error) {
	var turns []datatypes.TurnRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := turnPrefix(sessionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var turn datatypes.TurnRecord
				if err := json.Unmarshal(val, &turn); err != nil {
					return fmt.Errorf("decode turn: %w", err)
				}
				turns = append(turns, turn)
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
	return turns, nil
}

// readSession loads one session inside a transaction. Returns nil (no error)
// when the key does not exist.
func readSession(txn *badger.Txn, sessionID string) (*storedSession, error) {
	item, err := txn.Get(sessionKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var stored storedSession
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	})
	if err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &stored, nil
}

func writeSession(txn *badger.Txn, stored *storedSession) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := txn.Set(sessionKey(stored.SessionID), data); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func recordFromStored(stored *storedSession) *SessionRecord {
	return &SessionRecord{
		SessionID:       stored.SessionID,
		UserID:          stored.UserID,
		Title:           stored.Title,
		SequenceCounter: stored.SequenceCounter,
		CreatedAt:       stored.CreatedAt,
		UpdatedAt:       stored.UpdatedAt,
		TTLExpiresAt:    stored.TTLExpiresAt,
	}
}
