// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat session persistence for aiden-tui.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
	"github.com/morganforge/aiden-tui/internal/util"
)

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists chat sessions as one JSON file per session.
type SessionStore struct {
	// BaseDir is the directory for stored sessions.
	// Default: ~/.aiden/sessions/
	BaseDir string

	// MaxSessions limits stored sessions (0 = unlimited).
	MaxSessions int
}

// SessionMeta is the listing view of a stored session.
type SessionMeta struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// NewSessionStore creates a store under the user's home directory.
func NewSessionStore() (*SessionStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewSessionStoreWithDir(filepath.Join(homeDir, ".aiden", "sessions"))
}

// NewSessionStoreWithDir creates a store with a custom directory.
func NewSessionStoreWithDir(baseDir string) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &SessionStore{
		BaseDir:     baseDir,
		MaxSessions: 200,
	}, nil
}

// =============================================================================
// SAVE / LOAD
// =============================================================================

// Save persists a session and returns its ID.
func (s *SessionStore) Save(sess *model.Session) (string, error) {
	if sess.ID == "" {
		fresh := model.NewSession()
		sess.ID = fresh.ID
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", err
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(s.filePath(sess.ID), data, 0644); err != nil {
		return "", err
	}

	if s.MaxSessions > 0 {
		s.enforceLimit()
	}
	return sess.ID, nil
}

// Load retrieves a session by ID.
func (s *SessionStore) Load(id string) (*model.Session, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	// A session never resumes mid-stream after a restart.
	for _, msg := range sess.Messages {
		msg.Streaming = false
	}
	return &sess, nil
}

// LoadByIndex loads a session by its position in the list (0 = most recent).
func (s *SessionStore) LoadByIndex(index int) (*model.Session, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(metas) {
		return nil, ErrSessionNotFound
	}
	return s.Load(metas[index].ID)
}

// =============================================================================
// LIST / SEARCH
// =============================================================================

// List returns all stored sessions, most recent first.
func (s *SessionStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, err
	}

	var metas []SessionMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		sess, err := s.Load(id)
		if err != nil {
			// Skip corrupted files
			continue
		}
		metas = append(metas, metaFor(sess))
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// SearchMessages returns sessions where any message contains the query
// (case-insensitive). An empty query lists everything.
func (s *SessionStore) SearchMessages(query string) ([]SessionMeta, error) {
	all, err := s.List()
	if err != nil || query == "" {
		return all, err
	}

	query = strings.ToLower(query)
	var results []SessionMeta
	for _, meta := range all {
		sess, err := s.Load(meta.ID)
		if err != nil {
			continue
		}
		for _, msg := range sess.Messages {
			if strings.Contains(strings.ToLower(msg.Content), query) {
				results = append(results, meta)
				break
			}
		}
	}
	return results, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a stored session by ID.
func (s *SessionStore) Delete(id string) error {
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Clear removes every stored session.
func (s *SessionStore) Clear() error {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			os.Remove(filepath.Join(s.BaseDir, entry.Name()))
		}
	}
	return nil
}

// enforceLimit removes the oldest sessions when over MaxSessions.
func (s *SessionStore) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxSessions {
		return
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.Before(metas[j].UpdatedAt)
	})
	excess := len(metas) - s.MaxSessions
	for i := 0; i < excess; i++ {
		s.Delete(metas[i].ID)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *SessionStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

func metaFor(sess *model.Session) SessionMeta {
	preview := ""
	for _, msg := range sess.Messages {
		if msg.Role == model.RoleUser && msg.Content != "" {
			preview = util.TruncateRunes(strings.ReplaceAll(msg.Content, "\n", " "), 80)
			break
		}
	}
	return SessionMeta{
		ID:           sess.ID,
		Topic:        sess.Topic,
		Model:        sess.Model.Model,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		MessageCount: len(sess.Messages),
		Preview:      preview,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when a stored session doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &SessionError{Message: "session not found"}

// SessionError represents a session persistence error.
type SessionError struct {
	Message string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
