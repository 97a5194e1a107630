// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStoreWithDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStoreWithDir failed: %v", err)
	}
	return store
}

func sampleSession(topic string) *model.Session {
	sess := model.NewSession()
	sess.Topic = topic
	sess.AddUserMessage("hello there")
	bot := sess.AddAssistantMessage()
	bot.Content = "hi, how can I help?"
	bot.Streaming = false
	return sess
}

// =============================================================================
// SAVE / LOAD TESTS
// =============================================================================

func TestSessionStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("Greetings")

	id, err := store.Save(sess)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id == "" {
		t.Fatal("Save returned empty ID")
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Topic != "Greetings" {
		t.Errorf("Topic = %q, want %q", loaded.Topic, "Greetings")
	}
	if loaded.MessageCount() != 2 {
		t.Errorf("MessageCount = %d, want 2", loaded.MessageCount())
	}
}

func TestSessionStore_SaveAssignsID(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("x")
	sess.ID = ""

	id, err := store.Save(sess)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id == "" || sess.ID != id {
		t.Errorf("Save did not assign an ID: id=%q sess.ID=%q", id, sess.ID)
	}
}

func TestSessionStore_LoadClearsStreamingFlag(t *testing.T) {
	store := newTestStore(t)
	sess := sampleSession("stream")
	// Simulate a crash mid-stream: Streaming is not serialized, but guard
	// against a stored file that carries content from a live message.
	sess.Messages[1].Streaming = true

	id, err := store.Save(sess)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for i, msg := range loaded.Messages {
		if msg.Streaming {
			t.Errorf("Message %d still streaming after load", i)
		}
	}
}

func TestSessionStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("no-such-id")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// =============================================================================
// LIST / SEARCH TESTS
// =============================================================================

func TestSessionStore_ListMostRecentFirst(t *testing.T) {
	store := newTestStore(t)

	older := sampleSession("older")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	newer := sampleSession("newer")
	newer.UpdatedAt = time.Now()

	if _, err := store.Save(older); err != nil {
		t.Fatalf("Save older: %v", err)
	}
	if _, err := store.Save(newer); err != nil {
		t.Fatalf("Save newer: %v", err)
	}

	metas, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("List returned %d, want 2", len(metas))
	}
	if metas[0].Topic != "newer" {
		t.Errorf("First entry = %q, want most recent", metas[0].Topic)
	}
	if metas[0].Preview == "" {
		t.Error("Preview missing from listing")
	}
}

func TestSessionStore_ListSkipsCorrupted(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Save(sampleSession("good")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	bad := filepath.Join(store.BaseDir, "broken.json")
	if err := os.WriteFile(bad, []byte("{nope"), 0644); err != nil {
		t.Fatalf("Write corrupt file: %v", err)
	}

	metas, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("List returned %d, want 1 (corrupt skipped)", len(metas))
	}
}

func TestSessionStore_SearchMessages(t *testing.T) {
	store := newTestStore(t)

	match := model.NewSession()
	match.Topic = "cooking"
	match.AddUserMessage("How do I make Risotto?")
	other := model.NewSession()
	other.Topic = "weather"
	other.AddUserMessage("Is it raining?")

	for _, s := range []*model.Session{match, other} {
		if _, err := store.Save(s); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	results, err := store.SearchMessages("risotto")
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(results) != 1 || results[0].Topic != "cooking" {
		t.Errorf("Search results = %+v, want only cooking", results)
	}
}

// =============================================================================
// DELETE / LIMIT TESTS
// =============================================================================

func TestSessionStore_Delete(t *testing.T) {
	store := newTestStore(t)
	id, err := store.Save(sampleSession("gone"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after delete, got %v", err)
	}
	if err := store.Delete(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Second delete should report not found, got %v", err)
	}
}

func TestSessionStore_EnforcesLimit(t *testing.T) {
	store := newTestStore(t)
	store.MaxSessions = 3

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		sess := sampleSession("s")
		sess.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.Save(sess); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	metas, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 3 {
		t.Errorf("Stored sessions = %d, want limit 3 (oldest evicted)", len(metas))
	}
}

func TestSessionStore_Clear(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := store.Save(sampleSession("s")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	metas, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("Sessions remain after Clear: %d", len(metas))
	}
}
