// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

func newTestIndex(t *testing.T) (*SessionIndex, string) {
	t.Helper()
	dir := t.TempDir()
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		t.Fatalf("mkdir sessions: %v", err)
	}

	idx, err := Open(filepath.Join(dir, "index.db"), sessionsDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, sessionsDir
}

func indexedSession(topic string, contents ...string) *model.Session {
	sess := model.NewSession()
	sess.Topic = topic
	sess.UpdatedAt = time.Now()
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		sess.AddMessage(model.NewMessage(role, c))
	}
	return sess
}

func writeSessionFile(t *testing.T, dir string, sess *model.Session) {
	t.Helper()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sess.ID+".json"), data, 0644); err != nil {
		t.Fatalf("write session file: %v", err)
	}
}

// =============================================================================
// INDEX / SEARCH TESTS
// =============================================================================

func TestSessionIndex_IndexAndSearch(t *testing.T) {
	idx, _ := newTestIndex(t)

	sess := indexedSession("cooking",
		"How do I make risotto?",
		"Slowly add warm stock while stirring the rice.")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("IndexSession failed: %v", err)
	}

	hits, err := idx.Search("risotto", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Hits = %d, want 1", len(hits))
	}
	h := hits[0]
	if h.SessionID != sess.ID || h.Topic != "cooking" || h.Role != "user" {
		t.Errorf("Unexpected hit: %+v", h)
	}
	if h.Snippet == "" {
		t.Error("Snippet missing")
	}
}

func TestSessionIndex_PorterStemming(t *testing.T) {
	idx, _ := newTestIndex(t)
	sess := indexedSession("t", "I was stirring the sauce constantly")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("IndexSession failed: %v", err)
	}

	// Porter tokenizer matches inflected forms.
	hits, err := idx.Search("stir", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("Stemmed search hits = %d, want 1", len(hits))
	}
}

func TestSessionIndex_ReplaceOnReindex(t *testing.T) {
	idx, _ := newTestIndex(t)
	sess := indexedSession("t", "original phrasing here")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("IndexSession failed: %v", err)
	}

	// Same session again with changed content: old rows must be gone.
	sess.Messages[0].Content = "completely different wording"
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("Re-IndexSession failed: %v", err)
	}

	if hits, _ := idx.Search("original", 10); len(hits) != 0 {
		t.Errorf("Stale content still searchable: %+v", hits)
	}
	if hits, _ := idx.Search("wording", 10); len(hits) != 1 {
		t.Errorf("New content not searchable: %+v", hits)
	}
	if n, _ := idx.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestSessionIndex_RemoveSession(t *testing.T) {
	idx, _ := newTestIndex(t)
	sess := indexedSession("t", "searchable words")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("IndexSession failed: %v", err)
	}

	if err := idx.RemoveSession(sess.ID); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if hits, _ := idx.Search("searchable", 10); len(hits) != 0 {
		t.Error("Removed session still searchable")
	}
	if n, _ := idx.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestSessionIndex_QueryPunctuationSafe(t *testing.T) {
	idx, _ := newTestIndex(t)
	sess := indexedSession("t", "error: connection refused")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("IndexSession failed: %v", err)
	}

	// Raw FTS syntax characters must not break the query.
	if _, err := idx.Search(`error: "refused" AND-what`, 10); err != nil {
		t.Errorf("Punctuated query failed: %v", err)
	}
}

func TestSessionIndex_Reindex(t *testing.T) {
	idx, dir := newTestIndex(t)

	writeSessionFile(t, dir, indexedSession("a", "alpha message text"))
	writeSessionFile(t, dir, indexedSession("b", "beta message text"))
	// Corrupt file is skipped.
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{nope"), 0644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	if err := idx.Reindex(); err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if n, _ := idx.Count(); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if hits, _ := idx.Search("beta", 10); len(hits) != 1 {
		t.Errorf("Reindexed content not searchable")
	}
}

// =============================================================================
// WATCHER TESTS
// =============================================================================

func TestWatcher_PicksUpNewFiles(t *testing.T) {
	idx, dir := newTestIndex(t)
	if err := idx.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeSessionFile(t, dir, indexedSession("w", "watched content arrives"))

	// Debounce (500ms) plus flush tick; poll until indexed.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hits, _ := idx.Search("watched", 10); len(hits) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Watcher never indexed the new file")
}

func TestWatcher_RemovesDeletedFiles(t *testing.T) {
	idx, dir := newTestIndex(t)
	sess := indexedSession("w", "soon to vanish")
	writeSessionFile(t, dir, sess)
	if err := idx.Reindex(); err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if err := idx.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, sess.ID+".json")); err != nil {
		t.Fatalf("remove session file: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hits, _ := idx.Search("vanish", 10); len(hits) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Watcher never dropped the deleted file")
}
