// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/morganforge/aiden-tui/internal/model"
)

// =============================================================================
// SESSION INDEX
// =============================================================================

// SessionIndex maintains a SQLite FTS index over stored session files so
// message-content search does not reread every JSON file per query.
type SessionIndex struct {
	db      *sql.DB
	dir     string // session files directory
	watcher *Watcher
}

// Hit is one search result.
type Hit struct {
	SessionID string
	Topic     string
	Model     string
	Role      string
	MessageID string
	Snippet   string
	UpdatedAt time.Time
}

// Open opens (or creates) the index database. dir is the sessions
// directory the index mirrors.
func Open(dbPath, dir string) (*SessionIndex, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	// Single writer; the sqlite driver serializes through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, err
	}

	return &SessionIndex{db: db, dir: dir}, nil
}

// Close releases the database and stops the watcher if running.
func (idx *SessionIndex) Close() error {
	if idx.watcher != nil {
		idx.watcher.Close()
	}
	return idx.db.Close()
}

// =============================================================================
// INDEXING
// =============================================================================

// IndexSession inserts or replaces one session's rows.
func (idx *SessionIndex) IndexSession(sess *model.Session) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace wholesale: cascade removes old messages and their FTS rows.
	if _, err := tx.Exec("DELETE FROM sessions WHERE session_id = ?", sess.ID); err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT INTO sessions (session_id, topic, model, updated_at, indexed_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.Topic, sess.Model.Model, sess.UpdatedAt.Unix(), time.Now().Unix())
	if err != nil {
		return err
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_rowid, message_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range sess.Messages {
		if msg.Content == "" {
			continue
		}
		if _, err := stmt.Exec(rowid, msg.ID, msg.Role.String(), msg.Content, msg.Timestamp.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveSession drops one session's rows.
func (idx *SessionIndex) RemoveSession(sessionID string) error {
	_, err := idx.db.Exec("DELETE FROM sessions WHERE session_id = ?", sessionID)
	return err
}

// Reindex rebuilds the index from every session file in the directory.
func (idx *SessionIndex) Reindex() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := loadSessionFile(filepath.Join(idx.dir, entry.Name()))
		if err != nil {
			// Skip corrupted files
			continue
		}
		if err := idx.IndexSession(sess); err != nil {
			return err
		}
	}

	_, err = idx.db.Exec("UPDATE metadata SET value = strftime('%s','now') WHERE key = 'last_full_index'")
	return err
}

// =============================================================================
// SEARCH
// =============================================================================

// Search runs an FTS query over message content, newest sessions first.
func (idx *SessionIndex) Search(query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := idx.db.Query(`
		SELECT s.session_id, s.topic, s.model, s.updated_at,
		       m.message_id, m.role,
		       snippet(messages_fts, 0, '[', ']', '...', 12)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions s ON s.id = m.session_rowid
		WHERE messages_fts MATCH ?
		ORDER BY s.updated_at DESC
		LIMIT ?
	`, ftsQuery(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var updated int64
		if err := rows.Scan(&h.SessionID, &h.Topic, &h.Model, &updated, &h.MessageID, &h.Role, &h.Snippet); err != nil {
			return nil, err
		}
		h.UpdatedAt = time.Unix(updated, 0)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Count returns the number of indexed sessions.
func (idx *SessionIndex) Count() (int, error) {
	var n int
	err := idx.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}

// ftsQuery quotes user input so punctuation does not break FTS syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
