// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy persists per-tool approval decisions. A tool the user
// marked "always allow" skips the confirmation prompt on later calls;
// a small compiled-in allow list covers read-only built-ins.
package policy

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/morganforge/aiden-tui/internal/util"
)

// approvalsFile is the file name under the policy directory.
const approvalsFile = "approvals.json"

// builtinTrusted tools never prompt: read-only, no side effects.
var builtinTrusted = map[string]bool{
	"get_current_time": true,
	"read_file":        true,
}

// =============================================================================
// APPROVAL STORE
// =============================================================================

// Store is the persisted always-approve policy. Safe for concurrent use.
type Store struct {
	path string

	mu      sync.RWMutex
	trusted map[string]bool
}

// approvalsDoc is the on-disk format.
type approvalsDoc struct {
	AlwaysApproved []string `json:"always_approved"`
}

// NewStore opens (or creates) the approval store under dir. A missing or
// unreadable file starts the store empty; the worst cost of losing the
// file is one extra prompt per tool.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:    filepath.Join(dir, approvalsFile),
		trusted: make(map[string]bool),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Policy] read %s: %v", s.path, err)
		}
		return
	}
	var doc approvalsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[Policy] corrupt approvals file, starting empty: %v", err)
		return
	}
	for _, tool := range doc.AlwaysApproved {
		s.trusted[tool] = true
	}
}

// AlwaysApproved reports whether the tool skips the confirmation prompt.
func (s *Store) AlwaysApproved(tool string) bool {
	if builtinTrusted[tool] {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trusted[tool]
}

// SetAlwaysApproved persists trust for the tool.
func (s *Store) SetAlwaysApproved(tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trusted[tool] {
		return nil
	}
	s.trusted[tool] = true
	return s.save()
}

// Revoke removes persisted trust for the tool. Built-in tools cannot be
// revoked.
func (s *Store) Revoke(tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.trusted[tool] {
		return nil
	}
	delete(s.trusted, tool)
	return s.save()
}

// List returns the persisted always-approved tools, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.trusted))
	for tool := range s.trusted {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// save writes the store under s.mu.
func (s *Store) save() error {
	doc := approvalsDoc{AlwaysApproved: make([]string, 0, len(s.trusted))}
	for tool := range s.trusted {
		doc.AlwaysApproved = append(doc.AlwaysApproved, tool)
	}
	sort.Strings(doc.AlwaysApproved)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	return util.AtomicWriteFile(s.path, data, 0644)
}
