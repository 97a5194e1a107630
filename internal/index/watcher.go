// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/morganforge/aiden-tui/internal/model"
)

// watchDebounce batches rapid rewrites of the same session file (every
// stream update triggers a save) into one reindex.
const watchDebounce = 500 * time.Millisecond

// =============================================================================
// SESSIONS DIRECTORY WATCHER
// =============================================================================

// Watcher keeps the index in sync with the sessions directory.
type Watcher struct {
	idx     *SessionIndex
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time // file path -> last change time

	ctx    context.Context
	cancel context.CancelFunc
}

// Watch starts mirroring directory changes into the index. The watcher
// runs until Close (or SessionIndex.Close) is called.
func (idx *SessionIndex) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(idx.dir); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		idx:     idx,
		watcher: fsw,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
	idx.watcher = w

	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents routes file system events into the pending set.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				id := sessionIDFromPath(event.Name)
				if err := w.idx.RemoveSession(id); err != nil {
					log.Printf("[Index] remove session %s: %v", id, err)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Index] watcher error: %v", err)
		}
	}
}

// processPending flushes debounced changes into the index.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			var ready []string
			for path, changed := range w.pending {
				if now.Sub(changed) >= watchDebounce {
					ready = append(ready, path)
					delete(w.pending, path)
				}
			}
			w.mu.Unlock()

			for _, path := range ready {
				w.updateFile(path)
			}
		}
	}
}

// updateFile reindexes one session file, or drops it if it disappeared.
func (w *Watcher) updateFile(path string) {
	sess, err := loadSessionFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.idx.RemoveSession(sessionIDFromPath(path))
			return
		}
		log.Printf("[Index] parse %s: %v", path, err)
		return
	}
	if err := w.idx.IndexSession(sess); err != nil {
		log.Printf("[Index] index session %s: %v", sess.ID, err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func sessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

func loadSessionFile(path string) (*model.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
