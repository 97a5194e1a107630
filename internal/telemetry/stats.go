// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records per-exchange streaming statistics: time to
// first token, total duration, and throughput. Data stays local.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/morganforge/aiden-tui/internal/util"
)

// statsFile is the file name under the telemetry directory.
const statsFile = "stream_stats.json"

// maxEntries bounds the stats log; the oldest entries roll off.
const maxEntries = 2000

// =============================================================================
// STREAM STATS
// =============================================================================

// StreamStats is one completed exchange's timing record.
type StreamStats struct {
	Model       string    `json:"model"`
	Timestamp   time.Time `json:"timestamp"`
	TTFTMs      int64     `json:"ttft_ms"`
	DurationMs  int64     `json:"duration_ms"`
	Chars       int       `json:"chars"`
	CharsPerSec float64   `json:"chars_per_sec"`
}

// Summary aggregates recorded stats, optionally per model.
type Summary struct {
	Exchanges      int     `json:"exchanges"`
	AvgTTFTMs      int64   `json:"avg_ttft_ms"`
	AvgCharsPerSec float64 `json:"avg_chars_per_sec"`
	TotalChars     int     `json:"total_chars"`
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder persists stream stats to a single JSON log file. Safe for
// concurrent use.
type Recorder struct {
	path string

	mu      sync.Mutex
	entries []StreamStats
}

// NewRecorder opens (or creates) the stats log under dir. A missing or
// corrupt file starts the log empty.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(homeDir, ".aiden", "telemetry")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	r := &Recorder{path: filepath.Join(dir, statsFile)}
	if data, err := os.ReadFile(r.path); err == nil {
		json.Unmarshal(data, &r.entries)
	}
	return r, nil
}

// Record appends one exchange's stats and persists the log.
func (r *Recorder) Record(s StreamStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	r.entries = append(r.entries, s)
	if len(r.entries) > maxEntries {
		r.entries = append(r.entries[:0:0], r.entries[len(r.entries)-maxEntries:]...)
	}

	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return err
	}
	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	return util.AtomicWriteFile(r.path, data, 0644)
}

// Entries returns a snapshot of the recorded stats.
func (r *Recorder) Entries() []StreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamStats(nil), r.entries...)
}

// Summarize aggregates stats for one model; an empty model aggregates
// everything.
func (r *Recorder) Summarize(model string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out Summary
	var ttftSum int64
	var cpsSum float64
	for _, e := range r.entries {
		if model != "" && e.Model != model {
			continue
		}
		out.Exchanges++
		out.TotalChars += e.Chars
		ttftSum += e.TTFTMs
		cpsSum += e.CharsPerSec
	}
	if out.Exchanges > 0 {
		out.AvgTTFTMs = ttftSum / int64(out.Exchanges)
		out.AvgCharsPerSec = cpsSum / float64(out.Exchanges)
	}
	return out
}

// Clear discards all recorded stats.
func (r *Recorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	return util.AtomicWriteFile(r.path, []byte("[]"), 0644)
}
