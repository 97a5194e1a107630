// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

func exportableSession() *model.Session {
	sess := model.NewSession()
	sess.Topic = "Weather talk"
	sess.Model = model.ModelBinding{Model: "aiden-pro"}
	sess.AddUserMessage("what's the weather?")

	bot := sess.AddAssistantMessage()
	bot.Streaming = false
	bot.Content = "It is sunny."
	bot.TTFT = 120 * time.Millisecond
	bot.TotalDuration = 2 * time.Second
	bot.CharsPerSec = 6.0
	bot.MergeMCP("get_weather", `{"city":"Oslo"}`, "sunny, 21C")
	return sess
}

// =============================================================================
// MARKDOWN TESTS
// =============================================================================

func TestMarkdownExport_Content(t *testing.T) {
	out, err := NewMarkdownExporter(nil).Export(exportableSession())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	md := string(out)

	for _, want := range []string{
		"# Weather talk",
		"[User]",
		"[Assistant]",
		"what's the weather?",
		"It is sunny.",
		"`get_weather`",
		"sunny, 21C",
		"TTFT:",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("Markdown missing %q", want)
		}
	}
}

func TestMarkdownExport_SkipsStreamingMessages(t *testing.T) {
	sess := exportableSession()
	live := sess.AddAssistantMessage()
	live.Content = "half-typed"

	out, err := NewMarkdownExporter(nil).Export(sess)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if strings.Contains(string(out), "half-typed") {
		t.Error("Streaming message leaked into export")
	}
}

func TestMarkdownExport_EmptySessionErrors(t *testing.T) {
	if _, err := NewMarkdownExporter(nil).Export(model.NewSession()); err == nil {
		t.Error("Expected error for empty session")
	}
}

func TestMarkdownExport_NoTimestamps(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludeTimestamps = false
	opts.IncludeMetadata = false

	out, err := NewMarkdownExporter(opts).Export(exportableSession())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if strings.Contains(string(out), "<sub>") {
		t.Error("Timestamps present despite IncludeTimestamps=false")
	}
}

// =============================================================================
// JSON TESTS
// =============================================================================

func TestJSONExport_RoundTrip(t *testing.T) {
	out, err := NewJSONExporter(nil).Export(exportableSession())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var doc struct {
		Topic    string           `json:"topic"`
		Model    string           `json:"model"`
		Messages []*model.Message `json:"messages"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Exported JSON does not parse: %v", err)
	}
	if doc.Topic != "Weather talk" || doc.Model != "aiden-pro" {
		t.Errorf("Header fields: %+v", doc)
	}
	if len(doc.Messages) != 2 {
		t.Errorf("Messages = %d, want 2", len(doc.Messages))
	}
}

// =============================================================================
// FILE OUTPUT TESTS
// =============================================================================

func TestExportToFile(t *testing.T) {
	opts := DefaultOptions()
	opts.OutputDir = t.TempDir()

	path, err := ExportToFile(exportableSession(), NewMarkdownExporter(opts), opts)
	if err != nil {
		t.Fatalf("ExportToFile failed: %v", err)
	}
	if filepath.Ext(path) != ".md" {
		t.Errorf("Unexpected extension: %s", path)
	}
	if !strings.Contains(filepath.Base(path), "Weather_talk") {
		t.Errorf("Filename not derived from topic: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Exported file missing: %v", err)
	}
}

func TestByFormat(t *testing.T) {
	if _, err := ByFormat("md", nil); err != nil {
		t.Errorf("md rejected: %v", err)
	}
	if _, err := ByFormat("json", nil); err != nil {
		t.Errorf("json rejected: %v", err)
	}
	if _, err := ByFormat("pdf", nil); err == nil {
		t.Error("Unknown format accepted")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"a/b:c":        "a-b-c",
		"with spaces":  "with_spaces",
		"":             "chat",
		"quote\"pipe|": "quote-pipe-",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
