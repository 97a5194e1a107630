// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter writes a session as a machine-readable JSON document.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// jsonDocument is the top-level export envelope.
type jsonDocument struct {
	Topic      string           `json:"topic"`
	Model      string           `json:"model,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ExportedAt time.Time        `json:"exported_at"`
	Messages   []*model.Message `json:"messages"`
}

// Export converts a session to indented JSON.
func (e *JSONExporter) Export(sess *model.Session) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("session is nil")
	}
	if sess.IsEmpty() {
		return nil, fmt.Errorf("session has no messages")
	}

	// Streaming messages are transient and excluded.
	msgs := make([]*model.Message, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		if msg.Streaming {
			continue
		}
		msgs = append(msgs, msg)
	}

	doc := jsonDocument{
		Topic:      sess.Topic,
		Model:      sess.Model.Model,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		ExportedAt: time.Now(),
		Messages:   msgs,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return append(data, '\n'), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string { return ".json" }
