// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter writes a session as a Markdown document.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a session to Markdown.
func (e *MarkdownExporter) Export(sess *model.Session) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("session is nil")
	}
	if sess.IsEmpty() {
		return nil, fmt.Errorf("session has no messages")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(sess.Topic)))
		if sess.Model.Model != "" {
			sb.WriteString(fmt.Sprintf("model: %s\n", sess.Model.Model))
		}
		sb.WriteString(fmt.Sprintf("date: %s\n", sess.CreatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("updated: %s\n", sess.UpdatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", sess.MessageCount()))
		sb.WriteString(fmt.Sprintf("exported: %s\n", time.Now().Format(time.RFC3339)))
		sb.WriteString("---\n\n")
	}

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(sess.Topic)))

	for i, msg := range sess.Messages {
		if msg.Streaming {
			continue
		}

		label := roleLabel(msg.Role)
		if e.options.IncludeTimestamps {
			sb.WriteString(fmt.Sprintf("### %s <sub>%s</sub>\n\n",
				label, formatShortTimestamp(msg.Timestamp)))
		} else {
			sb.WriteString(fmt.Sprintf("### %s\n\n", label))
		}

		e.writeMessageBody(&sb, msg)

		if msg.Role == model.RoleAssistant && e.options.IncludeMetadata {
			if stats := messageStats(msg); stats != "" {
				sb.WriteString(stats)
				sb.WriteString("\n\n")
			}
		}

		if i < len(sess.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	sb.WriteString(fmt.Sprintf("*Exported from aiden on %s*\n",
		formatTimestamp(time.Now())))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// writeMessageBody writes the message content plus any tool transcripts.
func (e *MarkdownExporter) writeMessageBody(sb *strings.Builder, msg *model.Message) {
	if content := strings.TrimSpace(msg.Content); content != "" {
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}

	if msg.IsMCPResponse && msg.MCP != nil {
		sb.WriteString(fmt.Sprintf("**Tool**: `%s`\n\n", msg.MCP.Title))
		if msg.MCP.Request != "" {
			sb.WriteString("**Request**:\n```\n")
			sb.WriteString(msg.MCP.Request)
			sb.WriteString("\n```\n\n")
		}
		for _, result := range msg.MCP.Response {
			sb.WriteString("**Result**:\n```\n")
			sb.WriteString(result)
			sb.WriteString("\n```\n\n")
		}
	}

	for _, tool := range msg.Tools {
		status := "[OK]"
		if tool.IsError {
			status = "[FAIL]"
		}
		sb.WriteString(fmt.Sprintf("**Tool**: `%s` %s\n\n", tool.Name, status))
		if tool.Arguments != "" {
			sb.WriteString("**Arguments**:\n```\n")
			sb.WriteString(tool.Arguments)
			sb.WriteString("\n```\n\n")
		}
		if tool.Content != "" {
			sb.WriteString("**Result**:\n```\n")
			sb.WriteString(tool.Content)
			sb.WriteString("\n```\n\n")
		}
	}
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func roleLabel(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "[User]"
	case model.RoleAssistant:
		return "[Assistant]"
	case model.RoleSystem:
		return "[System]"
	default:
		return string(role)
	}
}

// messageStats renders the timing line under an assistant message.
func messageStats(msg *model.Message) string {
	var parts []string
	if msg.TTFT > 0 {
		parts = append(parts, fmt.Sprintf("TTFT: %s", formatDuration(msg.TTFT)))
	}
	if msg.TotalDuration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", formatDuration(msg.TotalDuration)))
	}
	if msg.CharsPerSec > 0 {
		parts = append(parts, fmt.Sprintf("Speed: %.1f chars/s", msg.CharsPerSec))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>Stats: %s</sub>", strings.Join(parts, " | "))
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break heading formatting.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes values containing YAML syntax characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") ||
		strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
