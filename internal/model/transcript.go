// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// BACKEND TRANSCRIPT
// =============================================================================

// TranscriptEntry is one record of the raw conversation transcript as the
// backend returns it when a session is reloaded: a plain message plus the
// optional MCP control record that was interleaved with it.
type TranscriptEntry struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Extra struct {
		MCP *TranscriptMCP `json:"mcp,omitempty"`
	} `json:"extra,omitempty"`
}

// TranscriptMCP is the MCP control record embedded in a transcript entry.
type TranscriptMCP struct {
	Type     string `json:"type"`
	Tool     string `json:"tool,omitempty"`
	ID       string `json:"id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Result   string `json:"result,omitempty"`
}

// FormatTranscript rebuilds display messages from a raw backend transcript.
//
// The transcript interleaves tool_call_confirm and tool_result records with
// plain content. Walking newest-to-oldest, each tool_result seen becomes the
// response of the next (older) tool_call_confirm, mirroring how the backend
// emits result-after-confirm pairs. The returned slice is oldest-first.
func FormatTranscript(entries []TranscriptEntry) []*Message {
	var out []*Message
	lastToolResult := ""

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		mcp := entry.Extra.MCP

		if mcp != nil && mcp.Type == "tool_result" {
			lastToolResult = mcp.Result
		}

		if mcp != nil && mcp.Type == "tool_call_confirm" {
			request, err := json.MarshalIndent(mcp, "", "  ")
			if err != nil {
				request = nil
			}
			msg := NewMessage(Role(entry.Message.Role), "")
			msg.IsMCPResponse = true
			msg.MCP = &MCPInfo{
				Title:   mcp.Tool,
				Request: string(request),
			}
			if lastToolResult != "" {
				msg.MCP.Response = []string{lastToolResult}
			}
			out = append(out, msg)
		}

		if content := entry.Message.Content; strings.TrimSpace(content) != "" {
			out = append(out, NewMessage(Role(entry.Message.Role), content))
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
