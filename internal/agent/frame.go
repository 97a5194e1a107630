// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// FRAME TYPES
// =============================================================================

// FrameKind classifies one decoded SSE payload.
type FrameKind int

const (
	// FrameEmpty carries no actionable content (blank delta, backend error
	// delta, or a payload that failed to parse).
	FrameEmpty FrameKind = iota
	// FrameText carries a text delta to append to the reply.
	FrameText
	// FrameControl carries an MCP control signal.
	FrameControl
	// FrameToolCalls carries legacy function-call declarations from the
	// backend (non-MCP tool calling).
	FrameToolCalls
)

// ControlType identifies the MCP control signal kind.
type ControlType string

const (
	ControlConfirm ControlType = "tool_call_confirm"
	ControlResult  ControlType = "tool_result"
)

// MCPControl is the control record carried in a frame's extra.mcp field.
type MCPControl struct {
	Type     ControlType `json:"type"`
	ID       string      `json:"id,omitempty"`
	ThreadID string      `json:"thread_id,omitempty"`
	Tool     string      `json:"tool,omitempty"`
	Result   string      `json:"result,omitempty"`
}

// ToolCallDelta is one legacy function-call declaration from a delta frame.
type ToolCallDelta struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// LoadingMarker is the placeholder appended after a tool name while the
// call is awaiting approval/execution; scrubbed once output resumes.
const LoadingMarker = "::loading[]"

// Frame is the tagged result of decoding one SSE payload.
type Frame struct {
	Kind FrameKind

	// FrameText: the delta content. FrameControl: display text routed to
	// the animator as status output.
	Text string

	// FrameControl only.
	Control *MCPControl

	// FrameToolCalls only.
	ToolCalls []ToolCallDelta

	// FrameEmpty: backend error delta, if the frame carried one.
	ErrMsg  string
	ErrCode string

	// FrameEmpty: decode failure, for the caller to log. A malformed frame
	// never terminates the stream.
	Err error
}

// =============================================================================
// WIRE ENVELOPE
// =============================================================================

// envelope is the JSON shape of one event's data payload.
type envelope struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			Msg       string          `json:"msg"`
			Code      json.RawMessage `json:"code"`
			ToolCalls []ToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Extra *struct {
		MCP *MCPControl `json:"mcp"`
	} `json:"extra"`
}

// =============================================================================
// DECODER
// =============================================================================

// DecodeFrame parses one raw event payload into a tagged Frame.
//
// The decoder is pure and synchronous. It never fails: malformed payloads
// come back as FrameEmpty with Err set so a single bad frame cannot take
// down an otherwise healthy stream.
func DecodeFrame(data []byte) Frame {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{Kind: FrameEmpty, Err: fmt.Errorf("decode frame: %w", err)}
	}

	// Non-streaming body routed through the same decoder.
	if len(env.Choices) == 0 && env.Message != nil && env.Message.Content != "" {
		return Frame{Kind: FrameText, Text: env.Message.Content}
	}

	// MCP control signals arrive without choices.
	if len(env.Choices) == 0 {
		if env.Extra != nil && env.Extra.MCP != nil {
			mcp := env.Extra.MCP
			switch mcp.Type {
			case ControlConfirm:
				return Frame{
					Kind:    FrameControl,
					Control: mcp,
					Text:    "\r\n" + mcp.Tool + "\r\n" + LoadingMarker + "\r\n",
				}
			case ControlResult:
				return Frame{
					Kind:    FrameControl,
					Control: mcp,
					Text:    "\r\n" + mcp.Result + "\r\n",
				}
			}
		}
		return Frame{Kind: FrameEmpty}
	}

	delta := env.Choices[0].Delta

	if len(delta.ToolCalls) > 0 {
		return Frame{Kind: FrameToolCalls, ToolCalls: delta.ToolCalls}
	}

	if delta.Content == "" {
		// An empty delta may carry a backend error, e.g.
		// {"choices":[{"delta":{"msg":"...","code":"-1"}}]}
		f := Frame{Kind: FrameEmpty, ErrMsg: delta.Msg}
		if len(delta.Code) > 0 {
			f.ErrCode = trimQuotes(string(delta.Code))
		}
		return f
	}

	return Frame{Kind: FrameText, Text: delta.Content}
}

// trimQuotes strips surrounding quotes from a raw JSON scalar so numeric
// and string error codes compare the same.
func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
