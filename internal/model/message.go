// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Aiden"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// =============================================================================
// CONTENT PARTS
// =============================================================================

// PartType identifies the kind of a multimodal content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

// Part is one element of a multimodal message body.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	// ImageURL is a reference to an uploaded image (remote URL once the
	// upload service has run, local path before).
	ImageURL string `json:"image_url,omitempty"`
}

// =============================================================================
// TOOL INVOCATION (legacy function-call path)
// =============================================================================

// ToolInvocation records one backend-declared tool function call executed
// by the client outside the approval-gated MCP path.
type ToolInvocation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

// =============================================================================
// MCP METADATA
// =============================================================================

// MCPInfo is the tool-call transcript carried on an assistant message that
// went through the MCP confirm/continue flow. Response entries accumulate
// in arrival order across continuation legs.
type MCPInfo struct {
	Title    string   `json:"title"`
	Request  string   `json:"request"`
	Response []string `json:"response"`
}

// AppendResponse appends one tool result transcript, preserving order.
func (m *MCPInfo) AppendResponse(result string) {
	m.Response = append(m.Response, result)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session.
//
// While Streaming is true the message is owned by exactly one stream
// session which mutates Content in place; once Streaming flips to false
// the message is frozen.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content. Plain text for most messages; Parts carries an ordered
	// multimodal body when images are attached.
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`

	// Streaming state
	Streaming bool `json:"-"`
	IsError   bool `json:"is_error,omitempty"`

	// Model that produced an assistant message.
	Model string `json:"model,omitempty"`

	// Legacy function-call tool records.
	Tools []*ToolInvocation `json:"tools,omitempty"`

	// MCP tool-call transcript.
	IsMCPResponse bool     `json:"is_mcp_response,omitempty"`
	MCP           *MCPInfo `json:"mcp_info,omitempty"`

	// Performance metrics (for assistant messages)
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	CharsPerSec   float64       `json:"chars_per_sec,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new streaming assistant message.
func NewAssistantMessage(model string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
		Model:     model,
		Streaming: true,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// MergeMCP folds one MCP update into the message transcript. Title and
// request replace when non-empty, responses accumulate.
func (m *Message) MergeMCP(title, request, response string) {
	m.IsMCPResponse = true
	if m.MCP == nil {
		m.MCP = &MCPInfo{Title: title, Request: request}
		if response != "" {
			m.MCP.Response = []string{response}
		}
		return
	}
	if title != "" {
		m.MCP.Title = title
	}
	if request != "" {
		m.MCP.Request = request
	}
	if response != "" {
		m.MCP.AppendResponse(response)
	}
}

// UpsertTool records a legacy tool invocation, replacing any prior record
// with the same ID.
func (m *Message) UpsertTool(tool *ToolInvocation) {
	for i, t := range m.Tools {
		if t.ID == tool.ID {
			m.Tools[i] = tool
			return
		}
	}
	m.Tools = append(m.Tools, tool)
}

// IsEmpty returns true if the message has no visible content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && len(m.Parts) == 0
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token.
func (m *Message) EstimateTokens() int {
	return (len(m.Content) + 3) / 4
}
