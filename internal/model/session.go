// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessages is the maximum number of messages to keep in session history.
// When exceeded, old messages are pruned to prevent unbounded memory growth.
const MaxMessages = 1000

// =============================================================================
// MODEL BINDING
// =============================================================================

// ModelBinding identifies the model and provider a session talks to.
// APIKey is only set for user-supplied custom models; built-in models are
// resolved server side from the name/provider/endpoint triple.
type ModelBinding struct {
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`

	// Thinking marks reasoning-heavy models that stream slowly; the
	// transport scales its request timeout up for them.
	Thinking bool `json:"thinking,omitempty"`
}

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds a complete chat session with history and metadata.
type Session struct {
	// Identity
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Model configuration
	Model ModelBinding `json:"model"`

	// Memory / summarization bookkeeping
	MemoryPrompt       string `json:"memory_prompt,omitempty"`
	LastSummarizeIndex int    `json:"last_summarize_index,omitempty"`
	ClearContextIndex  int    `json:"clear_context_index,omitempty"`
}

// NewSession creates a new session with a generated ID.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Topic:     "New Chat",
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// NewSessionWithModel creates a new session bound to a specific model.
func NewSessionWithModel(binding ModelBinding) *Session {
	sess := NewSession()
	sess.Model = binding
	return sess
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the session.
func (s *Session) AddMessage(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	s.updateTopic()
	s.pruneOldMessages()
}

// AddUserMessage creates and adds a user message.
func (s *Session) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	s.AddMessage(msg)
	return msg
}

// AddAssistantMessage creates and adds a streaming assistant message.
func (s *Session) AddAssistantMessage() *Message {
	msg := NewAssistantMessage(s.Model.Model)
	s.AddMessage(msg)
	return msg
}

// LastMessage returns the most recent message, or nil if empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// GetMessageByID returns a message by its ID, or nil.
func (s *Session) GetMessageByID(id string) *Message {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// RemoveMessage removes a message by ID.
func (s *Session) RemoveMessage(id string) bool {
	for i, msg := range s.Messages {
		if msg.ID == id {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			s.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// MessageCount returns the number of messages.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// IsEmpty returns true if there are no messages.
func (s *Session) IsEmpty() bool {
	return len(s.Messages) == 0
}

// ClearContext marks the current end of history as the context boundary.
// Messages before the boundary stay visible but are no longer sent.
func (s *Session) ClearContext() {
	s.ClearContextIndex = len(s.Messages)
	s.MemoryPrompt = ""
	s.LastSummarizeIndex = 0
	s.UpdatedAt = time.Now()
}

// =============================================================================
// REQUEST ASSEMBLY
// =============================================================================

// RequestMessage is one turn in the wire format sent to the backend.
// Name/ToolCallID/ToolCalls are only set on the synthetic turns the legacy
// function-call path appends before re-issuing a request.
type RequestMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  any    `json:"tool_calls,omitempty"`
}

// MessagesForRequest assembles the outbound message list: optional memory
// prompt, then every non-error message after the clear-context boundary.
// Multimodal messages send their Parts, plain ones their Content.
func (s *Session) MessagesForRequest() []RequestMessage {
	out := make([]RequestMessage, 0, len(s.Messages)+1)

	if s.MemoryPrompt != "" && s.LastSummarizeIndex > s.ClearContextIndex {
		out = append(out, RequestMessage{
			Role:    RoleSystem.String(),
			Content: "This is a summary of the chat history as a recap: " + s.MemoryPrompt,
		})
	}

	start := s.ClearContextIndex
	if start < 0 || start > len(s.Messages) {
		start = 0
	}
	for _, msg := range s.Messages[start:] {
		if msg.IsError || msg.Streaming {
			continue
		}
		if len(msg.Parts) > 0 {
			out = append(out, RequestMessage{Role: msg.Role.String(), Content: msg.Parts})
			continue
		}
		if msg.Content == "" {
			continue
		}
		out = append(out, RequestMessage{Role: msg.Role.String(), Content: msg.Content})
	}
	return out
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// Fork returns a deep copy of the session with a fresh identity.
// Streaming state is not carried over: a forked message is always frozen.
func (s *Session) Fork() *Session {
	now := time.Now()
	clone := &Session{
		ID:                 uuid.NewString(),
		Topic:              s.Topic,
		CreatedAt:          now,
		UpdatedAt:          now,
		Messages:           make([]*Message, 0, len(s.Messages)),
		Model:              s.Model,
		MemoryPrompt:       s.MemoryPrompt,
		LastSummarizeIndex: s.LastSummarizeIndex,
		ClearContextIndex:  s.ClearContextIndex,
	}
	for _, msg := range s.Messages {
		m := *msg
		m.Streaming = false
		if msg.MCP != nil {
			mcp := *msg.MCP
			mcp.Response = append([]string(nil), msg.MCP.Response...)
			m.MCP = &mcp
		}
		if len(msg.Tools) > 0 {
			m.Tools = make([]*ToolInvocation, len(msg.Tools))
			for i, t := range msg.Tools {
				tc := *t
				m.Tools[i] = &tc
			}
		}
		if len(msg.Parts) > 0 {
			m.Parts = append([]Part(nil), msg.Parts...)
		}
		clone.Messages = append(clone.Messages, &m)
	}
	return clone
}

// updateTopic derives the topic from the first user message when unset.
func (s *Session) updateTopic() {
	if s.Topic != "" && s.Topic != "New Chat" {
		return
	}
	for _, msg := range s.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			s.Topic = msg.Preview(40)
			return
		}
	}
}

// pruneOldMessages enforces MaxMessages, dropping the oldest first and
// shifting the bookkeeping indices so they keep pointing at the same turns.
func (s *Session) pruneOldMessages() {
	if len(s.Messages) <= MaxMessages {
		return
	}
	drop := len(s.Messages) - MaxMessages
	s.Messages = append(s.Messages[:0:0], s.Messages[drop:]...)
	s.ClearContextIndex = max(0, s.ClearContextIndex-drop)
	s.LastSummarizeIndex = max(0, s.LastSummarizeIndex-drop)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
