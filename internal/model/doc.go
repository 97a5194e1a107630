// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// This package defines the core domain types used throughout the application
// for representing chat sessions, messages, multimodal content parts, and
// the MCP tool-call metadata attached to assistant replies.
//
// # Key Types
//
//   - Session: Container for a chat session with messages and metadata
//   - Message: Single message with role, content, streaming state, and
//     optional tool-call records
//   - MCPInfo: Tool-call transcript attached to an assistant message
//   - Role: Message role enumeration (user, assistant, system, tool)
//
// # Usage
//
// Create a new session and append a user turn:
//
//	sess := model.NewSession()
//	sess.AddUserMessage("Hello!")
//	bot := sess.AddAssistantMessage()
//
// The streaming engine mutates the assistant message in place while
// bot.Streaming is true; once finalized the message is frozen.
package model
