// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent implements the streaming chat transport against the Aiden
// agent backend.
//
// One logical request/response exchange is a stream session: the client
// opens a server-sent-event stream, decodes each frame into either a text
// delta or an MCP control signal, smooths text delivery through a response
// animator, and routes tool-call-confirm signals through an approval gate.
// Approved tool calls are continued against a second endpoint by a child
// stream session chained to the same visible message; tool calls may nest.
//
// # Key Types
//
//   - Engine: entry point; starts stream sessions and dispatches
//     continuations
//   - Client: HTTP client for the chat and continue-tool-call endpoints
//   - Frame / DecodeFrame: classification of one SSE payload
//   - Animator: paced drain of buffered text deltas
//   - Gate: per-tool-call approval state machine
//   - Registry: (session id, message id) -> cancellation controller table
//
// # Concurrency
//
// Each stream session runs its read loop on its own goroutine; a single
// context per session is the cancellation primitive, and both the user
// "stop" action and the request timeout cancel it (with distinct causes).
// Cancelling a parent session cancels any live continuation child.
package agent
