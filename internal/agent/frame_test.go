// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"io"
	"strings"
	"testing"
)

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_BasicEvent(t *testing.T) {
	input := "data: {\"hello\":1}\n\n"
	r := NewSSEReader(strings.NewReader(input))

	eventType, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if eventType != "" {
		t.Errorf("Expected empty event type, got %q", eventType)
	}
	if string(data) != `{"hello":1}` {
		t.Errorf("Unexpected data: %q", string(data))
	}
}

func TestSSEReader_MultipleEvents(t *testing.T) {
	input := "data: one\n\ndata: two\n\n"
	r := NewSSEReader(strings.NewReader(input))

	_, data, err := r.ReadEvent()
	if err != nil || string(data) != "one" {
		t.Fatalf("First event: data=%q err=%v", string(data), err)
	}
	_, data, err = r.ReadEvent()
	if err != nil || string(data) != "two" {
		t.Fatalf("Second event: data=%q err=%v", string(data), err)
	}
	if _, _, err = r.ReadEvent(); err != io.EOF {
		t.Errorf("Expected io.EOF at end, got %v", err)
	}
}

func TestSSEReader_MultiLineData(t *testing.T) {
	input := "data: line1\ndata: line2\n\n"
	r := NewSSEReader(strings.NewReader(input))

	_, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "line1\nline2" {
		t.Errorf("Multi-line data joined wrong: %q", string(data))
	}
}

func TestSSEReader_EventType(t *testing.T) {
	input := "event: message\ndata: payload\n\n"
	r := NewSSEReader(strings.NewReader(input))

	eventType, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if eventType != "message" {
		t.Errorf("Expected event type %q, got %q", "message", eventType)
	}
	if string(data) != "payload" {
		t.Errorf("Unexpected data: %q", string(data))
	}
}

func TestSSEReader_DataBeforeEOF(t *testing.T) {
	// No trailing blank line; data should still be delivered before EOF.
	input := "data: trailing"
	r := NewSSEReader(strings.NewReader(input))

	_, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "trailing" {
		t.Errorf("Unexpected data: %q", string(data))
	}
	if _, _, err = r.ReadEvent(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestSSEReader_IgnoresComments(t *testing.T) {
	input := ": keepalive\nid: 7\ndata: real\n\n"
	r := NewSSEReader(strings.NewReader(input))

	_, data, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "real" {
		t.Errorf("Expected comment and id to be ignored, got %q", string(data))
	}
}

func TestSSEReader_EventTooLarge(t *testing.T) {
	big := "data: " + strings.Repeat("x", MaxEventSize+1) + "\n\n"
	r := NewSSEReader(strings.NewReader(big))

	_, _, err := r.ReadEvent()
	if err == nil {
		t.Fatal("Expected error for oversized event")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Unexpected error: %v", err)
	}
}

// =============================================================================
// FRAME DECODER TESTS
// =============================================================================

func TestDecodeFrame_TextDelta(t *testing.T) {
	f := DecodeFrame([]byte(`{"choices":[{"delta":{"content":"Hello"}}]}`))
	if f.Kind != FrameText {
		t.Fatalf("Expected FrameText, got %v", f.Kind)
	}
	if f.Text != "Hello" {
		t.Errorf("Unexpected text: %q", f.Text)
	}
}

func TestDecodeFrame_EmptyDelta(t *testing.T) {
	f := DecodeFrame([]byte(`{"choices":[{"delta":{"content":""}}]}`))
	if f.Kind != FrameEmpty {
		t.Fatalf("Expected FrameEmpty, got %v", f.Kind)
	}
	if f.Err != nil {
		t.Errorf("Empty delta should not be an error: %v", f.Err)
	}
}

func TestDecodeFrame_BackendErrorDelta(t *testing.T) {
	// Backend error deltas ride on an empty content delta.
	f := DecodeFrame([]byte(`{"choices":[{"delta":{"content":"","msg":"quota exceeded","code":"-1"}}]}`))
	if f.Kind != FrameEmpty {
		t.Fatalf("Expected FrameEmpty, got %v", f.Kind)
	}
	if f.ErrMsg != "quota exceeded" {
		t.Errorf("Unexpected ErrMsg: %q", f.ErrMsg)
	}
	if f.ErrCode != "-1" {
		t.Errorf("Unexpected ErrCode: %q", f.ErrCode)
	}
}

func TestDecodeFrame_NumericErrorCode(t *testing.T) {
	f := DecodeFrame([]byte(`{"choices":[{"delta":{"msg":"bad","code":-1}}]}`))
	if f.ErrCode != "-1" {
		t.Errorf("Numeric code should normalize to %q, got %q", "-1", f.ErrCode)
	}
}

func TestDecodeFrame_ToolCalls(t *testing.T) {
	payload := `{"choices":[{"delta":{"tool_calls":[{"id":"call-1","function":{"name":"calc","arguments":"{\"x\":1}"}}]}}]}`
	f := DecodeFrame([]byte(payload))
	if f.Kind != FrameToolCalls {
		t.Fatalf("Expected FrameToolCalls, got %v", f.Kind)
	}
	if len(f.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(f.ToolCalls))
	}
	tc := f.ToolCalls[0]
	if tc.ID != "call-1" || tc.Function.Name != "calc" {
		t.Errorf("Unexpected tool call: %+v", tc)
	}
}

func TestDecodeFrame_ConfirmControl(t *testing.T) {
	payload := `{"extra":{"mcp":{"type":"tool_call_confirm","id":"c1","thread_id":"t1","tool":"read_file"}}}`
	f := DecodeFrame([]byte(payload))
	if f.Kind != FrameControl {
		t.Fatalf("Expected FrameControl, got %v", f.Kind)
	}
	if f.Control.Type != ControlConfirm {
		t.Errorf("Unexpected control type: %q", f.Control.Type)
	}
	if f.Control.ThreadID != "t1" {
		t.Errorf("Unexpected thread id: %q", f.Control.ThreadID)
	}
	// Display text carries the tool name and the loading placeholder.
	if !strings.Contains(f.Text, "read_file") || !strings.Contains(f.Text, LoadingMarker) {
		t.Errorf("Confirm display text missing pieces: %q", f.Text)
	}
}

func TestDecodeFrame_ResultControl(t *testing.T) {
	payload := `{"extra":{"mcp":{"type":"tool_result","thread_id":"t1","result":"42 files"}}}`
	f := DecodeFrame([]byte(payload))
	if f.Kind != FrameControl {
		t.Fatalf("Expected FrameControl, got %v", f.Kind)
	}
	if f.Control.Type != ControlResult {
		t.Errorf("Unexpected control type: %q", f.Control.Type)
	}
	if !strings.Contains(f.Text, "42 files") {
		t.Errorf("Result display text missing result: %q", f.Text)
	}
}

func TestDecodeFrame_NonStreamingBody(t *testing.T) {
	f := DecodeFrame([]byte(`{"message":{"content":"whole reply"}}`))
	if f.Kind != FrameText {
		t.Fatalf("Expected FrameText, got %v", f.Kind)
	}
	if f.Text != "whole reply" {
		t.Errorf("Unexpected text: %q", f.Text)
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	f := DecodeFrame([]byte(`{not json`))
	if f.Kind != FrameEmpty {
		t.Fatalf("Malformed frame must decode as FrameEmpty, got %v", f.Kind)
	}
	if f.Err == nil {
		t.Error("Malformed frame should carry the decode error")
	}
}

func TestDecodeFrame_UnknownControlType(t *testing.T) {
	f := DecodeFrame([]byte(`{"extra":{"mcp":{"type":"tool_progress"}}}`))
	if f.Kind != FrameEmpty {
		t.Errorf("Unknown control types must be skipped, got %v", f.Kind)
	}
}
