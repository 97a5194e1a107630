// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morganforge/aiden-tui/internal/model"
)

// legacyToolRestartDelay separates a tool-execution leg from the request it
// re-issues, mirroring the backend's expectations.
const legacyToolRestartDelay = 60 * time.Millisecond

// =============================================================================
// SESSION STATE
// =============================================================================

// SessionState tracks a stream session through its lifecycle.
type SessionState int32

const (
	StateOpening SessionState = iota
	StateStreaming
	StateToolPending
	StateFinishing
	StateErroring
	StateAborting
	StateTerminated
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateToolPending:
		return "tool-pending"
	case StateFinishing:
		return "finishing"
	case StateErroring:
		return "erroring"
	case StateAborting:
		return "aborting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// =============================================================================
// ENGINE API
// =============================================================================

// ToolFunc executes one backend-declared tool function (legacy non-MCP
// path). The returned string becomes the tool turn's content.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Request describes one chat exchange.
type Request struct {
	// SessionID and MessageID key the exchange's controller registry entry
	// and identify the visible message being written.
	SessionID string
	MessageID string

	Binding  model.ModelBinding
	Messages []model.RequestMessage

	// Stream selects the SSE transport; false uses the single-body
	// fallback.
	Stream bool

	// Tools maps function names to executors for the legacy path. Nil
	// disables client-side tool execution.
	Tools map[string]ToolFunc
}

// MCPUpdate carries tool-call transcript fragments alongside text updates.
type MCPUpdate struct {
	Title    string
	Request  string
	Response string
}

// ToolCallInfo reports an approval-gate outcome to the caller.
type ToolCallInfo struct {
	Approved   bool
	Decision   Decision
	ToolCallID string
	ThreadID   string
	Title      string
	Request    string
}

// Callbacks are the side effects a stream session exposes to its caller.
// OnController fires synchronously before any data arrives; the remaining
// callbacks fire from the session's goroutines and may be invoked
// concurrently, so implementations must synchronize shared state.
//
// Exactly one terminal callback fires per exchange: OnFinish once, or
// OnError at most once, never both.
type Callbacks struct {
	OnController func(*Controller)
	OnUpdate     func(text string, mcp *MCPUpdate)
	OnFinish     func(text string, resp *http.Response, mcp *MCPUpdate)
	OnError      func(err error, wasStreaming bool)
	OnToolCall   func(info ToolCallInfo)
	OnBeforeTool func(tool *model.ToolInvocation)
	OnAfterTool  func(tool *model.ToolInvocation)
}

// Engine starts stream sessions against the agent backend and dispatches
// tool-call continuations. It is safe for concurrent use; sessions are
// fully independent of one another.
type Engine struct {
	client   *Client
	policy   PolicyStore
	prompter Prompter

	// ticker overrides the animator tick source (tests).
	ticker Ticker
}

// NewEngine creates an engine. policy and prompter may be nil: a nil
// policy trusts nothing, a nil prompter declines every untrusted call.
func NewEngine(client *Client, policy PolicyStore, prompter Prompter) *Engine {
	return &Engine{client: client, policy: policy, prompter: prompter}
}

// WithTicker overrides the animator tick source (tests use a virtual
// clock).
func (e *Engine) WithTicker(t Ticker) *Engine {
	e.ticker = t
	return e
}

// Chat starts one exchange and returns immediately; progress and the
// terminal outcome arrive through cb.
func (e *Engine) Chat(ctx context.Context, req Request, cb Callbacks) {
	if !req.Stream {
		go e.chatOnce(ctx, req, cb)
		return
	}
	payload := chatPayload{Messages: req.Messages, Stream: true}
	s := e.newSession(ctx, req, cb, e.client.ChatURL(), payload)
	s.start()
}

// chatOnce runs the non-streaming fallback: one POST, one body.
func (e *Engine) chatOnce(parent context.Context, req Request, cb Callbacks) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if cb.OnController != nil {
		cb.OnController(newController(cancel))
	}

	text, resp, err := e.client.Chat(ctx, req.Binding, req.Messages)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
			err = cause
		}
		if cb.OnError != nil {
			cb.OnError(err, false)
		}
		return
	}
	if cb.OnFinish != nil {
		cb.OnFinish(text, resp, nil)
	}
}

// =============================================================================
// STREAM SESSION
// =============================================================================

// streamSession is one open exchange over the streaming transport.
type streamSession struct {
	eng *Engine
	req Request
	cb  Callbacks

	url     string
	payload any

	ctx    context.Context
	cancel context.CancelCauseFunc
	ctrl   *Controller
	timer  *time.Timer

	anim *Animator
	resp *http.Response

	state      atomic.Int32
	terminated atomic.Bool
	streamed   atomic.Bool // transport open succeeded
	sawConfirm atomic.Bool // scrub loading marker once output resumes
	handedOff  atomic.Bool // a child session owns terminal reporting

	// Unresolved confirm signals; while nonzero, stream close defers the
	// terminal transition to the resolving goroutine.
	confirms atomic.Int32

	// closeObserved records a genuine transport close ([DONE], EOF, or a
	// fully-read plain body) as opposed to a finish requested by a gate
	// resolution; an abort racing an observed close still settles as
	// success.
	closeObserved atomic.Bool

	toolsMu  sync.Mutex
	runTools []ToolCallDelta
}

func (e *Engine) newSession(parent context.Context, req Request, cb Callbacks, url string, payload any) *streamSession {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	s := &streamSession{
		eng:     e,
		req:     req,
		cb:      cb,
		url:     url,
		payload: payload,
		ctx:     ctx,
		cancel:  cancel,
		ctrl:    newController(cancel),
	}
	onUpdate := func(text string) {
		if cb.OnUpdate != nil {
			cb.OnUpdate(text, nil)
		}
	}
	if e.ticker != nil {
		s.anim = NewAnimatorWithTicker(onUpdate, nil, e.ticker)
	} else {
		s.anim = NewAnimator(onUpdate, nil)
	}
	return s
}

func (s *streamSession) setState(st SessionState) {
	s.state.Store(int32(st))
}

// start hands the controller to the caller, arms the open timeout, and
// launches the read loop.
func (s *streamSession) start() {
	s.setState(StateOpening)
	if s.cb.OnController != nil {
		s.cb.OnController(s.ctrl)
	}
	timeout := s.eng.client.TimeoutFor(s.req.Binding)
	s.timer = time.AfterFunc(timeout, func() {
		log.Printf("[Stream] request timed out after %s (session=%s message=%s)",
			timeout, s.req.SessionID, s.req.MessageID)
		s.ctrl.abortCause(ErrTimeout)
	})

	go s.anim.Run(s.ctx)
	go s.run()
}

// run opens the transport and consumes the event stream.
func (s *streamSession) run() {
	resp, err := s.eng.client.openStream(s.ctx, s.url, s.payload, s.req.Binding)
	if err != nil {
		s.timer.Stop()
		s.terminateError(err)
		return
	}
	// The open timeout covers connect plus first response only; streaming
	// duration is unbounded and cancellation takes over from here.
	s.timer.Stop()
	s.resp = resp
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")

	// Some middleware answers a stream request with a plain body; take it
	// as the whole reply.
	if strings.HasPrefix(contentType, "text/plain") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		s.anim.Push(string(body))
		s.streamed.Store(true)
		s.closeObserved.Store(true)
		s.finishStream()
		return
	}

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(contentType, "text/event-stream") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		s.terminateError(&OpenError{
			Status:      resp.StatusCode,
			ContentType: contentType,
			Body:        prettyBody(body),
		})
		return
	}

	s.setState(StateStreaming)
	s.streamed.Store(true)

	reader := NewSSEReader(resp.Body)
	for {
		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				s.closeObserved.Store(true)
				s.finishStream()
				return
			}
			s.terminateError(fmt.Errorf("stream read: %w", err))
			return
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.closeObserved.Store(true)
			s.finishStream()
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		s.handleFrame(DecodeFrame(data))
	}
}

// handleFrame routes one decoded frame.
func (s *streamSession) handleFrame(frame Frame) {
	switch frame.Kind {
	case FrameEmpty:
		if frame.Err != nil {
			// A single malformed frame never terminates the stream.
			log.Printf("[Stream] skipping malformed frame: %v", frame.Err)
		} else if frame.ErrMsg != "" || frame.ErrCode != "" {
			log.Printf("[Stream] backend error delta (code=%s): %s", frame.ErrCode, frame.ErrMsg)
		}

	case FrameText:
		if s.sawConfirm.Load() {
			s.anim.Scrub(LoadingMarker)
		}
		s.anim.Push(frame.Text)

	case FrameToolCalls:
		s.collectToolCalls(frame.ToolCalls)

	case FrameControl:
		s.handleControl(frame)
	}
}

// handleControl routes an MCP control signal.
func (s *streamSession) handleControl(frame Frame) {
	mcp := frame.Control
	switch mcp.Type {
	case ControlConfirm:
		log.Printf("[MCP] tool_call_confirm tool=%q thread=%s", mcp.Tool, mcp.ThreadID)
		s.setState(StateToolPending)
		s.sawConfirm.Store(true)
		s.anim.Push(frame.Text)

		call := PendingToolCall{
			ID:       mcp.ID,
			ThreadID: mcp.ThreadID,
			Tool:     mcp.Tool,
			Request:  prettyControl(mcp) + "\n\n",
		}
		s.confirms.Add(1)
		// The read loop keeps running so a result signal or stream close
		// can still be observed while the gate waits.
		go s.resolveConfirm(call)

	case ControlResult:
		log.Printf("[MCP] tool_result thread=%s", mcp.ThreadID)
		s.anim.Scrub(LoadingMarker)
		s.anim.Push(frame.Text)
		if s.cb.OnUpdate != nil {
			s.cb.OnUpdate(s.anim.Text(), &MCPUpdate{Response: mcp.Result})
		}
	}
}

// resolveConfirm runs the approval gate for one confirm signal and either
// hands off to a continuation session or finishes the exchange.
func (s *streamSession) resolveConfirm(call PendingToolCall) {
	gate := NewGate(s.eng.policy, s.eng.prompter)
	decision := gate.Resolve(s.ctx, call)

	if s.cb.OnToolCall != nil {
		s.cb.OnToolCall(ToolCallInfo{
			Approved:   decision.Approved(),
			Decision:   decision,
			ToolCallID: call.ID,
			ThreadID:   call.ThreadID,
			Title:      call.Tool,
			Request:    call.Request,
		})
	}

	if !decision.Approved() {
		// An abort mid-gate also resolves declined; it surfaces as a
		// cancellation, not a decline, so no marker is recorded for it.
		if s.ctx.Err() == nil {
			log.Printf("[MCP] tool %q declined", call.Tool)
			s.anim.Scrub(LoadingMarker)
			s.anim.Push("\r\n" + DeclinedMarker + "\r\n")
			if s.cb.OnUpdate != nil {
				s.cb.OnUpdate(s.anim.Text(), &MCPUpdate{Response: DeclinedMarker})
			}
		}
		if s.confirms.Add(-1) == 0 {
			s.finishStream()
		}
		return
	}

	if s.ctx.Err() != nil {
		// Aborted while the gate was deciding; no continuation.
		if s.confirms.Add(-1) == 0 {
			s.finishStream()
		}
		return
	}

	log.Printf("[MCP] tool %q approved (%s), continuing thread %s", call.Tool, decision, call.ThreadID)
	s.handedOff.Store(true)
	s.confirms.Add(-1)
	// The child leg owns the message from here; stop the parent's drain
	// loop so it exits instead of racing the child's updates.
	s.anim.Finish()
	s.eng.dispatchContinuation(s, call)
}

// finishStream is the success-side transition out of the read loop. It
// defers to any unresolved approval gate, to a continuation child, or to
// the legacy tool leg before terminating.
func (s *streamSession) finishStream() {
	if s.handedOff.Load() {
		return
	}
	if s.confirms.Load() > 0 {
		// ToolPending: the resolving goroutine finishes or hands off.
		return
	}

	if tools := s.takeToolCalls(); len(tools) > 0 && s.req.Tools != nil && s.ctx.Err() == nil {
		s.handedOff.Store(true)
		// The restarted leg gets its own animator; retire the parent's.
		s.anim.Finish()
		go s.runLegacyTools(tools)
		return
	}

	s.setState(StateFinishing)
	s.terminate(nil)
}

// terminateError is the failure-side transition: transport open failures
// and mid-stream read errors land here.
func (s *streamSession) terminateError(err error) {
	s.setState(StateErroring)
	s.terminate(err)
}

// terminate settles the exchange exactly once. Both the stream-close path
// and an abort can race here; the first caller wins and later calls are
// no-ops. A close observed before the abort wins counts as success even if
// the context is already cancelled (abort after the last frame but before
// [DONE] is a successful exchange). An abort that wins before any close
// was observed settles as a cancellation, even when it arrives through a
// declined gate rather than the read loop.
func (s *streamSession) terminate(readErr error) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}

	if s.sawConfirm.Load() {
		// A pending-approval placeholder may still sit in the text when an
		// abort resolves the gate; it never belongs in final content.
		s.anim.Scrub(LoadingMarker)
	}
	final := s.anim.Finish()
	cause := context.Cause(s.ctx)
	aborted := cause != nil && cause != context.Canceled

	defer s.setState(StateTerminated)

	if readErr == nil && (s.closeObserved.Load() || !aborted) {
		log.Printf("[Stream] finished (session=%s message=%s, %d chars)",
			s.req.SessionID, s.req.MessageID, len(final))
		if s.cb.OnFinish != nil {
			s.cb.OnFinish(final, s.resp, nil)
		}
		return
	}

	err := readErr
	if aborted {
		// User stop and timeout funnel through the controller; the cause
		// outranks whatever error the read loop surfaced.
		err = cause
		s.setState(StateAborting)
	}
	if err == nil {
		err = ErrEmptyResponse
	}
	log.Printf("[Stream] failed (session=%s message=%s): %v", s.req.SessionID, s.req.MessageID, err)
	if s.cb.OnError != nil {
		s.cb.OnError(err, s.streamed.Load())
	}
}

// =============================================================================
// CONTINUATION DISPATCHER
// =============================================================================

// dispatchContinuation starts the child session for an approved tool call.
// The child writes into the same visible message (same session/message
// ids, same callbacks) and re-registers its own controller under that key.
// It may itself hit another confirm signal: tool calls chain.
func (e *Engine) dispatchContinuation(parent *streamSession, call PendingToolCall) {
	payload := ToolCallApproval{
		Approved:   true,
		ToolCallID: call.ID,
		ThreadID:   call.ThreadID,
		Stream:     true,
	}
	// Deriving from the parent context propagates a parent abort into the
	// child; a normally-completed parent leaves its context alive.
	child := e.newSession(parent.ctx, parent.req, parent.cb, e.client.ContinueURL(), payload)
	child.start()
}

// =============================================================================
// LEGACY FUNCTION-CALL PATH
// =============================================================================

// collectToolCalls merges tool_call deltas; fragmented argument chunks
// (empty id) append to the last declaration.
func (s *streamSession) collectToolCalls(calls []ToolCallDelta) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	for _, tc := range calls {
		if tc.ID == "" && len(s.runTools) > 0 {
			last := &s.runTools[len(s.runTools)-1]
			last.Function.Arguments += tc.Function.Arguments
			continue
		}
		s.runTools = append(s.runTools, tc)
	}
}

func (s *streamSession) takeToolCalls() []ToolCallDelta {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	tools := s.runTools
	s.runTools = nil
	return tools
}

// runLegacyTools executes backend-declared tool functions client side,
// appends the declarations and results to the request transcript, and
// re-issues the exchange as a new leg writing to the same message.
// Individual tool failures are reported per tool and do not abort the
// stream.
func (s *streamSession) runLegacyTools(calls []ToolCallDelta) {
	results := make([]model.RequestMessage, 0, len(calls))
	for _, call := range calls {
		inv := &model.ToolInvocation{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
		if s.cb.OnBeforeTool != nil {
			s.cb.OnBeforeTool(inv)
		}

		content := s.executeTool(call)
		if content.err != nil {
			inv.IsError = true
			inv.ErrorMsg = content.err.Error()
			inv.Content = content.err.Error()
		} else {
			inv.Content = content.text
		}
		if s.cb.OnAfterTool != nil {
			s.cb.OnAfterTool(inv)
		}

		results = append(results, model.RequestMessage{
			Role:       model.RoleTool.String(),
			Content:    inv.Content,
			Name:       inv.Name,
			ToolCallID: inv.ID,
		})
	}

	// Transcript grows by the assistant's declarations, then the results.
	messages := append([]model.RequestMessage(nil), s.req.Messages...)
	messages = append(messages, model.RequestMessage{
		Role:      model.RoleAssistant.String(),
		ToolCalls: calls,
	})
	messages = append(messages, results...)

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(legacyToolRestartDelay):
	}

	log.Printf("[Stream] restarting after %d tool call(s)", len(calls))
	req := s.req
	req.Messages = messages
	child := s.eng.newSession(s.ctx, req, s.cb, s.url, chatPayload{Messages: messages, Stream: true})
	child.start()
}

type toolResult struct {
	text string
	err  error
}

func (s *streamSession) executeTool(call ToolCallDelta) toolResult {
	fn, ok := s.req.Tools[call.Function.Name]
	if !ok {
		return toolResult{err: fmt.Errorf("unknown tool %q", call.Function.Name)}
	}
	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	text, err := fn(s.ctx, args)
	return toolResult{text: text, err: err}
}

// =============================================================================
// ERRORS & HELPERS
// =============================================================================

// OpenError reports a transport-open failure: wrong status or wrong
// content type, with the response body captured as diagnostic text.
type OpenError struct {
	Status      int
	ContentType string
	Body        string
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stream open failed (status %d, content-type %q): %s", e.Status, e.ContentType, e.Body)
	}
	return fmt.Sprintf("stream open failed (status %d, content-type %q)", e.Status, e.ContentType)
}

// prettyControl renders an MCP control record as the human-readable
// request transcript shown in the approval prompt.
func prettyControl(mcp *MCPControl) string {
	out, err := json.MarshalIndent(mcp, "", "  ")
	if err != nil {
		return mcp.Tool
	}
	return string(out)
}

// prettyBody re-indents a JSON diagnostic body; non-JSON bodies pass
// through trimmed.
func prettyBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return trimmed
	}
	out, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return trimmed
	}
	return string(out)
}
