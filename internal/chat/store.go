// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat owns the in-memory session list and drives exchanges
// through the streaming engine: it creates the message pair for each
// send, mutates the assistant message as stream callbacks arrive, and
// persists sessions through the storage layer.
package chat

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/aiden-tui/internal/agent"
	"github.com/morganforge/aiden-tui/internal/model"
	"github.com/morganforge/aiden-tui/internal/storage"
	"github.com/morganforge/aiden-tui/internal/telemetry"
)

// User-facing error texts appended to a failed assistant message.
const (
	timeoutText       = "The request timed out. Please try again later."
	busyText          = "The server is busy. Please try again later."
	emptyResponseText = "Empty response from the server."
)

// ChangeKind tells the UI what kind of update happened.
type ChangeKind int

const (
	ChangeUpdate ChangeKind = iota
	ChangeFinish
	ChangeError
)

// ChangeFunc is the UI notification hook. It may be called from stream
// goroutines; implementations must be safe for concurrent use.
type ChangeFunc func(kind ChangeKind, sessionID, messageID string)

// =============================================================================
// CHAT STORE
// =============================================================================

// Store is the chat session list plus the send/stop operations over it.
// All exported methods are safe for concurrent use.
type Store struct {
	engine   *agent.Engine
	registry *agent.Registry
	persist  *storage.SessionStore
	stats    *telemetry.Recorder

	mu       sync.Mutex
	sessions []*model.Session
	current  int

	onChange ChangeFunc
}

// NewStore creates a chat store. persist and stats may be nil (tests);
// registry must not be.
func NewStore(engine *agent.Engine, registry *agent.Registry, persist *storage.SessionStore, stats *telemetry.Recorder) *Store {
	return &Store{
		engine:   engine,
		registry: registry,
		persist:  persist,
		stats:    stats,
	}
}

// SetOnChange installs the UI notification hook.
func (s *Store) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify(kind ChangeKind, sessionID, messageID string) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(kind, sessionID, messageID)
	}
}

// =============================================================================
// SESSION LIST
// =============================================================================

// LoadSessions restores the most recent persisted sessions into memory.
func (s *Store) LoadSessions(limit int) error {
	if s.persist == nil {
		return nil
	}
	metas, err := s.persist.List()
	if err != nil {
		return err
	}
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range metas {
		sess, err := s.persist.Load(meta.ID)
		if err != nil {
			continue
		}
		s.sessions = append(s.sessions, sess)
	}
	return nil
}

// Sessions returns a snapshot of the session list.
func (s *Store) Sessions() []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Session(nil), s.sessions...)
}

// Current returns the selected session, creating one if none exists.
func (s *Store) Current() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() *model.Session {
	if len(s.sessions) == 0 {
		sess := model.NewSession()
		s.sessions = append(s.sessions, sess)
		s.current = 0
	}
	if s.current < 0 || s.current >= len(s.sessions) {
		s.current = 0
	}
	return s.sessions[s.current]
}

// Select makes the session at index current.
func (s *Store) Select(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.sessions) {
		return errors.New("session index out of range")
	}
	s.current = index
	return nil
}

// SelectByID makes the session with the given ID current.
func (s *Store) SelectByID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sess := range s.sessions {
		if sess.ID == id {
			s.current = i
			return nil
		}
	}
	return errors.New("no such session: " + id)
}

// NewSession creates a session bound to the model and selects it.
func (s *Store) NewSession(binding model.ModelBinding) *model.Session {
	sess := model.NewSessionWithModel(binding)
	s.mu.Lock()
	// Newest first, matching the list the UI shows.
	s.sessions = append([]*model.Session{sess}, s.sessions...)
	s.current = 0
	s.mu.Unlock()
	s.save(sess)
	return sess
}

// ForkCurrent deep-copies the current session and selects the copy.
// Any in-flight stream stays attached to the original.
func (s *Store) ForkCurrent() *model.Session {
	s.mu.Lock()
	clone := s.currentLocked().Fork()
	clone.Topic = "Copy of " + clone.Topic
	s.sessions = append([]*model.Session{clone}, s.sessions...)
	s.current = 0
	s.mu.Unlock()
	s.save(clone)
	return clone
}

// ImportTranscript rebuilds a session from a raw backend transcript and
// selects it. The entries arrive in backend order; FormatTranscript pairs
// the interleaved MCP records back onto their messages.
func (s *Store) ImportTranscript(topic string, entries []model.TranscriptEntry) (*model.Session, error) {
	msgs := model.FormatTranscript(entries)
	if len(msgs) == 0 {
		return nil, errors.New("transcript has no messages")
	}

	sess := model.NewSession()
	if topic != "" {
		sess.Topic = topic
	}
	sess.Messages = msgs

	s.mu.Lock()
	s.sessions = append([]*model.Session{sess}, s.sessions...)
	s.current = 0
	s.mu.Unlock()
	s.save(sess)
	return sess, nil
}

// DeleteSession removes the session at index, stopping any streams it
// still owns.
func (s *Store) DeleteSession(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.sessions) {
		s.mu.Unlock()
		return errors.New("session index out of range")
	}
	sess := s.sessions[index]
	s.sessions = append(s.sessions[:index], s.sessions[index+1:]...)
	if s.current >= len(s.sessions) {
		s.current = len(s.sessions) - 1
	}
	if s.current < 0 {
		s.current = 0
	}
	s.mu.Unlock()

	s.stopSession(sess)
	if s.persist != nil {
		if err := s.persist.Delete(sess.ID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// MoveSession reorders the list, keeping the same session selected.
func (s *Store) MoveSession(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	if from < 0 || from >= n || to < 0 || to >= n {
		return errors.New("session index out of range")
	}
	selected := s.sessions[s.current]
	sess := s.sessions[from]
	s.sessions = append(s.sessions[:from], s.sessions[from+1:]...)
	rest := append([]*model.Session(nil), s.sessions[to:]...)
	s.sessions = append(s.sessions[:to], sess)
	s.sessions = append(s.sessions, rest...)
	for i, c := range s.sessions {
		if c == selected {
			s.current = i
			break
		}
	}
	return nil
}

// RenameCurrent sets the current session's topic.
func (s *Store) RenameCurrent(topic string) {
	s.mu.Lock()
	sess := s.currentLocked()
	sess.Topic = topic
	sess.UpdatedAt = time.Now()
	s.mu.Unlock()
	s.save(sess)
}

// ClearCurrentContext marks the context boundary on the current session.
func (s *Store) ClearCurrentContext() {
	s.mu.Lock()
	sess := s.currentLocked()
	sess.ClearContext()
	s.mu.Unlock()
	s.save(sess)
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage appends the user's turn and a streaming assistant turn to
// the current session and starts the exchange. It returns the assistant
// message, which fills in as the stream progresses.
func (s *Store) SendMessage(ctx context.Context, content string, parts []model.Part) *model.Message {
	s.mu.Lock()
	sess := s.currentLocked()

	userMsg := model.NewUserMessage(content)
	userMsg.Parts = parts
	sess.AddMessage(userMsg)

	botMsg := sess.AddAssistantMessage()
	messages := sess.MessagesForRequest()
	binding := sess.Model
	s.mu.Unlock()

	s.save(sess)

	req := agent.Request{
		SessionID: sess.ID,
		MessageID: botMsg.ID,
		Binding:   binding,
		Messages:  messages,
		Stream:    true,
	}
	s.engine.Chat(ctx, req, s.callbacksFor(sess, botMsg))
	return botMsg
}

// callbacksFor binds the engine's stream callbacks to one assistant
// message. The closure carries the timing state for telemetry.
func (s *Store) callbacksFor(sess *model.Session, botMsg *model.Message) agent.Callbacks {
	start := time.Now()
	var firstChunk time.Time

	return agent.Callbacks{
		OnController: func(ctrl *agent.Controller) {
			s.registry.Add(sess.ID, botMsg.ID, ctrl)
		},

		OnUpdate: func(text string, mcp *agent.MCPUpdate) {
			s.mu.Lock()
			if firstChunk.IsZero() && text != "" {
				firstChunk = time.Now()
				botMsg.TTFT = firstChunk.Sub(start)
			}
			botMsg.Streaming = true
			botMsg.Content = text
			if mcp != nil {
				botMsg.MergeMCP(mcp.Title, mcp.Request, mcp.Response)
			}
			s.mu.Unlock()
			s.notify(ChangeUpdate, sess.ID, botMsg.ID)
		},

		OnToolCall: func(info agent.ToolCallInfo) {
			s.mu.Lock()
			botMsg.IsMCPResponse = true
			botMsg.MergeMCP(info.Title, info.Request, "")
			s.mu.Unlock()
			s.notify(ChangeUpdate, sess.ID, botMsg.ID)
		},

		OnFinish: func(text string, _ *http.Response, mcp *agent.MCPUpdate) {
			s.mu.Lock()
			botMsg.Streaming = false
			botMsg.Content = text
			if mcp != nil {
				botMsg.MergeMCP(mcp.Title, mcp.Request, mcp.Response)
			}
			if text == "" {
				botMsg.IsError = true
				botMsg.Content = emptyResponseText
			}
			botMsg.TotalDuration = time.Since(start)
			if botMsg.TotalDuration > 0 {
				botMsg.CharsPerSec = float64(len(text)) / botMsg.TotalDuration.Seconds()
			}
			sess.UpdatedAt = time.Now()
			s.mu.Unlock()

			s.registry.Remove(sess.ID, botMsg.ID)
			s.recordStats(sess, botMsg)
			s.save(sess)
			s.notify(ChangeFinish, sess.ID, botMsg.ID)
		},

		OnError: func(err error, wasStreaming bool) {
			s.registry.Remove(sess.ID, botMsg.ID)
			s.applyError(sess, botMsg, err, wasStreaming)
		},
	}
}

// applyError folds a terminal stream error into the assistant message.
// A user stop keeps whatever streamed; a stopped message that never
// received content is discarded along with nothing else.
func (s *Store) applyError(sess *model.Session, botMsg *model.Message, err error, wasStreaming bool) {
	s.mu.Lock()
	botMsg.Streaming = false

	switch {
	case errors.Is(err, agent.ErrCanceled):
		// A stop during an approval gate can leave the pending-approval
		// placeholder in the last streamed text.
		botMsg.Content = strings.ReplaceAll(botMsg.Content, agent.LoadingMarker, "")
		if botMsg.Content == "" {
			sess.RemoveMessage(botMsg.ID)
		}
	case errors.Is(err, agent.ErrTimeout):
		botMsg.IsError = true
		botMsg.Content = appendErrorText(botMsg.Content, timeoutText)
	default:
		botMsg.IsError = true
		botMsg.Content = appendErrorText(botMsg.Content, errorText(err))
	}
	sess.UpdatedAt = time.Now()
	s.mu.Unlock()

	log.Printf("[Chat] exchange failed (session=%s message=%s streaming=%v): %v",
		sess.ID, botMsg.ID, wasStreaming, err)
	s.save(sess)
	s.notify(ChangeError, sess.ID, botMsg.ID)
}

// errorText maps a transport error to the text shown to the user.
func errorText(err error) string {
	var open *agent.OpenError
	if errors.As(err, &open) && open.Status == 503 {
		return busyText
	}
	return err.Error()
}

func appendErrorText(content, text string) string {
	if content == "" {
		return text
	}
	return content + "\n\n" + text
}

// =============================================================================
// STOP
// =============================================================================

// StopMessage aborts the stream writing to one message, if in flight.
func (s *Store) StopMessage(sessionID, messageID string) {
	s.registry.Stop(sessionID, messageID)
}

// StopCurrent aborts every in-flight stream in the current session.
func (s *Store) StopCurrent() {
	s.stopSession(s.Current())
}

// StopAll aborts every in-flight stream in every session.
func (s *Store) StopAll() {
	s.registry.StopAll()
}

// HasPendingInCurrent reports whether the current session has a live
// stream; the UI uses this to choose between "stop" and "send".
func (s *Store) HasPendingInCurrent() bool {
	return s.registry.HasPendingInSession(s.Current().ID)
}

func (s *Store) stopSession(sess *model.Session) {
	s.mu.Lock()
	ids := make([]string, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		if msg.Streaming {
			ids = append(ids, msg.ID)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.registry.Stop(sess.ID, id)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func (s *Store) save(sess *model.Session) {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.persist.Save(sess); err != nil {
		log.Printf("[Chat] save session %s: %v", sess.ID, err)
	}
}

func (s *Store) recordStats(sess *model.Session, botMsg *model.Message) {
	if s.stats == nil {
		return
	}
	s.mu.Lock()
	entry := telemetry.StreamStats{
		Model:       sess.Model.Model,
		Timestamp:   time.Now(),
		TTFTMs:      botMsg.TTFT.Milliseconds(),
		DurationMs:  botMsg.TotalDuration.Milliseconds(),
		Chars:       len(botMsg.Content),
		CharsPerSec: botMsg.CharsPerSec,
	}
	s.mu.Unlock()
	if err := s.stats.Record(entry); err != nil {
		log.Printf("[Chat] record stats: %v", err)
	}
}
