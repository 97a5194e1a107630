// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"sync"
)

// Cancellation causes fed into a session context. The terminal handler
// branches on context.Cause to tell a user stop from a timeout.
var (
	// ErrCanceled is the cause recorded for a user-initiated stop.
	ErrCanceled = errors.New("user canceled")

	// ErrTimeout is the cause recorded when the request timer expires.
	ErrTimeout = errors.New("request timed out")
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller is the cancellation handle for one in-flight stream leg. Both
// the user "stop" action and the request timeout funnel into the same
// underlying context; the first cause recorded wins.
type Controller struct {
	cancel context.CancelCauseFunc
}

func newController(cancel context.CancelCauseFunc) *Controller {
	return &Controller{cancel: cancel}
}

// Abort cancels the leg as a user-initiated stop.
func (c *Controller) Abort() {
	c.cancel(ErrCanceled)
}

// abortCause cancels the leg with an explicit cause (timeout path).
func (c *Controller) abortCause(cause error) {
	c.cancel(cause)
}

// =============================================================================
// CONTROLLER REGISTRY
// =============================================================================

// Registry is the process-wide table of cancellation handles keyed by
// (session id, message id). It is the only cross-session shared mutable
// state in the streaming subsystem; construct one per app (or per test)
// and inject it.
type Registry struct {
	mu          sync.Mutex
	controllers map[registryKey]*Controller
}

type registryKey struct {
	sessionID string
	messageID string
}

// NewRegistry creates an empty controller registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[registryKey]*Controller)}
}

// Add registers the controller for (sessionID, messageID), replacing any
// prior entry for the same key (a continuation leg takes over its parent's
// slot).
func (r *Registry) Add(sessionID, messageID string, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[registryKey{sessionID, messageID}] = c
}

// Remove deletes the entry for (sessionID, messageID). Idempotent: both the
// normal completion and abort paths call it.
func (r *Registry) Remove(sessionID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, registryKey{sessionID, messageID})
}

// Get returns the live controller for (sessionID, messageID), or nil.
func (r *Registry) Get(sessionID, messageID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[registryKey{sessionID, messageID}]
}

// Stop aborts the stream for one message, if still in flight.
func (r *Registry) Stop(sessionID, messageID string) {
	if c := r.Get(sessionID, messageID); c != nil {
		c.Abort()
	}
}

// StopAll aborts every registered stream (global "stop" action).
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Abort()
	}
}

// HasPendingInSession reports whether any message in the session has a live
// stream; the UI uses this to choose between "stop" and "send".
func (r *Registry) HasPendingInSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.controllers {
		if k.sessionID == sessionID {
			return true
		}
	}
	return false
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
