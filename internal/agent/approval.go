// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"log"
	"sync"
)

// DeclinedMarker is recorded as the tool's response when the user declines
// a tool call. Matches the backend's fixed decline transcript text.
const DeclinedMarker = "User declined the tool call."

// =============================================================================
// DECISION
// =============================================================================

// Decision is the user's answer to a tool-call approval prompt.
type Decision int

const (
	// DecisionDecline rejects the tool call; no continuation is issued.
	DecisionDecline Decision = iota
	// DecisionOnce approves this call only.
	DecisionOnce
	// DecisionAlways approves and persists trust for the tool.
	DecisionAlways
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionDecline:
		return "decline"
	case DecisionOnce:
		return "once"
	case DecisionAlways:
		return "always"
	default:
		return "unknown"
	}
}

// Approved reports whether the decision allows the tool call to proceed.
func (d Decision) Approved() bool {
	return d == DecisionOnce || d == DecisionAlways
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// PendingToolCall describes one tool-call-confirm event while the approval
// gate decides it; it is discarded once resolved.
type PendingToolCall struct {
	ID       string
	ThreadID string
	Tool     string
	Request  string
}

// Prompter presents a pending tool call to the user and blocks until they
// answer. The rendering layer owns the prompt; it must honor ctx so an
// aborted session does not leave the gate suspended forever. There is no
// timeout: the user may take arbitrarily long.
type Prompter interface {
	PromptApproval(ctx context.Context, call PendingToolCall) (Decision, error)
}

// PolicyStore is the persisted per-tool approval policy. Reads are
// optimistic: a stale read costs one extra prompt, never a wrong approval.
type PolicyStore interface {
	// AlwaysApproved reports whether the tool is trusted (persisted
	// "always allow" or compiled-in allow list).
	AlwaysApproved(tool string) bool
	// SetAlwaysApproved persists trust for the tool.
	SetAlwaysApproved(tool string) error
}

// =============================================================================
// APPROVAL GATE
// =============================================================================

// GateState tracks the gate's progress for one tool call.
type GateState int

const (
	GateIdle GateState = iota
	GateAwaitingDecision
	GateResolved
)

// Gate decides one tool-call-confirm signal: consult the persisted policy,
// prompt the user if the tool is not yet trusted, and report the decision.
// Each confirm signal gets its own gate (keyed by thread id by the stream
// session), so parallel tool calls do not block one another.
type Gate struct {
	policy   PolicyStore
	prompter Prompter

	mu    sync.Mutex
	state GateState
}

// NewGate creates a gate over the given policy store and prompter.
func NewGate(policy PolicyStore, prompter Prompter) *Gate {
	return &Gate{policy: policy, prompter: prompter}
}

// State returns the gate's current state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) setState(s GateState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Resolve decides the pending call. Trusted tools resolve approved without
// prompting. Otherwise the gate suspends on the prompter until the user
// answers; ctx cancellation resolves declined so an aborted session never
// waits on a decision that will not come.
func (g *Gate) Resolve(ctx context.Context, call PendingToolCall) Decision {
	if g.policy != nil && g.policy.AlwaysApproved(call.Tool) {
		log.Printf("[MCP] tool %q already trusted, skipping prompt", call.Tool)
		g.setState(GateResolved)
		return DecisionOnce
	}

	if g.prompter == nil {
		g.setState(GateResolved)
		return DecisionDecline
	}

	g.setState(GateAwaitingDecision)
	decision, err := g.prompter.PromptApproval(ctx, call)
	g.setState(GateResolved)
	if err != nil {
		log.Printf("[MCP] approval prompt for %q resolved declined: %v", call.Tool, err)
		return DecisionDecline
	}

	if decision == DecisionAlways && g.policy != nil {
		if err := g.policy.SetAlwaysApproved(call.Tool); err != nil {
			// Trust persistence failing must not downgrade the approval.
			log.Printf("[MCP] persist trust for %q: %v", call.Tool, err)
		}
	}
	return decision
}
