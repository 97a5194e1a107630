// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// fakePolicy is an in-memory PolicyStore.
type fakePolicy struct {
	mu      sync.Mutex
	trusted map[string]bool
	saveErr error
	saved   []string
}

func newFakePolicy(trusted ...string) *fakePolicy {
	p := &fakePolicy{trusted: make(map[string]bool)}
	for _, t := range trusted {
		p.trusted[t] = true
	}
	return p
}

func (p *fakePolicy) AlwaysApproved(tool string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trusted[tool]
}

func (p *fakePolicy) SetAlwaysApproved(tool string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.trusted[tool] = true
	p.saved = append(p.saved, tool)
	return nil
}

// fakePrompter answers every prompt with a fixed decision.
type fakePrompter struct {
	decision Decision
	err      error

	mu    sync.Mutex
	calls []PendingToolCall
}

func (p *fakePrompter) PromptApproval(ctx context.Context, call PendingToolCall) (Decision, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return DecisionDecline, err
	}
	return p.decision, p.err
}

func (p *fakePrompter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// blockingPrompter holds the prompt open until released or ctx cancels.
type blockingPrompter struct {
	entered  chan struct{}
	release  chan Decision
	enterSeq sync.Once
}

func newBlockingPrompter() *blockingPrompter {
	return &blockingPrompter{
		entered: make(chan struct{}),
		release: make(chan Decision),
	}
}

func (p *blockingPrompter) PromptApproval(ctx context.Context, call PendingToolCall) (Decision, error) {
	p.enterSeq.Do(func() { close(p.entered) })
	select {
	case <-ctx.Done():
		return DecisionDecline, ctx.Err()
	case d := <-p.release:
		return d, nil
	}
}

// =============================================================================
// DECISION TESTS
// =============================================================================

func TestDecision_Approved(t *testing.T) {
	if DecisionDecline.Approved() {
		t.Error("Decline must not approve")
	}
	if !DecisionOnce.Approved() {
		t.Error("Once must approve")
	}
	if !DecisionAlways.Approved() {
		t.Error("Always must approve")
	}
}

func TestDecision_String(t *testing.T) {
	cases := map[Decision]string{
		DecisionDecline: "decline",
		DecisionOnce:    "once",
		DecisionAlways:  "always",
		Decision(99):    "unknown",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}

// =============================================================================
// GATE TESTS
// =============================================================================

func TestGate_TrustedToolSkipsPrompt(t *testing.T) {
	prompter := &fakePrompter{decision: DecisionDecline}
	g := NewGate(newFakePolicy("read_file"), prompter)

	d := g.Resolve(context.Background(), PendingToolCall{Tool: "read_file"})
	if !d.Approved() {
		t.Error("Trusted tool must resolve approved")
	}
	if prompter.callCount() != 0 {
		t.Error("Trusted tool must not prompt")
	}
	if g.State() != GateResolved {
		t.Errorf("State = %v, want GateResolved", g.State())
	}
}

func TestGate_UntrustedToolPrompts(t *testing.T) {
	prompter := &fakePrompter{decision: DecisionOnce}
	g := NewGate(newFakePolicy(), prompter)

	d := g.Resolve(context.Background(), PendingToolCall{Tool: "rm_rf"})
	if d != DecisionOnce {
		t.Errorf("Decision = %v, want once", d)
	}
	if prompter.callCount() != 1 {
		t.Errorf("Prompt calls = %d, want 1", prompter.callCount())
	}
}

func TestGate_NilPrompterDeclines(t *testing.T) {
	g := NewGate(newFakePolicy(), nil)
	if d := g.Resolve(context.Background(), PendingToolCall{Tool: "x"}); d.Approved() {
		t.Error("Nil prompter must decline untrusted tools")
	}
}

func TestGate_NilPolicyTrustsNothing(t *testing.T) {
	prompter := &fakePrompter{decision: DecisionOnce}
	g := NewGate(nil, prompter)

	g.Resolve(context.Background(), PendingToolCall{Tool: "x"})
	if prompter.callCount() != 1 {
		t.Error("Nil policy must still prompt")
	}
}

func TestGate_AlwaysPersistsTrust(t *testing.T) {
	policy := newFakePolicy()
	g := NewGate(policy, &fakePrompter{decision: DecisionAlways})

	d := g.Resolve(context.Background(), PendingToolCall{Tool: "get_time"})
	if d != DecisionAlways {
		t.Fatalf("Decision = %v, want always", d)
	}
	if !policy.AlwaysApproved("get_time") {
		t.Error("Always decision did not persist trust")
	}
}

func TestGate_PersistFailureDoesNotDowngrade(t *testing.T) {
	policy := newFakePolicy()
	policy.saveErr = errors.New("disk full")
	g := NewGate(policy, &fakePrompter{decision: DecisionAlways})

	d := g.Resolve(context.Background(), PendingToolCall{Tool: "get_time"})
	if !d.Approved() {
		t.Error("Failed trust persistence must not downgrade the approval")
	}
}

func TestGate_PrompterErrorDeclines(t *testing.T) {
	g := NewGate(newFakePolicy(), &fakePrompter{decision: DecisionOnce, err: errors.New("stdin closed")})
	if d := g.Resolve(context.Background(), PendingToolCall{Tool: "x"}); d.Approved() {
		t.Error("Prompter error must resolve declined")
	}
}

func TestGate_ContextCancelDeclines(t *testing.T) {
	prompter := newBlockingPrompter()
	g := NewGate(newFakePolicy(), prompter)

	ctx, cancel := context.WithCancel(context.Background())
	resolved := make(chan Decision, 1)
	go func() {
		resolved <- g.Resolve(ctx, PendingToolCall{Tool: "x"})
	}()

	<-prompter.entered
	if g.State() != GateAwaitingDecision {
		t.Errorf("State = %v while prompting, want GateAwaitingDecision", g.State())
	}
	cancel()

	if d := <-resolved; d.Approved() {
		t.Error("Cancelled gate must resolve declined")
	}
	if g.State() != GateResolved {
		t.Errorf("State = %v, want GateResolved", g.State())
	}
}
