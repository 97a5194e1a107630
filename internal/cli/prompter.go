// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/morganforge/aiden-tui/internal/agent"
)

// =============================================================================
// TOOL-CALL APPROVAL PROMPTER
// =============================================================================

// TerminalPrompter asks the user to approve a tool call from the
// terminal. The stream keeps flowing while the prompt waits; answering
// resumes or declines the pending call.
type TerminalPrompter struct {
	in *bufio.Reader
}

// NewTerminalPrompter creates a prompter reading from stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(os.Stdin)}
}

// PromptApproval presents the pending tool call and blocks until the
// user answers or ctx is cancelled. Cancellation declines.
func (p *TerminalPrompter) PromptApproval(ctx context.Context, call agent.PendingToolCall) (agent.Decision, error) {
	fmt.Println()
	fmt.Println(toolPanelStyle.Render(
		warningStyle.Render("Tool call requested: ") + commandStyle.Render(call.Tool) +
			"\n\n" + call.Request))
	fmt.Print(promptStyle.Render("Allow? ") + infoStyle.Render("[y]es once / [a]lways / [N]o: "))

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{text: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Println()
		return agent.DecisionDecline, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return agent.DecisionDecline, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.text)) {
		case "y", "yes", "once":
			return agent.DecisionOnce, nil
		case "a", "always":
			return agent.DecisionAlways, nil
		default:
			return agent.DecisionDecline, nil
		}
	}
}
