// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// repl.go - Interactive chat loop for the aiden-tui CLI.
//
// USABILITY: Markdown rendering and history for better CLI experience
//
// Interactive commands (during chat):
//   /help, /h           Show available commands
//   /new [model]        Start a new session
//   /sessions, /ls      List sessions
//   /switch N           Switch to session N
//   /fork               Fork the current session
//   /delete N           Delete session N
//   /rename TOPIC       Rename the current session
//   /clear, /c          Clear conversation context
//   /model [name]       Show or switch model
//   /search QUERY       Full-text search across sessions
//   /stats              Show streaming statistics
//   /approvals          List always-approved tools
//   /revoke TOOL        Revoke an always-approved tool
//   /export [format]    Export the session as markdown or json
//   /import PATH        Import a backend transcript file as a session
//   /history            Show conversation history
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/morganforge/aiden-tui/internal/chat"
	"github.com/morganforge/aiden-tui/internal/config"
	"github.com/morganforge/aiden-tui/internal/export"
	"github.com/morganforge/aiden-tui/internal/index"
	"github.com/morganforge/aiden-tui/internal/model"
	"github.com/morganforge/aiden-tui/internal/policy"
	"github.com/morganforge/aiden-tui/internal/telemetry"
	"github.com/morganforge/aiden-tui/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// InputCLI provides input history and line editing for interactive chat.
// USABILITY: Supports arrow keys for history navigation and line editing.
type InputCLI struct {
	line        *liner.State
	historyFile string
}

// NewInputCLI creates an InputCLI with history loaded from the config
// directory.
func NewInputCLI() *InputCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &InputCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *InputCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *InputCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with secure permissions.
func (c *InputCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (c *InputCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the interactive chat loop.
type REPL struct {
	cfg    *config.Config
	store  *chat.Store
	stats  *telemetry.Recorder
	policy *policy.Store
	search *index.SessionIndex
	input  *InputCLI

	// Streaming display state for the message currently on screen.
	mu       sync.Mutex
	activeID string
	printed  int
	done     chan chat.ChangeKind
}

// NewREPL wires the chat loop. stats, policy, and search may be nil.
func NewREPL(cfg *config.Config, store *chat.Store, stats *telemetry.Recorder, pol *policy.Store, search *index.SessionIndex) *REPL {
	// Honor NO_COLOR and piped output for every styled print.
	lipgloss.SetColorProfile(GetColorProfile())
	r := &REPL{
		cfg:    cfg,
		store:  store,
		stats:  stats,
		policy: pol,
		search: search,
		input:  NewInputCLI(),
	}
	store.SetOnChange(r.onChange)
	return r
}

// onChange receives chat store updates from stream goroutines.
func (r *REPL) onChange(kind chat.ChangeKind, sessionID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageID != r.activeID {
		return
	}

	switch kind {
	case chat.ChangeUpdate:
		if r.useMarkdown() {
			// Collected silently; rendered once at finish.
			return
		}
		r.printDeltaLocked(messageID)

	case chat.ChangeFinish, chat.ChangeError:
		select {
		case r.done <- kind:
		default:
		}
	}
}

// printDeltaLocked prints the unseen suffix of the streaming message.
// Scrubbed text (loading markers) can shrink the message; printing
// resumes once it regrows past what is already on screen.
func (r *REPL) printDeltaLocked(messageID string) {
	msg := r.store.Current().GetMessageByID(messageID)
	if msg == nil {
		return
	}
	text := msg.Content
	if len(text) <= r.printed {
		return
	}
	streamToStdout(text[r.printed:])
	r.printed = len(text)
}

func (r *REPL) useMarkdown() bool {
	return r.cfg.UI.RenderMarkdown && IsStdoutTTY()
}

// Run starts the chat loop and blocks until exit.
func (r *REPL) Run() error {
	defer r.input.Close()

	r.printWelcome()

	// Ctrl+C during generation cancels the stream; at the prompt liner
	// reports it as ErrPromptAborted.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if r.store.HasPendingInCurrent() {
				r.store.StopCurrent()
				fmt.Fprintln(os.Stderr, "\n"+warningStyle.Render("[Cancelled]"))
			}
		}
	}()

	for {
		input, err := r.input.ReadInput(promptStyle.Render("aiden> "))
		if err != nil {
			// Ctrl+C (ErrPromptAborted) or Ctrl+D: exit gracefully.
			fmt.Println()
			fmt.Println(infoStyle.Render("Goodbye!"))
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := r.handleSlashCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			}
			if !cont {
				fmt.Println(infoStyle.Render("Goodbye!"))
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			fmt.Println(infoStyle.Render("Goodbye!"))
			return nil
		}

		if err := r.processMessage(input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		}
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage sends one user turn and waits for the exchange to
// settle (including any tool-call continuations).
func (r *REPL) processMessage(input string) error {
	fmt.Println()

	done := make(chan chat.ChangeKind, 1)
	botMsg := r.store.SendMessage(context.Background(), input, nil)

	r.mu.Lock()
	r.activeID = botMsg.ID
	r.printed = 0
	r.done = done
	r.mu.Unlock()

	kind := <-done

	r.mu.Lock()
	r.activeID = ""
	r.mu.Unlock()

	final := r.store.Current().GetMessageByID(botMsg.ID)
	if final == nil {
		// Cancelled before any content arrived; the message was dropped.
		fmt.Println()
		return nil
	}

	if r.useMarkdown() {
		displayResponse(final.Content)
	} else if kind == chat.ChangeError {
		// Error text was appended after the last streamed delta.
		r.mu.Lock()
		r.printDeltaLocked(botMsg.ID)
		r.mu.Unlock()
	}
	fmt.Println()
	fmt.Println()

	if r.cfg.UI.ShowStats && !final.IsError {
		r.showBriefStats(final)
	}
	return nil
}

// showBriefStats shows brief stats after a response.
func (r *REPL) showBriefStats(msg *model.Message) {
	fmt.Fprintf(os.Stderr, "%s ttft %s | %s | %.0f chars/s\n",
		infoStyle.Render("[Stats]"),
		msg.TTFT.Round(time.Millisecond),
		msg.TotalDuration.Round(time.Millisecond),
		msg.CharsPerSec)
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands. Returns (shouldContinue,
// error) where shouldContinue=false means exit.
func (r *REPL) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()
		return true, nil

	case "/new":
		binding := r.bindingFor(r.cfg.DefaultModel)
		if len(args) > 0 {
			binding = r.bindingFor(args[0])
		}
		sess := r.store.NewSession(binding)
		fmt.Printf("%s New session %s (%s)\n",
			commandStyle.Render("[OK]"), sess.ID[:8], binding.Model)
		return true, nil

	case "/sessions", "/ls":
		r.printSessions()
		return true, nil

	case "/switch", "/sw":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /switch N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return true, fmt.Errorf("invalid index: %s", args[0])
		}
		if err := r.store.Select(n); err != nil {
			return true, err
		}
		sess := r.store.Current()
		fmt.Printf("%s Switched to %s\n", commandStyle.Render("[OK]"), sess.Topic)
		return true, nil

	case "/fork":
		clone := r.store.ForkCurrent()
		fmt.Printf("%s Forked as %s\n", commandStyle.Render("[OK]"), clone.Topic)
		return true, nil

	case "/delete", "/rm":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /delete N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return true, fmt.Errorf("invalid index: %s", args[0])
		}
		if err := r.store.DeleteSession(n); err != nil {
			return true, err
		}
		fmt.Println(commandStyle.Render("[Session deleted]"))
		return true, nil

	case "/rename":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /rename TOPIC")
		}
		r.store.RenameCurrent(strings.Join(args, " "))
		fmt.Println(commandStyle.Render("[Renamed]"))
		return true, nil

	case "/clear", "/c":
		r.store.ClearCurrentContext()
		fmt.Println(commandStyle.Render("[Context cleared]"))
		return true, nil

	case "/model", "/m":
		return r.handleModelCommand(args)

	case "/search":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /search QUERY")
		}
		return true, r.handleSearch(strings.Join(args, " "))

	case "/stats", "/s":
		r.printStats()
		return true, nil

	case "/approvals":
		r.printApprovals()
		return true, nil

	case "/revoke":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /revoke TOOL")
		}
		if r.policy == nil {
			return true, fmt.Errorf("approval policy unavailable")
		}
		if err := r.policy.Revoke(args[0]); err != nil {
			return true, err
		}
		fmt.Printf("%s Revoked %s\n", commandStyle.Render("[OK]"), args[0])
		return true, nil

	case "/export":
		format := ""
		if len(args) > 0 {
			format = strings.ToLower(args[0])
		}
		return true, r.handleExport(format)

	case "/import":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /import PATH")
		}
		return true, r.handleImport(args[0])

	case "/history":
		r.printHistory()
		return true, nil

	case "/stop":
		r.store.StopCurrent()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleExport writes the current session to a file in the working
// directory.
func (r *REPL) handleExport(format string) error {
	sess := r.store.Current()
	if sess.IsEmpty() {
		return fmt.Errorf("nothing to export in this session")
	}

	opts := export.DefaultOptions()
	exporter, err := export.ByFormat(format, opts)
	if err != nil {
		return err
	}
	path, err := export.ExportToFile(sess, exporter, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s Exported to %s\n", commandStyle.Render("[OK]"), path)
	return nil
}

// handleImport loads a raw backend transcript file into a new session.
func (r *REPL) handleImport(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []model.TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse transcript: %w", err)
	}

	topic := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	sess, err := r.store.ImportTranscript(topic, entries)
	if err != nil {
		return err
	}
	fmt.Printf("%s Imported %d messages as %s\n",
		commandStyle.Render("[OK]"), sess.MessageCount(), sess.Topic)
	return nil
}

// handleModelCommand shows or switches the current session's model.
func (r *REPL) handleModelCommand(args []string) (bool, error) {
	sess := r.store.Current()
	if len(args) == 0 {
		fmt.Printf("%s Current model: %s\n",
			infoStyle.Render("[Model]"),
			commandStyle.Render(sess.Model.Model))
		return true, nil
	}
	sess.Model = r.bindingFor(args[0])
	fmt.Printf("%s Switched to model: %s\n", commandStyle.Render("[OK]"), args[0])
	return true, nil
}

// bindingFor resolves a model name against configured custom models.
func (r *REPL) bindingFor(name string) model.ModelBinding {
	if entry, ok := r.cfg.ModelByName(name); ok {
		return model.ModelBinding{
			Model:    entry.Name,
			Provider: entry.Provider,
			Endpoint: entry.Endpoint,
			APIKey:   entry.APIKey,
			Thinking: entry.Thinking,
		}
	}
	return model.ModelBinding{Model: name}
}

// handleSearch runs a full-text search across indexed sessions.
func (r *REPL) handleSearch(query string) error {
	if r.search == nil {
		return fmt.Errorf("search index unavailable")
	}
	hits, err := r.search.Search(query, 10)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println(infoStyle.Render("[No matches]"))
		return nil
	}
	fmt.Println()
	for _, h := range hits {
		fmt.Printf("  %s %s %s\n",
			commandStyle.Render(h.SessionID[:8]),
			headerStyle.Render(util.TruncateRunes(h.Topic, 30)),
			infoStyle.Render(h.Snippet))
	}
	fmt.Println()
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func (r *REPL) printWelcome() {
	sess := r.store.Current()
	fmt.Println()
	fmt.Println(welcomeStyle.Render("aiden interactive chat"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 30)))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Model:"),
		commandStyle.Render(modelNameOrDefault(sess, r.cfg)))
	fmt.Printf("%s %s\n",
		infoStyle.Render("Backend:"),
		commandStyle.Render(r.cfg.Backend.BaseURL))
	fmt.Println()
	fmt.Println(infoStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

func modelNameOrDefault(sess *model.Session, cfg *config.Config) string {
	if sess.Model.Model != "" {
		return sess.Model.Model
	}
	return cfg.DefaultModel
}

func (r *REPL) printHelp() {
	fmt.Println()
	fmt.Println(headerStyle.Render("Available Commands"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/new [model]", "Start a new session"},
		{"/sessions, /ls", "List sessions"},
		{"/switch N", "Switch to session N"},
		{"/fork", "Fork the current session"},
		{"/delete N", "Delete session N"},
		{"/rename TOPIC", "Rename the current session"},
		{"/clear, /c", "Clear conversation context"},
		{"/model [name]", "Show or switch model"},
		{"/search QUERY", "Search across sessions"},
		{"/stats, /s", "Show streaming statistics"},
		{"/approvals", "List always-approved tools"},
		{"/revoke TOOL", "Revoke an always-approved tool"},
		{"/export [format]", "Export session as markdown or json"},
		{"/import PATH", "Import a backend transcript file"},
		{"/history", "Show conversation history"},
		{"/quit, /q", "Exit chat"},
	}
	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			commandStyle.Render(fmt.Sprintf("%-15s", c.cmd)),
			infoStyle.Render(c.desc))
	}
	fmt.Println()
	fmt.Println(infoStyle.Render("Tip: Ctrl+C cancels current generation, Ctrl+D exits"))
	fmt.Println()
}

func (r *REPL) printSessions() {
	sessions := r.store.Sessions()
	current := r.store.Current()
	fmt.Println()
	fmt.Println(headerStyle.Render("Sessions"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	for i, sess := range sessions {
		marker := "  "
		if sess.ID == current.ID {
			marker = commandStyle.Render("* ")
		}
		fmt.Printf("%s%d. %s %s\n",
			marker, i,
			headerStyle.Render(util.TruncateRunes(sess.Topic, 40)),
			infoStyle.Render(fmt.Sprintf("(%d messages)", sess.MessageCount())))
	}
	fmt.Println()
}

func (r *REPL) printStats() {
	if r.stats == nil {
		fmt.Println(infoStyle.Render("[Telemetry disabled]"))
		return
	}
	sum := r.stats.Summarize("")
	fmt.Println()
	fmt.Println(headerStyle.Render("Streaming Statistics"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 20)))
	fmt.Printf("  %s %d\n", infoStyle.Render("Exchanges:"), sum.Exchanges)
	fmt.Printf("  %s %dms\n", infoStyle.Render("Avg TTFT:"), sum.AvgTTFTMs)
	fmt.Printf("  %s %.0f chars/s\n", infoStyle.Render("Avg speed:"), sum.AvgCharsPerSec)
	fmt.Printf("  %s %d\n", infoStyle.Render("Total chars:"), sum.TotalChars)
	fmt.Println()
}

func (r *REPL) printApprovals() {
	if r.policy == nil {
		fmt.Println(infoStyle.Render("[Approval policy unavailable]"))
		return
	}
	tools := r.policy.List()
	if len(tools) == 0 {
		fmt.Println(infoStyle.Render("[No always-approved tools]"))
		return
	}
	fmt.Println()
	fmt.Println(headerStyle.Render("Always-Approved Tools"))
	for _, t := range tools {
		fmt.Printf("  %s\n", commandStyle.Render(t))
	}
	fmt.Println()
}

func (r *REPL) printHistory() {
	sess := r.store.Current()
	if sess.IsEmpty() {
		fmt.Println(infoStyle.Render("[No messages yet]"))
		return
	}
	fmt.Println()
	fmt.Println(headerStyle.Render("Conversation History"))
	fmt.Println(infoStyle.Render(strings.Repeat("─", 25)))
	fmt.Println()
	for i, msg := range sess.Messages {
		role := msg.Role.DisplayName()
		switch msg.Role {
		case model.RoleUser:
			role = promptStyle.Render(role)
		case model.RoleAssistant:
			role = welcomeStyle.Render(role)
		default:
			role = warningStyle.Render(role)
		}
		content := strings.ReplaceAll(util.TruncateRunes(msg.Content, 100), "\n", " ")
		fmt.Printf("  %d. %s: %s\n", i+1, role, content)
	}
	fmt.Println()
}
