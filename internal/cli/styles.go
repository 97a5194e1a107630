// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive terminal front end for aiden-tui.
package cli

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// COLORS
// =============================================================================
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.

// Purple - Primary accent, assistant messages
var Purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// Cyan - Brand color, info, commands, user highlights
var Cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// Emerald - Success states
var Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// Rose - Errors, danger states
var Rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// Amber - Warnings, pending approval states
var Amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// TextSecondary - Secondary text
var TextSecondary = lipgloss.AdaptiveColor{Light: "#57534E", Dark: "#A6ADC8"}

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(Cyan).
			Bold(true)

	welcomeStyle = lipgloss.NewStyle().
			Foreground(Purple).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(TextSecondary)

	commandStyle = lipgloss.NewStyle().
			Foreground(Emerald)

	warningStyle = lipgloss.NewStyle().
			Foreground(Amber)

	errorStyle = lipgloss.NewStyle().
			Foreground(Rose)

	headerStyle = lipgloss.NewStyle().
			Foreground(Cyan).
			Bold(true)

	// Tool-call approval panel
	toolPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Amber).
			Padding(0, 1)
)
