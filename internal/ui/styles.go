// Package ui holds the lipgloss styles shared by the TUI.
package ui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	ColorRed     = lipgloss.Color("#FF5F5F")
	ColorGreen   = lipgloss.Color("#5FD75F")
	ColorYellow  = lipgloss.Color("#FFD75F")
	ColorCyan    = lipgloss.Color("#5FD7FF")
	ColorBlue    = lipgloss.Color("#5F87FF")
	ColorGray    = lipgloss.Color("#808080")
	ColorDimGray = lipgloss.Color("#4E4E4E")
	ColorWhite   = lipgloss.Color("#FFFFFF")
	ColorMagenta = lipgloss.Color("#D787FF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	// Conversation log.
	UserLabelStyle = lipgloss.NewStyle().
			Foreground(ColorBlue).
			Bold(true)

	AssistantLabelStyle = lipgloss.NewStyle().
				Foreground(ColorGreen).
				Bold(true)

	ReportLinkStyle = lipgloss.NewStyle().
			Foreground(ColorCyan).
			Underline(true)

	ErrorEntryStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	TimestampStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	ProgressStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta)

	// Report pane.
	PanelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	SourceStyle = lipgloss.NewStyle().
			Foreground(ColorCyan)

	// Device badges.
	RecordingDotStyle = lipgloss.NewStyle().
				Foreground(ColorRed).
				Bold(true)

	PlayingBadgeStyle = lipgloss.NewStyle().
				Foreground(ColorGreen).
				Bold(true)

	PausedBadgeStyle = lipgloss.NewStyle().
				Foreground(ColorYellow).
				Bold(true)

	// Banner.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	NoticeStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	PromptStyle = lipgloss.NewStyle().
			Foreground(ColorCyan).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)
)
