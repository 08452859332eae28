package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/swmrcoord/internal/shm"
)

var (
	// Colors meet WCAG AA contrast on dark terminals.
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray
	textColor      = lipgloss.Color("#F9FAFB")
	borderColor    = lipgloss.Color("#6B7280")
	blueColor      = lipgloss.Color("#60A5FA")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textColor).
			Background(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Foreground(textColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

func writerStateStyle(state shm.WriterState) lipgloss.Style {
	switch state {
	case shm.WriterNone:
		return lipgloss.NewStyle().Foreground(mutedColor)
	case shm.WriterRequest:
		return lipgloss.NewStyle().Bold(true).Foreground(blueColor)
	case shm.WriterActive:
		return lipgloss.NewStyle().Bold(true).Foreground(warningColor)
	case shm.WriterSwmr:
		return lipgloss.NewStyle().Bold(true).Foreground(secondaryColor)
	}
	return lipgloss.NewStyle().Foreground(errorColor)
}

func phaseStyle(phase shm.Phase) lipgloss.Style {
	switch phase {
	case shm.PhaseHolding:
		return lipgloss.NewStyle().Foreground(secondaryColor)
	case shm.PhaseRequesting:
		return lipgloss.NewStyle().Foreground(warningColor)
	}
	return lipgloss.NewStyle().Foreground(blueColor)
}
