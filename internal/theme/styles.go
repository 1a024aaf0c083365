package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/renato0307/tether/internal/domain"
)

// State symbols
const (
	SymbolExited  = "■"
	SymbolIdle    = "○"
	SymbolWaiting = "◐"
	SymbolWorking = "●"
)

// Main styles
var (
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	SubtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)
)

// State icon styles
var (
	ExitedIconStyle = lipgloss.NewStyle().
			Foreground(ColorExited)

	IdleIconStyle = lipgloss.NewStyle().
			Foreground(ColorIdle)

	WaitingIconStyle = lipgloss.NewStyle().
				Foreground(ColorWaiting)

	WorkingIconStyle = lipgloss.NewStyle().
				Foreground(ColorWorking)
)

// StateIcon renders the colored symbol for a session state
func StateIcon(state domain.SessionState) string {
	switch state {
	case domain.StateBusy, domain.StateStarting:
		return WorkingIconStyle.Render(SymbolWorking)
	case domain.StateIdle:
		return IdleIconStyle.Render(SymbolIdle)
	case domain.StateAwaitingApproval:
		return WaitingIconStyle.Render(SymbolWaiting)
	default:
		return ExitedIconStyle.Render(SymbolExited)
	}
}

// ItemStatusStyle returns the style used for a queue item status
func ItemStatusStyle(status domain.ItemStatus) lipgloss.Style {
	switch status {
	case domain.ItemCancelled:
		return lipgloss.NewStyle().Foreground(ColorCancelled)
	case domain.ItemCompleted:
		return lipgloss.NewStyle().Foreground(ColorCompleted)
	case domain.ItemFailed:
		return lipgloss.NewStyle().Foreground(ColorFailed).Bold(true)
	case domain.ItemRunning:
		return lipgloss.NewStyle().Foreground(ColorRunning)
	default:
		return lipgloss.NewStyle().Foreground(ColorPending)
	}
}
