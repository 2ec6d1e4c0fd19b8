// Package tui provides the terminal status dashboard for the cluebox
// storage engine.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette for consistent theming
var (
	ColorPrimary = lipgloss.Color("#7D56F4") // Purple
	ColorSuccess = lipgloss.Color("#28A745") // Green
	ColorWarning = lipgloss.Color("#FFC107") // Yellow
	ColorError   = lipgloss.Color("#DC3545") // Red
	ColorMuted   = lipgloss.Color("#6C757D") // Muted gray
)

// Styles provides consistent styling across the dashboard
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Box     lipgloss.Style
	Key     lipgloss.Style
	Help    lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),

		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),

		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1),

		Key: lipgloss.NewStyle().Bold(true),

		Help: lipgloss.NewStyle().
			Foreground(ColorMuted).
			MarginTop(1),
	}
}
