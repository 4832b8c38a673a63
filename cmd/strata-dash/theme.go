package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the strata dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for strata-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles holds the lipgloss styles derived from a Theme.
type Styles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Active  lipgloss.Style
	Crashed lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles builds the dashboard styles for t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Section: lipgloss.NewStyle().Bold(true).Foreground(t.Secondary).MarginTop(1),
		Active:  lipgloss.NewStyle().Foreground(t.Success),
		Crashed: lipgloss.NewStyle().Foreground(t.Error).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(t.Muted),
		Error:   lipgloss.NewStyle().Foreground(t.Error),
	}
}
