package main

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorAccent  = lipgloss.Color("#3b82f6")
	colorWarning = lipgloss.Color("#d97706")
	colorError   = lipgloss.Color("#dc2626")
	colorOK      = lipgloss.Color("#22c55e")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBright).Background(colorAccent).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDimmed)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
	statusStyle = lipgloss.NewStyle().Foreground(colorOK)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(colorBright).
		Background(colorAccent).
		Bold(false)
	return s
}
