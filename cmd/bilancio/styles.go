package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	successColor = lipgloss.Color("#4ECDC4")
	warningColor = lipgloss.Color("#FFE66D")
	errorColor   = lipgloss.Color("#FF6B6B")
	subtleColor  = lipgloss.Color("#666666")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	successStyle = lipgloss.NewStyle().
			Foreground(successColor)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	subtleStyle = lipgloss.NewStyle().
			Foreground(subtleColor)
)

// connectedLabel renders the connectivity flag for humans.
func connectedLabel(connected bool) string {
	if connected {
		return successStyle.Render("online")
	}
	return warningStyle.Render("offline")
}
