package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // Blue
	SecondaryColor = lipgloss.Color("213") // Pink
	SuccessColor   = lipgloss.Color("42")  // Green
	ErrorColor     = lipgloss.Color("196") // Red
	WarningColor   = lipgloss.Color("214") // Orange
	MutedColor     = lipgloss.Color("243") // Gray
	BorderColor    = lipgloss.Color("238") // Dark gray

	BaseStyle = lipgloss.NewStyle()

	HeaderStyle = BaseStyle.
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	CanvasPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor)

	LogPaneStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	PairedStyle   = BaseStyle.Foreground(SuccessColor).Bold(true)
	UnpairedStyle = BaseStyle.Foreground(WarningColor)
	ErrorStyle    = BaseStyle.Foreground(ErrorColor)
	PeerStyle     = BaseStyle.Foreground(SecondaryColor)
	MutedStyle    = BaseStyle.Foreground(MutedColor)
)
