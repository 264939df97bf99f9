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

	StatusStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	FooterStyle = BaseStyle.
			Foreground(MutedColor).
			Padding(0, 1)

	InputStyle = BaseStyle.
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	TimestampStyle = BaseStyle.
			Foreground(MutedColor)

	AuthorStyle = BaseStyle.
			Foreground(SecondaryColor).
			Bold(true)

	RemoteServerStyle = BaseStyle.
				Foreground(MutedColor).
				Italic(true)

	OwnAuthorStyle = BaseStyle.
			Foreground(PrimaryColor).
			Bold(true)

	PrivateStyle = BaseStyle.
			Foreground(WarningColor)

	PresenceStyle = BaseStyle.
			Foreground(SuccessColor).
			Italic(true)

	ServerNoticeStyle = BaseStyle.
				Foreground(PrimaryColor).
				Bold(true)

	SystemStyle = BaseStyle.
			Foreground(lipgloss.Color("252"))

	ErrorStyle = BaseStyle.
			Foreground(ErrorColor).
			Bold(true)
)
