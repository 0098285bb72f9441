package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/sqlguard/sqlguard/internal/types"
)

// Palette. ANSI-256 values so the output degrades cleanly on basic terminals.
var (
	ColorAccent = lipgloss.Color("39")  // blue
	ColorPass   = lipgloss.Color("35")  // green
	ColorWarn   = lipgloss.Color("214") // amber
	ColorFail   = lipgloss.Color("203") // red
	ColorMuted  = lipgloss.Color("245") // gray
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent).
			Align(lipgloss.Center)

	PassStyle = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	MutedStyle = lipgloss.NewStyle().Foreground(ColorMuted)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1)
)

// StatusText renders a finding status with its color when color is on.
func StatusText(s types.Status) string {
	if !ShouldUseColor() {
		return string(s)
	}
	switch s {
	case types.StatusPass:
		return PassStyle.Render(string(s))
	case types.StatusWarn:
		return WarnStyle.Render(string(s))
	case types.StatusFail:
		return FailStyle.Render(string(s))
	default:
		return MutedStyle.Render(string(s))
	}
}

// RunStatusText renders a run status.
func RunStatusText(s types.RunStatus) string {
	if !ShouldUseColor() {
		return string(s)
	}
	switch s {
	case types.RunCompleted:
		return PassStyle.Render(string(s))
	case types.RunFailed:
		return FailStyle.Render(string(s))
	case types.RunFinalized:
		return TitleStyle.Render(string(s))
	default:
		return WarnStyle.Render(string(s))
	}
}

// NewTable creates a bordered table in the house style.
func NewTable() *table.Table {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(MutedStyle)
	if ShouldUseColor() {
		t.StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	} else {
		t.StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}
	return t
}
