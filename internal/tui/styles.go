// Package tui provides a live terminal dashboard for the remote-control
// server.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for
// styling. It shows live tasks, outcome counts, task duration percentiles
// and rejected connections.
package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-mc-remote/internal/task"
)

// =============================================================================
// Palette
// =============================================================================

// Overworld colors: grass, stone and ore.
var (
	colorGrass    = lipgloss.Color("#5D9C3F")
	colorDiamond  = lipgloss.Color("#4FD1C5")
	colorGold     = lipgloss.Color("#E3B341")
	colorRedstone = lipgloss.Color("#D9453B")
	colorLapis    = lipgloss.Color("#3D6FD1")

	colorSnow    = lipgloss.Color("#ECEFF1")
	colorStone   = lipgloss.Color("#A0A4A8")
	colorGravel  = lipgloss.Color("#6E7378")
	colorBedrock = lipgloss.Color("#3A3D41")
)

// =============================================================================
// Text
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().Foreground(colorSnow).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(colorStone).Width(20)
	mutedStyle = lipgloss.NewStyle().Foreground(colorStone)
	dimStyle   = lipgloss.NewStyle().Foreground(colorGravel)
)

// =============================================================================
// Layout
// =============================================================================

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(colorSnow).
			Background(colorGrass).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBedrock).
			Padding(0, 1)

	// Section titles and table headers share the underlined look.
	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorDiamond).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBedrock).
				MarginTop(1)

	tableHeaderStyle = sectionHeaderStyle.MarginTop(0)

	footerStyle = mutedStyle.MarginTop(1)
)

// =============================================================================
// Task states
// =============================================================================

var stateStyles = map[task.State]lipgloss.Style{
	task.StateRunning:   lipgloss.NewStyle().Foreground(colorLapis).Bold(true),
	task.StateCompleted: lipgloss.NewStyle().Foreground(colorGrass).Bold(true),
	task.StateCancelled: lipgloss.NewStyle().Foreground(colorGold).Bold(true),
	task.StateFailed:    lipgloss.NewStyle().Foreground(colorRedstone).Bold(true),
}

// GetStateStyle returns the style used to render a task state.
func GetStateStyle(state task.State) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return mutedStyle
}

// GetStateLabel returns a styled state name.
func GetStateLabel(state task.State) string {
	return GetStateStyle(state).Render(state.String())
}

// GetFailureRateStyle colors the share of failed tasks like the state
// that dominates it.
func GetFailureRateStyle(rate float64) lipgloss.Style {
	switch {
	case rate == 0:
		return GetStateStyle(task.StateCompleted)
	case rate < 0.10:
		return GetStateStyle(task.StateCancelled)
	default:
		return GetStateStyle(task.StateFailed)
	}
}

// GetHealthLabel returns a styled indicator for a remote metrics endpoint.
func GetHealthLabel(healthy bool) string {
	if healthy {
		return GetStateStyle(task.StateCompleted).Render("● Serving")
	}
	return GetStateStyle(task.StateFailed).Render("● Unreachable")
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderOutcomeBar renders finished tasks as one bar of width cells, split
// into a colored segment per terminal state in the order given.
func RenderOutcomeBar(byState map[task.State]int64, order []task.State, width int) string {
	if width < 10 {
		width = 10
	}

	var total int64
	for _, state := range order {
		total += byState[state]
	}
	if total == 0 {
		return dimStyle.Render(strings.Repeat("░", width))
	}

	var filled []task.State
	for _, state := range order {
		if byState[state] > 0 {
			filled = append(filled, state)
		}
	}

	var b strings.Builder
	used := 0
	for i, state := range filled {
		cells := int(byState[state] * int64(width) / total)
		if i == len(filled)-1 {
			cells = width - used
		}
		// Every non-empty state stays visible.
		if cells < 1 {
			cells = 1
		}
		used += cells
		b.WriteString(GetStateStyle(state).Render(strings.Repeat("█", cells)))
	}
	if used < width {
		b.WriteString(dimStyle.Render(strings.Repeat("░", width-used)))
	}
	return b.String()
}
