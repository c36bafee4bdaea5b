// Package ui prints human-readable CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Out is where every Show* helper writes. serve points it at stderr when
// stdout carries the MCP stdio stream.
var Out io.Writer = os.Stdout

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	activeMarker = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Render("▸")
)

func ShowHeader(title string) {
	fmt.Fprintf(Out, " %s\n", strings.Repeat("─", len(title)+2))
	fmt.Fprintf(Out, " %s\n", headerStyle.Render(title))
	fmt.Fprintf(Out, " %s\n", strings.Repeat("─", len(title)+2))
}

func ShowSuccess(format string, args ...interface{}) {
	fmt.Fprintf(Out, " %s %s\n", okStyle.Render("✓"), fmt.Sprintf(format, args...))
}

func ShowError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(Out, " %s %s: %v\n", errorStyle.Render("✗"), msg, err)
	} else {
		fmt.Fprintf(Out, " %s %s\n", errorStyle.Render("✗"), msg)
	}
}

func ShowWarning(format string, args ...interface{}) {
	fmt.Fprintf(Out, " %s %s\n", warnStyle.Render("!"), fmt.Sprintf(format, args...))
}

func ShowInfo(format string, args ...interface{}) {
	fmt.Fprintf(Out, " ℹ %s\n", fmt.Sprintf(format, args...))
}

// StatusIcon renders a colored glyph for a step, task or chain status.
func StatusIcon(status string) string {
	switch status {
	case "approved", "completed":
		return okStyle.Render("✓")
	case "rejected", "cancelled":
		return errorStyle.Render("✗")
	case "needs_revision", "blocked":
		return warnStyle.Render("↺")
	case "in_progress", "in-progress", "assigned":
		return warnStyle.Render("●")
	default:
		return mutedStyle.Render("○")
	}
}

// ShowStep prints one step line. Active steps get a marker.
func ShowStep(number int, name, status string, active bool, detail string) {
	marker := " "
	if active {
		marker = activeMarker
	}
	line := fmt.Sprintf(" %s %s %d. %s %s", marker, StatusIcon(status), number, name, mutedStyle.Render("("+status+")"))
	if detail != "" {
		line += "  " + mutedStyle.Render(detail)
	}
	fmt.Fprintln(Out, line)
}

// ProgressBar renders pct (0-100) as a fixed-width bar.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		width = 20
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	return okStyle.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3.0f%%", pct)
}
