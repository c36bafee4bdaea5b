package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"stepflow/internal/workflow"
)

var (
	accentColor   = lipgloss.Color("#7C3AED")
	approvedColor = lipgloss.Color("#10B981")
	revisionColor = lipgloss.Color("#F59E0B")
	rejectedColor = lipgloss.Color("#EF4444")
	faintColor    = lipgloss.Color("#6B7280")

	frameStyle = lipgloss.NewStyle().Padding(1, 2)

	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(accentColor).
			Padding(0, 1)

	paneTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)

	activeStepStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)

	stepMetaStyle = lipgloss.NewStyle().Foreground(faintColor).Italic(true)

	reviewCommentStyle = lipgloss.NewStyle().Foreground(revisionColor)

	alertStyle = lipgloss.NewStyle().Foreground(rejectedColor)

	keyHelpStyle = lipgloss.NewStyle().Foreground(faintColor).Padding(1, 0, 0, 0)
)

// stepStatusStyles colours a step marker by review outcome.
var stepStatusStyles = map[workflow.StepStatus]lipgloss.Style{
	workflow.StepApproved:      lipgloss.NewStyle().Foreground(approvedColor),
	workflow.StepRejected:      lipgloss.NewStyle().Foreground(rejectedColor),
	workflow.StepNeedsRevision: lipgloss.NewStyle().Foreground(revisionColor),
	workflow.StepPending:       stepMetaStyle,
}

// runStatusStyle colours the run status line, e.g. "in_progress (1/3 approved)".
func runStatusStyle(status string) lipgloss.Style {
	if i := strings.IndexByte(status, ' '); i > 0 {
		status = status[:i]
	}
	switch workflow.RunStatus(status) {
	case workflow.RunCompleted:
		return stepStatusStyles[workflow.StepApproved]
	case workflow.RunRejected:
		return stepStatusStyles[workflow.StepRejected]
	case workflow.RunInProgress:
		return activeStepStyle
	}
	return stepMetaStyle
}
