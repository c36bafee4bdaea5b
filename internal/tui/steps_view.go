package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"stepflow/internal/eventbus"
	"stepflow/internal/orchestrator"
	"stepflow/internal/workflow"
)

// renderSteps renders the run's step list with gating markers.
func renderSteps(runID, status string, steps []*orchestrator.StepView, width int) string {
	var b strings.Builder

	b.WriteString(paneTitleStyle.Render("Steps"))
	if runID != "" {
		b.WriteString(stepMetaStyle.Render("  run " + shortID(runID)))
	}
	b.WriteString("\n")
	if status != "" {
		b.WriteString("Status: " + runStatusStyle(status).Render(status) + "\n")
	}
	b.WriteString("\n")

	if runID == "" {
		b.WriteString(stepMetaStyle.Render("  Waiting for workflow activity..."))
		return b.String()
	}
	if len(steps) == 0 {
		b.WriteString(stepMetaStyle.Render("  No steps loaded. Press 'r' to reload."))
		return b.String()
	}

	for _, s := range steps {
		prefix, style := "  ", lipgloss.NewStyle()
		if s.IsActive {
			prefix, style = "▸ ", activeStepStyle
		}
		b.WriteString(style.Render(prefix) + stepIcon(s.Status) + " " + style.Render(fmt.Sprintf("%d. %s", s.StepNumber, s.Name)) + "\n")

		var detail []string
		detail = append(detail, string(s.Status))
		if s.TaskCount > 0 {
			detail = append(detail, fmt.Sprintf("%d tasks", s.TaskCount))
		}
		if s.ConversationCount > 0 {
			detail = append(detail, fmt.Sprintf("%d messages", s.ConversationCount))
		}
		if s.CanProceed {
			detail = append(detail, "ready for review")
		}
		b.WriteString(stepMetaStyle.Render("     "+truncate(strings.Join(detail, " · "), width-6)) + "\n")

		if s.Comments != "" {
			b.WriteString(reviewCommentStyle.Render("     "+truncate(s.Comments, width-6)) + "\n")
		}
	}
	return b.String()
}

var stepMarkers = map[workflow.StepStatus]string{
	workflow.StepApproved:      "✓",
	workflow.StepRejected:      "✗",
	workflow.StepNeedsRevision: "↺",
}

func stepIcon(status workflow.StepStatus) string {
	marker, ok := stepMarkers[status]
	if !ok {
		marker = "○"
	}
	style, ok := stepStatusStyles[status]
	if !ok {
		style = stepMetaStyle
	}
	return style.Render(marker)
}

// renderFeed renders the newest height lines of the event feed, scrolled back by offset.
func renderFeed(feed []string, offset, height, width int) string {
	var b strings.Builder
	b.WriteString(paneTitleStyle.Render("Events"))
	b.WriteString("\n\n")

	if len(feed) == 0 {
		b.WriteString(stepMetaStyle.Render("  No events yet."))
		return b.String()
	}

	end := len(feed) - offset
	if end < 0 {
		end = 0
	}
	start := end - height
	if start < 0 {
		start = 0
	}
	for _, line := range feed[start:end] {
		b.WriteString(truncate(line, width) + "\n")
	}
	if offset > 0 {
		b.WriteString(stepMetaStyle.Render(fmt.Sprintf("  (%d newer)", offset)))
	}
	return b.String()
}

// DescribeEvent renders an event as one human-readable line.
func DescribeEvent(ev eventbus.Event) string {
	switch p := ev.Payload.(type) {
	case eventbus.WorkflowUpdatePayload:
		var parts []string
		if p.AgentID != "" {
			parts = append(parts, p.AgentID)
		}
		parts = append(parts, p.Status)
		if p.Progress != nil {
			parts = append(parts, fmt.Sprintf("%.0f%%", *p.Progress))
		}
		if p.Message != "" {
			parts = append(parts, p.Message)
		}
		return "[update] " + strings.Join(parts, " ")
	case eventbus.AgentMessagePayload:
		return fmt.Sprintf("[%s] %s: %s", p.AuthorType, p.AuthorID, p.Content)
	case eventbus.ProjectStatusPayload:
		line := fmt.Sprintf("[run] %s %d/%d approved", p.Status, p.ApprovedSteps, p.TotalSteps)
		if p.PreviousStatus != "" {
			line += " (was " + p.PreviousStatus + ")"
		}
		return line
	case eventbus.SystemMessagePayload:
		return fmt.Sprintf("[system %s] %s", p.Level, p.Message)
	}
	return fmt.Sprintf("[%s]", ev.Type)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
