package commands

import (
	"context"
	"fmt"
	"strings"

	"stepflow/internal/output"
	"stepflow/internal/ui"
)

// RunSteps prints a run's derived status and its steps.
func RunSteps(ctx context.Context, client *apiClient, runID string) error {
	run, err := client.getRun(ctx, runID)
	if err != nil {
		return err
	}

	output.Print(run, func() {
		title := run.ID
		if run.Run != nil && run.Name != "" {
			title = run.Name
		}
		ui.ShowHeader(title)
		approved := 0
		for _, s := range run.Steps {
			if s.Status == "approved" {
				approved++
			}
		}
		fmt.Fprintf(ui.Out, " Status: %s %s\n\n", ui.StatusIcon(string(run.Status)), run.Status)
		fmt.Fprintf(ui.Out, " %s\n\n", ui.ProgressBar(percent(approved, len(run.Steps)), 24))

		for _, s := range run.Steps {
			var detail []string
			if s.TaskCount > 0 {
				detail = append(detail, fmt.Sprintf("%d tasks", s.TaskCount))
			}
			if s.ConversationCount > 0 {
				detail = append(detail, fmt.Sprintf("%d messages", s.ConversationCount))
			}
			if s.CanProceed {
				detail = append(detail, "ready for review")
			}
			if s.RevisionWorkReady {
				detail = append(detail, "revision work ready")
			}
			ui.ShowStep(s.StepNumber, s.Name, string(s.Status), s.IsActive, strings.Join(detail, " · "))
			if s.Comments != "" {
				fmt.Fprintf(ui.Out, "       %q\n", s.Comments)
			}
		}
	})
	return nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
