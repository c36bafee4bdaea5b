// Package aggregator rolls task state up into per-step summaries.
package aggregator

import (
	"math"
	"time"

	"stepflow/internal/agent"
	"stepflow/internal/workflow"
)

// Summary counts a step's tasks by status.
type Summary struct {
	StepID             string  `json:"stepId"`
	TotalTasks         int     `json:"totalTasks"`
	PendingTasks       int     `json:"pendingTasks"`
	InProgressTasks    int     `json:"inProgressTasks"`
	CompletedTasks     int     `json:"completedTasks"`
	BlockedTasks       int     `json:"blockedTasks"`
	CancelledTasks     int     `json:"cancelledTasks"`
	CollaborativeTasks int     `json:"collaborativeTasks"`
	AverageProgress    float64 `json:"averageProgress"`
}

// Summarize counts tasks belonging to stepID. Tasks of other steps are ignored.
func Summarize(stepID string, tasks []*agent.Task) Summary {
	s := Summary{StepID: stepID}
	var progress int
	for _, t := range tasks {
		if t.StepID != stepID {
			continue
		}
		s.TotalTasks++
		progress += t.Progress
		if t.IsCollaborative {
			s.CollaborativeTasks++
		}
		switch t.Status {
		case agent.TaskPending:
			s.PendingTasks++
		case agent.TaskInProgress:
			s.InProgressTasks++
		case agent.TaskCompleted:
			s.CompletedTasks++
		case agent.TaskBlocked:
			s.BlockedTasks++
		case agent.TaskCancelled:
			s.CancelledTasks++
		}
	}
	if s.TotalTasks > 0 {
		s.AverageProgress = math.Round(float64(progress)/float64(s.TotalTasks)*10) / 10
	}
	return s
}

// Refresh applies derived task state to a copy of step: the task count and the
// sticky activity flag. It reports whether the stored step needs updating.
func Refresh(step *workflow.Step, tasks []*agent.Task) (*workflow.Step, bool) {
	out := step.Clone()
	sum := Summarize(step.ID, tasks)
	out.TaskCount = sum.TotalTasks
	if !out.HasActivity {
		for _, t := range tasks {
			if t.StepID == step.ID && t.Status != agent.TaskPending {
				out.HasActivity = true
				break
			}
		}
	}
	changed := out.TaskCount != step.TaskCount || out.HasActivity != step.HasActivity
	return out, changed
}

// RecordMessage returns a copy of step with one more conversation message counted.
func RecordMessage(step *workflow.Step, now time.Time) *workflow.Step {
	out := step.Clone()
	out.ConversationCount++
	out.HasActivity = true
	out.UpdatedAt = now
	return out
}

// RevisionWorkReady reports whether a step awaiting revision has seen work
// since the revision was requested: a task updated (progress, completion or
// chain activity) or a message posted after ReviewedAt. Cancellations do not
// count.
func RevisionWorkReady(step *workflow.Step, tasks []*agent.Task, messages []*workflow.Message) bool {
	if step.Status != workflow.StepNeedsRevision || step.ReviewedAt == nil {
		return false
	}
	since := *step.ReviewedAt
	for _, t := range tasks {
		if t.StepID != step.ID || t.Status == agent.TaskCancelled {
			continue
		}
		if t.UpdatedAt.After(since) || (t.CompletedAt != nil && t.CompletedAt.After(since)) {
			return true
		}
	}
	for _, m := range messages {
		if m.StepID == step.ID && m.CreatedAt.After(since) {
			return true
		}
	}
	return false
}
