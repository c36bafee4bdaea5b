package agent

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"stepflow/internal/workflow"
)

// NewTask materialises a planned task for a step. A spec with a chain yields a
// collaborative task and its (not yet started) chain.
func NewTask(runID, stepID string, spec workflow.TaskSpec, now time.Time) (*Task, *CollaborativeTask, error) {
	priority, ok := ParsePriority(spec.Priority)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, spec.Priority)
	}

	task := &Task{
		ID:              uuid.NewString(),
		RunID:           runID,
		StepID:          stepID,
		Title:           spec.Title,
		Description:     spec.Description,
		Type:            spec.Type,
		Priority:        priority,
		Status:          TaskPending,
		AssignedAgentID: spec.Assign,
		IsCollaborative: len(spec.Chain) > 0,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !task.IsCollaborative {
		return task, nil, nil
	}

	chain := NewChain(task.ID, spec.Chain, now)
	task.AssignedAgentID = chain.AgentChain[0].AgentID
	return task, chain, nil
}

// taskTransitions lists the statuses a non-collaborative task may move to.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskBlocked, TaskCompleted, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskBlocked, TaskCancelled},
	TaskBlocked:    {TaskInProgress, TaskCancelled},
}

func canMoveTask(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProgressUpdate is an agent's report on a non-collaborative task.
type ProgressUpdate struct {
	AgentID  string
	Status   TaskStatus // empty keeps the current status
	Progress *int       // nil keeps the current progress
	Result   string
}

// ApplyProgress applies an agent report to t. It reports whether anything changed.
// Progress never decreases and completing a task forces it to 100.
func (t *Task) ApplyProgress(u ProgressUpdate, now time.Time) (bool, error) {
	if t.IsCollaborative {
		return false, fmt.Errorf("%w: task %s is collaborative; report through its chain", ErrInvalidRequest, t.ID)
	}
	if strings.TrimSpace(u.AgentID) == "" {
		return false, fmt.Errorf("%w: agentId is required", ErrInvalidRequest)
	}
	if t.AssignedAgentID != "" && t.AssignedAgentID != u.AgentID {
		return false, fmt.Errorf("%w: task %s is assigned to %s", ErrNotAssignedAgent, t.ID, t.AssignedAgentID)
	}
	if t.Status.Terminal() {
		return false, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}

	status := u.Status
	if status == "" {
		status = t.Status
	}
	if _, ok := taskTransitions[status]; !ok && !status.Terminal() {
		return false, fmt.Errorf("%w: unknown task status %q", ErrInvalidRequest, u.Status)
	}
	if !canMoveTask(t.Status, status) {
		return false, fmt.Errorf("%w: task %s is %s and cannot become %s", ErrInvalidTransition, t.ID, t.Status, status)
	}

	progress := t.Progress
	if u.Progress != nil {
		p := *u.Progress
		if p < 0 || p > 100 {
			return false, fmt.Errorf("%w: %d is outside 0..100", ErrInvalidProgress, p)
		}
		if p < t.Progress {
			return false, fmt.Errorf("%w: progress cannot drop from %d to %d", ErrInvalidProgress, t.Progress, p)
		}
		progress = p
	}
	if status == TaskCompleted {
		progress = 100
	}
	if status == TaskPending && progress > 0 {
		status = TaskInProgress
	}

	changed := status != t.Status || progress != t.Progress ||
		(u.Result != "" && u.Result != t.Result) || t.AssignedAgentID == ""
	if !changed {
		return false, nil
	}

	t.Status = status
	t.Progress = progress
	t.AssignedAgentID = u.AgentID
	if u.Result != "" {
		t.Result = u.Result
	}
	if status == TaskCompleted {
		done := now
		t.CompletedAt = &done
	}
	t.UpdatedAt = now
	return true, nil
}

// Cancel moves t to cancelled. Cancelling a cancelled task is a no-op.
func (t *Task) Cancel(now time.Time) (bool, error) {
	if t.Status == TaskCancelled {
		return false, nil
	}
	if t.IsCollaborative {
		return false, fmt.Errorf("%w: task %s is collaborative and follows its chain", ErrInvalidRequest, t.ID)
	}
	if t.Status == TaskCompleted {
		return false, fmt.Errorf("%w: task %s is already completed", ErrInvalidTransition, t.ID)
	}
	t.Status = TaskCancelled
	t.UpdatedAt = now
	return true, nil
}

// SyncFromChain mirrors chain state onto its owning task.
func (t *Task) SyncFromChain(c *CollaborativeTask, now time.Time) {
	switch c.CollaborationStatus {
	case CollabInProgress:
		t.Status = TaskInProgress
	case CollabBlocked:
		t.Status = TaskBlocked
	case CollabCompleted:
		t.Status = TaskCompleted
		if t.CompletedAt == nil {
			done := now
			t.CompletedAt = &done
		}
	}
	if p := int(math.Round(c.OverallProgress)); p > t.Progress {
		t.Progress = p
	}
	if t.Status == TaskCompleted {
		t.Progress = 100
	}
	if link := c.CurrentLink(); link != nil {
		t.AssignedAgentID = link.AgentID
	}
	t.UpdatedAt = now
}
