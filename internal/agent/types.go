package agent

import (
	"errors"
	"time"

	"stepflow/internal/workflow"
)

var (
	// ErrNotCurrentAgent means the acting agent does not own the chain's current link.
	ErrNotCurrentAgent = errors.New("not current agent")
	// ErrNotAssignedAgent means the acting agent is not assigned to the task.
	ErrNotAssignedAgent = errors.New("not assigned agent")
	// ErrChainBlocked means the chain must be unblocked first.
	ErrChainBlocked = errors.New("chain blocked")
	// ErrChainNotFound means the task has no collaborative chain.
	ErrChainNotFound = errors.New("chain not found")
	// ErrInvalidProgress means a progress value is out of range or would decrease.
	ErrInvalidProgress = errors.New("invalid progress")

	// Shared with step transitions so callers map one set of sentinels.
	ErrInvalidTransition = workflow.ErrInvalidTransition
	ErrInvalidRequest    = workflow.ErrInvalidRequest
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further status change is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// TaskPriority represents the urgency of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// ParsePriority converts a template priority. Empty means medium.
func ParsePriority(s string) (TaskPriority, bool) {
	switch TaskPriority(s) {
	case "":
		return PriorityMedium, true
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return TaskPriority(s), true
	}
	return "", false
}

// Task represents a unit of work inside a workflow step.
type Task struct {
	ID              string       `json:"id"`
	RunID           string       `json:"runId"`
	StepID          string       `json:"stepId"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Type            string       `json:"type,omitempty"`
	Priority        TaskPriority `json:"priority"`
	Status          TaskStatus   `json:"status"`
	Progress        int          `json:"progress"`
	AssignedAgentID string       `json:"assignedAgentId,omitempty"`
	IsCollaborative bool         `json:"isCollaborative"`
	Result          string       `json:"result,omitempty"`
	Version         int          `json:"version"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// Clone returns a copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// LinkStatus is the state of one agent's link in a chain.
type LinkStatus string

const (
	LinkPending    LinkStatus = "pending"
	LinkAssigned   LinkStatus = "assigned"
	LinkInProgress LinkStatus = "in-progress"
	LinkCompleted  LinkStatus = "completed"
	LinkBlocked    LinkStatus = "blocked"
	LinkSkipped    LinkStatus = "skipped"
)

// done reports whether the link no longer holds the chain.
func (s LinkStatus) done() bool {
	return s == LinkCompleted || s == LinkSkipped
}

// CollaborationStatus is the state of a whole chain.
type CollaborationStatus string

const (
	CollabPending    CollaborationStatus = "pending"
	CollabInProgress CollaborationStatus = "in-progress"
	CollabCompleted  CollaborationStatus = "completed"
	CollabBlocked    CollaborationStatus = "blocked"
)

// Outcome is what the current agent reports when handing off.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeSkipped   Outcome = "skipped"
)

// ChainLink is one agent's position in a collaborative task.
type ChainLink struct {
	AgentID       string     `json:"agentId"`
	AgentType     string     `json:"agentType,omitempty"`
	Role          string     `json:"role,omitempty"`
	Sequence      int        `json:"sequence"`
	EstimatedTime int        `json:"estimatedTime,omitempty"` // minutes
	Status        LinkStatus `json:"status"`
	Progress      float64    `json:"progress"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ActualTime    *int       `json:"actualTime,omitempty"` // minutes
	HandoffNotes  []string   `json:"handoffNotes,omitempty"`
}

// CollaborativeTask tracks the agent chain that executes one task.
type CollaborativeTask struct {
	TaskID              string              `json:"taskId"`
	AgentChain          []ChainLink         `json:"agentChain"`
	CurrentAgentIndex   int                 `json:"currentAgentIndex"`
	OverallProgress     float64             `json:"overallProgress"`
	CollaborationStatus CollaborationStatus `json:"collaborationStatus"`
	Version             int                 `json:"version"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy of the chain.
func (c *CollaborativeTask) Clone() *CollaborativeTask {
	if c == nil {
		return nil
	}
	out := *c
	out.AgentChain = make([]ChainLink, len(c.AgentChain))
	for i, l := range c.AgentChain {
		l.StartedAt = cloneTime(l.StartedAt)
		l.CompletedAt = cloneTime(l.CompletedAt)
		if l.ActualTime != nil {
			v := *l.ActualTime
			l.ActualTime = &v
		}
		l.HandoffNotes = append([]string(nil), l.HandoffNotes...)
		out.AgentChain[i] = l
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
