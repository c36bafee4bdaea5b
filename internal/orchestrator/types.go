package orchestrator

import (
	"stepflow/internal/agent"
	"stepflow/internal/aggregator"
	"stepflow/internal/workflow"
)

// CreateRunRequest starts a run from a named template or inline steps.
type CreateRunRequest struct {
	ProjectID string
	Name      string
	Template  string
	Steps     []workflow.TemplateStep
}

// StepRequest identifies a step and the actor acting on it. RunID is optional.
type StepRequest struct {
	RunID    string
	StepID   string
	Actor    string
	Comments string
}

// MessageRequest appends a conversation message to a step.
type MessageRequest struct {
	RunID      string
	StepID     string
	AuthorType workflow.AuthorType
	AuthorID   string
	Content    string
}

// TaskProgressRequest is an agent's report on a non-collaborative task.
type TaskProgressRequest struct {
	TaskID   string
	AgentID  string
	Status   agent.TaskStatus
	Progress *int
	Result   string
}

// ChainRequest acts on a collaborative task's chain.
type ChainRequest struct {
	TaskID   string
	AgentID  string
	Outcome  agent.Outcome
	Progress float64
	Note     string
}

// StepView is a step with its derived gating flags.
type StepView struct {
	*workflow.Step
	CanProceed        bool `json:"canProceed"`
	RevisionWorkReady bool `json:"revisionWorkReady"`
}

// RunView is a run with its derived status and ordered steps.
type RunView struct {
	*workflow.Run
	Status workflow.RunStatus `json:"status"`
	Steps  []*StepView        `json:"steps"`
}

// StepStatusView is a step with its task roll-up.
type StepStatusView struct {
	Step     *StepView           `json:"step"`
	Summary  aggregator.Summary  `json:"summary"`
	Tasks    []*agent.Task       `json:"tasks"`
	Messages []*workflow.Message `json:"messages"`
}

// CollaborationView is a collaborative task with its chain.
type CollaborationView struct {
	Task         *agent.Task              `json:"task"`
	Chain        *agent.CollaborativeTask `json:"chain"`
	CurrentAgent string                   `json:"currentAgent,omitempty"`
}

func newCollaborationView(task *agent.Task, chain *agent.CollaborativeTask) *CollaborationView {
	v := &CollaborationView{Task: task, Chain: chain}
	if link := chain.CurrentLink(); link != nil {
		v.CurrentAgent = link.AgentID
	}
	return v
}
