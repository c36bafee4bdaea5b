package workflow

import "time"

// StepStatus represents the approval state of a workflow step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepApproved      StepStatus = "approved"
	StepRejected      StepStatus = "rejected"
	StepNeedsRevision StepStatus = "needs_revision"
)

// RunStatus is derived from the statuses of a run's steps; it is never stored.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunRejected   RunStatus = "rejected"
)

// Run is one end-to-end execution of a template's ordered steps for a project.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Template  string    `json:"template,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Step is a unit of work inside a run that must be approved before the run advances.
type Step struct {
	ID                string     `json:"id"`
	RunID             string     `json:"runId"`
	StepNumber        int        `json:"stepNumber"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            StepStatus `json:"status"`
	AssignedAgentIDs  []string   `json:"assignedAgentIds"`
	HasActivity       bool       `json:"hasActivity"`
	ConversationCount int        `json:"conversationCount"`
	TaskCount         int        `json:"taskCount"`
	Started           bool       `json:"started"`
	TaskPlan          []TaskSpec `json:"taskPlan,omitempty"`
	Comments          string     `json:"comments,omitempty"`
	ReviewedBy        string     `json:"reviewedBy,omitempty"`
	ReviewedAt        *time.Time `json:"reviewedAt,omitempty"`
	Version           int        `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// IsActive is derived on read from the statuses of the preceding steps.
	IsActive bool `json:"isActive"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.AssignedAgentIDs = append([]string(nil), s.AssignedAgentIDs...)
	if s.TaskPlan != nil {
		c.TaskPlan = make([]TaskSpec, len(s.TaskPlan))
		for i, spec := range s.TaskPlan {
			c.TaskPlan[i] = spec.clone()
		}
	}
	if s.ReviewedAt != nil {
		t := *s.ReviewedAt
		c.ReviewedAt = &t
	}
	return &c
}

// Clone returns a copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// TaskSpec describes a task to be created when its step is started.
type TaskSpec struct {
	Title       string          `yaml:"title" json:"title"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string          `yaml:"type,omitempty" json:"type,omitempty"`
	Priority    string          `yaml:"priority,omitempty" json:"priority,omitempty"`
	Assign      string          `yaml:"assign,omitempty" json:"assign,omitempty"`
	Chain       []ChainLinkSpec `yaml:"chain,omitempty" json:"chain,omitempty"` // non-empty makes the task collaborative
}

func (t TaskSpec) clone() TaskSpec {
	t.Chain = append([]ChainLinkSpec(nil), t.Chain...)
	return t
}

// ChainLinkSpec describes one agent's link in a collaborative task chain.
type ChainLinkSpec struct {
	AgentID       string `yaml:"agent" json:"agentId"`
	AgentType     string `yaml:"type,omitempty" json:"agentType,omitempty"`
	Role          string `yaml:"role,omitempty" json:"role,omitempty"`
	EstimatedTime int    `yaml:"estimated_minutes,omitempty" json:"estimatedTime,omitempty"`
}

// AuthorType distinguishes human and agent authors of conversation messages.
type AuthorType string

const (
	AuthorUser  AuthorType = "user"
	AuthorAgent AuthorType = "agent"
)

// Message is an append-only conversation entry attached to a step.
type Message struct {
	ID         string     `json:"id"`
	RunID      string     `json:"runId"`
	StepID     string     `json:"stepId"`
	AuthorType AuthorType `json:"authorType"`
	AuthorID   string     `json:"authorId"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"createdAt"`
}
