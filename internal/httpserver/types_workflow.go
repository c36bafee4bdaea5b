package httpserver

import (
	"stepflow/internal/agent"
	"stepflow/internal/orchestrator"
	"stepflow/internal/workflow"
)

// TemplateSummary represents a template in list responses
type TemplateSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"stepCount"`
	BuiltIn     bool   `json:"builtIn"`
}

// TemplateListResponse represents the templates list response
type TemplateListResponse struct {
	Templates []TemplateSummary `json:"templates"`
}

// CreateRunRequest represents the create run API request
type CreateRunRequest struct {
	ProjectID string                  `json:"projectId"`
	Name      string                  `json:"name"`
	Template  string                  `json:"template,omitempty"`
	Steps     []workflow.TemplateStep `json:"steps,omitempty"`
}

// StepActionRequest is the body of every /step/* action.
type StepActionRequest struct {
	WorkflowID string `json:"workflowId,omitempty"`
	StepID     string `json:"stepId"`
	UserID     string `json:"userId,omitempty"`
	Comments   string `json:"comments,omitempty"`
}

// StepMessageRequest appends to a step conversation.
type StepMessageRequest struct {
	WorkflowID string `json:"workflowId,omitempty"`
	StepID     string `json:"stepId"`
	AuthorType string `json:"authorType,omitempty"`
	AuthorID   string `json:"authorId"`
	Content    string `json:"content"`
}

// TaskProgressRequest is a non-collaborative task report.
type TaskProgressRequest struct {
	AgentID  string `json:"agentId"`
	Status   string `json:"status,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Result   string `json:"result,omitempty"`
}

// CancelTaskRequest cancels a task.
type CancelTaskRequest struct {
	UserID string `json:"userId,omitempty"`
}

// ChainActionRequest is the body of every collaboration action. Each action
// reads only the fields it needs.
type ChainActionRequest struct {
	AgentID  string  `json:"agentId,omitempty"`
	Outcome  string  `json:"outcome,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// StepListResponse represents GET /steps/{runId}
type StepListResponse struct {
	WorkflowID string                    `json:"workflowId"`
	Steps      []*orchestrator.StepView `json:"steps"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task *agent.Task `json:"task"`
}
