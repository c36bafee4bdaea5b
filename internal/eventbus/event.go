// Package eventbus fans state-change notifications out to per-project subscribers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies an event variant.
type EventType string

const (
	WorkflowUpdate EventType = "workflow-update"
	AgentMessage   EventType = "agent-message"
	ProjectStatus  EventType = "project-status"
	SystemMessage  EventType = "system-message"
)

// Event is a notification for one project room.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`

	// Origin names the instance that first published the event; empty means local.
	Origin string `json:"-"`
}

// WorkflowUpdatePayload describes a step or task state change.
type WorkflowUpdatePayload struct {
	WorkflowID string   `json:"workflowId"`
	StepID     string   `json:"stepId,omitempty"`
	TaskID     string   `json:"taskId,omitempty"`
	AgentID    string   `json:"agentId,omitempty"`
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
}

// AgentMessagePayload carries a conversation entry or a chain hand-off note.
type AgentMessagePayload struct {
	WorkflowID string `json:"workflowId"`
	StepID     string `json:"stepId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	AuthorType string `json:"authorType"`
	AuthorID   string `json:"authorId"`
	Content    string `json:"content"`
}

// ProjectStatusPayload reports a run's derived status.
type ProjectStatusPayload struct {
	WorkflowID     string `json:"workflowId"`
	Status         string `json:"status"`
	ApprovedSteps  int    `json:"approvedSteps"`
	TotalSteps     int    `json:"totalSteps"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// SystemMessagePayload is an operator-facing notice.
type SystemMessagePayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// NewWorkflowUpdate builds a workflow-update event.
func NewWorkflowUpdate(projectID string, p WorkflowUpdatePayload) Event {
	return Event{Type: WorkflowUpdate, ProjectID: projectID, Payload: p}
}

// NewAgentMessage builds an agent-message event.
func NewAgentMessage(projectID string, p AgentMessagePayload) Event {
	return Event{Type: AgentMessage, ProjectID: projectID, Payload: p}
}

// NewProjectStatus builds a project-status event.
func NewProjectStatus(projectID string, p ProjectStatusPayload) Event {
	return Event{Type: ProjectStatus, ProjectID: projectID, Payload: p}
}

// NewSystemMessage builds a system-message event.
func NewSystemMessage(projectID, level, message string) Event {
	return Event{Type: SystemMessage, ProjectID: projectID, Payload: SystemMessagePayload{Level: level, Message: message}}
}

// UnmarshalJSON decodes the payload into the struct matching the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		ProjectID string          `json:"projectId"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var payload any
	switch raw.Type {
	case WorkflowUpdate:
		var p WorkflowUpdatePayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	case AgentMessage:
		var p AgentMessagePayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	case ProjectStatus:
		var p ProjectStatusPayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	case SystemMessage:
		var p SystemMessagePayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("unknown event type %q", raw.Type)
	}

	*e = Event{Type: raw.Type, ProjectID: raw.ProjectID, Timestamp: raw.Timestamp, Payload: payload}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
