// Package notify delivers review notifications for workflow runs to webhooks
// and hook scripts.
package notify

import (
	"context"
	"strings"
	"time"
)

// Kind classifies what a notification reports.
type Kind string

const (
	// StepDecision reports a step being approved, rejected or sent back.
	StepDecision Kind = "step-decision"
	// RunStatusChange reports a run moving to a new derived status.
	RunStatusChange Kind = "run-status"
	// TaskBlocked reports a task or collaboration chain becoming blocked.
	TaskBlocked Kind = "task-blocked"
)

// Notification represents a notification to be sent.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId,omitempty"`
	StepID    string    `json:"stepId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Text is the one-line rendering used by plain-text webhook formats.
func (n Notification) Text() string {
	return n.Title + ": " + n.Message
}

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

// Len reports how many notifiers are registered.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Send dispatches the notification to all registered notifiers.
// Returns the first error encountered, but attempts all notifiers.
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var firstErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Name returns the name of this notifier.
func (m *MultiNotifier) Name() string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}
