package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"stepflow/internal/eventbus"
	"stepflow/internal/orchestrator"
	"stepflow/internal/workflow"
)

func newTestModel(loaded *[]string) Model {
	return NewModel(WatchConfig{
		ProjectID: "p1",
		Events:    make(chan eventbus.Event),
		LoadSteps: func(ctx context.Context, runID string) ([]*orchestrator.StepView, error) {
			*loaded = append(*loaded, runID)
			return []*orchestrator.StepView{
				{Step: &workflow.Step{ID: "s1", StepNumber: 1, Name: "analysis", Status: workflow.StepApproved}},
				{Step: &workflow.Step{ID: "s2", StepNumber: 2, Name: "build", Status: workflow.StepPending, IsActive: true}, CanProceed: true},
			}, nil
		},
	})
}

// runCmd executes cmd and feeds the messages it yields back into m. Batches are
// flattened; commands still blocked on the event channel after 100ms are dropped.
func runCmd(m Model, cmd tea.Cmd) Model {
	if cmd == nil {
		return m
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	var msg tea.Msg
	select {
	case msg = <-done:
	case <-time.After(100 * time.Millisecond):
		return m
	}
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			m = runCmd(m, c)
		}
		return m
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestFirstWorkflowEventPinsRun(t *testing.T) {
	var loaded []string
	m := newTestModel(&loaded)

	progress := 50.0
	next, cmd := m.Update(eventMsg{ev: eventbus.NewWorkflowUpdate("p1", eventbus.WorkflowUpdatePayload{
		WorkflowID: "run-1", StepID: "s2", AgentID: "dev", Status: "in_progress", Progress: &progress,
	})})
	m = runCmd(next.(Model), cmd)

	if m.runID != "run-1" {
		t.Errorf("runID = %q, want run-1", m.runID)
	}
	if len(loaded) != 1 || loaded[0] != "run-1" {
		t.Errorf("LoadSteps calls = %v, want [run-1]", loaded)
	}
	if len(m.steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(m.steps))
	}
	if len(m.feed) != 1 || !strings.Contains(m.feed[0], "dev in_progress 50%") {
		t.Errorf("feed = %v", m.feed)
	}

	view := m.View()
	for _, want := range []string{"analysis", "build", "ready for review"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestOtherRunsDoNotReload(t *testing.T) {
	var loaded []string
	m := newTestModel(&loaded)
	m.runID = "run-1"

	next, cmd := m.Update(eventMsg{ev: eventbus.NewWorkflowUpdate("p1", eventbus.WorkflowUpdatePayload{WorkflowID: "run-2", Status: "approved"})})
	runCmd(next.(Model), cmd)

	if len(loaded) != 0 {
		t.Errorf("LoadSteps calls = %v, want none", loaded)
	}
}

func TestProjectStatusUpdatesHeader(t *testing.T) {
	var loaded []string
	m := newTestModel(&loaded)
	m.runID = "run-1"

	next, _ := m.Update(eventMsg{ev: eventbus.NewProjectStatus("p1", eventbus.ProjectStatusPayload{
		WorkflowID: "run-1", Status: "in_progress", ApprovedSteps: 1, TotalSteps: 3, PreviousStatus: "pending",
	})})
	m = next.(Model)

	if m.status != "in_progress (1/3 approved)" {
		t.Errorf("status = %q", m.status)
	}
	if !strings.Contains(m.feed[0], "(was pending)") {
		t.Errorf("feed = %v", m.feed)
	}
}

func TestDisconnect(t *testing.T) {
	var loaded []string
	m := newTestModel(&loaded)

	next, _ := m.Update(disconnectedMsg{})
	m = next.(Model)
	if m.connected {
		t.Error("still connected after disconnect")
	}
	if !strings.Contains(m.View(), "disconnected") {
		t.Error("view does not show disconnected")
	}
}

func TestFeedIsBounded(t *testing.T) {
	var loaded []string
	m := newTestModel(&loaded)
	for i := 0; i < maxFeed+10; i++ {
		m.appendFeed(eventbus.NewSystemMessage("p1", "info", "tick"))
	}
	if len(m.feed) != maxFeed {
		t.Errorf("feed = %d, want %d", len(m.feed), maxFeed)
	}
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		ev   eventbus.Event
		want string
	}{
		{eventbus.NewAgentMessage("p", eventbus.AgentMessagePayload{AuthorType: "agent", AuthorID: "qa", Content: "found a bug"}), "[agent] qa: found a bug"},
		{eventbus.NewSystemMessage("p", "warn", "relay down"), "[system warn] relay down"},
		{eventbus.NewWorkflowUpdate("p", eventbus.WorkflowUpdatePayload{Status: "approved", Message: "looks good"}), "[update] approved looks good"},
	}
	for _, tt := range tests {
		if got := DescribeEvent(tt.ev); got != tt.want {
			t.Errorf("DescribeEvent(%s) = %q, want %q", tt.ev.Type, got, tt.want)
		}
	}
}

func TestStepMarkers(t *testing.T) {
	tests := []struct {
		status workflow.StepStatus
		want   string
	}{
		{workflow.StepApproved, "✓"},
		{workflow.StepRejected, "✗"},
		{workflow.StepNeedsRevision, "↺"},
		{workflow.StepPending, "○"},
	}
	for _, tt := range tests {
		if got := stepIcon(tt.status); !strings.Contains(got, tt.want) {
			t.Errorf("stepIcon(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRunStatusStyle(t *testing.T) {
	if runStatusStyle("rejected (1/3 approved)").GetForeground() != rejectedColor {
		t.Error("rejected run is not drawn in the rejected colour")
	}
	if runStatusStyle("completed").GetForeground() != approvedColor {
		t.Error("completed run is not drawn in the approved colour")
	}
	if runStatusStyle("pending").GetForeground() != faintColor {
		t.Error("pending run is not faint")
	}
}
