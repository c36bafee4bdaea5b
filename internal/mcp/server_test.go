package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"stepflow/internal/logging"
	"stepflow/internal/orchestrator"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

// setupTestServer connects an MCP client to a fresh server over in-memory transports.
func setupTestServer(t *testing.T) *mcpsdk.ClientSession {
	t.Helper()

	f := orchestrator.New(store.NewMemory(), nil,
		orchestrator.WithTemplates(workflow.NewCatalog(t.TempDir())),
		orchestrator.WithLogger(logging.Discard()))
	server := NewServer(f, "0.0.1")

	ct, st := mcpsdk.NewInMemoryTransports()

	ctx := context.Background()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		cs.Close()
		ss.Close()
	})
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args any) *mcpsdk.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	return result
}

func text(t *testing.T, name string, result *mcpsdk.CallToolResult) string {
	t.Helper()
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content is %T, want *TextContent", name, result.Content[0])
	}
	return tc.Text
}

// callTool calls a tool that must succeed and decodes its JSON output.
func callTool(t *testing.T, cs *mcpsdk.ClientSession, name string, args any) map[string]any {
	t.Helper()
	result := call(t, cs, name, args)
	raw := text(t, name, result)
	if result.IsError {
		t.Fatalf("CallTool(%s): tool error: %s", name, raw)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("CallTool(%s): unmarshal response: %v\nraw: %s", name, err, raw)
	}
	return m
}

// expectToolError calls a tool that must fail with the given code.
func expectToolError(t *testing.T, cs *mcpsdk.ClientSession, name string, args any, code string) {
	t.Helper()
	result := call(t, cs, name, args)
	raw := text(t, name, result)
	if !result.IsError {
		t.Fatalf("CallTool(%s): expected error %s, got %s", name, code, raw)
	}
	if !strings.Contains(raw, code) {
		t.Errorf("CallTool(%s): error %q does not mention %s", name, raw, code)
	}
}

func stepIDs(t *testing.T, run map[string]any) []string {
	t.Helper()
	steps, ok := run["steps"].([]any)
	if !ok {
		t.Fatalf("run has no steps: %v", run)
	}
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.(map[string]any)["id"].(string))
	}
	return ids
}

func TestTemplateList(t *testing.T) {
	cs := setupTestServer(t)

	resp := callTool(t, cs, "template_list", map[string]any{})
	templates, ok := resp["templates"].([]any)
	if !ok || len(templates) < 2 {
		t.Fatalf("templates = %v, want the built-ins", resp["templates"])
	}
}

func TestStepReviewFlow(t *testing.T) {
	cs := setupTestServer(t)

	run := callTool(t, cs, "run_create", map[string]any{"projectId": "p1", "template": "quick-review"})
	if run["status"] != string(workflow.RunPending) {
		t.Errorf("status = %v, want %s", run["status"], workflow.RunPending)
	}
	ids := stepIDs(t, run)
	if len(ids) != 1 {
		t.Fatalf("steps = %d, want 1", len(ids))
	}
	step := ids[0]

	expectToolError(t, cs, "step_review", map[string]any{"stepId": step, "action": "approve"}, orchestrator.CodeMissingActivity)
	expectToolError(t, cs, "step_review", map[string]any{"stepId": step, "action": "reject"}, orchestrator.CodeInvalidRequest)

	status := callTool(t, cs, "step_start", map[string]any{"stepId": step, "actor": "lead"})
	if tasks, _ := status["tasks"].([]any); len(tasks) != 1 {
		t.Errorf("tasks = %v, want 1", status["tasks"])
	}

	msg := callTool(t, cs, "step_message", map[string]any{"stepId": step, "agentId": "assistant", "content": "summary attached"})
	if m, _ := msg["message"].(map[string]any); m["authorType"] != "agent" {
		t.Errorf("message = %v, want an agent message", msg["message"])
	}

	out := callTool(t, cs, "step_review", map[string]any{"stepId": step, "action": "approve", "actor": "lead"})
	if s, _ := out["step"].(map[string]any); s["status"] != string(workflow.StepApproved) {
		t.Errorf("step = %v, want approved", out["step"])
	}

	got := callTool(t, cs, "run_get", map[string]any{"runId": run["run"].(map[string]any)["id"]})
	if got["status"] != string(workflow.RunCompleted) {
		t.Errorf("run status = %v, want %s", got["status"], workflow.RunCompleted)
	}

	expectToolError(t, cs, "step_review", map[string]any{"stepId": step, "action": "launch"}, "unknown action")
}

func TestChainTools(t *testing.T) {
	cs := setupTestServer(t)

	run := callTool(t, cs, "run_create", map[string]any{"projectId": "p1", "template": "feature-delivery"})
	ids := stepIDs(t, run)

	expectToolError(t, cs, "step_start", map[string]any{"stepId": ids[1]}, orchestrator.CodePrecursorNotApproved)

	callTool(t, cs, "step_message", map[string]any{"stepId": ids[0], "agentId": "analyst", "content": "done"})
	callTool(t, cs, "step_review", map[string]any{"stepId": ids[0], "action": "approve", "actor": "lead"})

	status := callTool(t, cs, "step_start", map[string]any{"stepId": ids[1]})
	tasks, _ := status["tasks"].([]any)
	var taskID string
	for _, raw := range tasks {
		task := raw.(map[string]any)
		if task["isCollaborative"] == true {
			taskID = task["id"].(string)
		}
	}
	if taskID == "" {
		t.Fatalf("no collaborative task in %v", tasks)
	}

	started := callTool(t, cs, "chain_start", map[string]any{"taskId": taskID})
	if started["currentAgent"] != "analyst" {
		t.Errorf("currentAgent = %v, want analyst", started["currentAgent"])
	}

	expectToolError(t, cs, "chain_begin", map[string]any{"taskId": taskID, "agentId": "developer"}, orchestrator.CodeNotCurrentAgent)

	callTool(t, cs, "chain_begin", map[string]any{"taskId": taskID, "agentId": "analyst"})
	callTool(t, cs, "chain_handoff", map[string]any{"taskId": taskID, "agentId": "analyst", "note": "scope is in the ticket"})
	advanced := callTool(t, cs, "chain_advance", map[string]any{"taskId": taskID, "agentId": "analyst"})
	if advanced["currentAgent"] != "developer" {
		t.Errorf("currentAgent = %v, want developer", advanced["currentAgent"])
	}

	collab := callTool(t, cs, "collaboration_status", map[string]any{"taskId": taskID})
	chain, _ := collab["chain"].(map[string]any)
	if chain["collaborationStatus"] != "in-progress" {
		t.Errorf("collaborationStatus = %v, want in-progress", chain["collaborationStatus"])
	}
}

func TestTaskProgressTool(t *testing.T) {
	cs := setupTestServer(t)

	run := callTool(t, cs, "run_create", map[string]any{"projectId": "p1", "template": "quick-review"})
	step := stepIDs(t, run)[0]
	status := callTool(t, cs, "step_start", map[string]any{"stepId": step})
	taskID := status["tasks"].([]any)[0].(map[string]any)["id"].(string)

	expectToolError(t, cs, "task_progress", map[string]any{"taskId": taskID, "agentId": "someone-else", "progress": 10}, orchestrator.CodeNotAssignedAgent)

	out := callTool(t, cs, "task_progress", map[string]any{"taskId": taskID, "agentId": "assistant", "progress": 40})
	task, _ := out["task"].(map[string]any)
	if task["progress"] != float64(40) {
		t.Errorf("progress = %v, want 40", task["progress"])
	}

	cancelled := callTool(t, cs, "task_cancel", map[string]any{"taskId": taskID, "actor": "lead"})
	if c, _ := cancelled["task"].(map[string]any); c["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", c["status"])
	}
}

func TestUnknownIDsReportNotFound(t *testing.T) {
	cs := setupTestServer(t)

	expectToolError(t, cs, "run_get", map[string]any{"runId": "nope"}, orchestrator.CodeNotFound)
	expectToolError(t, cs, "step_status", map[string]any{"stepId": "nope"}, orchestrator.CodeNotFound)
	expectToolError(t, cs, "collaboration_status", map[string]any{"taskId": "nope"}, orchestrator.CodeNotFound)
}
