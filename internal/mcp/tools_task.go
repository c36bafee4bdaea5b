package mcpserver

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"stepflow/internal/agent"
	"stepflow/internal/orchestrator"
)

func registerTaskTools(server *mcpsdk.Server, f *orchestrator.Facade) {
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "task_progress",
		Description: "Report status, progress (0-100) or a result for a non-collaborative task",
	}, taskProgressHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "task_cancel",
		Description: "Cancel a task that has not completed yet",
	}, taskCancelHandler(f))

	chainTools := []struct {
		name, desc string
		op         chainFunc
	}{
		{"chain_start", "Start a collaborative task's chain, assigning its first agent", f.StartChain},
		{"chain_begin", "Mark the current link as in progress (agentId must be the current agent)", f.BeginLink},
		{"chain_progress", "Report the current link's progress percentage", f.ReportLinkProgress},
		{"chain_advance", "Finish the current link (outcome: completed, blocked, skipped) and hand off to the next agent", f.AdvanceChain},
		{"chain_unblock", "Unblock a blocked chain so its current agent can resume", f.UnblockChain},
		{"chain_handoff", "Attach a handoff note for the next agent in the chain", f.RecordHandoffNote},
	}
	for _, tool := range chainTools {
		mcpsdk.AddTool(server, &mcpsdk.Tool{Name: tool.name, Description: tool.desc}, chainHandler(tool.op))
	}

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "collaboration_status",
		Description: "Get a collaborative task with its chain and current agent",
	}, collaborationStatusHandler(f))
}

// -- task_progress / task_cancel --

type taskProgressInput struct {
	TaskID   string `json:"taskId" jsonschema:"Task id"`
	AgentID  string `json:"agentId" jsonschema:"Reporting agent id; must be the assignee"`
	Status   string `json:"status,omitempty" jsonschema:"New status (pending, in_progress, completed, blocked)"`
	Progress *int   `json:"progress,omitempty" jsonschema:"Progress percentage 0-100"`
	Result   string `json:"result,omitempty" jsonschema:"Task result text"`
}

type taskOutput struct {
	Task *agent.Task `json:"task"`
}

func taskProgressHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[taskProgressInput, taskOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input taskProgressInput) (*mcpsdk.CallToolResult, taskOutput, error) {
		if input.TaskID == "" {
			return nil, taskOutput{}, fmt.Errorf("taskId is required")
		}
		task, err := f.UpdateTaskProgress(ctx, orchestrator.TaskProgressRequest{
			TaskID:   input.TaskID,
			AgentID:  input.AgentID,
			Status:   agent.TaskStatus(input.Status),
			Progress: input.Progress,
			Result:   input.Result,
		})
		if err != nil {
			return nil, taskOutput{}, toolError(err)
		}
		return nil, taskOutput{Task: task}, nil
	}
}

type taskCancelInput struct {
	TaskID string `json:"taskId" jsonschema:"Task id"`
	Actor  string `json:"actor,omitempty" jsonschema:"User cancelling the task"`
}

func taskCancelHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[taskCancelInput, taskOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input taskCancelInput) (*mcpsdk.CallToolResult, taskOutput, error) {
		task, err := f.CancelTask(ctx, input.TaskID, input.Actor)
		if err != nil {
			return nil, taskOutput{}, toolError(err)
		}
		return nil, taskOutput{Task: task}, nil
	}
}

// -- chain_* --

type chainFunc func(context.Context, orchestrator.ChainRequest) (*orchestrator.CollaborationView, error)

type chainInput struct {
	TaskID   string  `json:"taskId" jsonschema:"Collaborative task id"`
	AgentID  string  `json:"agentId,omitempty" jsonschema:"Acting agent id"`
	Outcome  string  `json:"outcome,omitempty" jsonschema:"Link outcome for chain_advance (default: completed)"`
	Progress float64 `json:"progress,omitempty" jsonschema:"Link progress percentage for chain_progress"`
	Note     string  `json:"note,omitempty" jsonschema:"Handoff note"`
}

type collaborationOutput struct {
	Task         *agent.Task              `json:"task"`
	Chain        *agent.CollaborativeTask `json:"chain"`
	CurrentAgent string                   `json:"currentAgent,omitempty"`
}

func newCollaborationOutput(v *orchestrator.CollaborationView) collaborationOutput {
	return collaborationOutput{Task: v.Task, Chain: v.Chain, CurrentAgent: v.CurrentAgent}
}

func chainHandler(op chainFunc) mcpsdk.ToolHandlerFor[chainInput, collaborationOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input chainInput) (*mcpsdk.CallToolResult, collaborationOutput, error) {
		if input.TaskID == "" {
			return nil, collaborationOutput{}, fmt.Errorf("taskId is required")
		}
		v, err := op(ctx, orchestrator.ChainRequest{
			TaskID:   input.TaskID,
			AgentID:  input.AgentID,
			Outcome:  agent.Outcome(input.Outcome),
			Progress: input.Progress,
			Note:     input.Note,
		})
		if err != nil {
			return nil, collaborationOutput{}, toolError(err)
		}
		return nil, newCollaborationOutput(v), nil
	}
}

type collaborationStatusInput struct {
	TaskID string `json:"taskId" jsonschema:"Collaborative task id"`
}

func collaborationStatusHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[collaborationStatusInput, collaborationOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input collaborationStatusInput) (*mcpsdk.CallToolResult, collaborationOutput, error) {
		v, err := f.CollaborationStatus(ctx, input.TaskID)
		if err != nil {
			return nil, collaborationOutput{}, toolError(err)
		}
		return nil, newCollaborationOutput(v), nil
	}
}
