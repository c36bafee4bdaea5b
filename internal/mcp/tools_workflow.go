package mcpserver

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"stepflow/internal/aggregator"
	"stepflow/internal/agent"
	"stepflow/internal/orchestrator"
	"stepflow/internal/workflow"
)

func registerWorkflowTools(server *mcpsdk.Server, f *orchestrator.Facade) {
	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "template_list",
		Description: "List run templates (built-in and user-defined)",
	}, templateListHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "run_create",
		Description: "Create a workflow run for a project from a named template",
	}, runCreateHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "run_get",
		Description: "Get a workflow run with its derived status and ordered steps",
	}, runGetHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "step_status",
		Description: "Get a step with its task summary, tasks and conversation",
	}, stepStatusHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "step_start",
		Description: "Start a step, creating its planned tasks. Every earlier step must be approved",
	}, stepStartHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "step_review",
		Description: "Approve, reject, request revision of, or resubmit a step",
	}, stepReviewHandler(f))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "step_message",
		Description: "Post a message to a step's conversation as an agent",
	}, stepMessageHandler(f))
}

// -- template_list --

type templateListInput struct{}

type templateListOutput struct {
	Templates []workflow.Template `json:"templates"`
}

func templateListHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[templateListInput, templateListOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input templateListInput) (*mcpsdk.CallToolResult, templateListOutput, error) {
		if f.Templates() == nil {
			return nil, templateListOutput{Templates: []workflow.Template{}}, nil
		}
		templates, err := f.Templates().List()
		if err != nil {
			return nil, templateListOutput{}, err
		}
		if templates == nil {
			templates = []workflow.Template{}
		}
		return nil, templateListOutput{Templates: templates}, nil
	}
}

// -- run_create / run_get --

type runCreateInput struct {
	ProjectID string `json:"projectId" jsonschema:"Project the run belongs to"`
	Name      string `json:"name,omitempty" jsonschema:"Run name"`
	Template  string `json:"template" jsonschema:"Template name"`
}

type runOutput struct {
	Run    *workflow.Run      `json:"run"`
	Status workflow.RunStatus `json:"status"`
	Steps  []*workflow.Step   `json:"steps"`
}

func newRunOutput(v *orchestrator.RunView) runOutput {
	out := runOutput{Run: v.Run, Status: v.Status, Steps: make([]*workflow.Step, 0, len(v.Steps))}
	for _, s := range v.Steps {
		out.Steps = append(out.Steps, s.Step)
	}
	return out
}

func runCreateHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[runCreateInput, runOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input runCreateInput) (*mcpsdk.CallToolResult, runOutput, error) {
		if input.ProjectID == "" || input.Template == "" {
			return nil, runOutput{}, fmt.Errorf("projectId and template are required")
		}
		v, err := f.CreateRun(ctx, orchestrator.CreateRunRequest{
			ProjectID: input.ProjectID,
			Name:      input.Name,
			Template:  input.Template,
		})
		if err != nil {
			return nil, runOutput{}, toolError(err)
		}
		return nil, newRunOutput(v), nil
	}
}

type runGetInput struct {
	RunID string `json:"runId" jsonschema:"Workflow run id"`
}

func runGetHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[runGetInput, runOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input runGetInput) (*mcpsdk.CallToolResult, runOutput, error) {
		v, err := f.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, runOutput{}, toolError(err)
		}
		return nil, newRunOutput(v), nil
	}
}

// -- step_status / step_start --

type stepInput struct {
	StepID string `json:"stepId" jsonschema:"Workflow step id"`
	Actor  string `json:"actor,omitempty" jsonschema:"Agent or user performing the action"`
}

type stepStatusOutput struct {
	Step       *workflow.Step      `json:"step"`
	CanProceed bool                `json:"canProceed"`
	Summary    aggregator.Summary  `json:"summary"`
	Tasks      []*agent.Task       `json:"tasks"`
	Messages   []*workflow.Message `json:"messages"`
}

func newStepStatusOutput(v *orchestrator.StepStatusView) stepStatusOutput {
	return stepStatusOutput{
		Step:       v.Step.Step,
		CanProceed: v.Step.CanProceed,
		Summary:    v.Summary,
		Tasks:      v.Tasks,
		Messages:   v.Messages,
	}
}

func stepStatusHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[stepInput, stepStatusOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input stepInput) (*mcpsdk.CallToolResult, stepStatusOutput, error) {
		v, err := f.StepStatus(ctx, input.StepID)
		if err != nil {
			return nil, stepStatusOutput{}, toolError(err)
		}
		return nil, newStepStatusOutput(v), nil
	}
}

func stepStartHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[stepInput, stepStatusOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input stepInput) (*mcpsdk.CallToolResult, stepStatusOutput, error) {
		v, err := f.StartStep(ctx, orchestrator.StepRequest{StepID: input.StepID, Actor: input.Actor})
		if err != nil {
			return nil, stepStatusOutput{}, toolError(err)
		}
		return nil, newStepStatusOutput(v), nil
	}
}

// -- step_review --

type stepReviewInput struct {
	StepID   string `json:"stepId" jsonschema:"Workflow step id"`
	Action   string `json:"action" jsonschema:"One of approve, reject, revision, resubmit"`
	Actor    string `json:"actor,omitempty" jsonschema:"Reviewer id"`
	Comments string `json:"comments,omitempty" jsonschema:"Reason; required for reject and revision"`
}

type stepOutput struct {
	Step       *workflow.Step `json:"step"`
	CanProceed bool           `json:"canProceed"`
}

func stepReviewHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[stepReviewInput, stepOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input stepReviewInput) (*mcpsdk.CallToolResult, stepOutput, error) {
		ops := map[workflow.Action]func(context.Context, orchestrator.StepRequest) (*orchestrator.StepView, error){
			workflow.ActionApprove:  f.ApproveStep,
			workflow.ActionReject:   f.RejectStep,
			workflow.ActionRevision: f.RequestRevision,
			workflow.ActionResubmit: f.ResubmitStep,
		}
		op, ok := ops[workflow.Action(input.Action)]
		if !ok {
			return nil, stepOutput{}, fmt.Errorf("unknown action %q (approve, reject, revision, resubmit)", input.Action)
		}
		v, err := op(ctx, orchestrator.StepRequest{StepID: input.StepID, Actor: input.Actor, Comments: input.Comments})
		if err != nil {
			return nil, stepOutput{}, toolError(err)
		}
		return nil, stepOutput{Step: v.Step, CanProceed: v.CanProceed}, nil
	}
}

// -- step_message --

type stepMessageInput struct {
	StepID  string `json:"stepId" jsonschema:"Workflow step id"`
	AgentID string `json:"agentId" jsonschema:"Posting agent id"`
	Content string `json:"content" jsonschema:"Message text"`
}

type stepMessageOutput struct {
	Message *workflow.Message `json:"message"`
}

func stepMessageHandler(f *orchestrator.Facade) mcpsdk.ToolHandlerFor[stepMessageInput, stepMessageOutput] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input stepMessageInput) (*mcpsdk.CallToolResult, stepMessageOutput, error) {
		msg, err := f.RecordMessage(ctx, orchestrator.MessageRequest{
			StepID:     input.StepID,
			AuthorType: workflow.AuthorAgent,
			AuthorID:   input.AgentID,
			Content:    input.Content,
		})
		if err != nil {
			return nil, stepMessageOutput{}, toolError(err)
		}
		return nil, stepMessageOutput{Message: msg}, nil
	}
}
