package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stepflow/internal/agent"
	"stepflow/internal/aggregator"
	"stepflow/internal/eventbus"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

// CreateRun creates a run and its pending steps.
func (f *Facade) CreateRun(ctx context.Context, req CreateRunRequest) (*RunView, error) {
	defs := req.Steps
	switch {
	case req.Template != "" && len(defs) > 0:
		return nil, f.fail("create_run", fmt.Errorf("%w: template and steps are mutually exclusive", workflow.ErrInvalidRequest))
	case req.Template != "":
		if f.templates == nil {
			return nil, f.fail("create_run", fmt.Errorf("%w: no template catalog configured", workflow.ErrInvalidRequest))
		}
		tpl, err := f.templates.Get(req.Template)
		if err != nil {
			return nil, f.fail("create_run", err)
		}
		defs = tpl.Steps
	case len(defs) == 0:
		return nil, f.fail("create_run", fmt.Errorf("%w: template or steps is required", workflow.ErrInvalidRequest))
	}

	run, steps, err := workflow.NewRun(req.ProjectID, req.Name, req.Template, defs, f.now())
	if err != nil {
		return nil, f.fail("create_run", err)
	}

	err = f.mutate(ctx, "create_run", []string{runKey(run.ID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		if err := tx.CreateRun(run); err != nil {
			return nil, err
		}
		for _, s := range steps {
			if err := tx.CreateStep(s); err != nil {
				return nil, err
			}
		}
		return []eventbus.Event{eventbus.NewProjectStatus(run.ProjectID, eventbus.ProjectStatusPayload{
			WorkflowID: run.ID,
			Status:     string(workflow.RunPending),
			TotalSteps: len(steps),
		})}, nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("Run created", "run", run.ID, "project", run.ProjectID, "steps", len(steps))
	return f.GetRun(ctx, run.ID)
}

// GetRun returns a run with its derived status and steps.
func (f *Facade) GetRun(ctx context.Context, runID string) (*RunView, error) {
	var view *RunView
	err := f.store.View(ctx, func(tx store.Tx) error {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return err
		}
		view = &RunView{Run: run, Status: workflow.DeriveStatus(steps), Steps: make([]*StepView, 0, len(steps))}
		for _, s := range steps {
			tasks, err := tx.ListTasks(s.ID)
			if err != nil {
				return err
			}
			msgs, err := tx.ListMessages(s.ID)
			if err != nil {
				return err
			}
			view.Steps = append(view.Steps, newStepView(steps, s, tasks, msgs))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ListSteps returns a run's steps ordered by step number.
func (f *Facade) ListSteps(ctx context.Context, runID string) ([]*StepView, error) {
	view, err := f.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return view.Steps, nil
}

// StepStatus returns a step with its task summary, tasks and conversation.
func (f *Facade) StepStatus(ctx context.Context, stepID string) (*StepStatusView, error) {
	var view *StepStatusView
	err := f.store.View(ctx, func(tx store.Tx) error {
		step, err := tx.GetStep(stepID)
		if err != nil {
			return err
		}
		_, steps, err := loadRun(tx, step.RunID)
		if err != nil {
			return err
		}
		view, err = stepStatus(tx, steps, step.RunID, stepID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func stepStatus(tx store.Tx, steps []*workflow.Step, runID, stepID string) (*StepStatusView, error) {
	step, err := findStep(steps, runID, stepID)
	if err != nil {
		return nil, err
	}
	tasks, err := tx.ListTasks(stepID)
	if err != nil {
		return nil, err
	}
	msgs, err := tx.ListMessages(stepID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*agent.Task{}
	}
	if msgs == nil {
		msgs = []*workflow.Message{}
	}
	return &StepStatusView{
		Step:     newStepView(steps, step, tasks, msgs),
		Summary:  aggregator.Summarize(stepID, tasks),
		Tasks:    tasks,
		Messages: msgs,
	}, nil
}

// StartStep materialises the step's planned tasks. Starting a started step is a no-op.
func (f *Facade) StartStep(ctx context.Context, req StepRequest) (*StepStatusView, error) {
	runID, err := f.resolveRun(ctx, req.RunID, req.StepID)
	if err != nil {
		return nil, f.fail("start_step", err)
	}

	var view *StepStatusView
	err = f.mutate(ctx, "start_step", []string{runKey(runID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return nil, err
		}
		step, err := findStep(steps, runID, req.StepID)
		if err != nil {
			return nil, err
		}
		if step.Started {
			view, err = stepStatus(tx, steps, runID, step.ID)
			return nil, err
		}
		if err := ensureOpen(steps); err != nil {
			return nil, err
		}
		if step.Status == workflow.StepApproved || step.Status == workflow.StepRejected {
			return nil, fmt.Errorf("%w: step %d is already %s", workflow.ErrInvalidTransition, step.StepNumber, step.Status)
		}
		if !workflow.CanProceed(steps, step.StepNumber) {
			return nil, fmt.Errorf("%w: every step before step %d must be approved before it starts",
				workflow.ErrPrecursorNotApproved, step.StepNumber)
		}

		now := f.now()
		before := workflow.DeriveStatus(steps)
		for _, spec := range step.TaskPlan {
			task, chain, err := agent.NewTask(runID, step.ID, spec, now)
			if err != nil {
				return nil, err
			}
			if err := tx.CreateTask(task); err != nil {
				return nil, err
			}
			if chain != nil {
				if err := tx.CreateChain(chain); err != nil {
					return nil, err
				}
			}
		}

		updated := step.Clone()
		updated.Started = true
		updated.TaskCount = len(step.TaskPlan)
		updated.UpdatedAt = now
		if err := tx.UpdateStep(updated); err != nil {
			return nil, err
		}
		steps = replaceStep(steps, updated)

		view, err = stepStatus(tx, steps, runID, step.ID)
		if err != nil {
			return nil, err
		}
		events := []eventbus.Event{eventbus.NewWorkflowUpdate(run.ProjectID, eventbus.WorkflowUpdatePayload{
			WorkflowID: runID,
			StepID:     step.ID,
			AgentID:    req.Actor,
			Status:     "started",
			Message:    fmt.Sprintf("step %d started with %d tasks", step.StepNumber, len(step.TaskPlan)),
		})}
		return withProjectStatus(events, run, before, steps), nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ApproveStep moves a pending step to approved.
func (f *Facade) ApproveStep(ctx context.Context, req StepRequest) (*StepView, error) {
	return f.transition(ctx, workflow.ActionApprove, req)
}

// RejectStep moves a pending step to rejected. Comments are required.
func (f *Facade) RejectStep(ctx context.Context, req StepRequest) (*StepView, error) {
	return f.transition(ctx, workflow.ActionReject, req)
}

// RequestRevision sends a pending or approved step back for rework. Comments are required.
func (f *Facade) RequestRevision(ctx context.Context, req StepRequest) (*StepView, error) {
	return f.transition(ctx, workflow.ActionRevision, req)
}

// ResubmitStep returns a step under revision to pending review.
func (f *Facade) ResubmitStep(ctx context.Context, req StepRequest) (*StepView, error) {
	return f.transition(ctx, workflow.ActionResubmit, req)
}

func (f *Facade) transition(ctx context.Context, action workflow.Action, req StepRequest) (*StepView, error) {
	op := string(action)
	runID, err := f.resolveRun(ctx, req.RunID, req.StepID)
	if err != nil {
		return nil, f.fail(op, err)
	}

	var view *StepView
	err = f.mutate(ctx, op, []string{runKey(runID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return nil, err
		}
		if _, err := findStep(steps, runID, req.StepID); err != nil {
			return nil, err
		}

		now := f.now()
		before := workflow.DeriveStatus(steps)
		updated, err := workflow.Apply(steps, workflow.Transition{
			StepID:   req.StepID,
			Action:   action,
			Actor:    req.Actor,
			Comments: strings.TrimSpace(req.Comments),
		}, now)
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateStep(updated); err != nil {
			return nil, err
		}
		steps = replaceStep(steps, updated)

		tasks, err := tx.ListTasks(updated.ID)
		if err != nil {
			return nil, err
		}
		// A decision just stamped ReviewedAt, so no message can postdate it.
		view = newStepView(steps, updated, tasks, nil)

		msg := updated.Comments
		if action == workflow.ActionResubmit || msg == "" {
			msg = fmt.Sprintf("step %d is now %s", updated.StepNumber, updated.Status)
		}
		events := []eventbus.Event{eventbus.NewWorkflowUpdate(run.ProjectID, eventbus.WorkflowUpdatePayload{
			WorkflowID: runID,
			StepID:     updated.ID,
			AgentID:    req.Actor,
			Status:     string(updated.Status),
			Message:    msg,
		})}
		return withProjectStatus(events, run, before, steps), nil
	})
	if err != nil {
		return nil, err
	}

	f.metrics.StepTransition(op)
	f.logger.Info("Step transition", "run", runID, "step", req.StepID, "action", op, "actor", req.Actor)
	return view, nil
}

// RecordMessage appends a conversation message to a step.
func (f *Facade) RecordMessage(ctx context.Context, req MessageRequest) (*workflow.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, f.fail("record_message", fmt.Errorf("%w: content is required", workflow.ErrInvalidRequest))
	}
	if req.AuthorType == "" {
		req.AuthorType = workflow.AuthorUser
	}
	if req.AuthorType != workflow.AuthorUser && req.AuthorType != workflow.AuthorAgent {
		return nil, f.fail("record_message", fmt.Errorf("%w: unknown author type %q", workflow.ErrInvalidRequest, req.AuthorType))
	}
	if strings.TrimSpace(req.AuthorID) == "" {
		return nil, f.fail("record_message", fmt.Errorf("%w: authorId is required", workflow.ErrInvalidRequest))
	}
	runID, err := f.resolveRun(ctx, req.RunID, req.StepID)
	if err != nil {
		return nil, f.fail("record_message", err)
	}

	var msg *workflow.Message
	err = f.mutate(ctx, "record_message", []string{runKey(runID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return nil, err
		}
		step, err := findStep(steps, runID, req.StepID)
		if err != nil {
			return nil, err
		}
		if err := ensureOpen(steps); err != nil {
			return nil, err
		}

		now := f.now()
		before := workflow.DeriveStatus(steps)
		msg = &workflow.Message{
			ID:         uuid.NewString(),
			RunID:      runID,
			StepID:     step.ID,
			AuthorType: req.AuthorType,
			AuthorID:   req.AuthorID,
			Content:    req.Content,
			CreatedAt:  now,
		}
		if err := tx.AppendMessage(msg); err != nil {
			return nil, err
		}
		updated := aggregator.RecordMessage(step, now)
		if err := tx.UpdateStep(updated); err != nil {
			return nil, err
		}
		steps = replaceStep(steps, updated)

		events := []eventbus.Event{eventbus.NewAgentMessage(run.ProjectID, eventbus.AgentMessagePayload{
			WorkflowID: runID,
			StepID:     step.ID,
			AuthorType: string(msg.AuthorType),
			AuthorID:   msg.AuthorID,
			Content:    msg.Content,
		})}
		return withProjectStatus(events, run, before, steps), nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
