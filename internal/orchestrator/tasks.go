package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stepflow/internal/agent"
	"stepflow/internal/eventbus"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

// UpdateTaskProgress applies an agent's report to a non-collaborative task.
func (f *Facade) UpdateTaskProgress(ctx context.Context, req TaskProgressRequest) (*agent.Task, error) {
	return f.taskOp(ctx, "update_task_progress", req.TaskID, func(task *agent.Task, now time.Time) (bool, string, error) {
		changed, err := task.ApplyProgress(agent.ProgressUpdate{
			AgentID:  req.AgentID,
			Status:   req.Status,
			Progress: req.Progress,
			Result:   req.Result,
		}, now)
		return changed, req.AgentID, err
	})
}

// CancelTask cancels a non-collaborative task.
func (f *Facade) CancelTask(ctx context.Context, taskID, actor string) (*agent.Task, error) {
	return f.taskOp(ctx, "cancel_task", taskID, func(task *agent.Task, now time.Time) (bool, string, error) {
		changed, err := task.Cancel(now)
		return changed, actor, err
	})
}

func (f *Facade) taskOp(ctx context.Context, op, taskID string, apply func(*agent.Task, time.Time) (bool, string, error)) (*agent.Task, error) {
	runID, err := f.resolveTask(ctx, taskID)
	if err != nil {
		return nil, f.fail(op, err)
	}

	var out *agent.Task
	err = f.mutate(ctx, op, []string{runKey(runID), taskKey(taskID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return nil, err
		}
		if err := ensureOpen(steps); err != nil {
			return nil, err
		}
		task, err := tx.GetTask(taskID)
		if err != nil {
			return nil, err
		}

		now := f.now()
		changed, agentID, err := apply(task, now)
		if err != nil {
			return nil, err
		}
		out = task
		if !changed {
			return nil, nil
		}
		if err := tx.UpdateTask(task); err != nil {
			return nil, err
		}
		before := workflow.DeriveStatus(steps)
		if steps, err = f.refreshStep(tx, steps, runID, task.StepID, now); err != nil {
			return nil, err
		}

		progress := float64(task.Progress)
		events := []eventbus.Event{eventbus.NewWorkflowUpdate(run.ProjectID, eventbus.WorkflowUpdatePayload{
			WorkflowID: runID,
			StepID:     task.StepID,
			TaskID:     task.ID,
			AgentID:    agentID,
			Status:     string(task.Status),
			Message:    task.Title,
			Progress:   &progress,
		})}
		return withProjectStatus(events, run, before, steps), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartChain assigns a collaborative task's first agent.
func (f *Facade) StartChain(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	return f.chainOp(ctx, "start_chain", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		return c.Start(now)
	})
}

// BeginLink marks the current link as being worked on.
func (f *Facade) BeginLink(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	return f.chainOp(ctx, "begin_link", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		return c.Begin(req.AgentID, now)
	})
}

// ReportLinkProgress records the current agent's partial progress.
func (f *Facade) ReportLinkProgress(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	return f.chainOp(ctx, "report_link_progress", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		return c.ReportProgress(req.AgentID, req.Progress, now)
	})
}

// AdvanceChain applies the current agent's outcome and hands off to the next agent.
// An empty outcome means completed. A note, when given, is recorded on the
// link before it is closed.
func (f *Facade) AdvanceChain(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	if req.Outcome == "" {
		req.Outcome = agent.OutcomeCompleted
	}
	advanced := false
	view, err := f.chainOp(ctx, "advance_chain", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		link := c.CurrentLink()
		if strings.TrimSpace(req.Note) != "" && c.CollaborationStatus == agent.CollabInProgress &&
			link != nil && link.AgentID == req.AgentID {
			if err := c.AddHandoffNote(req.AgentID, req.Note, now); err != nil {
				return false, err
			}
		}
		changed, err := c.Advance(req.AgentID, req.Outcome, now)
		advanced = changed
		return changed, err
	})
	if err != nil {
		return nil, err
	}
	if advanced {
		f.metrics.ChainAdvance(string(req.Outcome))
	}
	return view, nil
}

// UnblockChain reassigns a blocked chain's current link.
func (f *Facade) UnblockChain(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	return f.chainOp(ctx, "unblock_chain", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		return true, c.Unblock(now)
	})
}

// RecordHandoffNote appends a note to the current link and posts it to the step conversation feed.
func (f *Facade) RecordHandoffNote(ctx context.Context, req ChainRequest) (*CollaborationView, error) {
	return f.chainOp(ctx, "record_handoff_note", req, func(c *agent.CollaborativeTask, now time.Time) (bool, error) {
		return true, c.AddHandoffNote(req.AgentID, req.Note, now)
	})
}

// CollaborationStatus returns a collaborative task with its chain.
func (f *Facade) CollaborationStatus(ctx context.Context, taskID string) (*CollaborationView, error) {
	var view *CollaborationView
	err := f.store.View(ctx, func(tx store.Tx) error {
		task, chain, err := loadChain(tx, taskID)
		if err != nil {
			return err
		}
		view = newCollaborationView(task, chain)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func loadChain(tx store.Tx, taskID string) (*agent.Task, *agent.CollaborativeTask, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	if !task.IsCollaborative {
		return nil, nil, fmt.Errorf("%w: task %s is not collaborative", agent.ErrChainNotFound, taskID)
	}
	chain, err := tx.GetChain(taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", agent.ErrChainNotFound, err)
	}
	return task, chain, nil
}

func (f *Facade) chainOp(ctx context.Context, op string, req ChainRequest, apply func(*agent.CollaborativeTask, time.Time) (bool, error)) (*CollaborationView, error) {
	runID, err := f.resolveTask(ctx, req.TaskID)
	if err != nil {
		return nil, f.fail(op, err)
	}

	var view *CollaborationView
	err = f.mutate(ctx, op, []string{runKey(runID), taskKey(req.TaskID)}, func(tx store.Tx) ([]eventbus.Event, error) {
		run, steps, err := loadRun(tx, runID)
		if err != nil {
			return nil, err
		}
		if err := ensureOpen(steps); err != nil {
			return nil, err
		}
		task, chain, err := loadChain(tx, req.TaskID)
		if err != nil {
			return nil, err
		}

		now := f.now()
		changed, err := apply(chain, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			view = newCollaborationView(task, chain)
			return nil, nil
		}
		if err := tx.UpdateChain(chain); err != nil {
			return nil, err
		}
		task.SyncFromChain(chain, now)
		if err := tx.UpdateTask(task); err != nil {
			return nil, err
		}
		before := workflow.DeriveStatus(steps)
		if steps, err = f.refreshStep(tx, steps, runID, task.StepID, now); err != nil {
			return nil, err
		}
		view = newCollaborationView(task, chain)

		var events []eventbus.Event
		if op == "record_handoff_note" {
			events = append(events, eventbus.NewAgentMessage(run.ProjectID, eventbus.AgentMessagePayload{
				WorkflowID: runID,
				StepID:     task.StepID,
				TaskID:     task.ID,
				AuthorType: string(workflow.AuthorAgent),
				AuthorID:   req.AgentID,
				Content:    strings.TrimSpace(req.Note),
			}))
		} else {
			progress := chain.OverallProgress
			events = append(events, eventbus.NewWorkflowUpdate(run.ProjectID, eventbus.WorkflowUpdatePayload{
				WorkflowID: runID,
				StepID:     task.StepID,
				TaskID:     task.ID,
				AgentID:    view.CurrentAgent,
				Status:     string(chain.CollaborationStatus),
				Message:    chainMessage(op, req, chain),
				Progress:   &progress,
			}))
		}
		return withProjectStatus(events, run, before, steps), nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func chainMessage(op string, req ChainRequest, chain *agent.CollaborativeTask) string {
	switch op {
	case "advance_chain":
		if next := chain.CurrentLink(); next != nil && req.Outcome != agent.OutcomeBlocked {
			return fmt.Sprintf("%s %s, handed off to %s", req.AgentID, req.Outcome, next.AgentID)
		}
		return fmt.Sprintf("%s %s", req.AgentID, req.Outcome)
	case "start_chain":
		return "chain started"
	case "unblock_chain":
		return "chain unblocked"
	case "begin_link":
		return fmt.Sprintf("%s began work", req.AgentID)
	}
	return fmt.Sprintf("%s reported %.0f%%", req.AgentID, req.Progress)
}
