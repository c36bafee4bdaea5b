// Package orchestrator is the single entry point for workflow mutations.
//
// Every mutation follows the same path: validate the request, apply the step
// state machine or chain engine, persist in one store transaction, recompute
// step aggregates, then publish events. Nothing is published when any stage
// fails.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stepflow/internal/agent"
	"stepflow/internal/aggregator"
	"stepflow/internal/eventbus"
	"stepflow/internal/metrics"
	"stepflow/internal/store"
	"stepflow/internal/workflow"
)

// Facade composes the stores, state machines, aggregator and event bus.
type Facade struct {
	store     store.Store
	bus       *eventbus.Bus
	templates *workflow.Catalog
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	locks     *keyedMutex
}

// Option configures a Facade.
type Option func(*Facade)

// WithTemplates enables CreateRun by template name.
func WithTemplates(c *workflow.Catalog) Option {
	return func(f *Facade) { f.templates = c }
}

// WithMetrics records transitions and rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// WithLogger sets the facade logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New returns a facade over st. A nil bus gets a private one.
func New(st store.Store, bus *eventbus.Bus, opts ...Option) *Facade {
	f := &Facade{
		store:  st,
		bus:    bus,
		logger: slog.Default(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.bus == nil {
		f.bus = eventbus.New(eventbus.WithMetrics(f.metrics), eventbus.WithLogger(f.logger))
	}
	f.logger = f.logger.With("component", "orchestrator")
	return f
}

// Bus returns the event bus the facade publishes to.
func (f *Facade) Bus() *eventbus.Bus {
	return f.bus
}

// Templates returns the template catalog, or nil.
func (f *Facade) Templates() *workflow.Catalog {
	return f.templates
}

// mutate runs fn in one transaction under the given locks and publishes its
// events after commit. Events are published while the locks are held so that
// subscribers observe them in commit order.
func (f *Facade) mutate(ctx context.Context, op string, keys []string, fn func(tx store.Tx) ([]eventbus.Event, error)) error {
	unlock := f.locks.Lock(keys...)
	defer unlock()

	var events []eventbus.Event
	err := f.store.Update(ctx, func(tx store.Tx) error {
		evs, err := fn(tx)
		events = evs
		return err
	})
	if err != nil {
		return f.fail(op, err)
	}
	for _, ev := range events {
		f.bus.Publish(ev)
	}
	return nil
}

// fail records a refused or failed operation and returns err.
func (f *Facade) fail(op string, err error) error {
	code := Code(err)
	f.metrics.Rejected(op, code)
	if code == CodeInternal {
		f.logger.Error("Operation failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	f.logger.Debug("Operation rejected", "op", op, "code", code, "error", err)
	return err
}

// loadRun returns a run and its ordered steps.
func loadRun(tx store.Tx, runID string) (*workflow.Run, []*workflow.Step, error) {
	run, err := tx.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := tx.ListSteps(runID)
	if err != nil {
		return nil, nil, err
	}
	return run, workflow.Annotate(steps), nil
}

func findStep(steps []*workflow.Step, runID, stepID string) (*workflow.Step, error) {
	for _, s := range steps {
		if s.ID == stepID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: step %s is not part of run %s", workflow.ErrStepNotFound, stepID, runID)
}

// replaceStep swaps in updated and re-derives the active flags.
func replaceStep(steps []*workflow.Step, updated *workflow.Step) []*workflow.Step {
	for i, s := range steps {
		if s.ID == updated.ID {
			steps[i] = updated
		}
	}
	return workflow.Annotate(steps)
}

func ensureOpen(steps []*workflow.Step) error {
	if workflow.IsClosed(steps) {
		return fmt.Errorf("%w: run already has a final outcome", workflow.ErrRunClosed)
	}
	return nil
}

func newStepView(steps []*workflow.Step, step *workflow.Step, tasks []*agent.Task, msgs []*workflow.Message) *StepView {
	return &StepView{
		Step:              step,
		CanProceed:        workflow.CanProceed(steps, step.StepNumber),
		RevisionWorkReady: aggregator.RevisionWorkReady(step, tasks, msgs),
	}
}

// withProjectStatus appends a project-status event when the run's derived status changed.
func withProjectStatus(events []eventbus.Event, run *workflow.Run, before workflow.RunStatus, steps []*workflow.Step) []eventbus.Event {
	after := workflow.DeriveStatus(steps)
	if after == before {
		return events
	}
	approved := 0
	for _, s := range steps {
		if s.Status == workflow.StepApproved {
			approved++
		}
	}
	return append(events, eventbus.NewProjectStatus(run.ProjectID, eventbus.ProjectStatusPayload{
		WorkflowID:     run.ID,
		Status:         string(after),
		PreviousStatus: string(before),
		ApprovedSteps:  approved,
		TotalSteps:     len(steps),
	}))
}

// refreshStep recomputes the step's task aggregates and persists them if they changed.
func (f *Facade) refreshStep(tx store.Tx, steps []*workflow.Step, runID, stepID string, now time.Time) ([]*workflow.Step, error) {
	step, err := findStep(steps, runID, stepID)
	if err != nil {
		return nil, err
	}
	tasks, err := tx.ListTasks(stepID)
	if err != nil {
		return nil, err
	}
	refreshed, changed := aggregator.Refresh(step, tasks)
	if !changed {
		return steps, nil
	}
	refreshed.UpdatedAt = now
	if err := tx.UpdateStep(refreshed); err != nil {
		return nil, err
	}
	return replaceStep(steps, refreshed), nil
}

// resolveRun returns the run owning stepID, looking it up when runID is empty.
func (f *Facade) resolveRun(ctx context.Context, runID, stepID string) (string, error) {
	if stepID == "" {
		return "", fmt.Errorf("%w: stepId is required", workflow.ErrInvalidRequest)
	}
	if runID != "" {
		return runID, nil
	}
	err := f.store.View(ctx, func(tx store.Tx) error {
		step, err := tx.GetStep(stepID)
		if err != nil {
			return err
		}
		runID = step.RunID
		return nil
	})
	return runID, err
}

// resolveTask returns the run owning taskID.
func (f *Facade) resolveTask(ctx context.Context, taskID string) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("%w: taskId is required", workflow.ErrInvalidRequest)
	}
	var runID string
	err := f.store.View(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		runID = task.RunID
		return nil
	})
	return runID, err
}
