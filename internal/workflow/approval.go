package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidTransition means the requested status is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPrecursorNotApproved means an earlier step has not been approved yet.
	ErrPrecursorNotApproved = errors.New("precursor not approved")
	// ErrMissingActivity means the step has produced nothing to review.
	ErrMissingActivity = errors.New("missing activity")
	// ErrRunClosed means the run was rejected or has every step approved.
	ErrRunClosed = errors.New("run closed")
	// ErrStepNotFound means the step does not belong to the run.
	ErrStepNotFound = errors.New("step not found")
	// ErrInvalidRequest means a required field is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
)

// Action is a step-level decision taken by a reviewer or by the assigned agents.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionRevision Action = "revision"
	ActionResubmit Action = "resubmit"
)

// Target returns the status an action moves a step to.
func (a Action) Target() StepStatus {
	switch a {
	case ActionApprove:
		return StepApproved
	case ActionReject:
		return StepRejected
	case ActionRevision:
		return StepNeedsRevision
	case ActionResubmit:
		return StepPending
	}
	return ""
}

// requiresComments reports whether the action must carry a reason.
func (a Action) requiresComments() bool {
	return a == ActionReject || a == ActionRevision
}

// transitions lists the actions allowed from each status. Rejected is terminal.
var transitions = map[StepStatus][]Action{
	StepPending:       {ActionApprove, ActionReject, ActionRevision},
	StepApproved:      {ActionRevision},
	StepNeedsRevision: {ActionResubmit},
	StepRejected:      nil,
}

// Allowed reports whether action may be applied to a step in status from.
func Allowed(from StepStatus, action Action) bool {
	for _, a := range transitions[from] {
		if a == action {
			return true
		}
	}
	return false
}

// Transition is a request to move one step to a new status.
type Transition struct {
	StepID   string
	Action   Action
	Actor    string
	Comments string
}

// Apply validates tr against the run's steps and returns an updated copy of
// the target step. The input slice is never modified.
func Apply(steps []*Step, tr Transition, now time.Time) (*Step, error) {
	target := tr.Action.Target()
	if target == "" {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, tr.Action)
	}
	if tr.Action.requiresComments() && strings.TrimSpace(tr.Comments) == "" {
		return nil, fmt.Errorf("%w: %s requires comments", ErrInvalidRequest, tr.Action)
	}

	var step *Step
	for _, s := range steps {
		if s.ID == tr.StepID {
			step = s
			break
		}
	}
	if step == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, tr.StepID)
	}
	if IsClosed(steps) {
		return nil, fmt.Errorf("%w: run already has a final outcome", ErrRunClosed)
	}

	if !Allowed(step.Status, tr.Action) {
		return nil, fmt.Errorf("%w: step %d is %s and cannot become %s",
			ErrInvalidTransition, step.StepNumber, step.Status, target)
	}

	if step.Status == StepPending && !step.HasActivity {
		return nil, fmt.Errorf("%w: step %d has no output to review yet", ErrMissingActivity, step.StepNumber)
	}

	if tr.Action == ActionApprove {
		if blocker := firstUnapprovedBefore(steps, step.StepNumber); blocker != nil {
			return nil, fmt.Errorf("%w: step %d must be approved before step %d",
				ErrPrecursorNotApproved, blocker.StepNumber, step.StepNumber)
		}
	}

	updated := step.Clone()
	updated.Status = target
	updated.UpdatedAt = now
	if tr.Action != ActionResubmit {
		updated.Comments = tr.Comments
		updated.ReviewedBy = tr.Actor
		reviewed := now
		updated.ReviewedAt = &reviewed
	}
	return updated, nil
}

// firstUnapprovedBefore returns the lowest-numbered step before n that is not approved.
func firstUnapprovedBefore(steps []*Step, n int) *Step {
	var blocker *Step
	for _, s := range steps {
		if s.StepNumber < n && s.Status != StepApproved {
			if blocker == nil || s.StepNumber < blocker.StepNumber {
				blocker = s
			}
		}
	}
	return blocker
}

// CanProceed reports whether every step numbered below n is approved.
func CanProceed(steps []*Step, n int) bool {
	return firstUnapprovedBefore(steps, n) == nil
}

// Annotate sorts steps by number and fills the derived IsActive flag.
func Annotate(steps []*Step) []*Step {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })
	allApproved := true
	for _, s := range steps {
		s.IsActive = allApproved
		if s.Status != StepApproved {
			allApproved = false
		}
	}
	return steps
}

// ApprovedPrefix reports whether the approved steps form a prefix of the
// sequence ordered by step number.
func ApprovedPrefix(steps []*Step) bool {
	ordered := append([]*Step(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepNumber < ordered[j].StepNumber })
	gap := false
	for _, s := range ordered {
		if s.Status != StepApproved {
			gap = true
			continue
		}
		if gap {
			return false
		}
	}
	return true
}

// IsClosed reports whether the run has a final outcome: some step is
// rejected, or every step is approved.
func IsClosed(steps []*Step) bool {
	if len(steps) == 0 {
		return false
	}
	approved := 0
	for _, s := range steps {
		switch s.Status {
		case StepRejected:
			return true
		case StepApproved:
			approved++
		}
	}
	return approved == len(steps)
}

// DeriveStatus computes a run's status from its steps.
func DeriveStatus(steps []*Step) RunStatus {
	if len(steps) == 0 {
		return RunPending
	}
	approved := 0
	touched := false
	for _, s := range steps {
		switch s.Status {
		case StepRejected:
			return RunRejected
		case StepApproved:
			approved++
			touched = true
		case StepNeedsRevision:
			touched = true
		}
		if s.HasActivity || s.Started {
			touched = true
		}
	}
	if approved == len(steps) {
		return RunCompleted
	}
	if touched {
		return RunInProgress
	}
	return RunPending
}
