package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRun builds a run and its ordered steps from step definitions.
// Step numbers are assigned 1..n in definition order.
func NewRun(projectID, name, template string, defs []TemplateStep, now time.Time) (*Run, []*Step, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, nil, fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}
	if err := ValidateSteps(defs); err != nil {
		return nil, nil, err
	}
	if name == "" {
		name = template
	}
	if name == "" {
		name = "run"
	}

	run := &Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Template:  template,
		CreatedAt: now,
		UpdatedAt: now,
	}

	steps := make([]*Step, 0, len(defs))
	for i, def := range defs {
		plan := make([]TaskSpec, len(def.Tasks))
		for j, t := range def.Tasks {
			plan[j] = t.clone()
		}
		steps = append(steps, &Step{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			StepNumber:       i + 1,
			Name:             def.Name,
			Description:      def.Description,
			Status:           StepPending,
			AssignedAgentIDs: orderedSet(def.Agents),
			TaskPlan:         plan,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return run, Annotate(steps), nil
}

// orderedSet drops blanks and duplicates while keeping first-seen order.
func orderedSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
