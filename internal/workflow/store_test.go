package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogBuiltins(t *testing.T) {
	c := NewCatalog(t.TempDir())

	templates, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(templates) != len(builtinTemplates) {
		t.Fatalf("List = %d templates, want %d", len(templates), len(builtinTemplates))
	}
	for _, tpl := range templates {
		if !tpl.BuiltIn {
			t.Errorf("%s: BuiltIn = false", tpl.Name)
		}
		if err := tpl.Validate(); err != nil {
			t.Errorf("%s: Validate: %v", tpl.Name, err)
		}
	}

	tpl, err := c.Get("feature-delivery")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(tpl.Steps) != 4 {
		t.Fatalf("Steps = %d, want 4", len(tpl.Steps))
	}
	chain := tpl.Steps[1].Tasks[0].Chain
	if len(chain) != 3 || chain[0].AgentID != "analyst" || chain[2].EstimatedTime != 60 {
		t.Errorf("chain did not survive a YAML round trip: %+v", chain)
	}
}

func TestCatalogSaveAndDelete(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog(dir)

	tpl := &Template{
		Name: "custom",
		Steps: []TemplateStep{
			{Name: "Draft", Agents: []string{"assistant"}},
		},
	}
	if err := c.Save(tpl); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "custom.yml")); err != nil {
		t.Fatalf("template file missing: %v", err)
	}

	got, err := c.Get("custom")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BuiltIn {
		t.Error("custom template reported as built-in")
	}

	if err := c.Delete("custom"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get("custom"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrTemplateNotFound", err)
	}
}

func TestCatalogLoadsYAMLExtension(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`name: hand-written
steps:
  - name: Plan
    tasks:
      - title: Outline
        priority: low
        assign: analyst
`)
	if err := os.WriteFile(filepath.Join(dir, "hand-written.yaml"), data, 0644); err != nil {
		t.Fatal(err)
	}

	tpl, err := NewCatalog(dir).Get("hand-written")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tpl.Steps[0].Tasks[0].Assign != "analyst" {
		t.Errorf("Assign = %q, want %q", tpl.Steps[0].Tasks[0].Assign, "analyst")
	}
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps []TemplateStep
	}{
		{"empty", nil},
		{"unnamed step", []TemplateStep{{Name: " "}}},
		{"untitled task", []TemplateStep{{Name: "a", Tasks: []TaskSpec{{}}}}},
		{"bad priority", []TemplateStep{{Name: "a", Tasks: []TaskSpec{{Title: "t", Priority: "urgent"}}}}},
		{"duplicate chain agent", []TemplateStep{{Name: "a", Tasks: []TaskSpec{{
			Title: "t",
			Chain: []ChainLinkSpec{{AgentID: "dev"}, {AgentID: "dev"}},
		}}}}},
	}
	for _, tt := range tests {
		if err := ValidateSteps(tt.steps); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", tt.name, err)
		}
	}
}

func TestNewRun(t *testing.T) {
	defs := []TemplateStep{
		{Name: "One", Agents: []string{"analyst", "analyst", ""}},
		{Name: "Two", Tasks: []TaskSpec{{Title: "t", Chain: []ChainLinkSpec{{AgentID: "dev"}}}}},
	}

	run, steps, err := NewRun("proj-1", "", "custom", defs, testNow)
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if run.Name != "custom" {
		t.Errorf("Name = %q, want template name", run.Name)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	for i, s := range steps {
		if s.StepNumber != i+1 || s.RunID != run.ID || s.Status != StepPending {
			t.Errorf("step %d = %+v", i, s)
		}
	}
	if got := steps[0].AssignedAgentIDs; len(got) != 1 || got[0] != "analyst" {
		t.Errorf("AssignedAgentIDs = %v, want [analyst]", got)
	}
	if !steps[0].IsActive || steps[1].IsActive {
		t.Error("only step 1 should be active in a fresh run")
	}

	defs[1].Tasks[0].Chain[0].AgentID = "changed"
	if steps[1].TaskPlan[0].Chain[0].AgentID != "dev" {
		t.Error("task plan shares memory with the template")
	}

	if _, _, err := NewRun("", "x", "", defs, testNow); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing project: err = %v, want ErrInvalidRequest", err)
	}
}
