package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrTemplateNotFound is returned when no template has the requested name.
var ErrTemplateNotFound = errors.New("template not found")

// Template defines the ordered steps a run is created from.
type Template struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []TemplateStep `yaml:"steps" json:"steps"`
	BuiltIn     bool           `yaml:"-" json:"builtIn,omitempty"`
}

// TemplateStep defines one step of a template.
type TemplateStep struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Agents      []string   `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks,omitempty" json:"tasks,omitempty"`
}

// builtinTemplates are written to the catalog directory on first use.
var builtinTemplates = []Template{
	{
		Name:        "feature-delivery",
		Description: "Analysis, implementation, QA and review of a single feature",
		BuiltIn:     true,
		Steps: []TemplateStep{
			{
				Name:        "Business analysis",
				Description: "Clarify requirements and acceptance criteria",
				Agents:      []string{"analyst"},
				Tasks: []TaskSpec{
					{Title: "Gather requirements", Type: "analysis", Priority: "high", Assign: "analyst"},
					{Title: "Write acceptance criteria", Type: "analysis", Priority: "medium", Assign: "analyst"},
				},
			},
			{
				Name:        "Implementation",
				Description: "Build the feature with analyst and QA hand-offs",
				Agents:      []string{"developer", "analyst", "qa"},
				Tasks: []TaskSpec{
					{
						Title:    "Implement feature",
						Type:     "development",
						Priority: "high",
						Chain: []ChainLinkSpec{
							{AgentID: "analyst", AgentType: "analyst", Role: "refine scope", EstimatedTime: 30},
							{AgentID: "developer", AgentType: "developer", Role: "implement", EstimatedTime: 240},
							{AgentID: "qa", AgentType: "qa", Role: "verify", EstimatedTime: 60},
						},
					},
				},
			},
			{
				Name:        "Quality assurance",
				Description: "Regression and exploratory testing",
				Agents:      []string{"qa"},
				Tasks: []TaskSpec{
					{Title: "Run regression suite", Type: "testing", Priority: "high", Assign: "qa"},
				},
			},
			{
				Name:        "Code review",
				Description: "Final review before release",
				Agents:      []string{"reviewer"},
				Tasks: []TaskSpec{
					{Title: "Review changes", Type: "review", Priority: "medium", Assign: "reviewer"},
				},
			},
		},
	},
	{
		Name:        "quick-review",
		Description: "Single reviewed step handled by the assistant",
		BuiltIn:     true,
		Steps: []TemplateStep{
			{
				Name:   "Review",
				Agents: []string{"assistant"},
				Tasks: []TaskSpec{
					{Title: "Summarise and review", Type: "review", Priority: "medium", Assign: "assistant"},
				},
			},
		},
	},
}

// Catalog stores templates as YAML files in a directory.
type Catalog struct {
	dir string
}

// NewCatalog returns a catalog rooted at dir. An empty dir uses ~/.stepflow/templates.
func NewCatalog(dir string) *Catalog {
	if dir == "" {
		dir = DefaultTemplateDir()
	}
	return &Catalog{dir: dir}
}

// DefaultTemplateDir returns the default templates directory.
func DefaultTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".stepflow", "templates")
	}
	return filepath.Join(home, ".stepflow", "templates")
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// EnsureBuiltins writes built-in templates to disk if they don't exist.
func (c *Catalog) EnsureBuiltins() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}

	for i := range builtinTemplates {
		tpl := builtinTemplates[i]
		path := filepath.Join(c.dir, tpl.Name+".yml")
		if _, err := os.Stat(path); err == nil {
			continue // already exists
		}
		if err := saveTemplateFile(path, &tpl); err != nil {
			return err
		}
	}
	return nil
}

// List returns all templates (built-in + user-defined) sorted by name.
func (c *Catalog) List() ([]Template, error) {
	if err := c.EnsureBuiltins(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	var templates []Template
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yml") && !strings.HasSuffix(e.Name(), ".yaml")) {
			continue
		}
		tpl, err := LoadTemplateFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		markBuiltIn(tpl)
		templates = append(templates, *tpl)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (*Template, error) {
	if err := c.EnsureBuiltins(); err != nil {
		return nil, err
	}

	for _, ext := range []string{".yml", ".yaml"} {
		tpl, err := LoadTemplateFile(filepath.Join(c.dir, name+ext))
		if err == nil {
			markBuiltIn(tpl)
			return tpl, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
}

// Save validates and writes a template to the catalog.
func (c *Catalog) Save(tpl *Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	return saveTemplateFile(filepath.Join(c.dir, tpl.Name+".yml"), tpl)
}

// Delete removes a template file.
func (c *Catalog) Delete(name string) error {
	path := filepath.Join(c.dir, name+".yml")
	if err := os.Remove(path); err != nil {
		// Try .yaml
		path = filepath.Join(c.dir, name+".yaml")
		return os.Remove(path)
	}
	return nil
}

func markBuiltIn(tpl *Template) {
	for _, b := range builtinTemplates {
		if b.Name == tpl.Name {
			tpl.BuiltIn = true
			return
		}
	}
}

// LoadTemplateFile parses a YAML template file.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &tpl, nil
}

func saveTemplateFile(path string, tpl *Template) error {
	data, err := yaml.Marshal(tpl)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var validPriorities = map[string]bool{"": true, "low": true, "medium": true, "high": true, "critical": true}

// Validate checks that a template can be turned into a run.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: template name is required", ErrInvalidRequest)
	}
	return ValidateSteps(t.Steps)
}

// ValidateSteps checks a list of step definitions.
func ValidateSteps(steps []TemplateStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidRequest)
	}
	for i, st := range steps {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidRequest, i+1)
		}
		for j, task := range st.Tasks {
			if strings.TrimSpace(task.Title) == "" {
				return fmt.Errorf("%w: step %d task %d has no title", ErrInvalidRequest, i+1, j+1)
			}
			if !validPriorities[task.Priority] {
				return fmt.Errorf("%w: step %d task %q has unknown priority %q", ErrInvalidRequest, i+1, task.Title, task.Priority)
			}
			seen := make(map[string]bool, len(task.Chain))
			for k, link := range task.Chain {
				if strings.TrimSpace(link.AgentID) == "" {
					return fmt.Errorf("%w: step %d task %q link %d has no agent", ErrInvalidRequest, i+1, task.Title, k)
				}
				if seen[link.AgentID] {
					return fmt.Errorf("%w: step %d task %q lists agent %q twice", ErrInvalidRequest, i+1, task.Title, link.AgentID)
				}
				seen[link.AgentID] = true
			}
		}
	}
	return nil
}
