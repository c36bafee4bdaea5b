package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"stepflow/internal/config"
	"stepflow/internal/output"
	"stepflow/internal/ui"
	"stepflow/internal/workflow"
)

func loadCatalog(configPath string) (*workflow.Catalog, error) {
	v, err := config.New(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	return workflow.NewCatalog(cfg.Templates.Dir), nil
}

// RunTemplatesList prints every template in the catalog.
func RunTemplatesList(configPath string) error {
	catalog, err := loadCatalog(configPath)
	if err != nil {
		return err
	}
	templates, err := catalog.List()
	if err != nil {
		return err
	}

	output.Print(templates, func() {
		ui.ShowHeader("Templates")
		if len(templates) == 0 {
			ui.ShowInfo("No templates in %s", catalog.Dir())
			return
		}
		for _, tpl := range templates {
			tag := ""
			if tpl.BuiltIn {
				tag = " (built-in)"
			}
			fmt.Fprintf(ui.Out, "  %-20s %d steps%s\n", tpl.Name, len(tpl.Steps), tag)
			if tpl.Description != "" {
				fmt.Fprintf(ui.Out, "  %-20s %s\n", "", tpl.Description)
			}
		}
	})
	return nil
}

// RunTemplatesShow prints one template's steps, tasks and chains.
func RunTemplatesShow(configPath, name string) error {
	catalog, err := loadCatalog(configPath)
	if err != nil {
		return err
	}
	tpl, err := catalog.Get(name)
	if err != nil {
		return err
	}

	output.Print(tpl, func() {
		ui.ShowHeader(tpl.Name)
		if tpl.Description != "" {
			fmt.Fprintln(ui.Out, tpl.Description)
			fmt.Fprintln(ui.Out)
		}
		for i, st := range tpl.Steps {
			detail := strings.Join(st.Agents, ", ")
			ui.ShowStep(i+1, st.Name, "pending", false, detail)
			for _, task := range st.Tasks {
				line := "       - " + task.Title
				if task.Assign != "" {
					line += " → " + task.Assign
				}
				if len(task.Chain) > 0 {
					agents := make([]string, len(task.Chain))
					for k, link := range task.Chain {
						agents[k] = link.AgentID
					}
					line += " [chain: " + strings.Join(agents, " → ") + "]"
				}
				fmt.Fprintln(ui.Out, line)
			}
		}
	})
	return nil
}

// templateCheck is one file's validation outcome.
type templateCheck struct {
	File  string `json:"file"`
	Name  string `json:"name,omitempty"`
	Steps int    `json:"steps,omitempty"`
	Error string `json:"error,omitempty"`
}

// RunTemplatesValidate parses and validates each file. It returns an error
// when any file is invalid.
func RunTemplatesValidate(files []string) error {
	checks := validateTemplateFiles(files)

	failed := 0
	for _, c := range checks {
		if c.Error != "" {
			failed++
		}
	}

	output.Print(checks, func() {
		for _, c := range checks {
			if c.Error != "" {
				ui.ShowError(filepath.Base(c.File), errors.New(c.Error))
				continue
			}
			ui.ShowSuccess("%s: %s (%d steps)", filepath.Base(c.File), c.Name, c.Steps)
		}
	})

	if failed > 0 {
		return fmt.Errorf("%d of %d templates invalid", failed, len(checks))
	}
	return nil
}

func validateTemplateFiles(files []string) []templateCheck {
	checks := make([]templateCheck, 0, len(files))
	for _, file := range files {
		c := templateCheck{File: file}
		tpl, err := workflow.LoadTemplateFile(file)
		if err == nil {
			err = tpl.Validate()
		}
		if err != nil {
			c.Error = err.Error()
		} else {
			c.Name, c.Steps = tpl.Name, len(tpl.Steps)
		}
		checks = append(checks, c)
	}
	return checks
}
