package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// TemplateService stores reusable plans and instantiates workflows from
// them.
type TemplateService struct {
	st        *state.Store
	workflows *WorkflowService
}

// CreateTemplateParams are the inputs to Create. Either Tasks or
// FromWorkflowID must be provided; FromWorkflowID snapshots an existing
// workflow's plan.
type CreateTemplateParams struct {
	Name           string
	Description    string
	Tasks          []core.TaskSpec
	Variables      []string
	FromWorkflowID string
}

// Create persists a template.
func (s *TemplateService) Create(ctx context.Context, p CreateTemplateParams) (*core.Template, error) {
	if p.Name == "" {
		return nil, core.ErrInvalidInput("template name cannot be empty")
	}
	if p.FromWorkflowID != "" {
		wf, err := s.workflows.Get(ctx, p.FromWorkflowID, true)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]string, len(wf.Tasks))
		for _, t := range wf.Tasks {
			byID[t.ID] = t.Name
		}
		p.Tasks = p.Tasks[:0]
		for _, t := range wf.Tasks {
			spec := core.TaskSpec{
				Name:          t.Name,
				Description:   t.Description,
				ParallelGroup: t.ParallelGroup,
			}
			for _, depID := range t.Dependencies {
				if name, ok := byID[depID]; ok {
					spec.DependsOn = append(spec.DependsOn, name)
				}
			}
			p.Tasks = append(p.Tasks, spec)
		}
	}
	if len(p.Tasks) == 0 {
		return nil, core.ErrInvalidInput("template must contain at least one task")
	}
	if err := core.ValidatePlan(p.Tasks, nil); err != nil {
		return nil, err
	}

	tasksJSON, err := json.Marshal(p.Tasks)
	if err != nil {
		return nil, fmt.Errorf("marshaling template tasks: %w", err)
	}
	var varsJSON any
	if len(p.Variables) > 0 {
		b, err := json.Marshal(p.Variables)
		if err != nil {
			return nil, fmt.Errorf("marshaling template variables: %w", err)
		}
		varsJSON = string(b)
	}

	now := core.NowMillis()
	tmpl := &core.Template{
		ID:          core.NewID(core.PrefixTemplate),
		Name:        p.Name,
		Description: p.Description,
		Tasks:       p.Tasks,
		Variables:   p.Variables,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.st.RetryWrite(ctx, "template_create", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO templates (id, name, description, tasks, variables, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, tmpl.ID, tmpl.Name, state.NullString(tmpl.Description), string(tasksJSON), varsJSON, now, now)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, core.NewToolError(core.CodeDuplicateTemplate,
				"template already exists: "+p.Name, true)
		}
		return nil, fmt.Errorf("inserting template: %w", err)
	}
	return tmpl, nil
}

func scanTemplate(sc scanner) (*core.Template, error) {
	var t core.Template
	var description, tasksJSON, varsJSON sql.NullString
	if err := sc.Scan(&t.ID, &t.Name, &description, &tasksJSON, &varsJSON,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = nullStr(description)
	if tasksJSON.Valid && tasksJSON.String != "" {
		if err := json.Unmarshal([]byte(tasksJSON.String), &t.Tasks); err != nil {
			return nil, fmt.Errorf("unmarshaling template tasks: %w", err)
		}
	}
	if varsJSON.Valid && varsJSON.String != "" {
		if err := json.Unmarshal([]byte(varsJSON.String), &t.Variables); err != nil {
			return nil, fmt.Errorf("unmarshaling template variables: %w", err)
		}
	}
	return &t, nil
}

// Get loads a template by id.
func (s *TemplateService) Get(ctx context.Context, id string) (*core.Template, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT id, name, description, tasks, variables, created_at, updated_at FROM templates WHERE id = ?", id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTemplateNotFound, "template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	return t, nil
}

// List returns all templates ordered by name.
func (s *TemplateService) List(ctx context.Context) ([]*core.Template, error) {
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT id, name, description, tasks, variables, created_at, updated_at FROM templates ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var out []*core.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Apply instantiates a workflow from a template, substituting {{var}}
// placeholders. Every declared variable must be supplied.
func (s *TemplateService) Apply(ctx context.Context, templateID, workflowName string, variables map[string]string) (*core.Workflow, error) {
	tmpl, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, v := range tmpl.Variables {
		if _, ok := variables[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return nil, core.NewToolError(core.CodeMissingVariables,
			"missing template variables: "+strings.Join(missing, ", "), true)
	}

	substitute := func(text string) string {
		for k, v := range variables {
			text = strings.ReplaceAll(text, "{{"+k+"}}", v)
		}
		return text
	}

	if workflowName == "" {
		workflowName = tmpl.Name
	}
	wf, err := s.workflows.Create(ctx, CreateWorkflowParams{
		Name:   substitute(workflowName),
		Source: string(core.SourceCustom),
	})
	if err != nil {
		return nil, err
	}

	specs := make([]core.TaskSpec, len(tmpl.Tasks))
	for i, spec := range tmpl.Tasks {
		specs[i] = core.TaskSpec{
			Name:          substitute(spec.Name),
			Description:   substitute(spec.Description),
			ParallelGroup: spec.ParallelGroup,
			DependsOn:     make([]string, len(spec.DependsOn)),
		}
		for j, dep := range spec.DependsOn {
			specs[i].DependsOn[j] = substitute(dep)
		}
	}
	return s.workflows.SetPlan(ctx, wf.ID, substitute(tmpl.Description), specs)
}
