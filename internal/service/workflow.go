package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// WorkflowService manages workflow rows and their plan.
type WorkflowService struct {
	st          *state.Store
	tasks       *TaskService
	checkpoints *CheckpointService
}

// CreateWorkflowParams are the inputs to Create.
type CreateWorkflowParams struct {
	Name                 string
	Source               string
	SourceRef            string
	SourceContent        string
	MaxParallelTasks     int
	AutoCreateWorkspaces bool
}

// Create persists a new workflow in planning status.
func (s *WorkflowService) Create(ctx context.Context, p CreateWorkflowParams) (*core.Workflow, error) {
	if p.Source == "" {
		p.Source = string(core.SourcePrompt)
	}
	if p.MaxParallelTasks == 0 {
		p.MaxParallelTasks = 1
	}
	now := core.NowMillis()
	wf := &core.Workflow{
		ID:                   core.NewID(core.PrefixWorkflow),
		Name:                 p.Name,
		Source:               core.WorkflowSource(p.Source),
		SourceRef:            p.SourceRef,
		SourceContent:        p.SourceContent,
		Status:               core.WorkflowStatusPlanning,
		MaxParallelTasks:     p.MaxParallelTasks,
		AutoCreateWorkspaces: p.AutoCreateWorkspaces,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	err := s.st.RetryWrite(ctx, "workflow_create", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO workflows (id, name, source, source_ref, source_content, status,
				max_parallel_tasks, auto_create_workspaces, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, wf.ID, wf.Name, wf.Source, state.NullString(wf.SourceRef),
			state.NullString(wf.SourceContent), wf.Status,
			wf.MaxParallelTasks, boolInt(wf.AutoCreateWorkspaces), wf.CreatedAt, wf.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting workflow: %w", err)
	}
	return wf, nil
}

const workflowColumns = `id, name, source, source_ref, source_content, status, plan_summary,
	config, max_parallel_tasks, auto_create_workspaces, created_at, updated_at`

func scanWorkflow(sc scanner) (*core.Workflow, error) {
	var wf core.Workflow
	var sourceRef, sourceContent, planSummary, config sql.NullString
	var autoWS int
	err := sc.Scan(&wf.ID, &wf.Name, &wf.Source, &sourceRef, &sourceContent,
		&wf.Status, &planSummary, &config, &wf.MaxParallelTasks, &autoWS,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.SourceRef = nullStr(sourceRef)
	wf.SourceContent = nullStr(sourceContent)
	wf.PlanSummary = nullStr(planSummary)
	wf.Config = nullStr(config)
	wf.AutoCreateWorkspaces = autoWS != 0
	return &wf, nil
}

// Get loads a workflow, optionally with its tasks.
func (s *WorkflowService) Get(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if includeTasks {
		wf.Tasks, err = s.tasks.ListByWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return wf, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status string
	Limit  int
}

// List returns workflows, newest update first.
func (s *WorkflowService) List(ctx context.Context, f ListFilter) ([]*core.Workflow, error) {
	if f.Status != "" && !core.ValidWorkflowStatus(f.Status) {
		return nil, core.ErrInvalidInput("unknown workflow status: " + f.Status)
	}
	q := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if f.Status != "" {
		q += " WHERE status = ?"
		args = append(args, f.Status)
	}
	q += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.st.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// SetPlan installs the workflow plan and moves it from planning to ready.
func (s *WorkflowService) SetPlan(ctx context.Context, id, summary string, specs []core.TaskSpec) (*core.Workflow, error) {
	wf, err := s.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if wf.Status != core.WorkflowStatusPlanning {
		return nil, core.ErrInvalidState(
			fmt.Sprintf("workflow %s is %s; plans can only be set while planning", id, wf.Status))
	}
	if len(specs) == 0 {
		return nil, core.ErrInvalidInput("plan must contain at least one task")
	}
	if err := core.ValidatePlan(specs, nil); err != nil {
		return nil, err
	}

	now := core.NowMillis()
	err = s.st.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.tasks.insertPlan(ctx, tx, id, specs, 0, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workflows SET status = ?, plan_summary = ?, updated_at = ? WHERE id = ?
		`, core.WorkflowStatusReady, state.NullString(summary), now, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id, true)
}

// UpdateStatus applies a workflow state-machine transition.
func (s *WorkflowService) UpdateStatus(ctx context.Context, id, status, reason string) (*core.Workflow, error) {
	if !core.ValidWorkflowStatus(status) {
		return nil, core.ErrInvalidInput("unknown workflow status: " + status)
	}
	wf, err := s.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	to := core.WorkflowStatus(status)
	if wf.Status == to {
		return wf, nil
	}
	if !core.CanTransitionWorkflow(wf.Status, to) {
		return nil, core.ErrInvalidTransition("workflow", string(wf.Status), status)
	}

	now := core.NowMillis()
	err = s.st.RetryWrite(ctx, "workflow_update_status", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?", to, now, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating workflow status: %w", err)
	}
	wf.Status = to
	wf.UpdatedAt = now
	_ = reason // recorded by callers via checkpoints when task-scoped
	return wf, nil
}

// SetParallelism updates max_parallel_tasks.
func (s *WorkflowService) SetParallelism(ctx context.Context, id string, n int) (*core.Workflow, error) {
	if n < 1 {
		return nil, core.ErrInvalidInput("max_parallel_tasks must be >= 1")
	}
	if _, err := s.Get(ctx, id, false); err != nil {
		return nil, err
	}
	err := s.st.RetryWrite(ctx, "workflow_set_parallelism", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE workflows SET max_parallel_tasks = ?, updated_at = ? WHERE id = ?",
			n, core.NowMillis(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating parallelism: %w", err)
	}
	return s.Get(ctx, id, false)
}

// UpdateConfig persists the free-form config blob (used by the spawner for
// its own metadata).
func (s *WorkflowService) UpdateConfig(ctx context.Context, id, config string) error {
	if _, err := s.Get(ctx, id, false); err != nil {
		return err
	}
	return s.st.RetryWrite(ctx, "workflow_update_config", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE workflows SET config = ?, updated_at = ? WHERE id = ?",
			state.NullString(config), core.NowMillis(), id)
		return err
	})
}

// Summary renders the workflow with task statuses. Formats: "text",
// "markdown"; any other value renders the text form.
func (s *WorkflowService) Summary(ctx context.Context, id, format string) (string, error) {
	wf, err := s.Get(ctx, id, true)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	switch format {
	case "markdown":
		fmt.Fprintf(&b, "# %s (%s)\n\nStatus: %s\n", wf.Name, wf.ID, wf.Status)
		if wf.PlanSummary != "" {
			fmt.Fprintf(&b, "\n%s\n", wf.PlanSummary)
		}
		b.WriteString("\n## Tasks\n\n")
		for _, t := range wf.Tasks {
			fmt.Fprintf(&b, "- [%s] %s", t.Status, t.Name)
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(&b, " (after %d dependencies)", len(t.Dependencies))
			}
			b.WriteString("\n")
		}
	default: // text
		fmt.Fprintf(&b, "%s (%s) status=%s tasks=%d\n", wf.Name, wf.ID, wf.Status, len(wf.Tasks))
		for _, t := range wf.Tasks {
			fmt.Fprintf(&b, "  %2d. %-12s %s\n", t.Sequence, t.Status, t.Name)
		}
	}
	return b.String(), nil
}

// AddTask appends a single task to an existing plan.
func (s *WorkflowService) AddTask(ctx context.Context, id string, spec core.TaskSpec) (*core.Task, error) {
	wf, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case core.WorkflowStatusCompleted, core.WorkflowStatusFailed, core.WorkflowStatusCancelled:
		return nil, core.ErrInvalidState(
			fmt.Sprintf("workflow %s is %s; tasks cannot be added", id, wf.Status))
	}
	existing := make([]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		existing = append(existing, t.Name)
	}
	if err := core.ValidatePlan([]core.TaskSpec{spec}, existing); err != nil {
		// A single added task colliding with the current plan is a duplicate,
		// not a replan preserve conflict.
		if core.IsCode(err, core.CodeNameConflict) {
			return nil, core.NewToolError(core.CodeDuplicateTaskName,
				"duplicate task name: "+spec.Name, true)
		}
		return nil, err
	}

	now := core.NowMillis()
	var created *core.Task
	err = s.st.InTx(ctx, func(tx *sql.Tx) error {
		t, err := s.tasks.insertOne(ctx, tx, id, spec, len(wf.Tasks), wf.Tasks, now)
		if err != nil {
			return err
		}
		created = t
		_, err = tx.ExecContext(ctx,
			"UPDATE workflows SET updated_at = ? WHERE id = ?", now, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RemoveTask deletes a removable task and resequences the remainder.
func (s *WorkflowService) RemoveTask(ctx context.Context, workflowID, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.WorkflowID != workflowID {
		return core.NewToolError(core.CodeWorkflowMismatch,
			fmt.Sprintf("task %s belongs to workflow %s", taskID, t.WorkflowID), false)
	}
	if !t.Removable() {
		return core.NewToolError(core.CodeTaskNotRemovable,
			fmt.Sprintf("task %s is %s and cannot be removed", taskID, t.Status), false)
	}

	now := core.NowMillis()
	return s.st.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", taskID); err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		if err := resequence(ctx, tx, workflowID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE workflows SET updated_at = ? WHERE id = ?", now, workflowID)
		return err
	})
}

// AddRepository associates a repository with the workflow.
func (s *WorkflowService) AddRepository(ctx context.Context, workflowID, repositoryID string) error {
	if _, err := s.Get(ctx, workflowID, false); err != nil {
		return err
	}
	var exists int
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE id = ?", repositoryID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking repository: %w", err)
	}
	if exists == 0 {
		return core.ErrNotFound(core.CodeRepositoryNotFound, "repository", repositoryID)
	}
	return s.st.RetryWrite(ctx, "workflow_add_repository", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO workflow_repositories (workflow_id, repository_id) VALUES (?, ?)
			ON CONFLICT(workflow_id, repository_id) DO NOTHING
		`, workflowID, repositoryID)
		return err
	})
}

// RemoveRepository drops the association. Repositories still referenced by
// the workflow's tasks cannot be detached.
func (s *WorkflowService) RemoveRepository(ctx context.Context, workflowID, repositoryID string) error {
	if _, err := s.Get(ctx, workflowID, false); err != nil {
		return err
	}
	var inUse int
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE workflow_id = ? AND repository_id = ?",
		workflowID, repositoryID).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("checking repository use: %w", err)
	}
	if inUse > 0 {
		return core.NewToolError(core.CodeRepositoryInUse,
			fmt.Sprintf("repository %s is referenced by %d task(s)", repositoryID, inUse), false)
	}
	return s.st.RetryWrite(ctx, "workflow_remove_repository", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"DELETE FROM workflow_repositories WHERE workflow_id = ? AND repository_id = ?",
			workflowID, repositoryID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound(core.CodeRepositoryNotFound, "repository association", repositoryID)
		}
		return nil
	})
}

// ListRepositories returns the repositories associated with a workflow.
func (s *WorkflowService) ListRepositories(ctx context.Context, workflowID string) ([]*core.Repository, error) {
	if _, err := s.Get(ctx, workflowID, false); err != nil {
		return nil, err
	}
	rows, err := s.st.Reader().QueryContext(ctx, `
		SELECT r.id, r.path, r.name, r.created_at, r.updated_at
		FROM repositories r
		JOIN workflow_repositories wr ON wr.repository_id = r.id
		WHERE wr.workflow_id = ?
		ORDER BY r.path
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow repositories: %w", err)
	}
	defer rows.Close()

	var out []*core.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// resequence rewrites task sequences to 1..N in current sequence order.
func resequence(ctx context.Context, tx *sql.Tx, workflowID string, now int64) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM tasks WHERE workflow_id = ? ORDER BY sequence", workflowID)
	if err != nil {
		return fmt.Errorf("loading tasks for resequence: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET sequence = ?, updated_at = ? WHERE id = ?", i+1, now, id); err != nil {
			return fmt.Errorf("resequencing task %s: %w", id, err)
		}
	}
	return nil
}
