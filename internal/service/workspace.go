package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// WorkspaceService manages git-worktree records.
type WorkspaceService struct {
	st *state.Store
}

// CreateWorkspaceParams are the inputs to Create.
type CreateWorkspaceParams struct {
	WorkflowID string
	Path       string
	Branch     string
	BaseBranch string
}

// Create persists an active workspace for a workflow.
func (s *WorkspaceService) Create(ctx context.Context, p CreateWorkspaceParams) (*core.Workspace, error) {
	if p.Path == "" {
		return nil, core.NewToolError(core.CodeMissingPath, "workspace path cannot be empty", true)
	}
	if p.Branch == "" {
		return nil, core.ErrInvalidInput("workspace branch cannot be empty")
	}
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	var n int
	if err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE id = ?", p.WorkflowID).Scan(&n); err != nil {
		return nil, fmt.Errorf("checking workflow: %w", err)
	}
	if n == 0 {
		return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", p.WorkflowID)
	}

	now := core.NowMillis()
	ws := &core.Workspace{
		ID:         core.NewID(core.PrefixWorkspace),
		WorkflowID: p.WorkflowID,
		Path:       p.Path,
		Branch:     p.Branch,
		BaseBranch: p.BaseBranch,
		Status:     core.WorkspaceActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.st.RetryWrite(ctx, "workspace_create", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO workspaces (id, workflow_id, path, branch, base_branch, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ws.ID, ws.WorkflowID, ws.Path, ws.Branch, ws.BaseBranch, ws.Status, ws.CreatedAt, ws.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting workspace: %w", err)
	}
	return ws, nil
}

const workspaceColumns = `id, workflow_id, path, branch, base_branch, pr_url, status,
	merge_commit, created_at, updated_at`

func scanWorkspace(sc scanner) (*core.Workspace, error) {
	var w core.Workspace
	var prURL, mergeCommit sql.NullString
	err := sc.Scan(&w.ID, &w.WorkflowID, &w.Path, &w.Branch, &w.BaseBranch,
		&prURL, &w.Status, &mergeCommit, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.PRURL = nullStr(prURL)
	w.MergeCommit = nullStr(mergeCommit)
	return &w, nil
}

// Get loads a workspace by id.
func (s *WorkspaceService) Get(ctx context.Context, id string) (*core.Workspace, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT "+workspaceColumns+" FROM workspaces WHERE id = ?", id)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace: %w", err)
	}
	return w, nil
}

// UpdateWorkspaceParams carry the mutable workspace fields.
type UpdateWorkspaceParams struct {
	Status      string
	PRURL       *string
	MergeCommit *string
}

// Update mutates workspace status and PR metadata. Moving to merged
// requires a merge commit.
func (s *WorkspaceService) Update(ctx context.Context, id string, p UpdateWorkspaceParams) (*core.Workspace, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != "" {
		if !core.ValidWorkspaceStatus(p.Status) {
			return nil, core.ErrInvalidInput("unknown workspace status: " + p.Status)
		}
		if core.WorkspaceStatus(p.Status) == core.WorkspaceMerged {
			hasCommit := w.MergeCommit != ""
			if p.MergeCommit != nil && *p.MergeCommit != "" {
				hasCommit = true
			}
			if !hasCommit {
				return nil, core.NewToolError(core.CodeMissingMergeCommit,
					"marking a workspace merged requires a merge commit", true)
			}
		}
	}

	now := core.NowMillis()
	err = s.st.RetryWrite(ctx, "workspace_update", func() error {
		q := "UPDATE workspaces SET updated_at = ?"
		args := []any{now}
		if p.Status != "" {
			q += ", status = ?"
			args = append(args, p.Status)
		}
		if p.PRURL != nil {
			q += ", pr_url = ?"
			args = append(args, state.NullString(*p.PRURL))
		}
		if p.MergeCommit != nil {
			q += ", merge_commit = ?"
			args = append(args, state.NullString(*p.MergeCommit))
		}
		q += " WHERE id = ?"
		args = append(args, id)
		_, err := s.st.Writer().ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating workspace: %w", err)
	}
	return s.Get(ctx, id)
}

// List returns workspaces, optionally for one workflow.
func (s *WorkspaceService) List(ctx context.Context, workflowID string) ([]*core.Workspace, error) {
	q := "SELECT " + workspaceColumns + " FROM workspaces"
	var args []any
	if workflowID != "" {
		q += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	q += " ORDER BY created_at"
	rows, err := s.st.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var out []*core.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AssignTask binds a task to a workspace. Both must belong to the same
// workflow.
func (s *WorkspaceService) AssignTask(ctx context.Context, workspaceID, taskID string) error {
	w, err := s.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	var taskWorkflow string
	err = s.st.Reader().QueryRowContext(ctx,
		"SELECT workflow_id FROM tasks WHERE id = ?", taskID).Scan(&taskWorkflow)
	if err == sql.ErrNoRows {
		return core.ErrNotFound(core.CodeTaskNotFound, "task", taskID)
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	if taskWorkflow != w.WorkflowID {
		return core.NewToolError(core.CodeWorkflowMismatch,
			fmt.Sprintf("task %s belongs to workflow %s, workspace %s to %s",
				taskID, taskWorkflow, workspaceID, w.WorkflowID), false)
	}
	return s.st.RetryWrite(ctx, "workspace_assign_task", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE tasks SET workspace_id = ?, updated_at = ? WHERE id = ?",
			workspaceID, core.NowMillis(), taskID)
		return err
	})
}
