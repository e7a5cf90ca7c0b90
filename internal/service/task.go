package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// TaskService manages task rows, their dependency edges, and the claim
// protocol.
type TaskService struct {
	st          *state.Store
	checkpoints *CheckpointService
}

const taskColumns = `id, workflow_id, name, description, status, sequence, parallel_group,
	plan, context, outcome, error, workspace_id, repository_id, assigned_agent_id,
	claimed_at, context_from, created_at, updated_at`

func scanTask(sc scanner) (*core.Task, error) {
	var t core.Task
	var description, parallelGroup, plan, taskCtx, outcome, taskErr sql.NullString
	var workspaceID, repositoryID, assignedAgent, contextFrom sql.NullString
	var claimedAt sql.NullInt64
	err := sc.Scan(&t.ID, &t.WorkflowID, &t.Name, &description, &t.Status,
		&t.Sequence, &parallelGroup, &plan, &taskCtx, &outcome, &taskErr,
		&workspaceID, &repositoryID, &assignedAgent, &claimedAt, &contextFrom,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = nullStr(description)
	t.ParallelGroup = nullStr(parallelGroup)
	t.Plan = nullStr(plan)
	t.Context = nullStr(taskCtx)
	t.Outcome = nullStr(outcome)
	t.Error = nullStr(taskErr)
	t.WorkspaceID = nullStr(workspaceID)
	t.RepositoryID = nullStr(repositoryID)
	t.AssignedAgentID = nullStr(assignedAgent)
	t.ClaimedAt = nullInt(claimedAt)
	t.ContextFrom = nullStr(contextFrom)
	return &t, nil
}

// Get loads a task with its dependency edges.
func (s *TaskService) Get(ctx context.Context, id string) (*core.Task, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	t.Dependencies, err = s.dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListByWorkflow loads all tasks of a workflow in sequence order, with
// dependency edges attached.
func (s *TaskService) ListByWorkflow(ctx context.Context, workflowID string) ([]*core.Task, error) {
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE workflow_id = ? ORDER BY sequence", workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	byID := make(map[string]*core.Task)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := s.st.Reader().QueryContext(ctx, `
		SELECT td.task_id, td.depends_on_id FROM task_dependencies td
		JOIN tasks t ON t.id = td.task_id WHERE t.workflow_id = ?
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var taskID, depID string
		if err := depRows.Scan(&taskID, &depID); err != nil {
			return nil, err
		}
		if t, ok := byID[taskID]; ok {
			t.Dependencies = append(t.Dependencies, depID)
		}
	}
	return tasks, depRows.Err()
}

func (s *TaskService) dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT depends_on_id FROM task_dependencies WHERE task_id = ?", taskID)
	if err != nil {
		return nil, fmt.Errorf("loading dependencies: %w", err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// insertPlan inserts specs as tasks of workflowID starting at sequence
// startSeq+1, wiring dependency edges by name. Names resolve only among the
// specs; replan uses insertPlanWith to also resolve preserved tasks.
func (s *TaskService) insertPlan(ctx context.Context, tx *sql.Tx, workflowID string, specs []core.TaskSpec, startSeq int, now int64) error {
	return s.insertPlanWith(ctx, tx, workflowID, specs, startSeq, nil, now)
}

// insertPlanWith inserts specs, resolving dependency names against both the
// new specs and the preserved tasks (name -> id).
func (s *TaskService) insertPlanWith(ctx context.Context, tx *sql.Tx, workflowID string, specs []core.TaskSpec, startSeq int, preserved map[string]string, now int64) error {
	ids := make(map[string]string, len(specs))
	for name, id := range preserved {
		ids[name] = id
	}
	for i, spec := range specs {
		id := core.NewID(core.PrefixTask)
		ids[spec.Name] = id
		status := core.TaskStatusPending
		if len(spec.DependsOn) > 0 {
			status = core.TaskStatusBlocked
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, workflow_id, name, description, status, sequence,
				parallel_group, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, workflowID, spec.Name, state.NullString(spec.Description), status,
			startSeq+i+1, state.NullString(spec.ParallelGroup), now, now)
		if err != nil {
			return fmt.Errorf("inserting task %s: %w", spec.Name, err)
		}
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			depID, ok := ids[dep]
			if !ok {
				return core.NewToolError(core.CodeUnknownDependency,
					"unknown dependency '"+dep+"' for task "+spec.Name, true)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)",
				ids[spec.Name], depID)
			if err != nil {
				return fmt.Errorf("inserting dependency edge: %w", err)
			}
		}
	}
	return nil
}

// insertOne appends one task after the existing plan, resolving dependency
// names against the existing tasks.
func (s *TaskService) insertOne(ctx context.Context, tx *sql.Tx, workflowID string, spec core.TaskSpec, existingCount int, existing []*core.Task, now int64) (*core.Task, error) {
	byName := make(map[string]string, len(existing))
	for _, t := range existing {
		byName[t.Name] = t.ID
	}
	id := core.NewID(core.PrefixTask)
	status := core.TaskStatusPending
	if len(spec.DependsOn) > 0 {
		status = core.TaskStatusBlocked
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, name, description, status, sequence,
			parallel_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, workflowID, spec.Name, state.NullString(spec.Description), status,
		existingCount+1, state.NullString(spec.ParallelGroup), now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting task %s: %w", spec.Name, err)
	}
	var deps []string
	for _, dep := range spec.DependsOn {
		depID, ok := byName[dep]
		if !ok {
			return nil, core.NewToolError(core.CodeUnknownDependency,
				"unknown dependency '"+dep+"' for task "+spec.Name, true)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)",
			id, depID); err != nil {
			return nil, fmt.Errorf("inserting dependency edge: %w", err)
		}
		deps = append(deps, depID)
	}
	return &core.Task{
		ID: id, WorkflowID: workflowID, Name: spec.Name,
		Description: spec.Description, Status: status,
		Sequence: existingCount + 1, ParallelGroup: spec.ParallelGroup,
		Dependencies: deps, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// UpdateStatusOpts carry the optional outcome/error for terminal
// transitions.
type UpdateStatusOpts struct {
	Outcome string
	Error   string
}

// UpdateStatus applies a task state-machine transition with its guards.
func (s *TaskService) UpdateStatus(ctx context.Context, id, status string, opts UpdateStatusOpts) (*core.Task, error) {
	if !core.ValidTaskStatus(status) {
		return nil, core.ErrInvalidInput("unknown task status: " + status)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to := core.TaskStatus(status)
	if t.Status == to {
		return t, nil
	}
	if !core.CanTransitionTask(t.Status, to) {
		return nil, core.ErrInvalidTransition("task", string(t.Status), status)
	}

	switch to {
	case core.TaskStatusPlanning, core.TaskStatusInProgress:
		if t.Status == core.TaskStatusPending || t.Status == core.TaskStatusBlocked {
			unmet, err := s.unmetDependencies(ctx, t)
			if err != nil {
				return nil, err
			}
			if len(unmet) > 0 {
				return nil, core.NewToolError(core.CodeTaskBlocked,
					fmt.Sprintf("task %s has %d unmet dependencies", id, len(unmet)), true)
			}
		}
	case core.TaskStatusCompleted:
		if opts.Outcome == "" {
			return nil, core.NewToolError(core.CodeMissingOutcome,
				"completing a task requires a non-empty outcome", true)
		}
	case core.TaskStatusFailed:
		if opts.Error == "" {
			return nil, core.NewToolError(core.CodeMissingError,
				"failing a task requires a non-empty error", true)
		}
	}

	now := core.NowMillis()
	// A non-null assignment implies planning or in_progress; every other
	// target status drops it.
	clearAssignment := to != core.TaskStatusPlanning && to != core.TaskStatusInProgress

	err = s.st.RetryWrite(ctx, "task_update_status", func() error {
		q := "UPDATE tasks SET status = ?, updated_at = ?"
		args := []any{to, now}
		if opts.Outcome != "" {
			q += ", outcome = ?"
			args = append(args, opts.Outcome)
		}
		if opts.Error != "" {
			q += ", error = ?"
			args = append(args, opts.Error)
		}
		if clearAssignment {
			q += ", assigned_agent_id = NULL, claimed_at = NULL"
		}
		q += " WHERE id = ?"
		args = append(args, id)
		_, err := s.st.Writer().ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	return s.Get(ctx, id)
}

// SetPlan stores the serialized per-task plan blob.
func (s *TaskService) SetPlan(ctx context.Context, id, plan string) (*core.Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	err := s.st.RetryWrite(ctx, "task_set_plan", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE tasks SET plan = ?, updated_at = ? WHERE id = ?",
			state.NullString(plan), core.NowMillis(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating task plan: %w", err)
	}
	return s.Get(ctx, id)
}

// SetContext stores the serialized context blob and its source pointer.
func (s *TaskService) SetContext(ctx context.Context, id, taskContext, contextFrom string) (*core.Task, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	err := s.st.RetryWrite(ctx, "task_set_context", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE tasks SET context = ?, context_from = ?, updated_at = ? WHERE id = ?",
			state.NullString(taskContext), state.NullString(contextFrom), core.NowMillis(), id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating task context: %w", err)
	}
	return s.Get(ctx, id)
}

// ClaimResult reports the outcome of a claim attempt. A lost race is a
// result, not an error.
type ClaimResult struct {
	Success          bool       `json:"success"`
	Task             *core.Task `json:"task,omitempty"`
	AlreadyClaimedBy string     `json:"already_claimed_by,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// Claim atomically assigns the task to the agent. At most one agent
// succeeds: the conditional update is the linearization point.
func (s *TaskService) Claim(ctx context.Context, taskID, agentID string) (*ClaimResult, error) {
	var agentExists int
	err := s.st.Reader().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM agents WHERE id = ?", agentID).Scan(&agentExists)
	if err != nil {
		return nil, fmt.Errorf("checking agent: %w", err)
	}
	if agentExists == 0 {
		return nil, core.ErrNotFound(core.CodeAgentNotFound, "agent", agentID)
	}

	now := core.NowMillis()
	var affected int64
	err = s.st.RetryWrite(ctx, "task_claim", func() error {
		res, err := s.st.Writer().ExecContext(ctx, `
			UPDATE tasks
			SET assigned_agent_id = ?, claimed_at = ?, updated_at = ?,
			    status = CASE WHEN status IN ('pending','blocked') THEN 'planning' ELSE status END
			WHERE id = ? AND assigned_agent_id IS NULL
			  AND status IN ('pending','blocked','planning','in_progress')
		`, agentID, now, now, taskID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if t.AssignedAgentID != "" && t.AssignedAgentID != agentID {
			return &ClaimResult{Success: false, AlreadyClaimedBy: t.AssignedAgentID}, nil
		}
		return &ClaimResult{Success: false,
			Reason: fmt.Sprintf("task is %s and cannot be claimed", t.Status)}, nil
	}

	// Mirror the assignment on the agent row.
	_ = s.st.RetryWrite(ctx, "agent_set_task", func() error {
		_, err := s.st.Writer().ExecContext(ctx,
			"UPDATE agents SET current_task_id = ?, status = ?, updated_at = ? WHERE id = ?",
			taskID, core.AgentBusy, now, agentID)
		return err
	})

	return &ClaimResult{Success: true, Task: t}, nil
}

// Release clears the assignment held by agentID. NOT_CLAIMED when the task
// is unassigned; NOT_ASSIGNED when held by a different agent.
func (s *TaskService) Release(ctx context.Context, taskID, agentID string) (*core.Task, error) {
	now := core.NowMillis()
	var affected int64
	err := s.st.RetryWrite(ctx, "task_release", func() error {
		res, err := s.st.Writer().ExecContext(ctx, `
			UPDATE tasks
			SET assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?,
			    status = CASE WHEN status = 'planning' THEN 'pending' ELSE status END
			WHERE id = ? AND assigned_agent_id = ?
		`, now, taskID, agentID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("releasing task: %w", err)
	}

	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if t.AssignedAgentID == "" {
			return nil, core.NewToolError(core.CodeNotClaimed,
				fmt.Sprintf("task %s has no assigned agent", taskID), true)
		}
		return nil, core.NewToolError(core.CodeNotAssigned,
			fmt.Sprintf("task %s is assigned to %s", taskID, t.AssignedAgentID), true)
	}

	_ = s.st.RetryWrite(ctx, "agent_clear_task", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			UPDATE agents SET current_task_id = NULL, status = ?, updated_at = ?
			WHERE id = ? AND current_task_id = ?
		`, core.AgentOnline, now, agentID, taskID)
		return err
	})
	return t, nil
}

// unmetDependencies returns dependency ids not yet terminal.
func (s *TaskService) unmetDependencies(ctx context.Context, t *core.Task) ([]string, error) {
	if len(t.Dependencies) == 0 {
		return nil, nil
	}
	var unmet []string
	for _, depID := range t.Dependencies {
		var status string
		err := s.st.Reader().QueryRowContext(ctx,
			"SELECT status FROM tasks WHERE id = ?", depID).Scan(&status)
		if err == sql.ErrNoRows {
			continue // edge to a deleted task never blocks
		}
		if err != nil {
			return nil, fmt.Errorf("checking dependency %s: %w", depID, err)
		}
		ts := core.TaskStatus(status)
		if ts != core.TaskStatusCompleted && ts != core.TaskStatusSkipped {
			unmet = append(unmet, depID)
		}
	}
	return unmet, nil
}
