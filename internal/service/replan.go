package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/state"
)

// ReplanParams replace the removable subset of a workflow's plan.
type ReplanParams struct {
	Summary string
	Reason  string
	Tasks   []core.TaskSpec
}

// Replan deletes removable tasks (pending, blocked, unassigned planning),
// preserves the rest, appends the new tasks, and resequences 1..N. New task
// dependencies may name preserved or new tasks. A replan checkpoint is
// recorded on every task that survives into the new plan.
func (s *WorkflowService) Replan(ctx context.Context, id string, p ReplanParams) (*core.Workflow, error) {
	wf, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	switch wf.Status {
	case core.WorkflowStatusCompleted, core.WorkflowStatusFailed, core.WorkflowStatusCancelled:
		return nil, core.ErrInvalidState(
			fmt.Sprintf("workflow %s is %s and cannot be replanned", id, wf.Status))
	}

	var preserved, removable []*core.Task
	for _, t := range wf.Tasks {
		if t.Removable() {
			removable = append(removable, t)
		} else {
			preserved = append(preserved, t)
		}
	}

	preservedNames := make([]string, 0, len(preserved))
	preservedIDs := make(map[string]string, len(preserved))
	for _, t := range preserved {
		preservedNames = append(preservedNames, t.Name)
		preservedIDs[t.Name] = t.ID
	}
	if err := core.ValidatePlan(p.Tasks, preservedNames); err != nil {
		return nil, err
	}

	now := core.NowMillis()
	err = s.st.InTx(ctx, func(tx *sql.Tx) error {
		for _, t := range removable {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", t.ID); err != nil {
				return fmt.Errorf("deleting task %s: %w", t.ID, err)
			}
		}
		// Compact preserved tasks to 1..K before appending.
		for i, t := range preserved {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET sequence = ?, updated_at = ? WHERE id = ?",
				i+1, now, t.ID); err != nil {
				return fmt.Errorf("resequencing task %s: %w", t.ID, err)
			}
		}
		if err := s.tasks.insertPlanWith(ctx, tx, id, p.Tasks, len(preserved), preservedIDs, now); err != nil {
			return err
		}
		for _, t := range preserved {
			if err := s.checkpoints.addInTx(ctx, tx, t.ID, core.CheckpointReplan,
				"workflow replanned: "+p.Reason, "", nil, now); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workflows SET plan_summary = ?, updated_at = ? WHERE id = ?
		`, state.NullString(p.Summary), now, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	// New tasks record their own replan checkpoint outside the batch insert.
	fresh, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	newNames := make(map[string]bool, len(p.Tasks))
	for _, spec := range p.Tasks {
		newNames[spec.Name] = true
	}
	for _, t := range fresh.Tasks {
		if newNames[t.Name] {
			if _, err := s.checkpoints.Add(ctx, t.ID, core.CheckpointReplan,
				"added by replan: "+p.Reason, "", nil); err != nil {
				return nil, err
			}
		}
	}
	return fresh, nil
}

// ReplanTask installs a fresh plan on a failed or in-progress task. A failed
// task returns to pending for re-claim; an in-progress task keeps running
// with the new plan.
func (s *TaskService) Replan(ctx context.Context, id, plan, reason string) (*core.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Replannable() {
		return nil, core.ErrInvalidState(
			fmt.Sprintf("task %s is %s; replan requires failed or in_progress", id, t.Status))
	}

	now := core.NowMillis()
	err = s.st.InTx(ctx, func(tx *sql.Tx) error {
		if t.Status == core.TaskStatusFailed {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET plan = ?, status = 'pending', error = NULL,
					assigned_agent_id = NULL, claimed_at = NULL, updated_at = ?
				WHERE id = ?
			`, state.NullString(plan), now, id)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.ExecContext(ctx,
				"UPDATE tasks SET plan = ?, updated_at = ? WHERE id = ?",
				state.NullString(plan), now, id)
			if err != nil {
				return err
			}
		}
		return s.checkpoints.addInTx(ctx, tx, id, core.CheckpointReplan, reason, plan, nil, now)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}
