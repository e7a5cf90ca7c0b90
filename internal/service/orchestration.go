package service

import (
	"context"

	"github.com/travisgalloway/caw/internal/core"
)

// NextTasksResult is the scheduler's view of what can run now.
type NextTasksResult struct {
	Tasks       []*core.Task `json:"tasks"`
	AllComplete bool         `json:"all_complete"`
}

// NextTasks returns tasks eligible to run: status in {pending, blocked}
// (plus failed when includeFailed), all dependencies terminal, and no
// assigned agent. Members of the same parallel_group are returned together;
// otherwise ordering follows sequence. AllComplete is set when every task is
// terminal.
func (s *TaskService) NextTasks(ctx context.Context, workflowID string, includeFailed bool) (*NextTasksResult, error) {
	tasks, err := s.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	terminal := func(id string) bool {
		dep, ok := byID[id]
		if !ok {
			return true // edge to a deleted task never blocks
		}
		return dep.IsTerminal()
	}

	eligible := func(t *core.Task) bool {
		switch t.Status {
		case core.TaskStatusPending, core.TaskStatusBlocked:
		case core.TaskStatusFailed:
			if !includeFailed {
				return false
			}
		default:
			return false
		}
		if t.AssignedAgentID != "" {
			return false
		}
		for _, dep := range t.Dependencies {
			if !terminal(dep) {
				return false
			}
		}
		return true
	}

	res := &NextTasksResult{AllComplete: true}
	for _, t := range tasks {
		if !t.IsTerminal() {
			res.AllComplete = false
		}
	}

	emitted := make(map[string]bool)
	for _, t := range tasks {
		if emitted[t.ID] || !eligible(t) {
			continue
		}
		res.Tasks = append(res.Tasks, t)
		emitted[t.ID] = true
		if t.ParallelGroup == "" {
			continue
		}
		// Pull sibling group members forward so they schedule together.
		for _, sib := range tasks {
			if sib.ParallelGroup == t.ParallelGroup && !emitted[sib.ID] && eligible(sib) {
				res.Tasks = append(res.Tasks, sib)
				emitted[sib.ID] = true
			}
		}
	}
	return res, nil
}

// Available returns up to limit next tasks (limit <= 0 means all).
func (s *TaskService) Available(ctx context.Context, workflowID string, limit int) ([]*core.Task, error) {
	res, err := s.NextTasks(ctx, workflowID, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(res.Tasks) > limit {
		return res.Tasks[:limit], nil
	}
	return res.Tasks, nil
}

// Progress aggregates task counts for a workflow.
type Progress struct {
	TotalTasks         int            `json:"total_tasks"`
	ByStatus           map[string]int `json:"by_status"`
	EstimatedRemaining int            `json:"estimated_remaining"`
}

// Progress returns counts by status; remaining excludes completed and
// skipped.
func (s *TaskService) Progress(ctx context.Context, workflowID string) (*Progress, error) {
	tasks, err := s.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	p := &Progress{TotalTasks: len(tasks), ByStatus: make(map[string]int)}
	done := 0
	for _, t := range tasks {
		p.ByStatus[string(t.Status)]++
		if t.IsTerminal() {
			done++
		}
	}
	p.EstimatedRemaining = p.TotalTasks - done
	return p, nil
}

// DependencyStatus describes one dependency edge for check_dependencies.
type DependencyStatus struct {
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name"`
	Status    core.TaskStatus `json:"status"`
	Satisfied bool            `json:"satisfied"`
}

// DependencyCheck is the result of CheckDependencies.
type DependencyCheck struct {
	Ready        bool               `json:"ready"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// CheckDependencies reports whether a task's dependencies are satisfied.
func (s *TaskService) CheckDependencies(ctx context.Context, taskID string) (*DependencyCheck, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	check := &DependencyCheck{Ready: true}
	for _, depID := range t.Dependencies {
		dep, err := s.Get(ctx, depID)
		if err != nil {
			if core.IsCode(err, core.CodeTaskNotFound) {
				continue
			}
			return nil, err
		}
		satisfied := dep.IsTerminal()
		if !satisfied {
			check.Ready = false
		}
		check.Dependencies = append(check.Dependencies, DependencyStatus{
			TaskID: dep.ID, Name: dep.Name, Status: dep.Status, Satisfied: satisfied,
		})
	}
	return check, nil
}
