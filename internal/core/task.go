package core

// TaskStatus represents the state of a task in the workflow DAG.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusPlanning   TaskStatus = "planning"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusSkipped    TaskStatus = "skipped"
)

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusPlanning,
		TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusPaused, TaskStatusSkipped:
		return true
	}
	return false
}

// Task is a node in a workflow's DAG.
type Task struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Status          TaskStatus `json:"status"`
	Sequence        int        `json:"sequence"`
	ParallelGroup   string     `json:"parallel_group,omitempty"`
	Plan            string     `json:"plan,omitempty"`
	Context         string     `json:"context,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
	WorkspaceID     string     `json:"workspace_id,omitempty"`
	RepositoryID    string     `json:"repository_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	ClaimedAt       int64      `json:"claimed_at,omitempty"`
	ContextFrom     string     `json:"context_from,omitempty"`
	Dependencies    []string   `json:"depends_on,omitempty"`
	CreatedAt       int64      `json:"created_at"`
	UpdatedAt       int64      `json:"updated_at"`
}

// taskTransitions is the task state machine. Guards beyond reachability
// (dependency checks, outcome/error requirements) live in the task service.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusBlocked, TaskStatusPlanning, TaskStatusInProgress, TaskStatusSkipped, TaskStatusFailed},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusPlanning, TaskStatusInProgress, TaskStatusSkipped, TaskStatusFailed},
	TaskStatusPlanning:   {TaskStatusInProgress, TaskStatusPaused, TaskStatusFailed, TaskStatusSkipped, TaskStatusPending},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusSkipped, TaskStatusPending},
	TaskStatusFailed:     {TaskStatusInProgress, TaskStatusPending, TaskStatusSkipped},
	TaskStatusPaused:     {TaskStatusInProgress, TaskStatusPending, TaskStatusFailed, TaskStatusSkipped},
}

// CanTransitionTask reports whether from -> to is in the task state machine.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task reached a terminal state. Failed and
// paused tasks can re-enter in_progress, so only completed and skipped
// count.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusSkipped
}

// Claimable reports whether an agent may claim this task: unassigned and in
// a status the claim predicate accepts.
func (t *Task) Claimable() bool {
	if t.AssignedAgentID != "" {
		return false
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusPlanning, TaskStatusInProgress:
		return true
	}
	return false
}

// Removable reports whether replan may delete this task.
func (t *Task) Removable() bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusBlocked:
		return true
	case TaskStatusPlanning:
		return t.AssignedAgentID == ""
	}
	return false
}

// Replannable reports whether task_replan is accepted in this status.
func (t *Task) Replannable() bool {
	return t.Status == TaskStatusFailed || t.Status == TaskStatusInProgress
}

// TaskSpec describes one task in a plan before it is persisted.
type TaskSpec struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
}

// ValidatePlan checks a set of task specs for duplicate names, self edges,
// and unknown dependencies. preserved lists task names kept from an earlier
// plan: dependencies may reference them, but a new spec reusing one is a
// NAME_CONFLICT rather than a DUPLICATE_TASK_NAME.
func ValidatePlan(specs []TaskSpec, preserved []string) error {
	kept := make(map[string]bool, len(preserved))
	for _, n := range preserved {
		kept[n] = true
	}
	names := make(map[string]bool, len(specs)+len(preserved))
	for n := range kept {
		names[n] = true
	}
	for _, s := range specs {
		if s.Name == "" {
			return ErrInvalidInput("task name cannot be empty")
		}
		if kept[s.Name] {
			return NewToolError(CodeNameConflict,
				"task name conflicts with a preserved task: "+s.Name, true)
		}
		if names[s.Name] {
			return NewToolError(CodeDuplicateTaskName,
				"duplicate task name: "+s.Name, true)
		}
		names[s.Name] = true
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return NewToolError(CodeSelfDependency,
					"task depends on itself: "+s.Name, true)
			}
			if !names[dep] {
				return NewToolError(CodeUnknownDependency,
					"unknown dependency '"+dep+"' for task "+s.Name, true)
			}
		}
	}
	return checkAcyclic(specs)
}

// checkAcyclic rejects plans whose dependency edges contain a cycle.
// Preserved tasks only ever appear as dependency targets of new specs, so a
// cycle must lie entirely within the specs themselves; a DFS over the spec
// graph covers the full closure.
func checkAcyclic(specs []TaskSpec) error {
	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		deps[s.Name] = s.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return NewToolError(CodeCircularDependency,
				"dependency cycle through task: "+name, true)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if _, isSpec := deps[dep]; !isSpec {
				continue // preserved tasks are sinks in this graph
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, s := range specs {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}
