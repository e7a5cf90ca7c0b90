package core

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPlanning      WorkflowStatus = "planning"
	WorkflowStatusReady         WorkflowStatus = "ready"
	WorkflowStatusInProgress    WorkflowStatus = "in_progress"
	WorkflowStatusPaused        WorkflowStatus = "paused"
	WorkflowStatusCompleted     WorkflowStatus = "completed"
	WorkflowStatusAwaitingMerge WorkflowStatus = "awaiting_merge"
	WorkflowStatusFailed        WorkflowStatus = "failed"
	WorkflowStatusCancelled     WorkflowStatus = "cancelled"
)

// WorkflowSource identifies where a workflow request came from.
type WorkflowSource string

const (
	SourcePrompt      WorkflowSource = "prompt"
	SourceGitHubIssue WorkflowSource = "github_issue"
	SourceLinear      WorkflowSource = "linear"
	SourceJira        WorkflowSource = "jira"
	SourceCustom      WorkflowSource = "custom"
)

// ValidWorkflowStatus reports whether s names a known workflow status.
func ValidWorkflowStatus(s string) bool {
	switch WorkflowStatus(s) {
	case WorkflowStatusPlanning, WorkflowStatusReady, WorkflowStatusInProgress,
		WorkflowStatusPaused, WorkflowStatusCompleted, WorkflowStatusAwaitingMerge,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// ValidWorkflowSource reports whether s names a known workflow source.
func ValidWorkflowSource(s string) bool {
	switch WorkflowSource(s) {
	case SourcePrompt, SourceGitHubIssue, SourceLinear, SourceJira, SourceCustom:
		return true
	}
	return false
}

// Workflow is a unit of work: a named plan of tasks driven to a terminal
// state by the spawner.
type Workflow struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Source               WorkflowSource `json:"source"`
	SourceRef            string         `json:"source_ref,omitempty"`
	SourceContent        string         `json:"source_content,omitempty"`
	Status               WorkflowStatus `json:"status"`
	PlanSummary          string         `json:"plan_summary,omitempty"`
	Config               string         `json:"config,omitempty"`
	MaxParallelTasks     int            `json:"max_parallel_tasks"`
	AutoCreateWorkspaces bool           `json:"auto_create_workspaces"`
	CreatedAt            int64          `json:"created_at"`
	UpdatedAt            int64          `json:"updated_at"`

	// Tasks is populated only when the caller asked for them.
	Tasks []*Task `json:"tasks,omitempty"`
}

// workflowTransitions is the workflow state machine. A transition is legal
// when the target set for the source status contains the destination.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPlanning:      {WorkflowStatusReady, WorkflowStatusFailed, WorkflowStatusCancelled},
	WorkflowStatusReady:         {WorkflowStatusInProgress, WorkflowStatusFailed, WorkflowStatusCancelled},
	WorkflowStatusInProgress:    {WorkflowStatusPaused, WorkflowStatusAwaitingMerge, WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled},
	WorkflowStatusPaused:        {WorkflowStatusInProgress, WorkflowStatusFailed, WorkflowStatusCancelled},
	WorkflowStatusAwaitingMerge: {WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled},
}

// CanTransitionWorkflow reports whether from -> to is in the state machine.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the workflow reached a terminal state.
func (w *Workflow) IsTerminal() bool {
	switch w.Status {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Startable reports whether a spawner may start this workflow.
func (w *Workflow) Startable() bool {
	switch w.Status {
	case WorkflowStatusReady, WorkflowStatusInProgress, WorkflowStatusPaused:
		return true
	}
	return false
}

// Validate checks workflow invariants on create.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return ErrInvalidInput("workflow name cannot be empty")
	}
	if !ValidWorkflowSource(string(w.Source)) {
		return ErrInvalidInput("unknown workflow source: " + string(w.Source))
	}
	if w.MaxParallelTasks < 1 {
		return ErrInvalidInput("max_parallel_tasks must be >= 1")
	}
	return nil
}
