package core

// WorkspaceStatus tracks the lifecycle of a git worktree.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceMerged    WorkspaceStatus = "merged"
	WorkspaceAbandoned WorkspaceStatus = "abandoned"
)

// ValidWorkspaceStatus reports whether s names a known workspace status.
func ValidWorkspaceStatus(s string) bool {
	switch WorkspaceStatus(s) {
	case WorkspaceActive, WorkspaceMerged, WorkspaceAbandoned:
		return true
	}
	return false
}

// Workspace is a named git worktree bound to a workflow. It may outlive the
// workflow until its PR merges.
type Workspace struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Path        string          `json:"path"`
	Branch      string          `json:"branch"`
	BaseBranch  string          `json:"base_branch"`
	PRURL       string          `json:"pr_url,omitempty"`
	Status      WorkspaceStatus `json:"status"`
	MergeCommit string          `json:"merge_commit,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Repository is the canonical record for a filesystem path. Registration is
// idempotent: the same path always resolves to the same record.
type Repository struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Name      string `json:"name,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}
