// Package service implements the entity services and orchestration rules
// over the store. Services validate inputs against the closed enumerations,
// keep updated_at monotonic under the single writer, and raise structured
// ToolErrors; no operation partial-writes.
package service

import (
	"database/sql"

	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/state"
)

// Services bundles the entity services sharing one store.
type Services struct {
	Workflows    *WorkflowService
	Tasks        *TaskService
	Checkpoints  *CheckpointService
	Messages     *MessageService
	Agents       *AgentService
	Workspaces   *WorkspaceService
	Repositories *RepositoryService
	Templates    *TemplateService
	Locks        *LockService
	Sessions     *SessionService

	store *state.Store
}

// New wires the services over a store.
func New(st *state.Store, logger *logging.Logger) *Services {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Services{store: st}
	s.Sessions = &SessionService{st: st}
	s.Agents = &AgentService{st: st, logger: logger}
	s.Checkpoints = &CheckpointService{st: st}
	s.Tasks = &TaskService{st: st, checkpoints: s.Checkpoints}
	s.Workflows = &WorkflowService{st: st, tasks: s.Tasks, checkpoints: s.Checkpoints}
	s.Messages = &MessageService{st: st, agents: s.Agents}
	s.Workspaces = &WorkspaceService{st: st}
	s.Repositories = &RepositoryService{st: st}
	s.Templates = &TemplateService{st: st, workflows: s.Workflows}
	s.Locks = &LockService{st: st, sessions: s.Sessions}
	return s
}

// Store exposes the underlying store for lifecycle management.
func (s *Services) Store() *state.Store { return s.store }

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullInt(ni sql.NullInt64) int64 {
	if ni.Valid {
		return ni.Int64
	}
	return 0
}
