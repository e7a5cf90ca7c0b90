package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/state"
)

// AgentService manages agent registration, heartbeats, and teardown.
type AgentService struct {
	st     *state.Store
	logger *logging.Logger
}

// RegisterAgentParams are the inputs to Register.
type RegisterAgentParams struct {
	Name          string
	Runtime       string
	Role          string
	Capabilities  []string
	WorkflowID    string
	WorkspacePath string
	Metadata      string
}

// Register creates an online agent row.
func (s *AgentService) Register(ctx context.Context, p RegisterAgentParams) (*core.Agent, error) {
	if p.Name == "" {
		return nil, core.ErrInvalidInput("agent name cannot be empty")
	}
	if p.Runtime == "" {
		p.Runtime = string(core.RuntimeCustom)
	}
	if !core.ValidAgentRuntime(p.Runtime) {
		return nil, core.ErrInvalidInput("unknown agent runtime: " + p.Runtime)
	}
	if p.Role == "" {
		p.Role = string(core.RoleWorker)
	}
	if !core.ValidAgentRole(p.Role) {
		return nil, core.ErrInvalidInput("unknown agent role: " + p.Role)
	}
	if p.WorkflowID != "" {
		var n int
		if err := s.st.Reader().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM workflows WHERE id = ?", p.WorkflowID).Scan(&n); err != nil {
			return nil, fmt.Errorf("checking workflow: %w", err)
		}
		if n == 0 {
			return nil, core.ErrNotFound(core.CodeWorkflowNotFound, "workflow", p.WorkflowID)
		}
	}

	now := core.NowMillis()
	ag := &core.Agent{
		ID:            core.NewID(core.PrefixAgent),
		Name:          p.Name,
		Runtime:       core.AgentRuntime(p.Runtime),
		Role:          core.AgentRole(p.Role),
		Status:        core.AgentOnline,
		Capabilities:  p.Capabilities,
		WorkflowID:    p.WorkflowID,
		WorkspacePath: p.WorkspacePath,
		Metadata:      p.Metadata,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var capsJSON any
	if len(ag.Capabilities) > 0 {
		b, err := json.Marshal(ag.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("marshaling capabilities: %w", err)
		}
		capsJSON = string(b)
	}

	err := s.st.RetryWrite(ctx, "agent_register", func() error {
		_, err := s.st.Writer().ExecContext(ctx, `
			INSERT INTO agents (id, name, runtime, role, status, capabilities, workflow_id,
				workspace_path, current_task_id, last_heartbeat, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)
		`, ag.ID, ag.Name, ag.Runtime, ag.Role, ag.Status, capsJSON,
			state.NullString(ag.WorkflowID), state.NullString(ag.WorkspacePath),
			ag.LastHeartbeat, state.NullString(ag.Metadata), ag.CreatedAt, ag.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}
	return ag, nil
}

const agentColumns = `id, name, runtime, role, status, capabilities, workflow_id,
	workspace_path, current_task_id, last_heartbeat, metadata, created_at, updated_at`

func scanAgent(sc scanner) (*core.Agent, error) {
	var a core.Agent
	var caps, workflowID, workspacePath, currentTask, metadata sql.NullString
	err := sc.Scan(&a.ID, &a.Name, &a.Runtime, &a.Role, &a.Status, &caps,
		&workflowID, &workspacePath, &currentTask, &a.LastHeartbeat, &metadata,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.WorkflowID = nullStr(workflowID)
	a.WorkspacePath = nullStr(workspacePath)
	a.CurrentTaskID = nullStr(currentTask)
	a.Metadata = nullStr(metadata)
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
		}
	}
	return &a, nil
}

// Get loads an agent by id.
func (s *AgentService) Get(ctx context.Context, id string) (*core.Agent, error) {
	row := s.st.Reader().QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeAgentNotFound, "agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	return a, nil
}

// AgentFilter narrows List results.
type AgentFilter struct {
	WorkflowID string
	Status     string
	Role       string
}

// List returns agents matching the filter.
func (s *AgentService) List(ctx context.Context, f AgentFilter) ([]*core.Agent, error) {
	if f.Status != "" && !core.ValidAgentStatus(f.Status) {
		return nil, core.ErrInvalidInput("unknown agent status: " + f.Status)
	}
	if f.Role != "" && !core.ValidAgentRole(f.Role) {
		return nil, core.ErrInvalidInput("unknown agent role: " + f.Role)
	}
	q := "SELECT " + agentColumns + " FROM agents WHERE 1=1"
	var args []any
	if f.WorkflowID != "" {
		q += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Role != "" {
		q += " AND role = ?"
		args = append(args, f.Role)
	}
	q += " ORDER BY created_at"
	rows, err := s.st.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s *AgentService) Heartbeat(ctx context.Context, id string) error {
	now := core.NowMillis()
	return s.st.RetryWrite(ctx, "agent_heartbeat", func() error {
		res, err := s.st.Writer().ExecContext(ctx,
			"UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?", now, now, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return core.ErrNotFound(core.CodeAgentNotFound, "agent", id)
		}
		return nil
	})
}

// UpdateAgentParams carry the mutable agent fields.
type UpdateAgentParams struct {
	Status        string
	CurrentTaskID *string
	WorkspacePath *string
	Metadata      *string
}

// Update mutates agent status and pointers.
func (s *AgentService) Update(ctx context.Context, id string, p UpdateAgentParams) (*core.Agent, error) {
	if p.Status != "" && !core.ValidAgentStatus(p.Status) {
		return nil, core.ErrInvalidInput("unknown agent status: " + p.Status)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	now := core.NowMillis()
	err := s.st.RetryWrite(ctx, "agent_update", func() error {
		q := "UPDATE agents SET updated_at = ?"
		args := []any{now}
		if p.Status != "" {
			q += ", status = ?"
			args = append(args, p.Status)
		}
		if p.CurrentTaskID != nil {
			q += ", current_task_id = ?"
			args = append(args, state.NullString(*p.CurrentTaskID))
		}
		if p.WorkspacePath != nil {
			q += ", workspace_path = ?"
			args = append(args, state.NullString(*p.WorkspacePath))
		}
		if p.Metadata != nil {
			q += ", metadata = ?"
			args = append(args, state.NullString(*p.Metadata))
		}
		q += " WHERE id = ?"
		args = append(args, id)
		_, err := s.st.Writer().ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	return s.Get(ctx, id)
}

// Unregister takes the agent offline and releases its claimed tasks back to
// pending so they can be re-claimed.
func (s *AgentService) Unregister(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	now := core.NowMillis()
	return s.st.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET assigned_agent_id = NULL, claimed_at = NULL, status = 'pending', updated_at = ?
			WHERE assigned_agent_id = ? AND status IN ('planning','in_progress')
		`, now, id)
		if err != nil {
			return fmt.Errorf("releasing agent tasks: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ? WHERE id = ?
		`, core.AgentOffline, now, id)
		return err
	})
}

// Stale returns online or busy agents whose heartbeat is older than the
// threshold.
func (s *AgentService) Stale(ctx context.Context, ageThresholdMs int64) ([]*core.Agent, error) {
	cutoff := core.NowMillis() - ageThresholdMs
	rows, err := s.st.Reader().QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE status IN ('online','busy') AND last_heartbeat < ?",
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale agents: %w", err)
	}
	defer rows.Close()

	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
