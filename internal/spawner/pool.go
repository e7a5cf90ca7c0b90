// Package spawner drives workflow execution: a per-workflow agent pool, a
// polling loop, Q&A suspend/resume, completion classification, and the
// process-wide registry that resumes interrupted workflows after a restart.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/travisgalloway/caw/internal/agent"
	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/events"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/service"
)

// MaxRetries is the per-task retry budget before the pool gives up.
const MaxRetries = 3

// PoolConfig wires one workflow's agent pool.
type PoolConfig struct {
	WorkflowID        string
	MaxAgents         int
	ChildBinary       string
	Port              int
	PermissionMode    string // "bypassPermissions" skips the tool allowlist
	EphemeralWorktree bool
	Starter           agent.Starter
	HeartbeatInterval time.Duration
	Stagnation        agent.StagnationConfig
}

// Pool maintains a bounded set of running agent sessions for one workflow.
type Pool struct {
	cfg      PoolConfig
	services *service.Services
	emitter  *events.Emitter
	logger   *logging.Logger

	mu          sync.Mutex
	maxAgents   int
	sessions    map[string]*agent.Session // keyed by agent id
	retries     map[string]int            // per task
	llmSessions map[string]string         // task id -> LLM session id, for resume
	closed      bool
}

// NewPool builds a closed pool; Open arms it.
func NewPool(cfg PoolConfig, svcs *service.Services, emitter *events.Emitter, logger *logging.Logger) *Pool {
	if cfg.MaxAgents < 1 {
		cfg.MaxAgents = 1
	}
	if cfg.Stagnation.RepeatThreshold == 0 {
		cfg.Stagnation = agent.DefaultStagnationConfig()
	}
	return &Pool{
		cfg:         cfg,
		services:    svcs,
		emitter:     emitter,
		logger:      logger.WithWorkflow(cfg.WorkflowID),
		maxAgents:   cfg.MaxAgents,
		sessions:    make(map[string]*agent.Session),
		retries:     make(map[string]int),
		llmSessions: make(map[string]string),
		closed:      true,
	}
}

// Open accepts new spawns.
func (p *Pool) Open() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// ActiveCount returns the number of live sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// HasCapacity reports whether another agent may spawn.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.sessions) < p.maxAgents
}

// SetMaxAgents adjusts the concurrency cap.
func (p *Pool) SetMaxAgents(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.maxAgents = n
	p.mu.Unlock()
}

// MaxAgents returns the current cap.
func (p *Pool) MaxAgents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAgents
}

// AgentIDs snapshots the live agent ids.
func (p *Pool) AgentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Spawn registers an agent, claims the task, assembles the prompt, routes a
// model, and launches the child. The claim is the commit point: a lost claim
// unregisters the agent and reports an error.
func (p *Pool) Spawn(ctx context.Context, task *core.Task, continuation string) error {
	p.mu.Lock()
	if p.closed || len(p.sessions) >= p.maxAgents {
		p.mu.Unlock()
		return core.NewToolError(core.CodeSpawnerError, "pool is closed or at capacity", true)
	}
	p.mu.Unlock()

	ag, err := p.services.Agents.Register(ctx, service.RegisterAgentParams{
		Name:       fmt.Sprintf("worker-%s", task.Name),
		Runtime:    string(core.RuntimeClaudeCode),
		Role:       string(core.RoleWorker),
		WorkflowID: p.cfg.WorkflowID,
	})
	if err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}

	claim, err := p.services.Tasks.Claim(ctx, task.ID, ag.ID)
	if err != nil || !claim.Success {
		_ = p.services.Agents.Unregister(ctx, ag.ID)
		if err != nil {
			return err
		}
		return core.NewToolError(core.CodeSpawnerError,
			fmt.Sprintf("task %s claim lost: %s%s", task.ID, claim.AlreadyClaimedBy, claim.Reason), true)
	}

	spec, err := p.buildSpec(ctx, ag, task, continuation)
	if err != nil {
		_, _ = p.services.Tasks.Release(ctx, task.ID, ag.ID)
		_ = p.services.Agents.Unregister(ctx, ag.ID)
		return err
	}

	logger := p.logger.WithAgent(ag.ID).WithTask(task.ID)
	sess, err := agent.Start(ctx, agent.SessionConfig{
		AgentID:           ag.ID,
		TaskID:            task.ID,
		WorkflowID:        p.cfg.WorkflowID,
		Spec:              spec,
		Starter:           p.cfg.Starter,
		HeartbeatInterval: p.cfg.HeartbeatInterval,
		Heartbeat: func(hbCtx context.Context) error {
			return p.services.Agents.Heartbeat(hbCtx, ag.ID)
		},
		Stagnation: p.cfg.Stagnation,
		OnStagnation: func(level agent.StagnationLevel, reason string) {
			p.handleStagnation(ag.ID, task.ID, level, reason)
		},
		OnClose: func(result agent.SessionResult) {
			p.handleClose(ag.ID, task.ID, result)
		},
		Logger: p.logger,
	})
	if err != nil {
		_, _ = p.services.Tasks.Release(ctx, task.ID, ag.ID)
		_ = p.services.Agents.Unregister(ctx, ag.ID)
		return fmt.Errorf("spawning child: %w", err)
	}

	p.mu.Lock()
	p.sessions[ag.ID] = sess
	p.mu.Unlock()

	// A synchronous child may already have closed before the session was
	// recorded; drop it again so the slot frees up.
	select {
	case <-sess.Done():
		p.mu.Lock()
		delete(p.sessions, ag.ID)
		p.mu.Unlock()
	default:
	}

	// The agent starts working; reflect in_progress if it was still planning.
	if cur, err := p.services.Tasks.Get(ctx, task.ID); err == nil && cur.Status == core.TaskStatusPlanning {
		if _, err := p.services.Tasks.UpdateStatus(ctx, task.ID,
			string(core.TaskStatusInProgress), service.UpdateStatusOpts{}); err != nil {
			logger.Debug("task not moved to in_progress", "error", err)
		}
	}

	logger.Info("agent started", "task", task.Name)
	p.emitter.Emit(events.Event{
		Kind: events.AgentStarted, WorkflowID: p.cfg.WorkflowID,
		TaskID: task.ID, AgentID: ag.ID,
	})
	return nil
}

// buildSpec assembles the child spawn spec: worktree, prompt, model route,
// optional LLM-session resume.
func (p *Pool) buildSpec(ctx context.Context, ag *core.Agent, task *core.Task, continuation string) (agent.SpawnSpec, error) {
	spec := agent.SpawnSpec{
		Binary:      p.cfg.ChildBinary,
		BypassPerms: p.cfg.PermissionMode == "bypassPermissions",
	}

	worktreeInfo := ""
	if p.cfg.EphemeralWorktree {
		spec.WorktreeSlug = "caw-" + task.ID
		worktreeInfo = "ephemeral worktree " + spec.WorktreeSlug
	} else if task.WorkspaceID != "" {
		ws, err := p.services.Workspaces.Get(ctx, task.WorkspaceID)
		if err != nil {
			return spec, err
		}
		spec.WorkDir = ws.Path
		worktreeInfo = fmt.Sprintf("workspace %s at %s (branch %s)", ws.ID, ws.Path, ws.Branch)
	}

	if p.cfg.Port > 0 {
		path, err := agent.WriteMCPConfig(p.cfg.Port)
		if err != nil {
			return spec, err
		}
		spec.MCPConfigPath = path
	}

	hint := complexityHint(task.Context)
	route := agent.Route(agent.Classify(hint, task.Name, task.Description))
	spec.Model = route.Model
	spec.MaxTurns = route.MaxTurns
	spec.MaxBudgetUSD = route.MaxBudgetUSD

	wf, err := p.services.Workflows.Get(ctx, p.cfg.WorkflowID, false)
	if err != nil {
		return spec, err
	}
	depNames, err := p.dependencyChain(ctx, task)
	if err != nil {
		return spec, err
	}
	qa, err := p.qaHistory(ctx, task.ID)
	if err != nil {
		return spec, err
	}

	p.mu.Lock()
	priorSession := p.llmSessions[task.ID]
	p.mu.Unlock()

	if priorSession != "" {
		spec.ResumeSessionID = priorSession
		spec.Prompt = agent.ContinuationPrompt(task, continuation)
	} else {
		spec.Prompt = fmt.Sprintf("Work on task %q (%s) of workflow %q.", task.Name, task.ID, wf.Name)
		spec.SystemPrompt = agent.BuildSystemPrompt(agent.PromptInput{
			Agent:           ag,
			Task:            task,
			WorkflowName:    wf.Name,
			WorkflowSummary: wf.PlanSummary,
			DependencyChain: depNames,
			WorktreeInfo:    worktreeInfo,
			QAHistory:       qa,
		})
	}
	return spec, nil
}

func (p *Pool) dependencyChain(ctx context.Context, task *core.Task) ([]string, error) {
	var names []string
	for _, depID := range task.Dependencies {
		dep, err := p.services.Tasks.Get(ctx, depID)
		if err != nil {
			if core.IsCode(err, core.CodeTaskNotFound) {
				continue
			}
			return nil, err
		}
		names = append(names, dep.Name)
	}
	return names, nil
}

func (p *Pool) qaHistory(ctx context.Context, taskID string) ([]*core.Message, error) {
	msgs, err := p.services.Messages.ListForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var qa []*core.Message
	for _, m := range msgs {
		if m.MessageType == core.MessageQuery || m.MessageType == core.MessageResponse {
			qa = append(qa, m)
		}
	}
	return qa, nil
}

// complexityHint pulls an explicit complexity field from the task context
// blob when one is present.
func complexityHint(taskContext string) string {
	if taskContext == "" {
		return ""
	}
	var parsed struct {
		Complexity string `json:"complexity"`
	}
	if err := json.Unmarshal([]byte(taskContext), &parsed); err != nil {
		return ""
	}
	return parsed.Complexity
}

// handleStagnation escalates per the monitor's ladder: warn emits, pause
// moves the task to paused, abort signals the child.
func (p *Pool) handleStagnation(agentID, taskID string, level agent.StagnationLevel, reason string) {
	ctx := context.Background()
	p.emitter.Emit(events.Event{
		Kind: events.AgentStagnation, WorkflowID: p.cfg.WorkflowID,
		TaskID: taskID, AgentID: agentID, Level: level.String(), Reason: reason,
	})
	switch level {
	case agent.LevelPause:
		if _, err := p.services.Tasks.UpdateStatus(ctx, taskID,
			string(core.TaskStatusPaused), service.UpdateStatusOpts{}); err != nil {
			p.logger.Warn("pausing stagnant task failed", "task_id", taskID, "error", err)
		}
	case agent.LevelAbort:
		p.mu.Lock()
		sess := p.sessions[agentID]
		p.mu.Unlock()
		if sess != nil {
			sess.Abort()
		}
	}
}

// handleClose classifies a finished child and applies the retry policy. A
// child reporting success whose task row is not terminal is a phantom
// completion and counts as a failure.
func (p *Pool) handleClose(agentID, taskID string, result agent.SessionResult) {
	ctx := context.Background()

	p.mu.Lock()
	delete(p.sessions, agentID)
	if result.LLMSessionID != "" {
		p.llmSessions[taskID] = result.LLMSessionID
	}
	closed := p.closed
	p.mu.Unlock()

	_ = p.services.Agents.Unregister(ctx, agentID)

	task, err := p.services.Tasks.Get(ctx, taskID)
	if err != nil {
		p.logger.Warn("task vanished during completion dispatch", "task_id", taskID, "error", err)
		return
	}

	if result.ReportedSuccess && task.IsTerminal() {
		p.mu.Lock()
		delete(p.retries, taskID)
		p.mu.Unlock()
		p.emitter.Emit(events.Event{
			Kind: events.AgentCompleted, WorkflowID: p.cfg.WorkflowID,
			TaskID: taskID, AgentID: agentID,
		})
		return
	}

	// Paused tasks are waiting on the operator, and aborted sessions during
	// suspend/shutdown are not failures.
	if task.Status == core.TaskStatusPaused || (result.Aborted && closed) {
		return
	}
	if task.IsTerminal() {
		// The task finished even though the child exited unhappily.
		p.emitter.Emit(events.Event{
			Kind: events.AgentCompleted, WorkflowID: p.cfg.WorkflowID,
			TaskID: taskID, AgentID: agentID,
		})
		return
	}

	reason := "agent exited without completing task"
	if result.ExitErr != nil {
		reason = fmt.Sprintf("agent exited: %v", result.ExitErr)
	} else if result.ReportedSuccess {
		reason = "agent reported success but task is not terminal"
	} else if len(result.Errors) > 0 {
		reason = result.Errors[0]
	}

	p.mu.Lock()
	p.retries[taskID]++
	attempt := p.retries[taskID]
	p.mu.Unlock()

	if attempt <= MaxRetries {
		p.logger.Info("retrying task", "task_id", taskID, "attempt", attempt, "reason", reason)
		p.emitter.Emit(events.Event{
			Kind: events.AgentRetrying, WorkflowID: p.cfg.WorkflowID,
			TaskID: taskID, AgentID: agentID, Attempt: attempt, Reason: reason,
		})
		return
	}

	p.failTask(ctx, task, fmt.Sprintf("%s (after %d retries)", reason, MaxRetries))
	p.emitter.Emit(events.Event{
		Kind: events.AgentFailed, WorkflowID: p.cfg.WorkflowID,
		TaskID: taskID, AgentID: agentID, Reason: reason,
	})
}

// failTask forces a task to failed through legal transitions.
func (p *Pool) failTask(ctx context.Context, task *core.Task, errMsg string) {
	current := task.Status
	if current == core.TaskStatusPending || current == core.TaskStatusBlocked ||
		current == core.TaskStatusPlanning || current == core.TaskStatusInProgress ||
		current == core.TaskStatusPaused {
		if _, err := p.services.Tasks.UpdateStatus(ctx, task.ID,
			string(core.TaskStatusFailed), service.UpdateStatusOpts{Error: errMsg}); err != nil {
			p.logger.Warn("failing task failed", "task_id", task.ID, "error", err)
		}
	}
}

// Exhausted reports whether a task has burned its retry budget; the spawner
// stops scheduling it.
func (p *Pool) Exhausted(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries[taskID] > MaxRetries
}

// AbortAll signals every live session and waits for their readers to drain.
func (p *Pool) AbortAll(timeout time.Duration) int {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*agent.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Abort()
	}
	deadline := time.After(timeout)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			return len(sessions)
		}
	}
	return len(sessions)
}
