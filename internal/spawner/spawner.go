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

// Config wires one workflow spawner.
type Config struct {
	WorkflowID        string
	MaxAgents         int // defaults to workflow.max_parallel_tasks
	ChildBinary       string
	Port              int
	PermissionMode    string
	EphemeralWorktree bool
	PollInterval      time.Duration
	StaleAgentAge     time.Duration
	AbortTimeout      time.Duration
	Starter           agent.Starter
	Stagnation        agent.StagnationConfig

	// CleanWorktrees is the caller-supplied hook for removing active
	// worktrees on shutdown; git operations live outside the engine.
	CleanWorktrees func(ctx context.Context, workspaces []*core.Workspace) error
}

// meta is the spawner state persisted into workflow.config so a restarted
// daemon can resume the workflow.
type meta struct {
	MaxAgents         int    `json:"max_agents"`
	ChildBinary       string `json:"child_binary,omitempty"`
	PermissionMode    string `json:"permission_mode,omitempty"`
	EphemeralWorktree bool   `json:"ephemeral_worktree,omitempty"`
	HumanAgentID      string `json:"human_agent_id,omitempty"`
	StartedAt         int64  `json:"started_at,omitempty"`
	SuspendedAt       int64  `json:"suspended_at,omitempty"`
}

type runState string

const (
	stateIdle      runState = "idle"
	stateRunning   runState = "running"
	stateSuspended runState = "suspended"
	stateStopped   runState = "stopped"
)

// Spawner owns one workflow's pool, polling loop, and lifecycle events.
type Spawner struct {
	cfg      Config
	services *service.Services
	emitter  *events.Emitter
	pool     *Pool
	logger   *logging.Logger

	mu           sync.Mutex
	state        runState
	humanAgentID string
	startedAt    int64
	suspendedAt  int64
	notifiedQs   map[string]bool // task id -> agent_query emitted

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New builds an idle spawner for a workflow.
func New(cfg Config, svcs *service.Services, logger *logging.Logger) *Spawner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleAgentAge <= 0 {
		cfg.StaleAgentAge = 60 * time.Second
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = 10 * time.Second
	}
	return &Spawner{
		cfg:        cfg,
		services:   svcs,
		emitter:    events.NewEmitter(),
		logger:     logger.WithWorkflow(cfg.WorkflowID),
		state:      stateIdle,
		notifiedQs: make(map[string]bool),
	}
}

// Events exposes the spawner's emitter for reporters.
func (s *Spawner) Events() *events.Emitter { return s.emitter }

// WorkflowID returns the owned workflow.
func (s *Spawner) WorkflowID() string { return s.cfg.WorkflowID }

// Start validates the workflow, cleans up stale agents, opens the pool, and
// begins polling.
func (s *Spawner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		return core.NewToolError(core.CodeAlreadyRunning,
			"spawner already running for workflow "+s.cfg.WorkflowID, false)
	}
	s.mu.Unlock()

	wf, err := s.services.Workflows.Get(ctx, s.cfg.WorkflowID, false)
	if err != nil {
		return err
	}
	if !wf.Startable() {
		return core.ErrInvalidState(
			fmt.Sprintf("workflow %s is %s; start requires ready, in_progress, or paused", wf.ID, wf.Status))
	}

	if err := s.cleanupStaleAgents(ctx); err != nil {
		return err
	}

	if wf.Status != core.WorkflowStatusInProgress {
		if _, err := s.services.Workflows.UpdateStatus(ctx, wf.ID,
			string(core.WorkflowStatusInProgress), ""); err != nil {
			return err
		}
	}

	humanID, err := s.ensureHumanAgent(ctx)
	if err != nil {
		return err
	}

	maxAgents := s.cfg.MaxAgents
	if maxAgents < 1 {
		maxAgents = wf.MaxParallelTasks
	}
	poolCfg := PoolConfig{
		WorkflowID:        s.cfg.WorkflowID,
		MaxAgents:         maxAgents,
		ChildBinary:       s.cfg.ChildBinary,
		Port:              s.cfg.Port,
		PermissionMode:    s.cfg.PermissionMode,
		EphemeralWorktree: s.cfg.EphemeralWorktree,
		Starter:           s.cfg.Starter,
		Stagnation:        s.cfg.Stagnation,
	}

	now := core.NowMillis()
	s.mu.Lock()
	s.humanAgentID = humanID
	s.startedAt = now
	s.suspendedAt = 0
	s.pool = NewPool(poolCfg, s.services, s.emitter, s.logger)
	s.pool.Open()
	s.state = stateRunning
	s.mu.Unlock()

	if err := s.persistMeta(ctx); err != nil {
		return err
	}

	s.spawnBatch(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()
	go s.pollLoop(loopCtx, done)

	return nil
}

// cleanupStaleAgents releases tasks held by agents whose heartbeat lapsed
// and takes those agents offline.
func (s *Spawner) cleanupStaleAgents(ctx context.Context) error {
	stale, err := s.services.Agents.Stale(ctx, s.cfg.StaleAgentAge.Milliseconds())
	if err != nil {
		return err
	}
	for _, a := range stale {
		if a.WorkflowID != s.cfg.WorkflowID {
			continue
		}
		s.logger.Info("cleaning up stale agent", "agent_id", a.ID)
		if err := s.services.Agents.Unregister(ctx, a.ID); err != nil {
			s.logger.Warn("stale agent cleanup failed", "agent_id", a.ID, "error", err)
		}
	}
	return nil
}

// ensureHumanAgent registers (or finds) the pseudo-agent carrying operator
// Q&A for this workflow.
func (s *Spawner) ensureHumanAgent(ctx context.Context) (string, error) {
	existing, err := s.services.Agents.List(ctx, service.AgentFilter{
		WorkflowID: s.cfg.WorkflowID, Role: string(core.RoleCoordinator),
	})
	if err != nil {
		return "", err
	}
	for _, a := range existing {
		if a.Runtime == core.RuntimeHuman {
			if a.Status == core.AgentOffline {
				if _, err := s.services.Agents.Update(ctx, a.ID,
					service.UpdateAgentParams{Status: string(core.AgentOnline)}); err != nil {
					return "", err
				}
			}
			return a.ID, nil
		}
	}
	human, err := s.services.Agents.Register(ctx, service.RegisterAgentParams{
		Name:       "human",
		Runtime:    string(core.RuntimeHuman),
		Role:       string(core.RoleCoordinator),
		WorkflowID: s.cfg.WorkflowID,
	})
	if err != nil {
		return "", err
	}
	return human.ID, nil
}

func (s *Spawner) persistMeta(ctx context.Context) error {
	s.mu.Lock()
	m := meta{
		MaxAgents:         s.pool.MaxAgents(),
		ChildBinary:       s.cfg.ChildBinary,
		PermissionMode:    s.cfg.PermissionMode,
		EphemeralWorktree: s.cfg.EphemeralWorktree,
		HumanAgentID:      s.humanAgentID,
		StartedAt:         s.startedAt,
		SuspendedAt:       s.suspendedAt,
	}
	s.mu.Unlock()
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling spawner metadata: %w", err)
	}
	return s.services.Workflows.UpdateConfig(ctx, s.cfg.WorkflowID, string(b))
}

// pollLoop drives scheduling every PollInterval until completion, stall, or
// cancellation.
func (s *Spawner) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if finished := s.pollOnce(ctx); finished {
				return
			}
		}
	}
}

// pollOnce runs one scheduling pass. Returns true when the loop should
// stop.
func (s *Spawner) pollOnce(ctx context.Context) bool {
	wf, err := s.services.Workflows.Get(ctx, s.cfg.WorkflowID, false)
	if err != nil {
		s.logger.Warn("workflow load failed", "error", err)
		return false
	}
	switch wf.Status {
	case core.WorkflowStatusFailed:
		// An operator or a fatal error failed the workflow out from under
		// the spawner.
		s.pool.AbortAll(s.cfg.AbortTimeout)
		s.emitter.Emit(events.Event{
			Kind: events.WorkflowFailed, WorkflowID: s.cfg.WorkflowID,
			Reason: "workflow transitioned to failed",
		})
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return true
	case core.WorkflowStatusCancelled:
		s.pool.AbortAll(s.cfg.AbortTimeout)
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return true
	}

	next, err := s.services.Tasks.NextTasks(ctx, s.cfg.WorkflowID, true)
	if err != nil {
		s.logger.Warn("next-task query failed", "error", err)
		return false
	}

	if next.AllComplete {
		s.classifyCompletion(ctx)
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return true
	}

	runnable := s.filterExhausted(next.Tasks)

	tasks, err := s.services.Tasks.ListByWorkflow(ctx, s.cfg.WorkflowID)
	if err != nil {
		s.logger.Warn("task list failed", "error", err)
		return false
	}

	s.detectQueries(ctx, tasks)
	s.resumeAnswered(ctx, tasks)

	inProgress, paused := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case core.TaskStatusInProgress, core.TaskStatusPlanning:
			inProgress++
		case core.TaskStatusPaused:
			paused++
		}
	}

	if s.pool.ActiveCount() == 0 && len(runnable) == 0 && inProgress == 0 && paused == 0 {
		s.logger.Warn("workflow stalled: no agents, no runnable tasks")
		s.emitter.Emit(events.Event{
			Kind: events.WorkflowStalled, WorkflowID: s.cfg.WorkflowID,
			Reason: "no active agents and no runnable tasks",
		})
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return true
	}

	s.spawnBatch(ctx)
	return false
}

// detectQueries emits agent_query once per paused task with an unread
// operator question.
func (s *Spawner) detectQueries(ctx context.Context, tasks []*core.Task) {
	s.mu.Lock()
	humanID := s.humanAgentID
	s.mu.Unlock()
	if humanID == "" {
		return
	}
	for _, t := range tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		s.mu.Lock()
		seen := s.notifiedQs[t.ID]
		s.mu.Unlock()
		if seen {
			continue
		}
		msgs, err := s.services.Messages.List(ctx, humanID, service.MessageFilter{
			Status: string(core.MessageUnread),
			Types:  []string{string(core.MessageQuery)},
			TaskID: t.ID,
		})
		if err != nil {
			s.logger.Warn("query scan failed", "task_id", t.ID, "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		s.mu.Lock()
		s.notifiedQs[t.ID] = true
		s.mu.Unlock()
		// Paused tasks carry no assignment; the asking agent is the
		// query's sender.
		s.emitter.Emit(events.Event{
			Kind: events.AgentQuery, WorkflowID: s.cfg.WorkflowID,
			TaskID: t.ID, AgentID: msgs[0].SenderID,
			Reason: msgs[0].Body,
		})
	}
}

// resumeAnswered moves answered paused tasks back to in_progress, clears
// their assignment, and spawns a fresh agent carrying the answer.
func (s *Spawner) resumeAnswered(ctx context.Context, tasks []*core.Task) {
	for _, t := range tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		msgs, err := s.services.Messages.ListForTask(ctx, t.ID)
		if err != nil {
			s.logger.Warn("answer scan failed", "task_id", t.ID, "error", err)
			continue
		}
		answer := ""
		answered := false
		for _, m := range msgs {
			if m.MessageType == core.MessageResponse && m.Status == core.MessageUnread {
				answered = true
				answer = m.Body
				if err := s.services.Messages.MarkRead(ctx, m.ID); err != nil {
					s.logger.Warn("marking answer read failed", "message_id", m.ID, "error", err)
				}
			}
		}
		if !answered {
			continue
		}

		// The paused task is already unassigned; moving it back to
		// in_progress re-emits it as claimable.
		if _, err := s.services.Tasks.UpdateStatus(ctx, t.ID,
			string(core.TaskStatusInProgress), service.UpdateStatusOpts{}); err != nil {
			s.logger.Warn("resuming answered task failed", "task_id", t.ID, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.notifiedQs, t.ID)
		s.mu.Unlock()

		fresh, err := s.services.Tasks.Get(ctx, t.ID)
		if err != nil {
			continue
		}
		if err := s.pool.Spawn(ctx, fresh, answer); err != nil {
			s.logger.Warn("respawn after answer failed", "task_id", t.ID, "error", err)
		}
	}
}

// filterExhausted drops tasks whose retry budget is spent.
func (s *Spawner) filterExhausted(tasks []*core.Task) []*core.Task {
	out := tasks[:0:len(tasks)]
	for _, t := range tasks {
		if !s.pool.Exhausted(t.ID) {
			out = append(out, t)
		}
	}
	return out
}

// spawnBatch fills remaining pool capacity: next tasks first, then
// unassigned in_progress tasks left claimable by a resume.
func (s *Spawner) spawnBatch(ctx context.Context) {
	next, err := s.services.Tasks.NextTasks(ctx, s.cfg.WorkflowID, true)
	if err != nil {
		s.logger.Warn("next-task query failed", "error", err)
		return
	}
	batch := s.filterExhausted(next.Tasks)

	all, err := s.services.Tasks.ListByWorkflow(ctx, s.cfg.WorkflowID)
	if err != nil {
		s.logger.Warn("task list failed", "error", err)
		return
	}
	for _, t := range all {
		if t.Status == core.TaskStatusInProgress && t.AssignedAgentID == "" && !s.pool.Exhausted(t.ID) {
			batch = append(batch, t)
		}
	}

	for _, t := range batch {
		if !s.pool.HasCapacity() {
			return
		}
		if err := s.pool.Spawn(ctx, t, ""); err != nil {
			s.logger.Warn("spawn failed", "task_id", t.ID, "error", err)
		}
	}
}

// classifyCompletion ends the workflow: awaiting_merge when any workspace
// carries a PR URL, completed otherwise.
func (s *Spawner) classifyCompletion(ctx context.Context) {
	workspaces, err := s.services.Workspaces.List(ctx, s.cfg.WorkflowID)
	if err != nil {
		s.logger.Warn("workspace scan failed", "error", err)
	}
	var prURLs []string
	for _, ws := range workspaces {
		if ws.PRURL != "" {
			prURLs = append(prURLs, ws.PRURL)
		}
	}

	if len(prURLs) > 0 {
		if _, err := s.services.Workflows.UpdateStatus(ctx, s.cfg.WorkflowID,
			string(core.WorkflowStatusAwaitingMerge), ""); err != nil {
			s.logger.Warn("awaiting_merge transition failed", "error", err)
		}
		s.emitter.Emit(events.Event{
			Kind: events.WorkflowAwaitingMerge, WorkflowID: s.cfg.WorkflowID, PRURLs: prURLs,
		})
		return
	}

	if _, err := s.services.Workflows.UpdateStatus(ctx, s.cfg.WorkflowID,
		string(core.WorkflowStatusCompleted), ""); err != nil {
		s.logger.Warn("completed transition failed", "error", err)
	}
	s.emitter.Emit(events.Event{
		Kind: events.WorkflowAllComplete, WorkflowID: s.cfg.WorkflowID,
	})
}

// SuspendResult reports a suspend call.
type SuspendResult struct {
	Success       bool `json:"success"`
	AgentsStopped int  `json:"agents_stopped"`
}

// Suspend stops polling, aborts sessions, pauses in-flight tasks, and moves
// the workflow to paused.
func (s *Spawner) Suspend(ctx context.Context) (*SuspendResult, error) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil, core.NewToolError(core.CodeNotRunning,
			"spawner is not running for workflow "+s.cfg.WorkflowID, false)
	}
	s.state = stateSuspended
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Pause in-flight tasks before aborting so session teardown sees them
	// as paused rather than resetting them to pending.
	tasks, err := s.services.Tasks.ListByWorkflow(ctx, s.cfg.WorkflowID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == core.TaskStatusInProgress || t.Status == core.TaskStatusPlanning {
			if _, err := s.services.Tasks.UpdateStatus(ctx, t.ID,
				string(core.TaskStatusPaused), service.UpdateStatusOpts{}); err != nil {
				s.logger.Warn("pausing task failed", "task_id", t.ID, "error", err)
			}
		}
	}

	stopped := s.pool.AbortAll(s.cfg.AbortTimeout)

	if _, err := s.services.Workflows.UpdateStatus(ctx, s.cfg.WorkflowID,
		string(core.WorkflowStatusPaused), ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.suspendedAt = core.NowMillis()
	s.mu.Unlock()
	if err := s.persistMeta(ctx); err != nil {
		s.logger.Warn("persisting suspend metadata failed", "error", err)
	}

	s.logger.Info("workflow suspended", "agents_stopped", stopped)
	return &SuspendResult{Success: true, AgentsStopped: stopped}, nil
}

// Resume moves the workflow and its paused tasks back to in_progress
// (unassigned, so they are claimable), re-opens the pool, and restarts
// polling.
func (s *Spawner) Resume(ctx context.Context) error {
	wf, err := s.services.Workflows.Get(ctx, s.cfg.WorkflowID, false)
	if err != nil {
		return err
	}
	if wf.Status != core.WorkflowStatusPaused {
		return core.NewToolError(core.CodeNotSuspended,
			fmt.Sprintf("workflow %s is %s, not paused", wf.ID, wf.Status), false)
	}

	if _, err := s.services.Workflows.UpdateStatus(ctx, wf.ID,
		string(core.WorkflowStatusInProgress), ""); err != nil {
		return err
	}

	tasks, err := s.services.Tasks.ListByWorkflow(ctx, s.cfg.WorkflowID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != core.TaskStatusPaused {
			continue
		}
		if _, err := s.services.Tasks.UpdateStatus(ctx, t.ID,
			string(core.TaskStatusInProgress), service.UpdateStatusOpts{}); err != nil {
			s.logger.Warn("resuming task failed", "task_id", t.ID, "error", err)
		}
	}

	s.mu.Lock()
	if s.pool == nil {
		s.mu.Unlock()
		return core.NewToolError(core.CodeNotRunning,
			"spawner has no pool for workflow "+s.cfg.WorkflowID, false)
	}
	s.pool.Open()
	s.state = stateRunning
	s.suspendedAt = 0
	s.notifiedQs = make(map[string]bool)
	s.mu.Unlock()

	// Resumed tasks are in_progress and unassigned; spawnBatch picks them
	// up alongside any newly unblocked work.
	s.spawnBatch(ctx)

	if err := s.persistMeta(ctx); err != nil {
		s.logger.Warn("persisting resume metadata failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()
	go s.pollLoop(loopCtx, done)

	return nil
}

// Shutdown stops polling, aborts sessions, and best-effort cleans active
// worktrees unless the workflow is awaiting external merge.
func (s *Spawner) Shutdown(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.loopDone
	s.state = stateStopped
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s.pool != nil {
		s.pool.AbortAll(s.cfg.AbortTimeout)
	}

	wf, err := s.services.Workflows.Get(ctx, s.cfg.WorkflowID, false)
	if err != nil || wf.Status == core.WorkflowStatusAwaitingMerge {
		return
	}
	if s.cfg.CleanWorktrees == nil {
		return
	}
	workspaces, err := s.services.Workspaces.List(ctx, s.cfg.WorkflowID)
	if err != nil {
		return
	}
	var active []*core.Workspace
	for _, ws := range workspaces {
		if ws.Status == core.WorkspaceActive {
			active = append(active, ws)
		}
	}
	if len(active) > 0 {
		if err := s.cfg.CleanWorktrees(ctx, active); err != nil {
			s.logger.Warn("worktree cleanup failed", "error", err)
		}
	}
}

// Status is the execution snapshot returned by workflow_execution_status.
type Status struct {
	WorkflowID  string            `json:"workflow_id"`
	State       string            `json:"status"`
	Agents      []string          `json:"agents"`
	Progress    *service.Progress `json:"progress,omitempty"`
	StartedAt   int64             `json:"started_at,omitempty"`
	SuspendedAt int64             `json:"suspended_at,omitempty"`
	MaxAgents   int               `json:"max_agents"`
}

// GetStatus snapshots the spawner.
func (s *Spawner) GetStatus(ctx context.Context) (*Status, error) {
	progress, err := s.services.Tasks.Progress(ctx, s.cfg.WorkflowID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Status{
		WorkflowID:  s.cfg.WorkflowID,
		State:       string(s.state),
		Progress:    progress,
		StartedAt:   s.startedAt,
		SuspendedAt: s.suspendedAt,
	}
	if s.pool != nil {
		st.Agents = s.pool.AgentIDs()
		st.MaxAgents = s.pool.MaxAgents()
	}
	return st, nil
}

// SetMaxAgents updates the pool cap and persists it.
func (s *Spawner) SetMaxAgents(ctx context.Context, n int) error {
	if n < 1 {
		return core.ErrInvalidInput("max_agents must be >= 1")
	}
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return core.NewToolError(core.CodeNotRunning,
			"spawner is not running for workflow "+s.cfg.WorkflowID, false)
	}
	pool.SetMaxAgents(n)
	return s.persistMeta(ctx)
}

// Running reports whether the polling loop is live.
func (s *Spawner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}
