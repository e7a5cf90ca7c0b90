package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/service"
)

// Registry enforces one spawner per workflow per process. The daemon owns
// one registry and injects it wherever spawners are created or resumed.
type Registry struct {
	services *service.Services
	logger   *logging.Logger
	defaults Config

	mu       sync.Mutex
	spawners map[string]*Spawner
}

// NewRegistry builds an empty registry. defaults seed per-workflow configs
// (binary, port, permission mode, poll interval).
func NewRegistry(svcs *service.Services, defaults Config, logger *logging.Logger) *Registry {
	return &Registry{
		services: svcs,
		logger:   logger,
		defaults: defaults,
		spawners: make(map[string]*Spawner),
	}
}

// Create registers a new spawner for a workflow. ALREADY_RUNNING when one
// exists.
func (r *Registry) Create(workflowID string, override func(*Config)) (*Spawner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.spawners[workflowID]; exists {
		return nil, core.NewToolError(core.CodeAlreadyRunning,
			"a spawner is already registered for workflow "+workflowID, false)
	}
	cfg := r.defaults
	cfg.WorkflowID = workflowID
	if override != nil {
		override(&cfg)
	}
	sp := New(cfg, r.services, r.logger)
	r.spawners[workflowID] = sp
	return sp, nil
}

// Get returns the registered spawner, or NOT_RUNNING.
func (r *Registry) Get(workflowID string) (*Spawner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spawners[workflowID]
	if !ok {
		return nil, core.NewToolError(core.CodeNotRunning,
			"no spawner is registered for workflow "+workflowID, false)
	}
	return sp, nil
}

// Remove drops a spawner from the registry.
func (r *Registry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spawners, workflowID)
}

// ShutdownAll tears down every registered spawner.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	spawners := make([]*Spawner, 0, len(r.spawners))
	for _, sp := range r.spawners {
		spawners = append(spawners, sp)
	}
	r.spawners = make(map[string]*Spawner)
	r.mu.Unlock()

	for _, sp := range spawners {
		sp.Shutdown(ctx)
	}
}

// ResumeReport summarizes a resume pass.
type ResumeReport struct {
	Resumed []string          `json:"resumed"`
	Skipped []string          `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// ResumeWorkflows re-attaches to every in_progress workflow not already
// registered, reading the persisted spawner metadata from workflow.config.
// Each resumed workflow runs detached; failures are reported, not fatal.
func (r *Registry) ResumeWorkflows(ctx context.Context) (*ResumeReport, error) {
	report := &ResumeReport{Errors: make(map[string]string)}

	inProgress, err := r.services.Workflows.List(ctx, service.ListFilter{
		Status: string(core.WorkflowStatusInProgress),
	})
	if err != nil {
		return nil, fmt.Errorf("listing in-progress workflows: %w", err)
	}

	for _, wf := range inProgress {
		r.mu.Lock()
		_, registered := r.spawners[wf.ID]
		r.mu.Unlock()
		if registered {
			continue
		}
		if wf.Config == "" {
			report.Skipped = append(report.Skipped, wf.ID)
			r.logger.Warn("workflow has no spawner metadata, skipping resume", "workflow_id", wf.ID)
			continue
		}
		var m meta
		if err := json.Unmarshal([]byte(wf.Config), &m); err != nil {
			report.Skipped = append(report.Skipped, wf.ID)
			r.logger.Warn("unreadable spawner metadata, skipping resume", "workflow_id", wf.ID, "error", err)
			continue
		}

		sp, err := r.Create(wf.ID, func(cfg *Config) {
			if m.MaxAgents > 0 {
				cfg.MaxAgents = m.MaxAgents
			}
			if m.ChildBinary != "" {
				cfg.ChildBinary = m.ChildBinary
			}
			cfg.PermissionMode = m.PermissionMode
			cfg.EphemeralWorktree = m.EphemeralWorktree
		})
		if err != nil {
			report.Errors[wf.ID] = err.Error()
			continue
		}

		wfID := wf.ID
		go func() {
			if _, err := Run(ctx, sp, RunOptions{Detach: true}); err != nil {
				r.logger.Warn("workflow resume failed", "workflow_id", wfID, "error", err)
				r.Remove(wfID)
			}
		}()
		report.Resumed = append(report.Resumed, wf.ID)
		r.logger.Info("resumed workflow", "workflow_id", wf.ID)
	}

	return report, nil
}
