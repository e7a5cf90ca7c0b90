package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/service"
	"github.com/travisgalloway/caw/internal/spawner"
)

// taskSpecsFromArgs decodes a "tasks" argument into task specs.
func taskSpecsFromArgs(req mcp.CallToolRequest) ([]core.TaskSpec, error) {
	raw, okArg := req.GetArguments()["tasks"]
	if !okArg {
		return nil, core.ErrInvalidInput("tasks is required")
	}
	items, okArg := raw.([]any)
	if !okArg {
		return nil, core.ErrInvalidInput("tasks must be an array of task specs")
	}
	specs := make([]core.TaskSpec, 0, len(items))
	for _, item := range items {
		m, okItem := item.(map[string]any)
		if !okItem {
			return nil, core.ErrInvalidInput("each task spec must be an object")
		}
		spec := core.TaskSpec{}
		if v, okField := m["name"].(string); okField {
			spec.Name = v
		}
		if v, okField := m["description"].(string); okField {
			spec.Description = v
		}
		if v, okField := m["parallel_group"].(string); okField {
			spec.ParallelGroup = v
		}
		if deps, okField := m["depends_on"].([]any); okField {
			for _, d := range deps {
				if name, okDep := d.(string); okDep {
					spec.DependsOn = append(spec.DependsOn, name)
				}
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

//nolint:gocyclo // One registration table per family keeps the surface greppable.
func (t *Toolset) workflowTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("workflow_create",
				mcp.WithDescription("Create a workflow in planning status."),
				mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
				mcp.WithString("source", mcp.Enum("prompt", "github_issue", "linear", "jira", "custom")),
				mcp.WithString("source_ref", mcp.Description("Reference into the source system")),
				mcp.WithString("source_content", mcp.Description("Raw source content")),
				mcp.WithNumber("max_parallel_tasks", mcp.Description("Concurrency cap, >= 1")),
				mcp.WithBoolean("auto_create_workspaces"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				name, err := req.RequireString("name")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Workflows.Create(ctx, service.CreateWorkflowParams{
					Name:                 name,
					Source:               req.GetString("source", ""),
					SourceRef:            req.GetString("source_ref", ""),
					SourceContent:        req.GetString("source_content", ""),
					MaxParallelTasks:     req.GetInt("max_parallel_tasks", 0),
					AutoCreateWorkspaces: req.GetBool("auto_create_workspaces", false),
				})
			}),
		},
		{
			Tool: mcp.NewTool("workflow_get",
				mcp.WithDescription("Load a workflow, optionally with its tasks."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithBoolean("include_tasks"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Workflows.Get(ctx, id, req.GetBool("include_tasks", false))
			}),
		},
		{
			Tool: mcp.NewTool("workflow_list",
				mcp.WithDescription("List workflows, newest update first."),
				mcp.WithString("status", mcp.Enum("planning", "ready", "in_progress", "paused",
					"completed", "awaiting_merge", "failed", "cancelled")),
				mcp.WithNumber("limit"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				workflows, err := t.svcs.Workflows.List(ctx, service.ListFilter{
					Status: req.GetString("status", ""),
					Limit:  req.GetInt("limit", 0),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"workflows": workflows, "count": len(workflows)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_set_plan",
				mcp.WithDescription("Install the task plan and move the workflow from planning to ready."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("summary"),
				mcp.WithArray("tasks", mcp.Required(),
					mcp.Description("Task specs: {name, description?, parallel_group?, depends_on?}")),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				specs, err := taskSpecsFromArgs(req)
				if err != nil {
					return nil, err
				}
				return t.svcs.Workflows.SetPlan(ctx, id, req.GetString("summary", ""), specs)
			}),
		},
		{
			Tool: mcp.NewTool("workflow_update_status",
				mcp.WithDescription("Apply a workflow state-machine transition."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("status", mcp.Required(), mcp.Enum("planning", "ready", "in_progress",
					"paused", "completed", "awaiting_merge", "failed", "cancelled")),
				mcp.WithString("reason"),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				status, err := req.RequireString("status")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				return t.svcs.Workflows.UpdateStatus(ctx, id, status, req.GetString("reason", ""))
			}),
		},
		{
			Tool: mcp.NewTool("workflow_set_parallelism",
				mcp.WithDescription("Update max_parallel_tasks."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithNumber("max_parallel_tasks", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				wf, err := t.svcs.Workflows.SetParallelism(ctx, id, req.GetInt("max_parallel_tasks", 0))
				if err != nil {
					return nil, err
				}
				// A running spawner picks the new cap up immediately.
				if sp, err := t.registry.Get(id); err == nil {
					if err := sp.SetMaxAgents(ctx, wf.MaxParallelTasks); err != nil &&
						!core.IsCode(err, core.CodeNotRunning) {
						return nil, err
					}
				}
				return wf, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_get_summary",
				mcp.WithDescription("Render the workflow and task statuses as text or markdown."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("format", mcp.Enum("text", "markdown")),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				summary, err := t.svcs.Workflows.Summary(ctx, id, req.GetString("format", "text"))
				if err != nil {
					return nil, err
				}
				return map[string]string{"summary": summary}, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_lock",
				mcp.WithDescription("Acquire the exclusive writer lock for a session."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("session_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				sessionID, err := req.RequireString("session_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Locks.Lock(ctx, id, sessionID)
			}),
		},
		{
			Tool: mcp.NewTool("workflow_unlock",
				mcp.WithDescription("Release the writer lock held by a session."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("session_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				sessionID, err := req.RequireString("session_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Locks.Unlock(ctx, id, sessionID)
			}),
		},
		{
			Tool: mcp.NewTool("workflow_lock_info",
				mcp.WithDescription("Report the current lock holder, if any."),
				mcp.WithString("workflow_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				lock, err := t.svcs.Locks.GetLockInfo(ctx, id)
				if err != nil {
					return nil, err
				}
				if lock == nil {
					return map[string]any{"locked": false}, nil
				}
				return map[string]any{"locked": true, "lock": lock}, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_add_repository",
				mcp.WithDescription("Associate a repository with the workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("repository_id", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				repoID, err := req.RequireString("repository_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				if err := t.svcs.Workflows.AddRepository(ctx, id, repoID); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_remove_repository",
				mcp.WithDescription("Detach a repository from the workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("repository_id", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				repoID, err := req.RequireString("repository_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				if err := t.svcs.Workflows.RemoveRepository(ctx, id, repoID); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_list_repositories",
				mcp.WithDescription("List repositories associated with the workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				repos, err := t.svcs.Workflows.ListRepositories(ctx, id)
				if err != nil {
					return nil, err
				}
				return map[string]any{"repositories": repos, "count": len(repos)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_add_task",
				mcp.WithDescription("Append one task to the plan."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("name", mcp.Required()),
				mcp.WithString("description"),
				mcp.WithString("parallel_group"),
				mcp.WithArray("depends_on", mcp.Description("Names of tasks this one depends on")),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				name, err := req.RequireString("name")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				return t.svcs.Workflows.AddTask(ctx, id, core.TaskSpec{
					Name:          name,
					Description:   req.GetString("description", ""),
					ParallelGroup: req.GetString("parallel_group", ""),
					DependsOn:     req.GetStringSlice("depends_on", nil),
				})
			}),
		},
		{
			Tool: mcp.NewTool("workflow_remove_task",
				mcp.WithDescription("Delete a removable task from the plan."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				if err := t.svcs.Workflows.RemoveTask(ctx, id, taskID); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_replan",
				mcp.WithDescription("Replace the removable subset of the plan with new tasks."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("summary"),
				mcp.WithString("reason"),
				mcp.WithArray("tasks", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				specs, err := taskSpecsFromArgs(req)
				if err != nil {
					return nil, err
				}
				return t.svcs.Workflows.Replan(ctx, id, service.ReplanParams{
					Summary: req.GetString("summary", ""),
					Reason:  req.GetString("reason", ""),
					Tasks:   specs,
				})
			}),
		},
		{
			Tool: mcp.NewTool("workflow_start",
				mcp.WithDescription("Start executing the workflow with a detached spawner."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithNumber("max_agents"),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				maxAgents := req.GetInt("max_agents", 0)
				sp, err := t.registry.Create(id, func(cfg *spawner.Config) {
					if maxAgents > 0 {
						cfg.MaxAgents = maxAgents
					}
				})
				if err != nil {
					return nil, err
				}
				// The spawner outlives this RPC call.
				if _, err := spawner.Run(context.Background(), sp, spawner.RunOptions{Detach: true}); err != nil {
					t.registry.Remove(id)
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_suspend",
				mcp.WithDescription("Suspend execution: abort agents, pause in-flight tasks."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				sp, err := t.registry.Get(id)
				if err != nil {
					return nil, err
				}
				return sp.Suspend(ctx)
			}),
		},
		{
			Tool: mcp.NewTool("workflow_resume",
				mcp.WithDescription("Resume a paused workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("session_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.guard(ctx, req, id); err != nil {
					return nil, err
				}
				sp, err := t.registry.Get(id)
				if err != nil {
					return nil, err
				}
				if err := sp.Resume(ctx); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("workflow_execution_status",
				mcp.WithDescription("Snapshot the spawner state for a workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				sp, err := t.registry.Get(id)
				if err != nil {
					return nil, err
				}
				return sp.GetStatus(ctx)
			}),
		},
		{
			Tool: mcp.NewTool("workflow_next_tasks",
				mcp.WithDescription("List tasks eligible to run next."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithBoolean("include_failed"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if _, err := t.svcs.Workflows.Get(ctx, id, false); err != nil {
					return nil, err
				}
				return t.svcs.Tasks.NextTasks(ctx, id, req.GetBool("include_failed", true))
			}),
		},
		{
			Tool: mcp.NewTool("workflow_progress",
				mcp.WithDescription("Aggregate task counts by status."),
				mcp.WithString("workflow_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if _, err := t.svcs.Workflows.Get(ctx, id, false); err != nil {
					return nil, err
				}
				return t.svcs.Tasks.Progress(ctx, id)
			}),
		},
	}
}
