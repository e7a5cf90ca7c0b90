package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/service"
)

func (t *Toolset) taskTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("task_get",
				mcp.WithDescription("Load a task with its dependency edges."),
				mcp.WithString("task_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.Get(ctx, id)
			}),
		},
		{
			Tool: mcp.NewTool("task_set_plan",
				mcp.WithDescription("Store the serialized per-task plan."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("plan", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				plan, err := req.RequireString("plan")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.SetPlan(ctx, id, plan)
			}),
		},
		{
			Tool: mcp.NewTool("task_update_status",
				mcp.WithDescription("Apply a task transition. completed requires outcome; failed requires error."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("status", mcp.Required(), mcp.Enum("pending", "blocked", "planning",
					"in_progress", "completed", "failed", "paused", "skipped")),
				mcp.WithString("outcome"),
				mcp.WithString("error"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				status, err := req.RequireString("status")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.UpdateStatus(ctx, id, status, service.UpdateStatusOpts{
					Outcome: req.GetString("outcome", ""),
					Error:   req.GetString("error", ""),
				})
			}),
		},
		{
			Tool: mcp.NewTool("task_replan",
				mcp.WithDescription("Install a fresh plan on a failed or in-progress task."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("plan", mcp.Required()),
				mcp.WithString("reason"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				plan, err := req.RequireString("plan")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.Replan(ctx, id, plan, req.GetString("reason", "replanned"))
			}),
		},
		{
			Tool: mcp.NewTool("task_claim",
				mcp.WithDescription("Atomically claim a task for an agent. A lost race returns success=false."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("agent_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				agentID, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.Claim(ctx, taskID, agentID)
			}),
		},
		{
			Tool: mcp.NewTool("task_release",
				mcp.WithDescription("Release a claim held by an agent."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("agent_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				agentID, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.Release(ctx, taskID, agentID)
			}),
		},
		{
			Tool: mcp.NewTool("task_get_available",
				mcp.WithDescription("List unblocked, unassigned tasks for a workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithNumber("limit"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if _, err := t.svcs.Workflows.Get(ctx, id, false); err != nil {
					return nil, err
				}
				tasks, err := t.svcs.Tasks.Available(ctx, id, req.GetInt("limit", 0))
				if err != nil {
					return nil, err
				}
				return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("task_check_dependencies",
				mcp.WithDescription("Report whether a task's dependencies are satisfied."),
				mcp.WithString("task_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Tasks.CheckDependencies(ctx, id)
			}),
		},
		{
			Tool: mcp.NewTool("task_load_context",
				mcp.WithDescription("Load a task's context blob, its source task's outcome, and recent checkpoints."),
				mcp.WithString("task_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				task, err := t.svcs.Tasks.Get(ctx, id)
				if err != nil {
					return nil, err
				}
				out := map[string]any{
					"task_id": task.ID,
					"context": task.Context,
				}
				if task.ContextFrom != "" {
					if src, err := t.svcs.Tasks.Get(ctx, task.ContextFrom); err == nil {
						out["context_from"] = map[string]string{
							"task_id": src.ID,
							"name":    src.Name,
							"outcome": src.Outcome,
						}
					}
				}
				cps, err := t.svcs.Checkpoints.List(ctx, id, service.CheckpointFilter{Limit: 20})
				if err != nil {
					return nil, err
				}
				out["checkpoints"] = cps
				return out, nil
			}),
		},
		{
			Tool: mcp.NewTool("task_assign_workspace",
				mcp.WithDescription("Bind a task to a workspace in the same workflow."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("workspace_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				workspaceID, err := req.RequireString("workspace_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.svcs.Workspaces.AssignTask(ctx, workspaceID, taskID); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
	}
}
