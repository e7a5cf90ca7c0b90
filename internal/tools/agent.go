package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/service"
)

func (t *Toolset) agentTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("agent_register",
				mcp.WithDescription("Register an execution principal as online."),
				mcp.WithString("name", mcp.Required()),
				mcp.WithString("runtime", mcp.Enum("claude_code", "codex", "opencode", "custom", "human")),
				mcp.WithString("role", mcp.Enum("coordinator", "worker")),
				mcp.WithArray("capabilities"),
				mcp.WithString("workflow_id"),
				mcp.WithString("workspace_path"),
				mcp.WithString("metadata"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				name, err := req.RequireString("name")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Agents.Register(ctx, service.RegisterAgentParams{
					Name:          name,
					Runtime:       req.GetString("runtime", ""),
					Role:          req.GetString("role", ""),
					Capabilities:  req.GetStringSlice("capabilities", nil),
					WorkflowID:    req.GetString("workflow_id", ""),
					WorkspacePath: req.GetString("workspace_path", ""),
					Metadata:      req.GetString("metadata", ""),
				})
			}),
		},
		{
			Tool: mcp.NewTool("agent_heartbeat",
				mcp.WithDescription("Refresh an agent's liveness timestamp."),
				mcp.WithString("agent_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.svcs.Agents.Heartbeat(ctx, id); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("agent_update",
				mcp.WithDescription("Update agent status or pointers."),
				mcp.WithString("agent_id", mcp.Required()),
				mcp.WithString("status", mcp.Enum("online", "offline", "busy")),
				mcp.WithString("current_task_id"),
				mcp.WithString("workspace_path"),
				mcp.WithString("metadata"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				p := service.UpdateAgentParams{Status: req.GetString("status", "")}
				args := req.GetArguments()
				if v, okArg := args["current_task_id"].(string); okArg {
					p.CurrentTaskID = &v
				}
				if v, okArg := args["workspace_path"].(string); okArg {
					p.WorkspacePath = &v
				}
				if v, okArg := args["metadata"].(string); okArg {
					p.Metadata = &v
				}
				return t.svcs.Agents.Update(ctx, id, p)
			}),
		},
		{
			Tool: mcp.NewTool("agent_get",
				mcp.WithDescription("Load an agent by id."),
				mcp.WithString("agent_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Agents.Get(ctx, id)
			}),
		},
		{
			Tool: mcp.NewTool("agent_list",
				mcp.WithDescription("List agents matching a filter."),
				mcp.WithString("workflow_id"),
				mcp.WithString("status", mcp.Enum("online", "offline", "busy")),
				mcp.WithString("role", mcp.Enum("coordinator", "worker")),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				agents, err := t.svcs.Agents.List(ctx, service.AgentFilter{
					WorkflowID: req.GetString("workflow_id", ""),
					Status:     req.GetString("status", ""),
					Role:       req.GetString("role", ""),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"agents": agents, "count": len(agents)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("agent_unregister",
				mcp.WithDescription("Take an agent offline and release its claimed tasks."),
				mcp.WithString("agent_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.svcs.Agents.Unregister(ctx, id); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
	}
}
