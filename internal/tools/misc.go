package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/service"
)

func (t *Toolset) checkpointTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("checkpoint_add",
				mcp.WithDescription("Append an immutable progress record to a task."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithString("type", mcp.Required(),
					mcp.Enum("plan", "progress", "decision", "error", "recovery", "complete", "replan")),
				mcp.WithString("summary", mcp.Required()),
				mcp.WithString("detail"),
				mcp.WithArray("files", mcp.Description("File paths touched")),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				cpType, err := req.RequireString("type")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				summary, err := req.RequireString("summary")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Checkpoints.Add(ctx, taskID, core.CheckpointType(cpType),
					summary, req.GetString("detail", ""), req.GetStringSlice("files", nil))
			}),
		},
		{
			Tool: mcp.NewTool("checkpoint_list",
				mcp.WithDescription("List a task's checkpoints in sequence order."),
				mcp.WithString("task_id", mcp.Required()),
				mcp.WithArray("types"),
				mcp.WithNumber("since_sequence"),
				mcp.WithNumber("limit"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				taskID, err := req.RequireString("task_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				cps, err := t.svcs.Checkpoints.List(ctx, taskID, service.CheckpointFilter{
					Types:         req.GetStringSlice("types", nil),
					SinceSequence: req.GetInt("since_sequence", 0),
					Limit:         req.GetInt("limit", 0),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"checkpoints": cps, "count": len(cps)}, nil
			}),
		},
	}
}

func (t *Toolset) workspaceTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("workspace_create",
				mcp.WithDescription("Record an active git worktree for a workflow."),
				mcp.WithString("workflow_id", mcp.Required()),
				mcp.WithString("path", mcp.Required()),
				mcp.WithString("branch", mcp.Required()),
				mcp.WithString("base_branch"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				workflowID, err := req.RequireString("workflow_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Workspaces.Create(ctx, service.CreateWorkspaceParams{
					WorkflowID: workflowID,
					Path:       req.GetString("path", ""),
					Branch:     req.GetString("branch", ""),
					BaseBranch: req.GetString("base_branch", ""),
				})
			}),
		},
		{
			Tool: mcp.NewTool("workspace_update",
				mcp.WithDescription("Update workspace status or PR metadata. merged requires merge_commit."),
				mcp.WithString("workspace_id", mcp.Required()),
				mcp.WithString("status", mcp.Enum("active", "merged", "abandoned")),
				mcp.WithString("pr_url"),
				mcp.WithString("merge_commit"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("workspace_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				p := service.UpdateWorkspaceParams{Status: req.GetString("status", "")}
				if v, okArg := req.GetArguments()["pr_url"].(string); okArg {
					p.PRURL = &v
				}
				if v, okArg := req.GetArguments()["merge_commit"].(string); okArg {
					p.MergeCommit = &v
				}
				return t.svcs.Workspaces.Update(ctx, id, p)
			}),
		},
		{
			Tool: mcp.NewTool("workspace_list",
				mcp.WithDescription("List workspaces, optionally for one workflow."),
				mcp.WithString("workflow_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				workspaces, err := t.svcs.Workspaces.List(ctx, req.GetString("workflow_id", ""))
				if err != nil {
					return nil, err
				}
				return map[string]any{"workspaces": workspaces, "count": len(workspaces)}, nil
			}),
		},
	}
}

func (t *Toolset) repositoryTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("repository_register",
				mcp.WithDescription("Register a repository path. Idempotent: the same path returns the same record."),
				mcp.WithString("path", mcp.Required()),
				mcp.WithString("name"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				return t.svcs.Repositories.Register(ctx,
					req.GetString("path", ""), req.GetString("name", ""))
			}),
		},
		{
			Tool: mcp.NewTool("repository_list",
				mcp.WithDescription("List registered repositories."),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				repos, err := t.svcs.Repositories.List(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"repositories": repos, "count": len(repos)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("repository_get",
				mcp.WithDescription("Load a repository by id or path."),
				mcp.WithString("repository_id"),
				mcp.WithString("path"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				if id := req.GetString("repository_id", ""); id != "" {
					return t.svcs.Repositories.Get(ctx, id)
				}
				if path := req.GetString("path", ""); path != "" {
					return t.svcs.Repositories.GetByPath(ctx, path)
				}
				return nil, core.NewToolError(core.CodeMissingRepoPath,
					"repository_id or path is required", true)
			}),
		},
	}
}

func (t *Toolset) templateTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("template_create",
				mcp.WithDescription("Store a reusable plan, from explicit specs or an existing workflow."),
				mcp.WithString("name", mcp.Required()),
				mcp.WithString("description"),
				mcp.WithArray("tasks"),
				mcp.WithArray("variables", mcp.Description("Variable names substituted by template_apply")),
				mcp.WithString("from_workflow_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				name, err := req.RequireString("name")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				p := service.CreateTemplateParams{
					Name:           name,
					Description:    req.GetString("description", ""),
					Variables:      req.GetStringSlice("variables", nil),
					FromWorkflowID: req.GetString("from_workflow_id", ""),
				}
				if _, hasTasks := req.GetArguments()["tasks"]; hasTasks {
					specs, err := taskSpecsFromArgs(req)
					if err != nil {
						return nil, err
					}
					p.Tasks = specs
				}
				return t.svcs.Templates.Create(ctx, p)
			}),
		},
		{
			Tool: mcp.NewTool("template_list",
				mcp.WithDescription("List stored templates."),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				templates, err := t.svcs.Templates.List(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"templates": templates, "count": len(templates)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("template_apply",
				mcp.WithDescription("Instantiate a workflow from a template, substituting {{var}} placeholders."),
				mcp.WithString("template_id", mcp.Required()),
				mcp.WithString("workflow_name"),
				mcp.WithObject("variables", mcp.Description("Values for the template's variables")),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				templateID, err := req.RequireString("template_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				variables := make(map[string]string)
				if raw, okArg := req.GetArguments()["variables"].(map[string]any); okArg {
					for k, v := range raw {
						if s, okVal := v.(string); okVal {
							variables[k] = s
						}
					}
				}
				return t.svcs.Templates.Apply(ctx, templateID,
					req.GetString("workflow_name", ""), variables)
			}),
		},
	}
}
