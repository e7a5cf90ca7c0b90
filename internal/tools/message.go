package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/service"
)

func (t *Toolset) messageTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("message_send",
				mcp.WithDescription("Send a durable message. body may be a string or a JSON value."),
				mcp.WithString("sender_id", mcp.Required()),
				mcp.WithString("recipient_id", mcp.Required()),
				mcp.WithString("message_type",
					mcp.Enum("task_assignment", "status_update", "query", "response", "broadcast")),
				mcp.WithString("subject"),
				mcp.WithString("body"),
				mcp.WithString("priority", mcp.Enum("low", "normal", "high", "urgent")),
				mcp.WithString("workflow_id"),
				mcp.WithString("task_id"),
				mcp.WithString("reply_to_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				senderID, err := req.RequireString("sender_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				recipientID, err := req.RequireString("recipient_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Messages.Send(ctx, service.SendParams{
					SenderID:    senderID,
					RecipientID: recipientID,
					MessageType: req.GetString("message_type", ""),
					Subject:     req.GetString("subject", ""),
					Body:        req.GetArguments()["body"],
					Priority:    req.GetString("priority", ""),
					WorkflowID:  req.GetString("workflow_id", ""),
					TaskID:      req.GetString("task_id", ""),
					ReplyToID:   req.GetString("reply_to_id", ""),
				})
			}),
		},
		{
			Tool: mcp.NewTool("message_broadcast",
				mcp.WithDescription("Send a broadcast to every online or busy agent except the sender."),
				mcp.WithString("sender_id", mcp.Required()),
				mcp.WithString("subject"),
				mcp.WithString("body"),
				mcp.WithString("priority", mcp.Enum("low", "normal", "high", "urgent")),
				mcp.WithString("workflow_id"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				senderID, err := req.RequireString("sender_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				msgs, err := t.svcs.Messages.Broadcast(ctx, service.SendParams{
					SenderID:   senderID,
					Subject:    req.GetString("subject", ""),
					Body:       req.GetArguments()["body"],
					Priority:   req.GetString("priority", ""),
					WorkflowID: req.GetString("workflow_id", ""),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"messages": msgs, "count": len(msgs)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("message_list",
				mcp.WithDescription("List an agent's messages."),
				mcp.WithString("agent_id", mcp.Required()),
				mcp.WithString("status", mcp.Enum("unread", "read", "archived")),
				mcp.WithArray("types"),
				mcp.WithString("workflow_id"),
				mcp.WithString("task_id"),
				mcp.WithNumber("limit"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				agentID, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				msgs, err := t.svcs.Messages.List(ctx, agentID, service.MessageFilter{
					Status:     req.GetString("status", ""),
					Types:      req.GetStringSlice("types", nil),
					WorkflowID: req.GetString("workflow_id", ""),
					TaskID:     req.GetString("task_id", ""),
					Limit:      req.GetInt("limit", 0),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"messages": msgs, "count": len(msgs)}, nil
			}),
		},
		{
			Tool: mcp.NewTool("message_get",
				mcp.WithDescription("Load a message, optionally marking it read."),
				mcp.WithString("message_id", mcp.Required()),
				mcp.WithBoolean("mark_read"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("message_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				return t.svcs.Messages.Get(ctx, id, req.GetBool("mark_read", false))
			}),
		},
		{
			Tool: mcp.NewTool("message_mark_read",
				mcp.WithDescription("Mark a message read."),
				mcp.WithString("message_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("message_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.svcs.Messages.MarkRead(ctx, id); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("message_archive",
				mcp.WithDescription("Archive a message."),
				mcp.WithString("message_id", mcp.Required()),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("message_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				if err := t.svcs.Messages.Archive(ctx, id); err != nil {
					return nil, err
				}
				return ok, nil
			}),
		},
		{
			Tool: mcp.NewTool("message_count_unread",
				mcp.WithDescription("Count unread messages, optionally by priority."),
				mcp.WithString("agent_id", mcp.Required()),
				mcp.WithArray("priorities"),
			),
			Handler: handle(func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				agentID, err := req.RequireString("agent_id")
				if err != nil {
					return nil, core.ErrInvalidInput(err.Error())
				}
				n, err := t.svcs.Messages.CountUnread(ctx, agentID,
					req.GetStringSlice("priorities", nil))
				if err != nil {
					return nil, err
				}
				return map[string]int{"unread": n}, nil
			}),
		},
	}
}
