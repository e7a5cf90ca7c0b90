// Package tools declares the daemon's RPC tool surface: 56 operations in
// entity_action form, each with a typed input schema and a handler returning
// JSON. A common harness maps service errors to the structured tool-error
// shape; tools never throw across the RPC boundary.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/travisgalloway/caw/internal/core"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/service"
	"github.com/travisgalloway/caw/internal/spawner"
)

// Toolset binds the tool handlers to their dependencies.
type Toolset struct {
	svcs     *service.Services
	registry *spawner.Registry
	logger   *logging.Logger
}

// New builds a toolset.
func New(svcs *service.Services, registry *spawner.Registry, logger *logging.Logger) *Toolset {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Toolset{svcs: svcs, registry: registry, logger: logger}
}

// Register adds every tool family to the MCP server.
func (t *Toolset) Register(s *server.MCPServer) {
	for _, family := range [][]server.ServerTool{
		t.workflowTools(),
		t.taskTools(),
		t.checkpointTools(),
		t.workspaceTools(),
		t.repositoryTools(),
		t.templateTools(),
		t.agentTools(),
		t.messageTools(),
	} {
		s.AddTools(family...)
	}
}

// handlerFunc is a tool body returning a JSON-serializable result.
type handlerFunc func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// handle wraps a tool body in the common harness: a structured ToolError is
// returned verbatim; anything else (including panics) becomes
// INTERNAL_ERROR.
func handle(fn handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = errorResult(core.ErrInternal(fmt.Errorf("panic: %v", r)))
				err = nil
			}
		}()

		out, herr := fn(ctx, req)
		if herr != nil {
			return errorResult(core.AsToolError(herr)), nil
		}
		body, merr := json.Marshal(out)
		if merr != nil {
			return errorResult(core.ErrInternal(merr)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// errorResult serializes a ToolError as the response body with the
// transport-level isError flag set.
func errorResult(te *core.ToolError) *mcp.CallToolResult {
	body, err := json.Marshal(te)
	if err != nil {
		return mcp.NewToolResultError(`{"code":"INTERNAL_ERROR","message":"error serialization failed","recoverable":false,"suggestion":""}`)
	}
	return mcp.NewToolResultError(string(body))
}

// guard runs the workflow lock check for lock-sensitive plan mutations. An
// absent session_id bypasses the guard for back-compat.
func (t *Toolset) guard(ctx context.Context, req mcp.CallToolRequest, workflowID string) error {
	sessionID := req.GetString("session_id", "")
	return t.svcs.Locks.Guard(ctx, workflowID, sessionID)
}

// okResult is the generic success body for mutations with no payload.
type okResult struct {
	Success bool `json:"success"`
}

var ok = okResult{Success: true}
