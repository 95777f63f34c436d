package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/agentengine/internal/domain/audit"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	userArg := mcplib.WithString("user_id",
		mcplib.Required(),
		mcplib.Description("The user the request is made for"),
	)
	executionArg := mcplib.WithString("execution_id",
		mcplib.Required(),
		mcplib.Description("The execution ID"),
	)

	s.mcpServer.AddTools(
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("get_execution_state",
				mcplib.WithDescription("Get the current state and step ledger of an execution"),
				executionArg, userArg,
			),
			Handler: s.handleGetExecutionState,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("list_checkpoints",
				mcplib.WithDescription("List the checkpoints of an execution, newest first"),
				executionArg, userArg,
			),
			Handler: s.handleListCheckpoints,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("get_timeline",
				mcplib.WithDescription("Reconstruct the ordered event timeline of an execution with statistics"),
				executionArg, userArg,
			),
			Handler: s.handleGetTimeline,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("compare_executions",
				mcplib.WithDescription("Diff the steps of two executions"),
				mcplib.WithString("left_id", mcplib.Required(), mcplib.Description("The baseline execution ID")),
				mcplib.WithString("right_id", mcplib.Required(), mcplib.Description("The execution to compare against the baseline")),
				userArg,
			),
			Handler: s.handleCompareExecutions,
		},
		mcpserver.ServerTool{
			Tool: mcplib.NewTool("query_audit_logs",
				mcplib.WithDescription("Query the audit trail of a user, newest first"),
				userArg,
				mcplib.WithString("execution_id", mcplib.Description("Only entries of this execution")),
				mcplib.WithString("category", mcplib.Description("execution, step, hook, safety, checkpoint, budget or tool_call")),
				mcplib.WithString("severity", mcplib.Description("info, warning, error or critical")),
				mcplib.WithString("action", mcplib.Description("Exact action name")),
				mcplib.WithNumber("limit", mcplib.Description("Page size")),
				mcplib.WithNumber("offset", mcplib.Description("Entries to skip")),
				mcplib.WithString("cursor", mcplib.Description("next_cursor of the previous page")),
			),
			Handler: s.handleQueryAuditLogs,
		},
	)
}

func (s *Server) handleGetExecutionState(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Executions == nil {
		return mcplib.NewToolResultError("execution reader not configured"), nil
	}
	id, userID, errRes := executionArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	e, err := s.deps.Executions.GetState(ctx, id, userID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get execution "+id, err), nil
	}
	return jsonResult(e)
}

func (s *Server) handleListCheckpoints(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Executions == nil {
		return mcplib.NewToolResultError("execution reader not configured"), nil
	}
	id, userID, errRes := executionArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	cps, err := s.deps.Executions.ListCheckpoints(ctx, id, userID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list checkpoints of "+id, err), nil
	}
	return jsonResult(cps)
}

func (s *Server) handleGetTimeline(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Replay == nil {
		return mcplib.NewToolResultError("replay not configured"), nil
	}
	id, userID, errRes := executionArgs(req)
	if errRes != nil {
		return errRes, nil
	}
	tl, err := s.deps.Replay.Timeline(ctx, id, userID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to build timeline of "+id, err), nil
	}
	return jsonResult(tl)
}

func (s *Server) handleCompareExecutions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Replay == nil {
		return mcplib.NewToolResultError("replay not configured"), nil
	}
	left, lerr := req.RequireString("left_id")
	right, rerr := req.RequireString("right_id")
	userID, uerr := req.RequireString("user_id")
	if lerr != nil || rerr != nil || uerr != nil || left == "" || right == "" || userID == "" {
		return mcplib.NewToolResultError("left_id, right_id and user_id are required"), nil
	}
	c, err := s.deps.Replay.Compare(ctx, left, right, userID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to compare executions", err), nil
	}
	return jsonResult(c)
}

func (s *Server) handleQueryAuditLogs(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Audit == nil {
		return mcplib.NewToolResultError("audit log not configured"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil || userID == "" {
		return mcplib.NewToolResultError("user_id is required"), nil
	}
	page, err := s.deps.Audit.Query(ctx, audit.Filter{
		UserID:      userID,
		ExecutionID: req.GetString("execution_id", ""),
		Action:      req.GetString("action", ""),
		Category:    audit.Category(req.GetString("category", "")),
		Severity:    audit.Severity(req.GetString("severity", "")),
		Limit:       req.GetInt("limit", 0),
		Offset:      req.GetInt("offset", 0),
		Cursor:      req.GetString("cursor", ""),
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to query audit logs", err), nil
	}
	return jsonResult(page)
}

// executionArgs extracts the required execution_id and user_id arguments.
func executionArgs(req mcplib.CallToolRequest) (id, userID string, errRes *mcplib.CallToolResult) { //nolint:gocritic // hugeParam: mcp-go request type
	id = req.GetString("execution_id", "")
	userID = req.GetString("user_id", "")
	if id == "" || userID == "" {
		return "", "", mcplib.NewToolResultError("execution_id and user_id are required")
	}
	return id, userID, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
