package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskpilot/internal/service"
)

const (
	serverName    = "taskpilot"
	serverVersion = "1.0.0"
)

// MCPServer exposes task scheduling as MCP tools.
type MCPServer struct {
	tasks  *service.Service
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with all tools registered.
func NewMCPServer(tasks *service.Service, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		tasks:  tasks,
		logger: logger,
		server: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true)),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is done.
func (s *MCPServer) Run(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.server).Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves MCP over streamable HTTP, for mounting on the API router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("schedule_task",
				mcp.WithDescription("Schedule a task from a natural-language request, e.g. 'remind me tomorrow at 3pm to call John' or 'every weekday at 9am remind me to stand up'"),
				mcp.WithString("text", mcp.Required(), mcp.Description("The scheduling request")),
				mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the task; also the delivery address")),
			),
			Handler: s.handleScheduleTask,
		},
		{
			Tool: mcp.NewTool("list_tasks",
				mcp.WithDescription("List scheduled tasks"),
				mcp.WithString("user_id", mcp.Description("Only tasks of this user")),
				mcp.WithString("status",
					mcp.Description("Status filter"),
					mcp.Enum("pending", "active", "running", "completed", "failed", "disabled"),
				),
			),
			Handler: s.handleListTasks,
		},
		{
			Tool: mcp.NewTool("cancel_task",
				mcp.WithDescription("Cancel a task. It stays in history with status disabled"),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			),
			Handler: s.handleCancelTask,
		},
		{
			Tool: mcp.NewTool("enable_task",
				mcp.WithDescription("Re-enable a disabled or failed task"),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			),
			Handler: s.handleEnableTask,
		},
		{
			Tool: mcp.NewTool("run_task",
				mcp.WithDescription("Fire a task immediately"),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
			),
			Handler: s.handleRunTask,
		},
		{
			Tool: mcp.NewTool("task_history",
				mcp.WithDescription("Show recent executions of a task"),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
				mcp.WithNumber("limit", mcp.Description("Number of records, default 20"), mcp.Min(1), mcp.Max(100)),
			),
			Handler: s.handleTaskHistory,
		},
		{
			Tool: mcp.NewTool("parse_examples",
				mcp.WithDescription("List request phrasings the scheduler understands"),
			),
			Handler: s.handleParseExamples,
		},
		{
			Tool: mcp.NewTool("preview_trigger",
				mcp.WithDescription("Preview upcoming fire times of a cron expression or a request"),
				mcp.WithString("cron", mcp.Description("5-field cron expression")),
				mcp.WithString("text", mcp.Description("Natural-language request, used when cron is empty")),
				mcp.WithString("timezone", mcp.Description("IANA timezone for the cron expression")),
				mcp.WithNumber("count", mcp.Description("Number of fire times, default 5"), mcp.Min(1), mcp.Max(20)),
			),
			Handler: s.handlePreviewTrigger,
		},
	}
	s.server.AddTools(tools...)
	s.logger.Debug("MCP tools registered", "count", len(tools))
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...))
}
