// Package mcp exposes the scheduling engine as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sftpsched/internal/core"
	"sftpsched/internal/history"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	scheduler *core.Scheduler
	history   *history.History // may be nil
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(scheduler *core.Scheduler, hist *history.History, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		scheduler: scheduler,
		history:   hist,
		logger:    logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"sftpsched",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("sftp_schedule_task",
		mcp.WithDescription("Schedule a file transfer task. Supports upload, download and delete, one-shot or recurring."),
		mcp.WithString("task_type",
			mcp.Required(),
			mcp.Description("Operation to perform"),
			mcp.Enum("upload", "download", "delete"),
		),
		mcp.WithString("source_path",
			mcp.Required(),
			mcp.Description("Source path: local for upload, remote for download and delete"),
		),
		mcp.WithString("dest_path",
			mcp.Description("Destination path: remote for upload, local for download. Unused for delete"),
		),
		mcp.WithString("scheduled_time",
			mcp.Description("RFC 3339 time of the first execution. Empty means as soon as possible"),
		),
		mcp.WithBoolean("recurring",
			mcp.Description("Repeat the task after each successful run"),
		),
		mcp.WithNumber("interval_minutes",
			mcp.Description("Minutes between recurring runs. Required when recurring is true"),
			mcp.Min(0),
		),
	), s.handleScheduleTask)

	mcpServer.AddTool(mcp.NewTool("sftp_list_tasks",
		mcp.WithDescription("List all scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("sftp_get_task",
		mcp.WithDescription("Get task details"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("sftp_remove_task",
		mcp.WithDescription("Remove a scheduled task. An in-flight execution is not interrupted"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRemoveTask)

	mcpServer.AddTool(mcp.NewTool("sftp_run_task",
		mcp.WithDescription("Rearm a task so the next scheduler cycle executes it immediately"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("sftp_list_runs",
		mcp.WithDescription("Show the execution history of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.logger.Info("MCP tools registered", "count", 6)
}

// handleScheduleTask handles the sftp_schedule_task tool call.
func (s *MCPServer) handleScheduleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := mcp.ParseString(request, "task_type", "")
	source := mcp.ParseString(request, "source_path", "")
	dest := mcp.ParseString(request, "dest_path", "")
	recurring := mcp.ParseBoolean(request, "recurring", false)
	interval := int(mcp.ParseFloat64(request, "interval_minutes", 0))

	var scheduledAt time.Time
	if raw := strings.TrimSpace(mcp.ParseString(request, "scheduled_time", "")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid scheduled_time: %v", err)), nil
		}
		scheduledAt = parsed.UTC()
	}

	task, err := core.NewTask(core.TaskKind(kind), source, dest, scheduledAt, recurring, interval)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid task: %v", err)), nil
	}
	if err := s.scheduler.Add(task); err != nil {
		s.logger.Error("add task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to store task: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task scheduled\nID: %s\nType: %s\nNext run: %s",
		task.ID, task.Kind, formatTime(&task.NextRun))), nil
}

// handleListTasks handles the sftp_list_tasks tool call.
func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statusStr := mcp.ParseString(request, "status", "")

	var filtered []core.Task
	for _, t := range s.scheduler.List() {
		if statusStr != "" && string(t.Status) != statusStr {
			continue
		}
		filtered = append(filtered, t)
	}

	if len(filtered) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(filtered))
	for _, t := range filtered {
		fmt.Fprintf(&b, "%s [%s] %s\n", t.ID, t.Status, t.Kind)
		fmt.Fprintf(&b, "  Source: %s\n", t.Source)
		if t.Destination != "" {
			fmt.Fprintf(&b, "  Destination: %s\n", t.Destination)
		}
		if t.Recurring {
			fmt.Fprintf(&b, "  Recurring: every %d minutes\n", t.IntervalMinutes)
		}
		fmt.Fprintf(&b, "  Next run: %s\n\n", formatTime(&t.NextRun))
	}

	return mcp.NewToolResultText(b.String()), nil
}

// handleGetTask handles the sftp_get_task tool call.
func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, ok := s.scheduler.Get(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Type: %s\n", task.Kind)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Source: %s\n", task.Source)
	if task.Destination != "" {
		fmt.Fprintf(&b, "Destination: %s\n", task.Destination)
	}
	fmt.Fprintf(&b, "Scheduled: %s\n", formatTime(&task.ScheduledAt))
	if task.Recurring {
		fmt.Fprintf(&b, "Recurring: every %d minutes\n", task.IntervalMinutes)
	}
	if task.LastRun != nil {
		fmt.Fprintf(&b, "Last run: %s\n", formatTime(task.LastRun))
	}
	fmt.Fprintf(&b, "Next run: %s\n", formatTime(&task.NextRun))
	if task.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", task.ErrorMessage)
	}

	return mcp.NewToolResultText(b.String()), nil
}

// handleRemoveTask handles the sftp_remove_task tool call.
func (s *MCPServer) handleRemoveTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	removed, err := s.scheduler.Remove(taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to remove task: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task removed: %s", taskID)), nil
}

// handleRunTask handles the sftp_run_task tool call.
func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	task, ok, err := s.scheduler.RunNow(taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to rearm task: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task rearmed for immediate execution\nTask ID: %s\nNext run: %s",
		task.ID, formatTime(&task.NextRun))), nil
}

// handleListRuns handles the sftp_list_runs tool call.
func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	if s.history == nil {
		return mcp.NewToolResultText("Run history is disabled"), nil
	}

	runs, err := s.history.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "Run ID: %s\n", r.ID)
		fmt.Fprintf(&b, "  Status: %s\n", r.Status)
		if r.StartedAt != nil {
			fmt.Fprintf(&b, "  Started: %s\n", formatTime(r.StartedAt))
		}
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "  Ended: %s\n", formatTime(r.EndedAt))
		}
		if r.Error != nil && *r.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", *r.Error)
		}
		b.WriteString("\n")
	}

	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
