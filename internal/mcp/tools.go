package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"taskpilot/internal/core"
	"taskpilot/internal/service"
	"taskpilot/internal/store"
)

const timeFormat = "2006-01-02 15:04 MST"

func (s *MCPServer) handleScheduleTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := mcp.ParseString(request, "text", "")
	userID := mcp.ParseString(request, "user_id", "")
	if strings.TrimSpace(userID) == "" {
		return toolError("user_id is required"), nil
	}

	res, err := s.tasks.Schedule(ctx, userID, text)
	if err != nil {
		if errors.Is(err, service.ErrUnparseable) {
			return toolError("%s", res.Error), nil
		}
		s.logger.Error("schedule task", "err", err)
		return toolError("failed to schedule task: %v", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task scheduled\nID: %s\n", res.Task.ID)
	fmt.Fprintf(&b, "Action: %s\n", describeAction(res.Task.Action))
	fmt.Fprintf(&b, "Trigger: %s\n", describeTrigger(res.Task.Trigger))
	fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(res.Task.NextRunAt))
	if res.Confidence < 1 {
		fmt.Fprintf(&b, "Confidence: %.1f (time partly assumed)\n", res.Confidence)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskFilter{
		UserID: mcp.ParseString(request, "user_id", ""),
		Status: core.TaskStatus(mcp.ParseString(request, "status", "")),
	}
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return toolError("failed to list tasks: %v", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "[%s] %s\n", t.Status, t.ID)
		fmt.Fprintf(&b, "  Name: %s\n", t.Name)
		fmt.Fprintf(&b, "  Trigger: %s\n", describeTrigger(t.Trigger))
		if t.NextRunAt != nil && t.Status.Schedulable() {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRunAt))
		}
		if t.RetryCount > 0 {
			fmt.Fprintf(&b, "  Retries: %d/%d\n", t.RetryCount, t.MaxRetries)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if _, err := s.tasks.Cancel(ctx, taskID); err != nil {
		return s.taskError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %s", taskID)), nil
}

func (s *MCPServer) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.Enable(ctx, taskID)
	if err != nil {
		return s.taskError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task enabled: %s\nNext run: %s", taskID, s.formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.RunNow(ctx, taskID); err != nil {
		return s.taskError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started: %s", taskID)), nil
}

func (s *MCPServer) handleTaskHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	records, err := s.tasks.History(ctx, taskID, limit, 0)
	if err != nil {
		return s.taskError(taskID, err), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No executions yet"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d executions:\n\n", len(records))
	for _, r := range records {
		fired := r.FiredAt
		fmt.Fprintf(&b, "[%s] %s (%s)\n", r.Outcome, s.formatTime(&fired), r.Duration.Round(time.Millisecond))
		if r.Detail != "" {
			fmt.Fprintf(&b, "    %s\n", truncate(r.Detail, 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleParseExamples(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	b.WriteString("Supported phrasings:\n")
	for _, ex := range s.tasks.Examples() {
		fmt.Fprintf(&b, "  - %s\n", ex)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePreviewTrigger(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := int(mcp.ParseFloat64(request, "count", 5))

	var trigger core.Trigger
	if expr := mcp.ParseString(request, "cron", ""); expr != "" {
		trigger = core.Recurring(expr)
		trigger.Timezone = mcp.ParseString(request, "timezone", "")
	} else if text := mcp.ParseString(request, "text", ""); text != "" {
		res := s.tasks.Parse(text, "")
		if !res.Success {
			return toolError("%s", res.Error), nil
		}
		trigger = res.Task.Trigger
	} else {
		return toolError("either cron or text is required"), nil
	}

	times, err := s.tasks.Preview(trigger, count)
	if err != nil {
		return toolError("invalid trigger: %v", err), nil
	}

	loc := s.tasks.Location()
	if trigger.Timezone != "" {
		if tz, err := time.LoadLocation(trigger.Timezone); err == nil {
			loc = tz
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Trigger: %s\n", describeTrigger(trigger))
	fmt.Fprintf(&b, "Timezone: %s\n\nUpcoming:\n", loc)
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.In(loc).Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) taskError(taskID string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return toolError("task not found: %s", taskID)
	case errors.Is(err, core.ErrClaimConflict):
		return toolError("task is already running: %s", taskID)
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, core.ErrNotRunnable),
		errors.Is(err, core.ErrInvalidTrigger), errors.Is(err, core.ErrNoMoreRuns):
		return toolError("%v", err)
	case errors.Is(err, core.ErrPoolSaturated):
		return toolError("all workers are busy, try again shortly")
	default:
		s.logger.Error("mcp tool failed", "task_id", taskID, "err", err)
		return toolError("operation failed: %v", err)
	}
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.tasks.Location()).Format(timeFormat)
}

func describeTrigger(t core.Trigger) string {
	switch t.Type {
	case core.TriggerOneOff:
		if t.At != nil {
			return "once at " + t.At.UTC().Format(time.RFC3339)
		}
	case core.TriggerRecurring:
		if t.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", t.CronExpr, t.Timezone)
		}
		return fmt.Sprintf("cron %q", t.CronExpr)
	case core.TriggerInterval:
		return "every " + t.Every().String()
	}
	return string(t.Type)
}

func describeAction(a core.Action) string {
	switch a.Type {
	case core.ActionSendMessage:
		return fmt.Sprintf("message %q", truncate(a.Message, 60))
	case core.ActionAIRequest:
		return fmt.Sprintf("AI request %q", truncate(a.Prompt, 60))
	case core.ActionWebhook:
		return "webhook " + a.URL
	}
	return string(a.Type)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
