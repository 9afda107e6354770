package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/core"
)

// ErrTaskNotFound is returned for unknown task ids. It matches core.ErrNotFound.
var ErrTaskNotFound = core.ErrNotFound

var _ core.Store = (*Store)(nil)

const taskColumns = `id, user_id, name, trigger_type, trigger_json, action_type, action_json, status,
	next_run_at, last_run_at, retry_count, max_retries, created_at, updated_at`

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	UserID string
	Status core.TaskStatus
	Limit  int
	Offset int
}

func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	trigger, action, err := encodeTask(task)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.UserID, task.Name, task.Trigger.Type, trigger, task.Action.Type, action, task.Status,
		nullableTime(task.NextRunAt), nullableTime(task.LastRunAt), task.RetryCount, task.MaxRetries,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites every mutable column of the task.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	return s.writeTask(ctx, task, false)
}

// FinishRun writes the outcome of an execution only while the task is still
// running. It reports false when the task was cancelled or changed meanwhile.
func (s *Store) FinishRun(ctx context.Context, task *core.Task) (bool, error) {
	err := s.writeTask(ctx, task, true)
	if errors.Is(err, ErrTaskNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) writeTask(ctx context.Context, task *core.Task, onlyRunning bool) error {
	updatedAt := s.now()
	trigger, action, err := encodeTask(task)
	if err != nil {
		return err
	}
	query := `
		UPDATE tasks
		SET name = ?, trigger_type = ?, trigger_json = ?, action_type = ?, action_json = ?, status = ?,
			next_run_at = ?, last_run_at = ?, retry_count = ?, max_retries = ?, updated_at = ?
		WHERE id = ?`
	args := []any{task.Name, task.Trigger.Type, trigger, task.Action.Type, action, task.Status,
		nullableTime(task.NextRunAt), nullableTime(task.LastRunAt), task.RetryCount, task.MaxRetries,
		formatTime(updatedAt), task.ID}
	if onlyRunning {
		query += ` AND status = ?`
		args = append(args, core.TaskStatusRunning)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	task.UpdatedAt = updatedAt
	return nil
}

// DeleteTask removes the task and its execution history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete executions: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.Task, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return s.queryTasks(ctx, query, args...)
}

// ListDue returns schedulable tasks whose next run is at or before now, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?) AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
	`, core.TaskStatusPending, core.TaskStatusActive, formatTime(now))
}

// ListStale returns running tasks not touched since staleBefore.
func (s *Store) ListStale(ctx context.Context, staleBefore time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND updated_at <= ?
		ORDER BY updated_at
	`, core.TaskStatusRunning, formatTime(staleBefore))
}

// TryClaim moves a due task to running if it is still in the expected
// schedulable status and its next run is at or before now. It is a single
// conditional update, so a stale ListDue snapshot cannot fire a task twice.
func (s *Store) TryClaim(ctx context.Context, id string, expected core.TaskStatus, now time.Time) (bool, error) {
	if !expected.Schedulable() {
		return false, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
	`, core.TaskStatusRunning, formatTime(now), id, expected, formatTime(now))
	return affectedOne(res, err, "claim task")
}

// ClaimNow moves the task to running regardless of its next run. It backs
// manual runs and only checks the expected status.
func (s *Store) ClaimNow(ctx context.Context, id string, expected core.TaskStatus, now time.Time) (bool, error) {
	if !expected.Schedulable() {
		return false, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusRunning, formatTime(now), id, expected)
	return affectedOne(res, err, "claim task")
}

// DisableTask stops scheduling the task without touching its run history.
func (s *Store) DisableTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ?
	`, core.TaskStatusDisabled, formatTime(s.now()), id)
	ok, err := affectedOne(res, err, "disable task")
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}

// EnableTask reactivates a disabled or failed task with a fresh retry budget.
// It reports false when the task is in any other status.
func (s *Store) EnableTask(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = 0, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, core.TaskStatusActive, formatTime(next), formatTime(s.now()), id, core.TaskStatusDisabled, core.TaskStatusFailed)
	return affectedOne(res, err, "enable task")
}

// ReclaimStale takes over a running task whose owner stopped updating it.
func (s *Store) ReclaimStale(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET updated_at = ?
		WHERE id = ? AND status = ? AND updated_at <= ?
	`, formatTime(now), id, core.TaskStatusRunning, formatTime(staleBefore))
	return affectedOne(res, err, "reclaim task")
}

func affectedOne(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	return rows == 1, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func encodeTask(task *core.Task) (string, string, error) {
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("encode trigger: %w", err)
	}
	action, err := json.Marshal(task.Action)
	if err != nil {
		return "", "", fmt.Errorf("encode action: %w", err)
	}
	return string(trigger), string(action), nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		triggerType string
		triggerJSON string
		actionType  string
		actionJSON  string
		status      string
		nextRun     sql.NullString
		lastRun     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&task.ID, &task.UserID, &task.Name, &triggerType, &triggerJSON, &actionType, &actionJSON,
		&status, &nextRun, &lastRun, &task.RetryCount, &task.MaxRetries, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &task.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &task.Action); err != nil {
		return nil, fmt.Errorf("decode action of task %s: %w", task.ID, err)
	}
	task.Trigger.Type = core.TriggerType(triggerType)
	task.Action.Type = core.ActionType(actionType)
	task.Status = core.TaskStatus(status)

	var err error
	if task.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if task.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
