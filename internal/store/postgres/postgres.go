// Package postgres is a shared task store for running several schedulers
// against one database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"taskpilot/internal/core"
	"taskpilot/internal/store"
)

var _ core.Store = (*Store)(nil)

type Store struct {
	db    *sqlx.DB
	clock func() time.Time
}

// Open connects to dsn and verifies the connection. Schema migrations are
// applied separately with Migrate.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock replaces the time source used for updated_at stamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

type taskRow struct {
	ID          string       `db:"id"`
	UserID      string       `db:"user_id"`
	Name        string       `db:"name"`
	TriggerType string       `db:"trigger_type"`
	TriggerJSON string       `db:"trigger_json"`
	ActionType  string       `db:"action_type"`
	ActionJSON  string       `db:"action_json"`
	Status      string       `db:"status"`
	NextRunAt   sql.NullTime `db:"next_run_at"`
	LastRunAt   sql.NullTime `db:"last_run_at"`
	RetryCount  int          `db:"retry_count"`
	MaxRetries  int          `db:"max_retries"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

const taskColumns = `id, user_id, name, trigger_type, trigger_json, action_type, action_json, status,
	next_run_at, last_run_at, retry_count, max_retries, created_at, updated_at`

func toRow(task *core.Task) (taskRow, error) {
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode trigger: %w", err)
	}
	action, err := json.Marshal(task.Action)
	if err != nil {
		return taskRow{}, fmt.Errorf("encode action: %w", err)
	}
	return taskRow{
		ID:          task.ID,
		UserID:      task.UserID,
		Name:        task.Name,
		TriggerType: string(task.Trigger.Type),
		TriggerJSON: string(trigger),
		ActionType:  string(task.Action.Type),
		ActionJSON:  string(action),
		Status:      string(task.Status),
		NextRunAt:   nullTime(task.NextRunAt),
		LastRunAt:   nullTime(task.LastRunAt),
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		CreatedAt:   task.CreatedAt.UTC(),
		UpdatedAt:   task.UpdatedAt.UTC(),
	}, nil
}

func (r taskRow) toTask() (*core.Task, error) {
	task := &core.Task{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		Status:     core.TaskStatus(r.Status),
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.TriggerJSON), &task.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger of task %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ActionJSON), &task.Action); err != nil {
		return nil, fmt.Errorf("decode action of task %s: %w", r.ID, err)
	}
	task.Trigger.Type = core.TriggerType(r.TriggerType)
	task.Action.Type = core.ActionType(r.ActionType)
	if r.NextRunAt.Valid {
		t := r.NextRunAt.Time.UTC()
		task.NextRunAt = &t
	}
	if r.LastRunAt.Valid {
		t := r.LastRunAt.Time.UTC()
		task.LastRunAt = &t
	}
	return task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	row, err := toRow(task)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (:id, :user_id, :name, :trigger_type, CAST(:trigger_json AS jsonb), :action_type,
			CAST(:action_json AS jsonb), :status, :next_run_at, :last_run_at, :retry_count, :max_retries,
			:created_at, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	return s.writeTask(ctx, task, false)
}

// FinishRun applies the execution outcome only while the task is still running.
func (s *Store) FinishRun(ctx context.Context, task *core.Task) (bool, error) {
	err := s.writeTask(ctx, task, true)
	if errors.Is(err, store.ErrTaskNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) writeTask(ctx context.Context, task *core.Task, onlyRunning bool) error {
	updatedAt := s.now()
	prev := task.UpdatedAt
	task.UpdatedAt = updatedAt
	row, err := toRow(task)
	task.UpdatedAt = prev
	if err != nil {
		return err
	}
	query := `
		UPDATE tasks
		SET name = :name, trigger_type = :trigger_type, trigger_json = CAST(:trigger_json AS jsonb),
			action_type = :action_type, action_json = CAST(:action_json AS jsonb), status = :status,
			next_run_at = :next_run_at, last_run_at = :last_run_at, retry_count = :retry_count,
			max_retries = :max_retries, updated_at = :updated_at
		WHERE id = :id`
	if onlyRunning {
		query += ` AND status = '` + string(core.TaskStatusRunning) + `'`
	}
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	task.UpdatedAt = updatedAt
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*core.Task, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	return s.selectTasks(ctx, query, args...)
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.selectTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ($1, $2) AND next_run_at IS NOT NULL AND next_run_at <= $3
		ORDER BY next_run_at
	`, string(core.TaskStatusPending), string(core.TaskStatusActive), now.UTC())
}

func (s *Store) ListStale(ctx context.Context, staleBefore time.Time) ([]*core.Task, error) {
	return s.selectTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at
	`, string(core.TaskStatusRunning), staleBefore.UTC())
}

// TryClaim is a single conditional update on status and due time; Postgres
// row locking makes concurrent claims from several processes serialize on
// the row.
func (s *Store) TryClaim(ctx context.Context, id string, expected core.TaskStatus, now time.Time) (bool, error) {
	if !expected.Schedulable() {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND next_run_at IS NOT NULL AND next_run_at <= $2
	`, string(core.TaskStatusRunning), now.UTC(), id, string(expected))
	return affectedOne(res, err, "claim task")
}

// ClaimNow claims the task for a manual run without checking its due time.
func (s *Store) ClaimNow(ctx context.Context, id string, expected core.TaskStatus, now time.Time) (bool, error) {
	if !expected.Schedulable() {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(core.TaskStatusRunning), now.UTC(), id, string(expected))
	return affectedOne(res, err, "claim task")
}

func (s *Store) DisableTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, next_run_at = NULL, updated_at = $2
		WHERE id = $3
	`, string(core.TaskStatusDisabled), s.now(), id)
	ok, err := affectedOne(res, err, "disable task")
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrTaskNotFound
	}
	return nil
}

// EnableTask only applies to disabled or failed tasks.
func (s *Store) EnableTask(ctx context.Context, id string, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, retry_count = 0, next_run_at = $2, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`, string(core.TaskStatusActive), next.UTC(), s.now(), id,
		string(core.TaskStatusDisabled), string(core.TaskStatusFailed))
	return affectedOne(res, err, "enable task")
}

func (s *Store) ReclaimStale(ctx context.Context, id string, staleBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET updated_at = $1
		WHERE id = $2 AND status = $3 AND updated_at <= $4
	`, now.UTC(), id, string(core.TaskStatusRunning), staleBefore.UTC())
	return affectedOne(res, err, "reclaim task")
}

func affectedOne(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows: %w", op, err)
	}
	return n == 1, nil
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	tasks := make([]*core.Task, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

type executionRow struct {
	ID         string    `db:"id"`
	TaskID     string    `db:"task_id"`
	FiredAt    time.Time `db:"fired_at"`
	Outcome    string    `db:"outcome"`
	Detail     string    `db:"detail"`
	DurationMS int64     `db:"duration_ms"`
}

func (s *Store) AppendExecutionRecord(ctx context.Context, record *core.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = core.NewID()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (id, task_id, fired_at, outcome, detail, duration_ms)
		VALUES (:id, :task_id, :fired_at, :outcome, :detail, :duration_ms)
	`, executionRow{
		ID:         record.ID,
		TaskID:     record.TaskID,
		FiredAt:    record.FiredAt.UTC(),
		Outcome:    string(record.Outcome),
		Detail:     record.Detail,
		DurationMS: record.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, task_id, fired_at, outcome, detail, duration_ms
		FROM executions
		WHERE task_id = $1
		ORDER BY fired_at DESC, id
		LIMIT $2 OFFSET $3
	`, taskID, limit, offset); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	records := make([]*core.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, &core.ExecutionRecord{
			ID:       r.ID,
			TaskID:   r.TaskID,
			FiredAt:  r.FiredAt.UTC(),
			Outcome:  core.Outcome(r.Outcome),
			Detail:   r.Detail,
			Duration: time.Duration(r.DurationMS) * time.Millisecond,
		})
	}
	return records, nil
}

func (s *Store) PruneExecutions(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM executions e
		USING (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY fired_at DESC, id) AS rn
			FROM executions
		) ranked
		WHERE e.id = ranked.id AND ranked.rn > $1
	`, keep)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}
