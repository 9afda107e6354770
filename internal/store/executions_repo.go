package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskpilot/internal/core"
)

const defaultExecutionPage = 20

// AppendExecutionRecord stores one fire attempt.
func (s *Store) AppendExecutionRecord(ctx context.Context, record *core.ExecutionRecord) error {
	if record.ID == "" {
		record.ID = core.NewID()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, fired_at, outcome, detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.ID, record.TaskID, formatTime(record.FiredAt), record.Outcome, record.Detail,
		record.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns the task's history, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultExecutionPage
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, fired_at, outcome, detail, duration_ms
		FROM executions
		WHERE task_id = ?
		ORDER BY fired_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var records []*core.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneExecutions keeps only the newest keep records of every task.
func (s *Store) PruneExecutions(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM executions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY fired_at DESC, rowid DESC) AS rn
				FROM executions
			) WHERE rn > ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.ExecutionRecord, error) {
	var (
		record     core.ExecutionRecord
		outcome    string
		firedAt    string
		durationMS sql.NullInt64
	)
	if err := scanner.Scan(&record.ID, &record.TaskID, &firedAt, &outcome, &record.Detail, &durationMS); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	t, err := parseTime(firedAt)
	if err != nil {
		return nil, err
	}
	record.FiredAt = t
	record.Outcome = core.Outcome(outcome)
	record.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	return &record, nil
}
