// Package service holds the task operations shared by the HTTP API and the
// MCP tool server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/nlparse"
	"taskpilot/internal/store"
)

var (
	// ErrUnparseable is returned when a scheduling request has no recognizable time.
	ErrUnparseable = errors.New("could not understand request")
	// ErrInvalidState is returned when an operation does not apply to the task's status.
	ErrInvalidState = errors.New("invalid task state")
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 20
	defaultHistoryLimit = 20
)

// Store is the persistence surface the service needs. Both the SQLite and the
// Postgres stores satisfy it.
type Store interface {
	core.Store
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*core.Task, error)
	DeleteTask(ctx context.Context, id string) error
	DisableTask(ctx context.Context, id string) error
	EnableTask(ctx context.Context, id string, next time.Time) (bool, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.ExecutionRecord, error)
}

// Runner fires a task outside its schedule.
type Runner interface {
	RunNow(ctx context.Context, id string) error
}

// Options tunes defaults applied to created tasks.
type Options struct {
	Location   *time.Location
	MaxRetries int
	Now        func() time.Time
}

type Service struct {
	store  Store
	runner Runner
	parser *nlparse.Parser
	logger *slog.Logger
	opts   Options
}

func New(st Store, runner Runner, parser *nlparse.Parser, logger *slog.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = nlparse.DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, runner: runner, parser: parser, logger: logger, opts: opts}
}

// Location returns the wall clock used for previews and new tasks.
func (s *Service) Location() *time.Location {
	return s.opts.Location
}

// Parse interprets text without persisting anything.
func (s *Service) Parse(text, userID string) nlparse.Result {
	return s.parser.Parse(text, userID)
}

// Examples returns the phrasings the parser understands.
func (s *Service) Examples() []string {
	return s.parser.Examples()
}

// Schedule parses text and stores the resulting task.
func (s *Service) Schedule(ctx context.Context, userID, text string) (nlparse.Result, error) {
	res := s.parser.Parse(text, userID)
	if !res.Success {
		return res, fmt.Errorf("%w: %s", ErrUnparseable, res.Error)
	}
	if err := s.store.CreateTask(ctx, res.Task); err != nil {
		return res, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task scheduled", "task_id", res.Task.ID, "user_id", userID, "rule", res.Rule,
		"confidence", res.Confidence, "next_run_at", res.Task.NextRunAt)
	return res, nil
}

// NewTask describes an explicitly structured task.
type NewTask struct {
	UserID     string       `json:"user_id"`
	Name       string       `json:"name"`
	Trigger    core.Trigger `json:"trigger"`
	Action     core.Action  `json:"action"`
	MaxRetries *int         `json:"max_retries,omitempty"`
}

// Create validates and stores an explicit task.
func (s *Service) Create(ctx context.Context, in NewTask) (*core.Task, error) {
	if err := in.Trigger.Validate(); err != nil {
		return nil, err
	}
	if err := in.Action.Validate(); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	next, err := core.InitialRun(in.Trigger, now, s.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("resolve trigger: %w", err)
	}
	maxRetries := s.opts.MaxRetries
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		maxRetries = *in.MaxRetries
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = string(in.Action.Type)
	}
	task := &core.Task{
		ID:         core.NewID(),
		UserID:     in.UserID,
		Name:       name,
		Trigger:    in.Trigger,
		Action:     in.Action,
		Status:     core.TaskStatusPending,
		NextRunAt:  &next,
		MaxRetries: maxRetries,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task created", "task_id", task.ID, "trigger", task.Trigger.Type, "action", task.Action.Type)
	return task, nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*core.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidState, filter.Status)
	}
	return s.store.ListTasks(ctx, filter)
}

// Cancel disables a task. A run in flight finishes but does not reschedule.
// The write only touches status and next run, so a run finishing meanwhile
// keeps its last run and retry count.
func (s *Service) Cancel(ctx context.Context, id string) (*core.Task, error) {
	if err := s.store.DisableTask(ctx, id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("disable task: %w", err)
	}
	s.logger.Info("task disabled", "task_id", id)
	return s.store.GetTask(ctx, id)
}

// Enable reactivates a disabled or failed task with a fresh retry budget.
func (s *Service) Enable(ctx context.Context, id string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case core.TaskStatusPending, core.TaskStatusActive:
		return task, nil
	case core.TaskStatusDisabled, core.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: cannot enable a %s task", ErrInvalidState, task.Status)
	}
	next, err := core.InitialRun(task.Trigger, s.opts.Now(), s.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("resolve trigger: %w", err)
	}
	enabled, err := s.store.EnableTask(ctx, id, next)
	if err != nil {
		return nil, fmt.Errorf("enable task: %w", err)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: task changed while enabling", ErrInvalidState)
	}
	s.logger.Info("task enabled", "task_id", id, "next_run_at", next)
	return s.store.GetTask(ctx, id)
}

// Delete removes a task and its history.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// RunNow fires a schedulable task immediately.
func (s *Service) RunNow(ctx context.Context, id string) error {
	if s.runner == nil {
		return errors.New("scheduler not running")
	}
	return s.runner.RunNow(ctx, id)
}

// History returns the newest execution records of a task.
func (s *Service) History(ctx context.Context, id string, limit, offset int) ([]*core.ExecutionRecord, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListExecutions(ctx, id, limit, offset)
}

// Preview lists the next fire times of a trigger.
func (s *Service) Preview(trigger core.Trigger, count int) ([]time.Time, error) {
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}
	return core.Upcoming(trigger, s.opts.Now(), s.opts.Location, count)
}
