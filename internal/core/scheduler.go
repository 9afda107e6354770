package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Store abstracts the persistence layer used by the scheduler.
//
// TryClaim, ClaimNow and ReclaimStale must be single conditional updates
// (compare and swap on status) so that concurrent schedulers never fire the
// same task twice. TryClaim also requires the task to still be due at now,
// since a ListDue snapshot may be stale by the time it is claimed. ClaimNow
// skips the due check for manual runs. FinishRun only applies while the task
// is still running.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error

	ListDue(ctx context.Context, now time.Time) ([]*Task, error)
	ListStale(ctx context.Context, staleBefore time.Time) ([]*Task, error)
	TryClaim(ctx context.Context, id string, expected TaskStatus, now time.Time) (bool, error)
	ClaimNow(ctx context.Context, id string, expected TaskStatus, now time.Time) (bool, error)
	ReclaimStale(ctx context.Context, id string, staleBefore, now time.Time) (bool, error)
	FinishRun(ctx context.Context, task *Task) (bool, error)

	AppendExecutionRecord(ctx context.Context, record *ExecutionRecord) error
	PruneExecutions(ctx context.Context, keep int) error
}

const (
	DefaultTick        = 5 * time.Second
	DefaultWorkers     = 4
	DefaultExecTimeout = 60 * time.Second
	DefaultStaleAfter  = 10 * time.Minute

	maxDetailRunes = 2000
)

// SchedulerOptions tunes the polling loop and retry policy.
type SchedulerOptions struct {
	Tick          time.Duration
	Workers       int
	ExecTimeout   time.Duration
	StaleAfter    time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// HistoryRetention is the number of execution records kept per task. 0 keeps everything.
	HistoryRetention int
	Location         *time.Location
	Now              func() time.Time
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.StaleAfter < o.ExecTimeout {
		o.StaleAfter = 2 * o.ExecTimeout
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler polls the store for due tasks, claims them and runs their actions
// on a bounded worker pool.
type Scheduler struct {
	store    Store
	executor Executor
	logger   *slog.Logger
	opts     SchedulerOptions

	cron  *cron.Cron
	slots chan struct{}
	wg    sync.WaitGroup

	ctxMu sync.RWMutex
	ctx   context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, executor Executor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	opts = opts.withDefaults()
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		store:    store,
		executor: executor,
		logger:   logger,
		opts:     opts,
		cron:     c,
		slots:    make(chan struct{}, opts.Workers),
	}
}

// Location returns the wall clock used for recurring triggers.
func (s *Scheduler) Location() *time.Location {
	return s.opts.Location
}

// Start begins the polling loop. ctx bounds background store writes and executions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.setCtx(ctx)
	s.cron.Schedule(cron.Every(s.opts.Tick), cron.FuncJob(func() {
		s.Tick(s.ctxOrBackground())
	}))
	if s.opts.HistoryRetention > 0 {
		if _, err := s.cron.AddFunc("@hourly", func() {
			if err := s.store.PruneExecutions(s.ctxOrBackground(), s.opts.HistoryRetention); err != nil {
				s.logger.Warn("prune execution history", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("register prune job: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "tick", s.opts.Tick, "workers", s.opts.Workers, "location", s.opts.Location.String())
	return nil
}

// Stop stops the polling loop. The returned context is done once the current
// tick and all in-flight executions have finished.
func (s *Scheduler) Stop() context.Context {
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// Wait blocks until every dispatched execution has been recorded.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick performs one polling pass: reclaim stale running tasks, then claim and
// dispatch due tasks until the worker pool is full.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.opts.Now()
	if !s.reclaimStale(ctx, now) {
		return
	}
	tasks, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("list due tasks", "err", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if !s.acquire() {
			s.logger.Debug("worker pool saturated, deferring due tasks", "task_id", task.ID)
			return
		}
		claimed, err := s.store.TryClaim(ctx, task.ID, task.Status, now)
		if err != nil {
			s.release()
			s.logger.Error("claim task", "task_id", task.ID, "err", err)
			continue
		}
		if !claimed {
			s.release()
			s.logger.Debug("claim lost", "task_id", task.ID)
			continue
		}
		task.Status = TaskStatusRunning
		s.dispatch(task)
	}
}

// reclaimStale picks up running tasks whose owner stopped updating them. It
// returns false when the worker pool filled up.
func (s *Scheduler) reclaimStale(ctx context.Context, now time.Time) bool {
	staleBefore := now.Add(-s.opts.StaleAfter)
	stale, err := s.store.ListStale(ctx, staleBefore)
	if err != nil {
		s.logger.Error("list stale tasks", "err", err)
		return true
	}
	for _, task := range stale {
		if !s.acquire() {
			return false
		}
		ok, err := s.store.ReclaimStale(ctx, task.ID, staleBefore, now)
		if err != nil || !ok {
			s.release()
			if err != nil {
				s.logger.Error("reclaim stale task", "task_id", task.ID, "err", err)
			}
			continue
		}
		s.logger.Warn("reclaimed stale running task", "task_id", task.ID, "updated_at", task.UpdatedAt)
		s.dispatch(task)
	}
	return true
}

// RunNow claims and fires a task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Schedulable() {
		if task.Status == TaskStatusRunning {
			return ErrClaimConflict
		}
		return fmt.Errorf("%w: task is %s", ErrNotRunnable, task.Status)
	}
	if !s.acquire() {
		return ErrPoolSaturated
	}
	claimed, err := s.store.ClaimNow(ctx, task.ID, task.Status, s.opts.Now())
	if err != nil {
		s.release()
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		s.release()
		return ErrClaimConflict
	}
	task.Status = TaskStatusRunning
	s.dispatch(task)
	return nil
}

func (s *Scheduler) dispatch(task *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.execute(task)
	}()
}

func (s *Scheduler) execute(task *Task) {
	ctx := s.ctxOrBackground()
	firedAt := s.opts.Now()
	detail, execErr := s.runAction(ctx, task)
	finishedAt := s.opts.Now()
	// Results are recorded even when shutdown cancelled the run.
	ctx = context.WithoutCancel(ctx)

	record := &ExecutionRecord{
		ID:       NewID(),
		TaskID:   task.ID,
		FiredAt:  firedAt.UTC(),
		Outcome:  OutcomeSuccess,
		Detail:   truncateRunes(detail, maxDetailRunes),
		Duration: finishedAt.Sub(firedAt),
	}
	if execErr != nil {
		record.Outcome = OutcomeFailure
		record.Detail = truncateRunes(execErr.Error(), maxDetailRunes)
	}
	if err := s.store.AppendExecutionRecord(ctx, record); err != nil {
		s.logger.Error("append execution record", "task_id", task.ID, "err", err)
	}

	s.applyOutcome(task, firedAt, finishedAt, execErr)
	applied, err := s.store.FinishRun(ctx, task)
	if err != nil {
		s.logger.Error("finish run", "task_id", task.ID, "err", err)
		return
	}
	if !applied {
		s.logger.Info("task changed during execution, keeping its current state", "task_id", task.ID)
		return
	}
	if execErr != nil {
		s.logger.Warn("task execution failed", "task_id", task.ID, "retry_count", task.RetryCount, "status", task.Status, "err", execErr)
	} else {
		s.logger.Info("task executed", "task_id", task.ID, "status", task.Status, "duration", record.Duration)
	}
}

type actionResult struct {
	detail string
	err    error
}

// runAction executes the action with a timeout. The scheduler stops waiting
// when the timeout elapses, even if the action ignores its context.
func (s *Scheduler) runAction(parent context.Context, task *Task) (string, error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.ExecTimeout)
	defer cancel()

	done := make(chan actionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in action", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
				done <- actionResult{err: actionError(task.Action.Type, fmt.Errorf("panic: %v", r))}
			}
		}()
		detail, err := s.executor.Execute(ctx, task.UserID, task.Action)
		done <- actionResult{detail: detail, err: err}
	}()

	select {
	case res := <-done:
		return res.detail, res.err
	case <-ctx.Done():
		return "", actionError(task.Action.Type, fmt.Errorf("execution timed out after %s: %w", s.opts.ExecTimeout, ctx.Err()))
	}
}

// applyOutcome moves a claimed task to its next state.
func (s *Scheduler) applyOutcome(task *Task, firedAt, now time.Time, execErr error) {
	fired := firedAt.UTC()
	task.LastRunAt = &fired

	if execErr == nil {
		task.RetryCount = 0
		if task.Trigger.Type == TriggerOneOff {
			task.Status = TaskStatusCompleted
			task.NextRunAt = nil
			return
		}
		s.reschedule(task, now)
		return
	}

	task.RetryCount++
	if errors.Is(execErr, ErrUnknownActionType) {
		task.Status = TaskStatusFailed
		task.NextRunAt = nil
		return
	}
	if task.RetryCount > task.MaxRetries {
		task.Status = TaskStatusFailed
		task.NextRunAt = nil
		return
	}
	next := now.Add(Backoff(task.RetryCount, s.opts.RetryBase, s.opts.RetryMaxDelay)).UTC()
	task.Status = TaskStatusActive
	task.NextRunAt = &next
}

func (s *Scheduler) reschedule(task *Task, now time.Time) {
	next, err := NextRun(task.Trigger, now, s.opts.Location)
	if err != nil {
		s.logger.Warn("disabling task with unresolvable trigger", "task_id", task.ID, "err", err)
		task.Status = TaskStatusDisabled
		task.NextRunAt = nil
		return
	}
	task.Status = TaskStatusActive
	task.NextRunAt = &next
}

func (s *Scheduler) acquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) release() {
	<-s.slots
}

func (s *Scheduler) setCtx(ctx context.Context) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.ctx = ctx
}

func (s *Scheduler) ctxOrBackground() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// cronLogger adapts slog to the robfig/cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
