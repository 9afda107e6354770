package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/core"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	s.Clock = func() time.Time { return base }
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(userID string, status core.TaskStatus, next *time.Time) *core.Task {
	return &core.Task{
		ID:         core.NewID(),
		UserID:     userID,
		Name:       "water plants",
		Trigger:    core.Interval(30 * time.Minute),
		Action:     core.Action{Type: core.ActionSendMessage, Platform: "telegram", Message: "water plants"},
		Status:     status,
		NextRunAt:  next,
		MaxRetries: 3,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusPending, ptr(base.Add(time.Minute)))
	task.Trigger = core.Recurring("0 9 * * 1")
	task.Trigger.Timezone = "Europe/Berlin"
	task.Action = core.Action{Type: core.ActionWebhook, URL: "https://example.com/h", Metadata: map[string]any{"team": "ops"}}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Trigger, got.Trigger)
	assert.Equal(t, task.Action, got.Action)
	assert.Equal(t, core.TaskStatusPending, got.Status)
	assert.True(t, task.NextRunAt.Equal(*got.NextRunAt))
	assert.Nil(t, got.LastRunAt)
	assert.True(t, base.Equal(got.CreatedAt))

	got.Status = core.TaskStatusDisabled
	got.NextRunAt = nil
	require.NoError(t, s.UpdateTask(ctx, got))
	again, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusDisabled, again.Status)
	assert.Nil(t, again.NextRunAt)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.UpdateTask(ctx, newTask("u1", core.TaskStatusActive, nil)), ErrTaskNotFound)
}

func TestListDueAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	due := newTask("u1", core.TaskStatusPending, ptr(base.Add(-time.Minute)))
	dueActive := newTask("u2", core.TaskStatusActive, ptr(base))
	future := newTask("u1", core.TaskStatusActive, ptr(base.Add(time.Hour)))
	done := newTask("u1", core.TaskStatusCompleted, ptr(base.Add(-time.Hour)))
	running := newTask("u2", core.TaskStatusRunning, ptr(base.Add(-time.Hour)))
	for _, task := range []*core.Task{due, dueActive, future, done, running} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	tasks, err := s.ListDue(ctx, base)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, due.ID, tasks[0].ID)
	assert.Equal(t, dueActive.ID, tasks[1].ID)

	mine, err := s.ListTasks(ctx, TaskFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	active, err := s.ListTasks(ctx, TaskFilter{UserID: "u1", Status: core.TaskStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, future.ID, active[0].ID)

	page, err := s.ListTasks(ctx, TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestTryClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusPending, ptr(base))
	require.NoError(t, s.CreateTask(ctx, task))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryClaim(ctx, task.ID, core.TaskStatusPending, base)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusRunning, got.Status)

	ok, err := s.TryClaim(ctx, task.ID, core.TaskStatusRunning, base)
	require.NoError(t, err)
	assert.False(t, ok, "running tasks are never claimable")
}

func TestTryClaimRequiresDueTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	future := newTask("u1", core.TaskStatusActive, ptr(base.Add(30*time.Minute)))
	unscheduled := newTask("u1", core.TaskStatusActive, nil)
	require.NoError(t, s.CreateTask(ctx, future))
	require.NoError(t, s.CreateTask(ctx, unscheduled))

	ok, err := s.TryClaim(ctx, future.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.False(t, ok, "an interval task whose next run moved on is not due")
	ok, err = s.TryClaim(ctx, unscheduled.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryClaim(ctx, future.ID, core.TaskStatusActive, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimNow(ctx, unscheduled.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.True(t, ok, "manual runs ignore the due time")
	ok, err = s.ClaimNow(ctx, unscheduled.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisableAndEnableKeepRunHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusActive, ptr(base))
	require.NoError(t, s.CreateTask(ctx, task))
	task.LastRunAt = ptr(base.Add(-time.Hour))
	task.RetryCount = 2
	task.Status = core.TaskStatusFailed
	require.NoError(t, s.UpdateTask(ctx, task))

	enabled, err := s.EnableTask(ctx, task.ID, base.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, enabled)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusActive, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.True(t, base.Add(time.Hour).Equal(*got.NextRunAt))
	require.NotNil(t, got.LastRunAt)

	enabled, err = s.EnableTask(ctx, task.ID, base)
	require.NoError(t, err)
	assert.False(t, enabled, "active tasks are left alone")

	require.NoError(t, s.DisableTask(ctx, task.ID))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusDisabled, got.Status)
	assert.Nil(t, got.NextRunAt)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, base.Add(-time.Hour).Equal(*got.LastRunAt))

	assert.ErrorIs(t, s.DisableTask(ctx, "missing"), ErrTaskNotFound)
}

func TestFinishRunRespectsCancellation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusActive, ptr(base))
	require.NoError(t, s.CreateTask(ctx, task))
	ok, err := s.TryClaim(ctx, task.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	cancelled.Status = core.TaskStatusDisabled
	require.NoError(t, s.UpdateTask(ctx, cancelled))

	task.Status = core.TaskStatusActive
	task.NextRunAt = ptr(base.Add(30 * time.Minute))
	applied, err := s.FinishRun(ctx, task)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusDisabled, got.Status)
}

func TestReclaimStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusPending, ptr(base))
	require.NoError(t, s.CreateTask(ctx, task))
	ok, err := s.TryClaim(ctx, task.ID, core.TaskStatusPending, base)
	require.NoError(t, err)
	require.True(t, ok)

	later := base.Add(15 * time.Minute)
	staleBefore := later.Add(-10 * time.Minute)
	stale, err := s.ListStale(ctx, staleBefore)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	ok, err = s.ReclaimStale(ctx, task.ID, staleBefore, later)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReclaimStale(ctx, task.ID, staleBefore, later)
	require.NoError(t, err)
	assert.False(t, ok, "a reclaimed task is fresh again")
}

func TestExecutionsHistoryAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusActive, ptr(base))
	other := newTask("u1", core.TaskStatusActive, ptr(base))
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.CreateTask(ctx, other))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendExecutionRecord(ctx, &core.ExecutionRecord{
			TaskID:   task.ID,
			FiredAt:  base.Add(time.Duration(i) * time.Minute),
			Outcome:  core.OutcomeFailure,
			Detail:   "boom",
			Duration: 1500 * time.Millisecond,
		}))
	}
	require.NoError(t, s.AppendExecutionRecord(ctx, &core.ExecutionRecord{TaskID: other.ID, FiredAt: base, Outcome: core.OutcomeSuccess}))

	records, err := s.ListExecutions(ctx, task.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.True(t, base.Add(4*time.Minute).Equal(records[0].FiredAt))
	assert.Equal(t, 1500*time.Millisecond, records[0].Duration)

	require.NoError(t, s.PruneExecutions(ctx, 2))
	records, err = s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	otherRecords, err := s.ListExecutions(ctx, other.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, otherRecords, 1)

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	records, err = s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.ErrorIs(t, s.DeleteTask(ctx, task.ID), ErrTaskNotFound)
}

type staticExecutor struct{}

func (staticExecutor) Execute(context.Context, string, core.Action) (string, error) {
	return "delivered", nil
}

func TestSchedulerAgainstSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask("u1", core.TaskStatusPending, ptr(base))
	task.Trigger = core.OneOff(base)
	require.NoError(t, s.CreateTask(ctx, task))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := core.NewScheduler(s, staticExecutor{}, logger, core.SchedulerOptions{Now: s.Clock, Location: time.UTC})
	sched.Tick(ctx)
	sched.Wait()

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	records, err := s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "delivered", records[0].Detail)
}
