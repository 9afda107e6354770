package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"taskpilot/internal/core"
	"taskpilot/internal/store"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// setupStore starts a throwaway Postgres container. It is opt-in because it
// needs a Docker daemon.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TASKPILOT_POSTGRES_TESTS") != "1" {
		t.Skip("set TASKPILOT_POSTGRES_TESTS=1 to run Postgres integration tests")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "taskpilot",
			"POSTGRES_PASSWORD": "taskpilot",
			"POSTGRES_DB":       "taskpilot",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://taskpilot:taskpilot@%s:%s/taskpilot?sslmode=disable", host, port.Port())

	require.NoError(t, Migrate(dsn))
	version, dirty, err := SchemaVersion(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.WithClock(func() time.Time { return base })
}

func newTask(status core.TaskStatus, next time.Time) *core.Task {
	return &core.Task{
		ID:         core.NewID(),
		UserID:     "u1",
		Name:       "stretch",
		Trigger:    core.Interval(time.Hour),
		Action:     core.Action{Type: core.ActionSendMessage, Message: "stretch"},
		Status:     status,
		NextRunAt:  &next,
		MaxRetries: 2,
	}
}

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := newTask(core.TaskStatusPending, base)
	task.Action = core.Action{Type: core.ActionWebhook, URL: "https://example.com/h", Metadata: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateTask(ctx, task))
	future := newTask(core.TaskStatusActive, base.Add(time.Hour))
	require.NoError(t, s.CreateTask(ctx, future))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Action, got.Action)
	assert.True(t, base.Equal(*got.NextRunAt))

	due, err := s.ListDue(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	listed, err := s.ListTasks(ctx, store.TaskFilter{UserID: "u1", Status: core.TaskStatusActive})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, future.ID, listed[0].ID)

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

	ok, err := s.TryClaim(ctx, future.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.False(t, ok, "tasks are not claimed before they are due")

	require.NoError(t, s.DisableTask(ctx, future.ID))
	enabled, err := s.EnableTask(ctx, future.ID, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, enabled)
	enabled, err = s.EnableTask(ctx, future.ID, base)
	require.NoError(t, err)
	assert.False(t, enabled, "only disabled or failed tasks are enabled")
	ok, err = s.TryClaim(ctx, future.ID, core.TaskStatusActive, base)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, s.DisableTask(ctx, "missing"), store.ErrTaskNotFound)

	task.Status = core.TaskStatusActive
	applied, err := s.FinishRun(ctx, task)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.FinishRun(ctx, task)
	require.NoError(t, err)
	assert.False(t, applied, "finish only applies to running tasks")

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendExecutionRecord(ctx, &core.ExecutionRecord{
			TaskID:  task.ID,
			FiredAt: base.Add(time.Duration(i) * time.Minute),
			Outcome: core.OutcomeSuccess,
		}))
	}
	require.NoError(t, s.PruneExecutions(ctx, 3))
	records, err := s.ListExecutions(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, base.Add(3*time.Minute).Equal(records[0].FiredAt))

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
