package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/core"
	"taskpilot/internal/nlparse"
	"taskpilot/internal/service"
	"taskpilot/internal/store"
)

var now = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type runnerFunc func(ctx context.Context, id string) error

func (f runnerFunc) RunNow(ctx context.Context, id string) error { return f(ctx, id) }

type testAPI struct {
	handler http.Handler
	store   *store.Store
	ran     []string
}

func newTestAPI(t *testing.T, token string) *testAPI {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	st.Clock = func() time.Time { return now }
	t.Cleanup(func() { st.Close() })

	ta := &testAPI{store: st}
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	parser := nlparse.New(nlparse.WithLocation(time.UTC), nlparse.WithClock(clock))
	runner := runnerFunc(func(_ context.Context, id string) error {
		if _, err := st.GetTask(context.Background(), id); err != nil {
			return err
		}
		ta.ran = append(ta.ran, id)
		return nil
	})
	svc := service.New(st, runner, parser, logger, service.Options{Location: time.UTC, MaxRetries: 3, Now: clock})
	ta.handler = NewServer("127.0.0.1:0", token, svc, nil, logger).Handler()
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestParseEndpoints(t *testing.T) {
	ta := newTestAPI(t, "")

	rec := ta.do(t, http.MethodPost, "/v1/parse", map[string]string{"text": "every 30 minutes remind me to drink water", "user_id": "9"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[nlparse.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, core.TriggerInterval, res.Task.Trigger.Type)
	assert.Equal(t, "drink water", res.Task.Action.Message)

	tasks, err := ta.store.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "parse must not persist")

	rec = ta.do(t, http.MethodGet, "/v1/parse/examples", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	examples := decode[map[string][]string](t, rec)
	assert.Len(t, examples["examples"], 10)
}

func TestCreateFromTextAndList(t *testing.T) {
	ta := newTestAPI(t, "")

	rec := ta.do(t, http.MethodPost, "/v1/tasks", map[string]string{"user_id": "9", "text": "remind me tomorrow at 3pm to call John"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[scheduledResponse](t, rec)
	assert.Equal(t, 1.0, created.Confidence)
	assert.Equal(t, nlparse.RuleAbsoluteDay, created.Rule)
	assert.True(t, time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC).Equal(*created.Task.NextRunAt))

	rec = ta.do(t, http.MethodPost, "/v1/tasks", map[string]string{"user_id": "9", "text": "banana bread"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	failed := decode[nlparse.Result](t, rec)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "Try phrasing like")

	rec = ta.do(t, http.MethodGet, "/v1/tasks?user_id=9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.Task](t, rec), 1)

	rec = ta.do(t, http.MethodGet, "/v1/tasks?user_id=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ta.do(t, http.MethodGet, "/v1/tasks?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExplicitTask(t *testing.T) {
	ta := newTestAPI(t, "")

	rec := ta.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "9",
		"name":    "nightly export",
		"trigger": map[string]any{"type": "recurring", "cron_expr": "0 2 * * *"},
		"action":  map[string]any{"type": "webhook", "url": "https://hooks.example.com/export"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[core.Task](t, rec)
	assert.Equal(t, "nightly export", task.Name)
	assert.Equal(t, core.TaskStatusPending, task.Status)

	rec = ta.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "9",
		"trigger": map[string]any{"type": "interval", "every_millis": 0},
		"action":  map[string]any{"type": "send_message", "message": "hi"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_trigger")

	rec = ta.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id": "9",
		"trigger": map[string]any{"type": "interval", "every_millis": 60000},
		"action":  map[string]any{"type": "teleport"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_action")

	rec = ta.do(t, http.MethodPost, "/v1/tasks", map[string]any{"text": "every hour remind me to stretch"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskLifecycle(t *testing.T) {
	ta := newTestAPI(t, "")

	rec := ta.do(t, http.MethodPost, "/v1/tasks", map[string]string{"user_id": "9", "text": "every hour remind me to stretch"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[scheduledResponse](t, rec).Task.ID

	rec = ta.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{id}, ta.ran)

	rec = ta.do(t, http.MethodDelete, "/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.TaskStatusDisabled, decode[core.Task](t, rec).Status)

	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+id+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	enabled := decode[core.Task](t, rec)
	assert.Equal(t, core.TaskStatusActive, enabled.Status)
	assert.True(t, now.Add(time.Hour).Equal(*enabled.NextRunAt))

	require.NoError(t, ta.store.AppendExecutionRecord(context.Background(), &core.ExecutionRecord{
		ID: core.NewID(), TaskID: id, FiredAt: now, Outcome: core.OutcomeFailure, Detail: "send_message action failed: boom",
	}))
	rec = ta.do(t, http.MethodGet, "/v1/tasks/"+id+"/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]core.ExecutionRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, core.OutcomeFailure, records[0].Outcome)

	rec = ta.do(t, http.MethodDelete, "/v1/tasks/"+id+"?purge=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ta.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+id+"/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type executorFunc func(ctx context.Context, userID string, action core.Action) (string, error)

func (f executorFunc) Execute(ctx context.Context, userID string, action core.Action) (string, error) {
	return f(ctx, userID, action)
}

func TestRunNowRejectionStatuses(t *testing.T) {
	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	st.Clock = func() time.Time { return now }
	t.Cleanup(func() { st.Close() })

	release := make(chan struct{})
	exec := executorFunc(func(context.Context, string, core.Action) (string, error) {
		<-release
		return "ok", nil
	})
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := core.NewScheduler(st, exec, logger, core.SchedulerOptions{Workers: 1, Location: time.UTC, Now: clock})
	svc := service.New(st, sched, nlparse.New(nlparse.WithLocation(time.UTC), nlparse.WithClock(clock)), logger,
		service.Options{Location: time.UTC, MaxRetries: 3, Now: clock})
	ta := &testAPI{handler: NewServer("127.0.0.1:0", "", svc, nil, logger).Handler(), store: st}

	create := func(text string) string {
		rec := ta.do(t, http.MethodPost, "/v1/tasks", map[string]string{"user_id": "9", "text": text})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decode[scheduledResponse](t, rec).Task.ID
	}
	disabled := create("every hour remind me to stretch")
	busy := create("every day at 9am remind me to stand up")
	waiting := create("every 2 hours remind me to drink water")

	rec := ta.do(t, http.MethodDelete, "/v1/tasks/"+disabled, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+disabled+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "invalid_state")

	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+busy+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+busy+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ta.do(t, http.MethodPost, "/v1/tasks/"+waiting+"/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "busy")

	close(release)
	sched.Wait()
}

func TestPreviewTrigger(t *testing.T) {
	ta := newTestAPI(t, "")

	rec := ta.do(t, http.MethodPost, "/v1/triggers/preview", map[string]any{
		"trigger": map[string]any{"type": "recurring", "cron_expr": "0 9 * * 1", "timezone": "Europe/Berlin"},
		"count":   2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[previewResponse](t, rec)
	assert.Equal(t, "Europe/Berlin", resp.Timezone)
	assert.Equal(t, []string{"2026-03-09T09:00:00+01:00", "2026-03-16T09:00:00+01:00"}, resp.Times)

	rec = ta.do(t, http.MethodPost, "/v1/triggers/preview", map[string]any{
		"trigger": map[string]any{"type": "recurring", "cron_expr": "@hourly"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	ta := newTestAPI(t, "s3cret")

	rec := ta.do(t, http.MethodGet, "/v1/parse/examples", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, http.MethodGet, "/v1/parse/examples", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ta.do(t, http.MethodGet, "/v1/parse/examples", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/v1/parse/examples?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
