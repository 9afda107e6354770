package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the SQL stores.
type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	tasks   map[string]*Task
	records []*ExecutionRecord
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, tasks: make(map[string]*Task)}
}

func cloneTask(t *Task) *Task {
	c := *t
	return &c
}

func (m *memStore) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *memStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = m.now().UTC()
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

func (m *memStore) ListDue(_ context.Context, now time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Task
	for _, t := range m.tasks {
		if t.Status.Schedulable() && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			due = append(due, cloneTask(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (m *memStore) ListStale(_ context.Context, staleBefore time.Time) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusRunning && !t.UpdatedAt.After(staleBefore) {
			stale = append(stale, cloneTask(t))
		}
	}
	return stale, nil
}

func (m *memStore) TryClaim(_ context.Context, id string, expected TaskStatus, now time.Time) (bool, error) {
	return m.claim(id, expected, now, true)
}

func (m *memStore) ClaimNow(_ context.Context, id string, expected TaskStatus, now time.Time) (bool, error) {
	return m.claim(id, expected, now, false)
}

func (m *memStore) claim(id string, expected TaskStatus, now time.Time, due bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || !expected.Schedulable() || t.Status != expected {
		return false, nil
	}
	if due && (t.NextRunAt == nil || t.NextRunAt.After(now)) {
		return false, nil
	}
	t.Status = TaskStatusRunning
	t.UpdatedAt = now.UTC()
	return true, nil
}

func (m *memStore) ReclaimStale(_ context.Context, id string, staleBefore, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskStatusRunning || t.UpdatedAt.After(staleBefore) {
		return false, nil
	}
	t.UpdatedAt = now.UTC()
	return true, nil
}

func (m *memStore) FinishRun(_ context.Context, task *Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[task.ID]
	if !ok || t.Status != TaskStatusRunning {
		return false, nil
	}
	task.UpdatedAt = m.now().UTC()
	m.tasks[task.ID] = cloneTask(task)
	return true, nil
}

func (m *memStore) AppendExecutionRecord(_ context.Context, record *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *record
	m.records = append(m.records, &c)
	return nil
}

func (m *memStore) PruneExecutions(_ context.Context, keep int) error {
	return nil
}

func (m *memStore) recordsFor(taskID string) []*ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ExecutionRecord
	for _, r := range m.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) setStatus(id string, status TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id].Status = status
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
