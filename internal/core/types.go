package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDisabled  TaskStatus = "disabled"
)

// Schedulable reports whether the scheduler may claim a task in this status.
func (s TaskStatus) Schedulable() bool {
	return s == TaskStatusPending || s == TaskStatusActive
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusActive, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusDisabled:
		return true
	}
	return false
}

// TriggerType selects which fields of a Trigger are meaningful.
type TriggerType string

const (
	TriggerOneOff    TriggerType = "one_off"
	TriggerRecurring TriggerType = "recurring"
	TriggerInterval  TriggerType = "interval"
)

// Trigger is the timing rule of a task.
//
//   - one_off:   At
//   - recurring: CronExpr (5 fields), optional Timezone
//   - interval:  EveryMillis
type Trigger struct {
	Type        TriggerType `json:"type"`
	At          *time.Time  `json:"at,omitempty"`
	CronExpr    string      `json:"cron_expr,omitempty"`
	EveryMillis int64       `json:"every_millis,omitempty"`
	Timezone    string      `json:"timezone,omitempty"`
}

// OneOff builds a trigger firing once at t.
func OneOff(t time.Time) Trigger {
	at := t.UTC()
	return Trigger{Type: TriggerOneOff, At: &at}
}

// Recurring builds a cron trigger.
func Recurring(expr string) Trigger {
	return Trigger{Type: TriggerRecurring, CronExpr: expr}
}

// Interval builds a fixed-interval trigger.
func Interval(every time.Duration) Trigger {
	return Trigger{Type: TriggerInterval, EveryMillis: every.Milliseconds()}
}

// Every returns the interval duration of an interval trigger.
func (t Trigger) Every() time.Duration {
	return time.Duration(t.EveryMillis) * time.Millisecond
}

// ActionType selects which fields of an Action are meaningful.
type ActionType string

const (
	ActionSendMessage ActionType = "send_message"
	ActionAIRequest   ActionType = "ai_request"
	ActionWebhook     ActionType = "webhook"
	ActionRunCommand  ActionType = "run_command"
	ActionCustom      ActionType = "custom"
)

// Action is the side effect performed when a task fires.
// run_command and custom are accepted and stored but never executed.
type Action struct {
	Type       ActionType     `json:"type"`
	Platform   string         `json:"platform,omitempty"`
	Message    string         `json:"message,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	SendToUser bool           `json:"send_to_user,omitempty"`
	URL        string         `json:"url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Command    string         `json:"command,omitempty"`
	Code       string         `json:"code,omitempty"`
}

// Task is a persisted, schedulable unit of work.
type Task struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Trigger    Trigger    `json:"trigger"`
	Action     Action     `json:"action"`
	Status     TaskStatus `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Outcome is the result class of a single fire attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionRecord captures a single fire attempt of a task. Records are append-only.
type ExecutionRecord struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	FiredAt  time.Time     `json:"fired_at"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail"`
	Duration time.Duration `json:"duration_ns"`
}
