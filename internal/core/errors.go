package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMoreRuns is returned by NextRun when a trigger will never fire again.
	ErrNoMoreRuns = errors.New("no more runs")
	// ErrInvalidTrigger marks a trigger that cannot be resolved. Tasks carrying one are disabled.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrUnknownActionType is a configuration error; the task fails without retry.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrInvalidAction marks an action missing required fields.
	ErrInvalidAction = errors.New("invalid action")
	// ErrClaimConflict is returned by RunNow when another worker owns the task.
	ErrClaimConflict = errors.New("task already claimed")
	// ErrNotRunnable is returned by RunNow for tasks that are completed, failed or disabled.
	ErrNotRunnable = errors.New("task is not runnable")
	// ErrPoolSaturated is returned by RunNow when every worker slot is busy.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrNotFound is returned by stores for unknown task ids.
	ErrNotFound = errors.New("task not found")
)

// ActionError wraps a failure of an action collaborator. It is retried by the scheduler.
type ActionError struct {
	Action ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func actionError(t ActionType, err error) error {
	return &ActionError{Action: t, Err: err}
}

func invalidTrigger(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
}
