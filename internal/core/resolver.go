package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// NextRun computes the next fire time of trigger strictly after now.
//
// One-off triggers in the past return ErrNoMoreRuns. Interval triggers anchor
// to now, so repeated resolution drifts by however late each fire was.
// Recurring triggers are evaluated in the trigger's timezone, or loc when the
// trigger does not name one.
func NextRun(trigger Trigger, now time.Time, loc *time.Location) (time.Time, error) {
	switch trigger.Type {
	case TriggerOneOff:
		if trigger.At == nil {
			return time.Time{}, invalidTrigger("one_off trigger without time")
		}
		if !trigger.At.After(now) {
			return time.Time{}, ErrNoMoreRuns
		}
		return trigger.At.UTC(), nil
	case TriggerInterval:
		if trigger.EveryMillis <= 0 {
			return time.Time{}, invalidTrigger("interval must be positive, got %dms", trigger.EveryMillis)
		}
		return now.Add(trigger.Every()).UTC(), nil
	case TriggerRecurring:
		schedule, err := ParseCron(trigger.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		tz, err := triggerLocation(trigger, loc)
		if err != nil {
			return time.Time{}, err
		}
		next := schedule.Next(now.In(tz))
		if next.IsZero() {
			return time.Time{}, invalidTrigger("cron expression %q never matches", trigger.CronExpr)
		}
		return next.UTC(), nil
	default:
		return time.Time{}, invalidTrigger("unknown trigger type %q", trigger.Type)
	}
}

func triggerLocation(trigger Trigger, loc *time.Location) (*time.Location, error) {
	if trigger.Timezone != "" {
		tz, err := time.LoadLocation(trigger.Timezone)
		if err != nil {
			return nil, invalidTrigger("unknown timezone %q", trigger.Timezone)
		}
		return tz, nil
	}
	if loc == nil {
		return time.UTC, nil
	}
	return loc, nil
}

// Validate checks the trigger's structural fields without resolving it.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerOneOff:
		if t.At == nil || t.At.IsZero() {
			return invalidTrigger("one_off trigger requires at")
		}
	case TriggerInterval:
		if t.EveryMillis <= 0 {
			return invalidTrigger("interval trigger requires every_millis > 0")
		}
	case TriggerRecurring:
		if _, err := ParseCron(t.CronExpr); err != nil {
			return err
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return invalidTrigger("unknown timezone %q", t.Timezone)
			}
		}
	default:
		return invalidTrigger("unknown trigger type %q", t.Type)
	}
	return nil
}

// Validate checks that the fields required by the action type are present.
func (a Action) Validate() error {
	switch a.Type {
	case ActionSendMessage:
		if strings.TrimSpace(a.Message) == "" {
			return fmt.Errorf("%w: send_message requires message", ErrInvalidAction)
		}
	case ActionAIRequest:
		if strings.TrimSpace(a.Prompt) == "" {
			return fmt.Errorf("%w: ai_request requires prompt", ErrInvalidAction)
		}
	case ActionWebhook:
		u, err := url.Parse(a.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook requires an absolute http(s) url", ErrInvalidAction)
		}
	case ActionRunCommand, ActionCustom:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	return nil
}

// Upcoming lists up to n fire times after now, as if every fire happened on
// time. It stops early when the trigger runs out.
func Upcoming(trigger Trigger, now time.Time, loc *time.Location, n int) ([]time.Time, error) {
	times := make([]time.Time, 0, n)
	cur := now
	for len(times) < n {
		next, err := NextRun(trigger, cur, loc)
		if errors.Is(err, ErrNoMoreRuns) {
			break
		}
		if err != nil {
			return nil, err
		}
		times = append(times, next)
		cur = next
	}
	return times, nil
}

// InitialRun returns the first nextRunAt for a freshly created task. A one-off
// whose time already elapsed is due immediately and completes after one fire.
func InitialRun(trigger Trigger, now time.Time, loc *time.Location) (time.Time, error) {
	next, err := NextRun(trigger, now, loc)
	if err == ErrNoMoreRuns && trigger.Type == TriggerOneOff {
		return now.UTC(), nil
	}
	return next, err
}
