// internal/scheduler/event.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoTask          = errors.New("event task is required")
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrStartAndDelay   = errors.New("set one of start time or delay, not both")
	ErrEventNotFound   = errors.New("event not found")
)

// Task is the work an event performs when it fires.
type Task func(ctx context.Context) error

// Event is something the scheduler fires at a point in time.
type Event interface {
	// Due returns when the event should fire next.
	Due() time.Time
	// Trigger runs the task. A non-nil next event is queued under the same ID.
	Trigger(ctx context.Context, now time.Time) (next Event, err error)
	Describe() string
}

// SingleEvent fires once at At.
type SingleEvent struct {
	At   time.Time
	Name string
	Task Task
}

// NewSingleEvent creates a one-time event.
func NewSingleEvent(at time.Time, name string, task Task) (*SingleEvent, error) {
	if task == nil {
		return nil, ErrNoTask
	}
	return &SingleEvent{At: at, Name: name, Task: task}, nil
}

func (e *SingleEvent) Due() time.Time { return e.At }

func (e *SingleEvent) Trigger(ctx context.Context, _ time.Time) (Event, error) {
	return nil, e.Task(ctx)
}

func (e *SingleEvent) Describe() string {
	return fmt.Sprintf("one-time event %q at %s", e.Name, e.At.Format(time.DateTime))
}

// RecurringOptions controls when a recurring event first fires and stops.
// StartAt and Delay are mutually exclusive; with neither the event fires
// immediately.
type RecurringOptions struct {
	StartAt time.Time
	Delay   time.Duration
	StopAt  time.Time
}

// RecurringEvent fires every Interval until StopAt.
type RecurringEvent struct {
	Interval time.Duration
	Name     string
	Task     Task
	StopAt   time.Time

	next time.Time
}

// NewRecurringEvent creates a recurring event whose first occurrence is
// computed relative to now. A StartAt in the past is advanced by whole
// intervals until it lies in the future.
func NewRecurringEvent(interval time.Duration, name string, task Task, opts RecurringOptions, now time.Time) (*RecurringEvent, error) {
	if task == nil {
		return nil, ErrNoTask
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if !opts.StartAt.IsZero() && opts.Delay > 0 {
		return nil, ErrStartAndDelay
	}

	e := &RecurringEvent{Interval: interval, Name: name, Task: task, StopAt: opts.StopAt}
	switch {
	case !opts.StartAt.IsZero():
		e.next = advance(opts.StartAt, interval, now)
	case opts.Delay > 0:
		e.next = now.Add(opts.Delay)
	default:
		e.next = now
	}
	return e, nil
}

// NewDailyEvent fires every day at the given wall-clock time.
func NewDailyEvent(hour, minute, second int, name string, task Task, now time.Time) (*RecurringEvent, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return nil, fmt.Errorf("invalid time of day %02d:%02d:%02d", hour, minute, second)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, now.Location())
	return NewRecurringEvent(24*time.Hour, name, task, RecurringOptions{StartAt: start}, now)
}

func (e *RecurringEvent) Due() time.Time { return e.next }

// Trigger runs the task and returns the following occurrence, or nil once
// the next occurrence would not come before StopAt. Missed occurrences are
// skipped rather than fired in a burst.
func (e *RecurringEvent) Trigger(ctx context.Context, now time.Time) (Event, error) {
	err := e.Task(ctx)

	next := advance(e.next, e.Interval, now)
	if !e.StopAt.IsZero() && !next.Before(e.StopAt) {
		return nil, err
	}
	following := *e
	following.next = next
	return &following, err
}

func (e *RecurringEvent) Describe() string {
	msg := fmt.Sprintf("recurring event %q every %s, next %s", e.Name, e.Interval, e.next.Format(time.DateTime))
	if !e.StopAt.IsZero() {
		msg += ", until " + e.StopAt.Format(time.DateTime)
	}
	return msg
}

// advance returns the first from+k*interval, k >= 1 when from <= now,
// that is after now.
func advance(from time.Time, interval time.Duration, now time.Time) time.Time {
	if from.After(now) {
		return from
	}
	steps := now.Sub(from)/interval + 1
	return from.Add(steps * interval)
}
