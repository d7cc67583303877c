package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskKind identifies the remote operation a task performs.
type TaskKind string

const (
	TaskKindUpload   TaskKind = "upload"
	TaskKindDownload TaskKind = "download"
	TaskKindDelete   TaskKind = "delete"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// RunStatus describes the state of an individual execution attempt.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Task represents one unit of scheduled file-transfer work. ID, Kind, Source,
// Destination, ScheduledAt, Recurring and IntervalMinutes are fixed at
// creation; the remaining fields are mutated by the scheduler loop.
type Task struct {
	ID              string
	Kind            TaskKind
	Source          string
	Destination     string
	ScheduledAt     time.Time
	Recurring       bool
	IntervalMinutes int
	Status          TaskStatus
	LastRun         *time.Time
	NextRun         time.Time
	ErrorMessage    string
}

// Run captures a single execution attempt of a task.
type Run struct {
	ID          string
	TaskID      string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Error       *string
	CreatedAt   time.Time
}

// ErrInvalidTask wraps all task validation failures.
var ErrInvalidTask = errors.New("invalid task")

// NewTask validates the immutable task fields and returns a pending task with
// a fresh id and NextRun initialized to scheduledAt. A zero scheduledAt means
// "as soon as possible" and is replaced with the current time. Recurring tasks
// must carry a positive interval; a zero interval would re-arm the task into a
// tight loop.
func NewTask(kind TaskKind, source, destination string, scheduledAt time.Time, recurring bool, intervalMinutes int) (*Task, error) {
	source = strings.TrimSpace(source)
	destination = strings.TrimSpace(destination)

	switch kind {
	case TaskKindUpload, TaskKindDownload:
		if destination == "" {
			return nil, fmt.Errorf("%w: destination is required for %s tasks", ErrInvalidTask, kind)
		}
	case TaskKindDelete:
		// Delete operates on the source path only.
	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", ErrInvalidTask, kind)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidTask)
	}
	if intervalMinutes < 0 {
		return nil, fmt.Errorf("%w: interval must not be negative", ErrInvalidTask)
	}
	if recurring && intervalMinutes == 0 {
		return nil, fmt.Errorf("%w: recurring tasks require a positive interval", ErrInvalidTask)
	}
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	return &Task{
		ID:              NewID(),
		Kind:            kind,
		Source:          source,
		Destination:     destination,
		ScheduledAt:     scheduledAt,
		Recurring:       recurring,
		IntervalMinutes: intervalMinutes,
		Status:          TaskStatusPending,
		NextRun:         scheduledAt,
	}, nil
}

// Interval returns the recurrence interval as a duration.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// Due reports whether the task is eligible for execution at now.
func (t *Task) Due(now time.Time) bool {
	return t.Status == TaskStatusPending && !t.NextRun.After(now)
}
