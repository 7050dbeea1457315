// Package queue provides the durable, priority-ordered task queue backing
// the agent orchestrator. Tasks are persisted in a single local SQLite file
// and survive process restarts; a stale-lease recovery pass returns work
// abandoned by a crashed worker to the queue.
package queue

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates no pending task matched the claim filter.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrTaskNotFound indicates the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the requested status change is not
	// allowed from the task's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StorageError wraps a failure of the underlying queue file. Storage errors
// are never retried internally; callers decide whether to back off.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// ValidationError reports bad arguments from a caller. It is surfaced
// directly and never recorded as a task failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Priority orders tasks within the queue. Stored on disk as an integer so
// SQL index ordering is natural; higher values win.
type Priority int

// Task priorities, totally ordered Urgent > High > Normal > Low.
const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
	PriorityUrgent Priority = 40
)

// IsValid returns true if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task. Exactly one status holds at any
// instant; transitions from PENDING go only to PROCESSING, and PROCESSING
// goes to COMPLETED, FAILED, or back to PENDING on lease recovery.
type Status string

// Task statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal returns true for statuses a task never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one durable unit of work handed from a submitter to a worker.
type Task struct {
	ID          int64          `json:"id"`
	TargetAgent string         `json:"target_agent"`
	Method      string         `json:"method"`
	Data        map[string]any `json:"data,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EnqueueRequest describes a task to enqueue. Priority defaults to
// PriorityNormal and MaxAttempts to DefaultMaxAttempts when left zero.
type EnqueueRequest struct {
	TargetAgent string
	Method      string
	Data        map[string]any
	Priority    Priority
	MaxAttempts int
}

// DefaultMaxAttempts is the claim bound applied when an EnqueueRequest
// leaves MaxAttempts zero.
const DefaultMaxAttempts = 3
