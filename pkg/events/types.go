// Package events is the in-process progress event bus. Components publish
// typed lifecycle events; observers subscribe with buffered channels and
// fall behind safely — a full subscriber drops events rather than blocking
// the publisher.
package events

import "time"

// EventType identifies a lifecycle event.
type EventType string

// Task lifecycle events.
const (
	TypeTaskEnqueued  EventType = "task.enqueued"
	TypeTaskClaimed   EventType = "task.claimed"
	TypeTaskCompleted EventType = "task.completed"
	TypeTaskFailed    EventType = "task.failed"
	TypeTaskCancelled EventType = "task.cancelled"
)

// Worker and queue events.
const (
	TypeWorkerStarted EventType = "worker.started"
	TypeWorkerStopped EventType = "worker.stopped"
	TypeQueueEmpty    EventType = "queue.empty"
)

// Pipeline stage events.
const (
	TypeStageStart EventType = "pipeline.stage_start"
	TypeStageEnd   EventType = "pipeline.stage_end"
)

// Event is one progress notification. Data carries event-specific fields;
// consumers must not mutate it.
type Event struct {
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
