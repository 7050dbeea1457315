// Package orchestrator owns the worker pool that drains the task queue and
// dispatches tasks to registered agents by (agent, method) name.
package orchestrator

import (
	"context"
	"time"
)

// MethodFunc is one invocable agent method. It receives the task's payload
// and returns the result payload recorded on completion.
type MethodFunc func(ctx context.Context, data map[string]any) (map[string]any, error)

// Agent is the contract an agent implements to receive tasks. Methods
// returns a static binding table built once at registration, so a typo in a
// task's method name is caught at dispatch instead of via reflection.
type Agent interface {
	// Type returns the agent's registry name (e.g. "scoring_agent").
	Type() string

	// Methods returns the method name to handler binding table.
	Methods() map[string]MethodFunc
}

// WorkerStatus is the current state of a worker.
type WorkerStatus string

// Worker statuses.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  int64        `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth is a snapshot of the whole pool.
type PoolHealth struct {
	IsHealthy      bool           `json:"is_healthy"`
	QueueReachable bool           `json:"queue_reachable"`
	QueueError     string         `json:"queue_error,omitempty"`
	QueueDepth     int            `json:"queue_depth"`
	ActiveWorkers  int            `json:"active_workers"`
	TotalWorkers   int            `json:"total_workers"`
	Agents         []string       `json:"agents"`
	WorkerStats    []WorkerHealth `json:"worker_stats"`
}
