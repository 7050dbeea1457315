package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/events"
)

// Queue is the durable task store. All state transitions run inside a
// single transaction on the underlying SQLite file; the single-connection
// pool serialises contending writers, so a task is claimed at most once.
type Queue struct {
	db   *sql.DB
	path string
	bus  *events.Bus
	log  *slog.Logger
}

func newQueue(db *sql.DB, path string, bus *events.Bus) *Queue {
	return &Queue{
		db:   db,
		path: path,
		bus:  bus,
		log:  slog.With("component", "queue", "path", path),
	}
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.path
}

// Close closes the queue file.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Ping verifies the queue file is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return newStorageError("ping", err)
	}
	return nil
}

// Enqueue durably stores a new PENDING task and returns its id. The task is
// immediately eligible for claim by a worker whose filter matches.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if strings.TrimSpace(req.TargetAgent) == "" {
		return 0, &ValidationError{Field: "target_agent", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Method) == "" {
		return 0, &ValidationError{Field: "method", Reason: "must not be empty"}
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	if !req.Priority.IsValid() {
		return 0, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown value %d", req.Priority)}
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	if req.MaxAttempts < 1 {
		return 0, &ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}

	data, err := marshalPayload(req.Data)
	if err != nil {
		return 0, &ValidationError{Field: "data", Reason: fmt.Sprintf("not serialisable: %v", err)}
	}

	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (target_agent, method, data, priority, status, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		req.TargetAgent, req.Method, data, int(req.Priority), string(StatusPending),
		req.MaxAttempts, now, now)
	if err != nil {
		return 0, newStorageError("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newStorageError("enqueue: last insert id", err)
	}

	q.publish(events.TypeTaskEnqueued, "Task enqueued", map[string]any{
		"task_id":      id,
		"target_agent": req.TargetAgent,
		"method":       req.Method,
		"priority":     req.Priority.String(),
	})
	return id, nil
}

// ClaimNext atomically claims the oldest PENDING task for the given agent,
// breaking ties by priority (descending) then age. The task transitions to
// PROCESSING and its attempt count is incremented. Returns
// ErrNoTasksAvailable when nothing matches.
func (q *Queue) ClaimNext(ctx context.Context, targetAgent string) (*Task, error) {
	if targetAgent == "" {
		return nil, &ValidationError{Field: "target_agent", Reason: "must not be empty"}
	}
	return q.claim(ctx, []string{targetAgent})
}

// ClaimNextAny is ClaimNext over a set of agents, used by workers serving
// the orchestrator's whole registry.
func (q *Queue) ClaimNextAny(ctx context.Context, targetAgents []string) (*Task, error) {
	if len(targetAgents) == 0 {
		return nil, &ValidationError{Field: "target_agents", Reason: "must not be empty"}
	}
	return q.claim(ctx, targetAgents)
}

func (q *Queue) claim(ctx context.Context, agents []string) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStorageError("claim: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(agents))
	args := make([]any, len(agents))
	for i, a := range agents {
		placeholders[i] = "?"
		args[i] = a
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'pending' AND target_agent IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1`, args...)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoTasksAvailable
		}
		return nil, newStorageError("claim: select", err)
	}

	now := q.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'processing', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'pending'`, now, task.ID)
	if err != nil {
		return nil, newStorageError("claim: update", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, newStorageError("claim: rows affected", err)
	} else if n != 1 {
		// Lost a race inside the transaction window; treat as empty poll.
		return nil, ErrNoTasksAvailable
	}

	if err := tx.Commit(); err != nil {
		return nil, newStorageError("claim: commit", err)
	}

	task.Status = StatusProcessing
	task.Attempts++
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, now)
	return task, nil
}

// Complete records a successful result and transitions the task to
// COMPLETED. A completion arriving after cancellation is silently ignored:
// the idempotent terminal state wins.
func (q *Queue) Complete(ctx context.Context, id int64, result map[string]any) error {
	payload, err := marshalPayload(result)
	if err != nil {
		return &ValidationError{Field: "result", Reason: fmt.Sprintf("not serialisable: %v", err)}
	}
	return q.finish(ctx, id, StatusCompleted, payload, "")
}

// Fail records a failure cause and transitions the task to FAILED. Fail is
// terminal: retries are explicit re-enqueues by the caller. A failure
// arriving after cancellation is silently ignored.
func (q *Queue) Fail(ctx context.Context, id int64, errMsg string) error {
	if errMsg == "" {
		errMsg = "unspecified error"
	}
	return q.finish(ctx, id, StatusFailed, "", errMsg)
}

func (q *Queue) finish(ctx context.Context, id int64, status Status, result, errMsg string) error {
	now := q.now()
	var res sql.Result
	var err error
	if status == StatusCompleted {
		res, err = q.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, result = ?, error = NULL, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			string(status), result, now, id)
	} else {
		res, err = q.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error = ?, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			string(status), errMsg, now, id)
	}
	if err != nil {
		return newStorageError("finish", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("finish: rows affected", err)
	}
	if n == 1 {
		evtType := events.TypeTaskCompleted
		msg := "Task completed"
		data := map[string]any{"task_id": id}
		if status == StatusFailed {
			evtType = events.TypeTaskFailed
			msg = "Task failed"
			data["error"] = errMsg
		}
		q.publish(evtType, msg, data)
		return nil
	}

	// No row matched: the task is gone, already terminal, or not claimed.
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == StatusCancelled {
		return nil
	}
	return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, task.Status)
}

// Cancel transitions a PENDING or PROCESSING task to CANCELLED. Cancelling
// an already-cancelled task is a no-op; a worker's eventual Complete or
// Fail for a cancelled task is ignored.
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`, q.now(), id)
	if err != nil {
		return newStorageError("cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("cancel: rows affected", err)
	}
	if n == 1 {
		q.publish(events.TypeTaskCancelled, "Task cancelled", map[string]any{"task_id": id})
		return nil
	}

	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == StatusCancelled {
		return nil
	}
	return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, id, task.Status)
}

// Get returns the task with the given id.
func (q *Queue) Get(ctx context.Context, id int64) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrTaskNotFound, id)
		}
		return nil, newStorageError("get", err)
	}
	return task, nil
}

// Touch bumps the updated_at heartbeat of a PROCESSING task so stale-lease
// recovery can tell a slow task from a dead worker. Touching a task that is
// no longer PROCESSING is a no-op.
func (q *Queue) Touch(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ? AND status = 'processing'`,
		q.now(), id)
	if err != nil {
		return newStorageError("touch", err)
	}
	return nil
}

// Stats returns a snapshot of task counts by status. An empty targetAgent
// counts the whole queue.
func (q *Queue) Stats(ctx context.Context, targetAgent string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks GROUP BY status`
	args := []any{}
	if targetAgent != "" {
		query = `SELECT status, COUNT(*) FROM tasks WHERE target_agent = ? GROUP BY status`
		args = append(args, targetAgent)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("stats", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, newStorageError("stats: scan", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("stats: rows", err)
	}
	return stats, nil
}

// PendingDepth returns the number of PENDING tasks across the given agents.
func (q *Queue) PendingDepth(ctx context.Context, targetAgents []string) (int, error) {
	if len(targetAgents) == 0 {
		var n int
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status = 'pending'`).Scan(&n); err != nil {
			return 0, newStorageError("pending depth", err)
		}
		return n, nil
	}
	placeholders := make([]string, len(targetAgents))
	args := make([]any, len(targetAgents))
	for i, a := range targetAgents {
		placeholders[i] = "?"
		args[i] = a
	}
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = 'pending' AND target_agent IN (`+
			strings.Join(placeholders, ",")+`)`, args...).Scan(&n); err != nil {
		return 0, newStorageError("pending depth", err)
	}
	return n, nil
}

// Cleanup deletes terminal tasks older than the given age and returns how
// many were removed.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timestampLayout)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, newStorageError("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("cleanup: rows affected", err)
	}
	if n > 0 {
		q.log.Info("Removed old terminal tasks", "count", n)
	}
	return n, nil
}

// RecoverStaleLeases sweeps PROCESSING tasks whose heartbeat is older than
// the horizon: back to PENDING while attempts remain, else FAILED with a
// lease-expired error. Run at startup and periodically by the maintenance
// service.
func (q *Queue) RecoverStaleLeases(ctx context.Context, horizon time.Duration) (requeued, failed int64, err error) {
	cutoff := time.Now().UTC().Add(-horizon).Format(timestampLayout)
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, newStorageError("recover: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', updated_at = ?
		 WHERE status = 'processing' AND updated_at < ? AND attempts < max_attempts`,
		now, cutoff)
	if err != nil {
		return 0, 0, newStorageError("recover: requeue", err)
	}
	requeued, err = res.RowsAffected()
	if err != nil {
		return 0, 0, newStorageError("recover: requeue rows", err)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', error = 'lease-expired', updated_at = ?
		 WHERE status = 'processing' AND updated_at < ? AND attempts >= max_attempts`,
		now, cutoff)
	if err != nil {
		return 0, 0, newStorageError("recover: fail", err)
	}
	failed, err = res.RowsAffected()
	if err != nil {
		return 0, 0, newStorageError("recover: fail rows", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, newStorageError("recover: commit", err)
	}

	if requeued > 0 || failed > 0 {
		q.log.Warn("Recovered stale leases", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}

func (q *Queue) publish(evtType events.EventType, msg string, data map[string]any) {
	q.bus.Publish(events.Event{Type: evtType, Message: msg, Data: data})
}

// timestampLayout is the on-disk timestamp format. The fractional part is
// fixed-width (RFC3339Nano trims trailing zeros) so lexicographic string
// comparison in SQL matches chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// now returns the current UTC time in the on-disk timestamp format.
func (q *Queue) now() string {
	return time.Now().UTC().Format(timestampLayout)
}

const taskColumns = `id, target_agent, method, data, priority, status, attempts, max_attempts, result, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task               Task
		priority           int
		status             string
		data               string
		result, errMsg     sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&task.ID, &task.TargetAgent, &task.Method, &data, &priority,
		&status, &task.Attempts, &task.MaxAttempts, &result, &errMsg,
		&createdAt, &updated); err != nil {
		return nil, err
	}

	task.Priority = Priority(priority)
	task.Status = Status(status)
	if errMsg.Valid {
		task.Error = errMsg.String
	}
	if err := unmarshalPayload(data, &task.Data); err != nil {
		return nil, fmt.Errorf("decoding task %d data: %w", task.ID, err)
	}
	if result.Valid {
		if err := unmarshalPayload(result.String, &task.Result); err != nil {
			return nil, fmt.Errorf("decoding task %d result: %w", task.ID, err)
		}
	}

	var err error
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing task %d created_at: %w", task.ID, err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parsing task %d updated_at: %w", task.ID, err)
	}
	return &task, nil
}

func marshalPayload(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s string, dst *map[string]any) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
