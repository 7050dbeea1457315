package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
)

// errorBackoffMultiplier stretches the poll interval after a storage error
// so a broken queue file is not hot-looped.
const errorBackoffMultiplier = 10

// worker is one pool member. It polls the queue for any registered agent,
// dispatches the claimed task, and records the outcome.
type worker struct {
	id   string
	orch *Orchestrator
	log  *slog.Logger
	wg   sync.WaitGroup

	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  int64
	tasksProcessed int
	lastActivity   time.Time
}

func newWorker(id string, orch *Orchestrator) *worker {
	return &worker{
		id:           id,
		orch:         orch,
		log:          slog.With("component", "orchestrator", "worker_id", id),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) wait() {
	w.wg.Wait()
}

func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// activeTask returns the task the worker is currently running, if any.
func (w *worker) activeTask() (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentTaskID, w.status == WorkerStatusWorking
}

func (w *worker) setStatus(status WorkerStatus, taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

func (w *worker) run() {
	defer w.wg.Done()

	w.log.Info("Worker started")
	w.orch.publish(events.TypeWorkerStarted, "Worker started", map[string]any{"worker_id": w.id})
	defer func() {
		w.orch.publish(events.TypeWorkerStopped, "Worker stopped", map[string]any{"worker_id": w.id})
		w.log.Info("Worker stopped")
	}()

	sawWork := true // emit queue.empty only on the busy→empty edge
	for {
		select {
		case <-w.orch.stopCh:
			return
		default:
		}

		agents := w.orch.agentNames()
		if len(agents) == 0 {
			w.sleep(w.pollInterval())
			continue
		}

		task, err := w.orch.queue.ClaimNextAny(context.Background(), agents)
		if err != nil {
			if errors.Is(err, queue.ErrNoTasksAvailable) {
				if sawWork {
					sawWork = false
					w.orch.publish(events.TypeQueueEmpty, "Queue empty", map[string]any{"worker_id": w.id})
				}
				w.sleep(w.pollInterval())
				continue
			}
			var storageErr *queue.StorageError
			if errors.As(err, &storageErr) {
				// Pause claiming until the storage problem clears.
				w.log.Error("Queue storage error, backing off", "error", err)
				w.sleep(w.pollInterval() * errorBackoffMultiplier)
				continue
			}
			w.log.Error("Claim failed", "error", err)
			w.sleep(w.pollInterval())
			continue
		}

		sawWork = true
		w.process(task)
	}
}

// process runs one claimed task through its agent method and records the
// outcome. Uses a background context for the terminal transition so results
// are not lost when the pool is stopping.
func (w *worker) process(task *queue.Task) {
	log := w.log.With("task_id", task.ID, "agent", task.TargetAgent, "method", task.Method)

	// Cancelled during the claim race? Skip invocation.
	current, err := w.orch.queue.Get(context.Background(), task.ID)
	if err != nil {
		log.Error("Post-claim status check failed", "error", err)
		return
	}
	if current.Status == queue.StatusCancelled {
		log.Info("Task cancelled before invocation, skipping")
		return
	}

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, 0)

	w.orch.publish(events.TypeTaskClaimed, "Task claimed", map[string]any{
		"task_id":      task.ID,
		"target_agent": task.TargetAgent,
		"method":       task.Method,
		"worker_id":    w.id,
		"attempt":      task.Attempts,
	})
	log.Info("Task claimed", "attempt", task.Attempts)

	handler, ok := w.orch.resolve(task.TargetAgent, task.Method)
	if !ok {
		w.finishFailed(task, log, fmt.Sprintf("no registered method %s.%s", task.TargetAgent, task.Method))
		return
	}

	// Heartbeat while the method runs so stale-lease recovery can tell a
	// slow task from a dead worker.
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	result, err := w.invoke(heartbeatCtx, handler, task.Data)
	stopHeartbeat()

	if err != nil {
		w.finishFailed(task, log, err.Error())
		return
	}

	if err := w.orch.queue.Complete(context.Background(), task.ID, result); err != nil {
		// A concurrent cancel is absorbed by the queue; anything else here
		// means the terminal state was decided elsewhere (e.g. hard shutdown).
		log.Warn("Could not record completion", "error", err)
		return
	}
	w.bumpProcessed()
	log.Info("Task completed")
}

// invoke calls the handler, converting a panic into an error so one bad
// agent method cannot take the worker down.
func (w *worker) invoke(ctx context.Context, handler MethodFunc, data map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent method panicked: %v", r)
		}
	}()
	return handler(ctx, data)
}

func (w *worker) finishFailed(task *queue.Task, log *slog.Logger, errMsg string) {
	// The queue publishes the task.failed event on this transition.
	if err := w.orch.queue.Fail(context.Background(), task.ID, errMsg); err != nil {
		log.Warn("Could not record failure", "error", err)
		return
	}
	w.bumpProcessed()
	log.Warn("Task failed", "error", errMsg)
}

func (w *worker) bumpProcessed() {
	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()
}

func (w *worker) runHeartbeat(ctx context.Context, taskID int64) {
	ticker := time.NewTicker(w.orch.cfg.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.orch.queue.Touch(ctx, taskID); err != nil {
				w.log.Warn("Heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// pollInterval returns the configured poll interval with ±20% jitter.
func (w *worker) pollInterval() time.Duration {
	base := w.orch.cfg.PollingInterval()
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// sleep waits for d or until the pool stops.
func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.orch.stopCh:
	case <-time.After(d):
	}
}
