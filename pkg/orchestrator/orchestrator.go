package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
)

// Orchestrator owns a pool of workers draining the queue and a registry of
// named agents. Lifecycle is idempotent: duplicate Start and Stop calls are
// no-ops, and a stopped orchestrator can be started again.
type Orchestrator struct {
	queue *queue.Queue
	cfg   *config.OrchestratorConfig
	bus   *events.Bus
	log   *slog.Logger

	mu       sync.RWMutex
	registry map[string]map[string]MethodFunc
	workers  []*worker
	stopCh   chan struct{}
	started  bool
}

// New creates an orchestrator over the given queue. bus may be nil to
// disable progress events.
func New(q *queue.Queue, cfg *config.OrchestratorConfig, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		queue:    q,
		cfg:      cfg,
		bus:      bus,
		log:      slog.With("component", "orchestrator"),
		registry: make(map[string]map[string]MethodFunc),
	}
}

// Events returns the progress event bus (may be nil).
func (o *Orchestrator) Events() *events.Bus {
	return o.bus
}

// Queue returns the underlying task queue.
func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

// RegisterAgent binds the agent's name to its method table. Names are
// unique; registering an existing name replaces the previous binding.
func (o *Orchestrator) RegisterAgent(agent Agent) {
	name := agent.Type()
	methods := agent.Methods()

	table := make(map[string]MethodFunc, len(methods))
	for method, fn := range methods {
		table[method] = fn
	}

	o.mu.Lock()
	_, replaced := o.registry[name]
	o.registry[name] = table
	o.mu.Unlock()

	if replaced {
		o.log.Info("Agent re-registered", "agent", name, "methods", len(table))
	} else {
		o.log.Info("Agent registered", "agent", name, "methods", len(table))
	}
}

// agentNames returns the sorted registry names.
func (o *Orchestrator) agentNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.registry))
	for name := range o.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve looks up the handler for (agent, method).
func (o *Orchestrator) resolve(agent, method string) (MethodFunc, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	table, ok := o.registry[agent]
	if !ok {
		return nil, false
	}
	fn, ok := table[method]
	return fn, ok
}

// Start spawns the worker pool. Safe to call more than once.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.log.Warn("Orchestrator already started, ignoring duplicate Start call")
		return
	}
	o.started = true
	o.stopCh = make(chan struct{})
	o.workers = make([]*worker, 0, o.cfg.MaxWorkers)
	for i := 0; i < o.cfg.MaxWorkers; i++ {
		w := newWorker(fmt.Sprintf("worker-%d", i), o)
		o.workers = append(o.workers, w)
	}
	workers := o.workers
	o.mu.Unlock()

	o.log.Info("Starting orchestrator", "worker_count", len(workers))
	for _, w := range workers {
		w.start()
	}
}

// Stop signals workers to exit after finishing their current task and waits
// for them. In-flight tasks are not cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.stopCh)
	workers := o.workers
	o.mu.Unlock()

	o.log.Info("Stopping orchestrator gracefully")
	for _, w := range workers {
		w.wait()
	}
	o.log.Info("Orchestrator stopped")
}

// Shutdown is the hard stop variant: it signals workers, and once ctx
// expires it marks still-running tasks FAILED with a "shutdown" error. The
// workers' own goroutines still drain (their late Complete/Fail calls are
// rejected by the queue's terminal-state guard).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	close(o.stopCh)
	workers := o.workers
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.wait()
		}
		close(done)
	}()

	select {
	case <-done:
		o.log.Info("Orchestrator shut down gracefully")
		return nil
	case <-ctx.Done():
	}

	// Grace period expired: fail whatever is still running.
	failed := 0
	for _, w := range workers {
		if id, active := w.activeTask(); active {
			if err := o.queue.Fail(context.Background(), id, "shutdown"); err != nil {
				o.log.Warn("Failed to mark in-flight task as shutdown", "task_id", id, "error", err)
				continue
			}
			failed++
		}
	}
	o.log.Warn("Orchestrator shutdown deadline passed", "tasks_failed", failed)
	<-done
	return ctx.Err()
}

// Submit enqueues one task.
func (o *Orchestrator) Submit(ctx context.Context, req queue.EnqueueRequest) (int64, error) {
	return o.queue.Enqueue(ctx, req)
}

// SubmitBatch enqueues tasks in order and returns their ids. The first
// failure aborts the batch; already-enqueued ids are returned alongside the
// error.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []queue.EnqueueRequest) ([]int64, error) {
	ids := make([]int64, 0, len(reqs))
	for _, req := range reqs {
		id, err := o.queue.Enqueue(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("enqueueing task %d of %d: %w", len(ids)+1, len(reqs), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Health reports the pool and queue state.
func (o *Orchestrator) Health(ctx context.Context) *PoolHealth {
	o.mu.RLock()
	workers := make([]*worker, len(o.workers))
	copy(workers, o.workers)
	o.mu.RUnlock()

	agents := o.agentNames()

	health := &PoolHealth{
		TotalWorkers: len(workers),
		Agents:       agents,
		WorkerStats:  make([]WorkerHealth, 0, len(workers)),
	}
	for _, w := range workers {
		stats := w.health()
		health.WorkerStats = append(health.WorkerStats, stats)
		if stats.Status == WorkerStatusWorking {
			health.ActiveWorkers++
		}
	}

	health.QueueReachable = true
	if err := o.queue.Ping(ctx); err != nil {
		health.QueueReachable = false
		health.QueueError = err.Error()
	} else if depth, err := o.queue.PendingDepth(ctx, agents); err != nil {
		health.QueueReachable = false
		health.QueueError = err.Error()
	} else {
		health.QueueDepth = depth
	}

	health.IsHealthy = health.QueueReachable && len(workers) > 0
	return health
}

func (o *Orchestrator) publish(evtType events.EventType, msg string, data map[string]any) {
	o.bus.Publish(events.Event{Type: evtType, Message: msg, Data: data})
}
