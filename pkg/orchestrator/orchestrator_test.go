package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a test agent with an explicit method table.
type fakeAgent struct {
	name    string
	methods map[string]MethodFunc
}

func (a *fakeAgent) Type() string                   { return a.name }
func (a *fakeAgent) Methods() map[string]MethodFunc { return a.methods }

func testConfig(workers int) *config.OrchestratorConfig {
	return &config.OrchestratorConfig{
		MaxWorkers:           workers,
		PollingIntervalMS:    10,
		HeartbeatSeconds:     1,
		ShutdownGraceSeconds: 1,
	}
}

func newTestOrchestrator(t *testing.T, workers int) *Orchestrator {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return New(q, testConfig(workers), nil)
}

func TestDispatchCompletesTask(t *testing.T) {
	o := newTestOrchestrator(t, 2)
	o.RegisterAgent(&fakeAgent{name: "echo_agent", methods: map[string]MethodFunc{
		"echo": func(_ context.Context, data map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": data["value"]}, nil
		},
	}})

	o.Start()
	defer o.Stop()

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{
		TargetAgent: "echo_agent",
		Method:      "echo",
		Data:        map[string]any{"value": "hello"},
	})
	require.NoError(t, err)

	results, err := o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	require.Contains(t, results, id)
	assert.Equal(t, queue.StatusCompleted, results[id].Status)
	assert.Equal(t, "hello", results[id].Result["echoed"])
	assert.Empty(t, results[id].Error)
}

func TestDispatchRecordsFailure(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	o.RegisterAgent(&fakeAgent{name: "flaky_agent", methods: map[string]MethodFunc{
		"explode": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("model returned garbage")
		},
	}})

	o.Start()
	defer o.Stop()

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "flaky_agent", Method: "explode"})
	require.NoError(t, err)

	results, err := o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, results[id].Status)
	assert.Contains(t, results[id].Error, "model returned garbage")
}

func TestUnknownMethodFailsTask(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	o.RegisterAgent(&fakeAgent{name: "echo_agent", methods: map[string]MethodFunc{}})

	o.Start()
	defer o.Stop()

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "echo_agent", Method: "nope"})
	require.NoError(t, err)

	results, err := o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, results[id].Status)
	assert.Contains(t, results[id].Error, "no registered method")
}

func TestMethodPanicFailsTask(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	o.RegisterAgent(&fakeAgent{name: "panicky_agent", methods: map[string]MethodFunc{
		"boom": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			panic("unexpected nil document")
		},
	}})

	o.Start()
	defer o.Stop()

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "panicky_agent", Method: "boom"})
	require.NoError(t, err)

	results, err := o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, results[id].Status)
	assert.Contains(t, results[id].Error, "panicked")
}

func TestUrgentTaskJumpsQueue(t *testing.T) {
	o := newTestOrchestrator(t, 1)

	var mu sync.Mutex
	var order []int64
	o.RegisterAgent(&fakeAgent{name: "slow_agent", methods: map[string]MethodFunc{
		"work": func(_ context.Context, data map[string]any) (map[string]any, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, int64(data["n"].(float64)))
			mu.Unlock()
			return map[string]any{}, nil
		},
	}})

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 10; i++ {
		id, err := o.Submit(ctx, queue.EnqueueRequest{
			TargetAgent: "slow_agent", Method: "work",
			Data: map[string]any{"n": i}, Priority: queue.PriorityNormal,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	urgentID, err := o.Submit(ctx, queue.EnqueueRequest{
		TargetAgent: "slow_agent", Method: "work",
		Data: map[string]any{"n": 99}, Priority: queue.PriorityUrgent,
	})
	require.NoError(t, err)
	ids = append(ids, urgentID)

	o.Start()
	defer o.Stop()

	results, err := o.Wait(ctx, ids, 10*time.Second)
	require.NoError(t, err)
	for _, task := range results {
		assert.Equal(t, queue.StatusCompleted, task.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 11)
	assert.Equal(t, int64(99), order[0], "urgent task should be processed before queued normal tasks")
}

func TestDrainedQueueLeavesOnlyTerminalTasks(t *testing.T) {
	o := newTestOrchestrator(t, 4)
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"ok":   func(_ context.Context, _ map[string]any) (map[string]any, error) { return map[string]any{}, nil },
		"fail": func(_ context.Context, _ map[string]any) (map[string]any, error) { return nil, fmt.Errorf("no") },
	}})

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 20; i++ {
		method := "ok"
		if i%3 == 0 {
			method = "fail"
		}
		id, err := o.Submit(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: method})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	o.Start()
	defer o.Stop()

	results, err := o.Wait(ctx, ids, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, results, len(ids))
	for id, task := range results {
		assert.True(t, task.Status.Terminal(), "task %d ended as %s", id, task.Status)
		assert.LessOrEqual(t, task.Attempts, task.MaxAttempts)
	}

	stats, err := o.Queue().Stats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, stats[queue.StatusPending])
	assert.Zero(t, stats[queue.StatusProcessing])
}

func TestCancelledTaskIsNeverInvoked(t *testing.T) {
	o := newTestOrchestrator(t, 1)

	invoked := make(chan struct{}, 1)
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"work": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			invoked <- struct{}{}
			return map[string]any{}, nil
		},
	}})

	ctx := context.Background()
	id, err := o.Submit(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: "work"})
	require.NoError(t, err)
	require.NoError(t, o.Queue().Cancel(ctx, id))

	o.Start()
	defer o.Stop()

	select {
	case <-invoked:
		t.Fatal("cancelled task was invoked")
	case <-time.After(200 * time.Millisecond):
	}

	task, err := o.Queue().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, task.Status)
}

func TestWaitTimeoutReturnsPartialResults(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	// No Start: the task stays pending.

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)

	start := time.Now()
	results, err := o.Wait(context.Background(), []int64{id}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Contains(t, results, id)
	assert.Equal(t, queue.StatusPending, results[id].Status)
}

func TestShutdownFailsInflightTasks(t *testing.T) {
	o := newTestOrchestrator(t, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"block": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{}, nil
		},
	}})

	ctx := context.Background()
	id, err := o.Submit(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: "block"})
	require.NoError(t, err)

	o.Start()
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Shutdown(shutdownCtx) }()

	// Let Shutdown hit its deadline, then release the blocked method so the
	// worker goroutine can exit.
	time.Sleep(200 * time.Millisecond)
	close(release)

	err = <-done
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	task, err := o.Queue().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, task.Status)
	assert.Equal(t, "shutdown", task.Error)
}

func TestLifecycleIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{}})

	o.Start()
	o.Start()
	o.Stop()
	o.Stop()

	// Restart after stop works.
	o.Start()
	o.Stop()
}

func TestRegisterAgentReplacesBinding(t *testing.T) {
	o := newTestOrchestrator(t, 1)

	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"work": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"version": float64(1)}, nil
		},
	}})
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"work": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"version": float64(2)}, nil
		},
	}})

	o.Start()
	defer o.Stop()

	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "a", Method: "work"})
	require.NoError(t, err)
	results, err := o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(2), results[id].Result["version"])
}

func TestWorkerEventsPublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), bus)
	require.NoError(t, err)
	defer q.Close()

	o := New(q, testConfig(1), bus)
	o.RegisterAgent(&fakeAgent{name: "a", methods: map[string]MethodFunc{
		"ok": func(_ context.Context, _ map[string]any) (map[string]any, error) { return map[string]any{}, nil },
	}})

	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	o.Start()
	id, err := o.Submit(context.Background(), queue.EnqueueRequest{TargetAgent: "a", Method: "ok"})
	require.NoError(t, err)
	_, err = o.Wait(context.Background(), []int64{id}, 5*time.Second)
	require.NoError(t, err)
	o.Stop()

	seen := make(map[events.EventType]bool)
	for {
		select {
		case evt := <-ch:
			seen[evt.Type] = true
		case <-time.After(200 * time.Millisecond):
			assert.True(t, seen[events.TypeWorkerStarted], "missing worker.started")
			assert.True(t, seen[events.TypeWorkerStopped], "missing worker.stopped")
			assert.True(t, seen[events.TypeTaskEnqueued], "missing task.enqueued")
			assert.True(t, seen[events.TypeTaskClaimed], "missing task.claimed")
			assert.True(t, seen[events.TypeTaskCompleted], "missing task.completed")
			return
		}
	}
}
