package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "queue.db")
	q, err := Open(path, nil)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Ping(context.Background()))
	assert.Equal(t, path, q.Path())
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "path", verr.Field)
}

func TestEnqueueValidation(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   EnqueueRequest
		field string
	}{
		{"empty agent", EnqueueRequest{Method: "m"}, "target_agent"},
		{"empty method", EnqueueRequest{TargetAgent: "a"}, "method"},
		{"bad priority", EnqueueRequest{TargetAgent: "a", Method: "m", Priority: 7}, "priority"},
		{"negative max attempts", EnqueueRequest{TargetAgent: "a", Method: "m", MaxAttempts: -1}, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestEnqueueAndClaimRoundTrip(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{
		TargetAgent: "scoring_agent",
		Method:      "evaluate_document",
		Data:        map[string]any{"question": "does aspirin reduce stroke risk?", "document_id": float64(42)},
		Priority:    PriorityHigh,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	task, err := q.ClaimNext(ctx, "scoring_agent")
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "scoring_agent", task.TargetAgent)
	assert.Equal(t, "evaluate_document", task.Method)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, StatusProcessing, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)
	assert.Equal(t, "does aspirin reduce stroke risk?", task.Data["question"])
	assert.Equal(t, float64(42), task.Data["document_id"])
	assert.False(t, task.CreatedAt.IsZero())
}

func TestClaimEmptyQueue(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.ClaimNext(context.Background(), "scoring_agent")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)
}

func TestClaimFiltersByAgent(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "query_agent", Method: "convert_question"})
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx, "scoring_agent")
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	task, err := q.ClaimNext(ctx, "query_agent")
	require.NoError(t, err)
	assert.Equal(t, "query_agent", task.TargetAgent)
}

func TestPriorityBeatsAge(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var normalIDs []int64
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m", Priority: PriorityNormal})
		require.NoError(t, err)
		normalIDs = append(normalIDs, id)
	}
	urgentID, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m", Priority: PriorityUrgent})
	require.NoError(t, err)

	first, err := q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, urgentID, first.ID, "urgent task must be claimed before older normal tasks")

	// The remaining claims follow enqueue order.
	for _, want := range normalIDs {
		task, err := q.ClaimNext(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, task.ID)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 10; i++ {
		id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, want := range ids {
		task, err := q.ClaimNext(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, task.ID)
	}
}

func TestCompleteStoresResult(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id, map[string]any{"score": float64(4)}))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, float64(4), task.Result["score"])
	assert.Empty(t, task.Error)
}

func TestFailStoresError(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "provider timeout"))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "provider timeout", task.Error)
	assert.Nil(t, task.Result)
}

func TestCompleteRequiresProcessing(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)

	err = q.Complete(ctx, id, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = q.Complete(ctx, id+100, nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelledTaskIgnoresLateCompletion(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id))

	// The worker's eventual completion and failure are both swallowed.
	require.NoError(t, q.Complete(ctx, id, map[string]any{"late": true}))
	require.NoError(t, q.Fail(ctx, id, "late failure"))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Nil(t, task.Result)
}

func TestCancelIsIdempotent(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id))
	require.NoError(t, q.Cancel(ctx, id))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
}

func TestCancelCompletedTask(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, nil))

	err = q.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClaimUniquenessUnderContention(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	const taskCount = 50
	const claimers = 8

	for i := 0; i < taskCount; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < claimers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.ClaimNextAny(ctx, []string{"a"})
				if errors.Is(err, ErrNoTasksAvailable) {
					return
				}
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, taskCount)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %d claimed more than once", id)
	}
}

func TestRecoverStaleLeases(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m", MaxAttempts: 2})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	// First sweep: one attempt left, back to pending.
	requeued, failed, err := q.RecoverStaleLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)
	assert.Equal(t, int64(0), failed)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)

	// Second claim exhausts the attempt budget; the next sweep fails it.
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	requeued, failed, err = q.RecoverStaleLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), requeued)
	assert.Equal(t, int64(1), failed)

	task, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "lease-expired", task.Error)
	assert.LessOrEqual(t, task.Attempts, task.MaxAttempts)
}

func TestRecoverLeavesFreshLeasesAlone(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, q.Touch(ctx, id))

	requeued, failed, err := q.RecoverStaleLeases(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, failed)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, task.Status)
}

func TestStats(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
		require.NoError(t, err)
	}
	otherID, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "b", Method: "m"})
	require.NoError(t, err)

	claimed, err := q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimed.ID, nil))
	require.NoError(t, q.Cancel(ctx, otherID))

	all, err := q.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all[StatusPending])
	assert.Equal(t, 1, all[StatusCompleted])
	assert.Equal(t, 1, all[StatusCancelled])

	forA, err := q.Stats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, forA[StatusPending])
	assert.Zero(t, forA[StatusCancelled])
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	doneID, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, doneID, nil))

	pendingID, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := q.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = q.Get(ctx, doneID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = q.Get(ctx, pendingID)
	assert.NoError(t, err)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := Open(path, nil)
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, EnqueueRequest{TargetAgent: "a", Method: "m", Data: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	task, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, "v", task.Data["k"])
}

func TestEnqueuePublishesEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), bus)
	require.NoError(t, err)
	defer q.Close()

	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	id, err := q.Enqueue(context.Background(), EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)

	select {
	case evt := <-ch:
		assert.Equal(t, events.TypeTaskEnqueued, evt.Type)
		assert.Equal(t, id, evt.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
