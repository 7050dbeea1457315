package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// zero horizons make every terminal task old and every lease stale, so a
// single sweep is fully observable.
func sweepEverythingConfig() *config.QueueConfig {
	return &config.QueueConfig{
		StaleLeaseSeconds:          0,
		CleanupAgeHours:            0,
		MaintenanceIntervalMinutes: 60,
	}
}

func TestRunAllSweepsTerminalTasksAndStaleLeases(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	doneID, err := q.Enqueue(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, doneID, nil))

	staleID, err := q.Enqueue(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	s := NewService(sweepEverythingConfig(), q)
	s.RunAll(ctx)

	_, err = q.Get(ctx, doneID)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound, "old terminal task is deleted")

	stale, err := q.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, stale.Status, "stale lease is requeued")
}

func TestServiceStartRunsStartupSweep(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	doneID, err := q.Enqueue(ctx, queue.EnqueueRequest{TargetAgent: "a", Method: "m"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, doneID, nil))

	time.Sleep(10 * time.Millisecond)

	s := NewService(sweepEverythingConfig(), q)
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, err := q.Get(ctx, doneID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "startup sweep removes the old terminal task")
}

func TestServiceStopIsIdempotent(t *testing.T) {
	q := openTestQueue(t)
	s := NewService(sweepEverythingConfig(), q)

	s.Stop() // never started

	s.Start(context.Background())
	s.Start(context.Background()) // second start is a no-op
	s.Stop()
}
