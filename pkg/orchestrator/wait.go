package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
	"github.com/cenkalti/backoff/v4"
)

// Wait blocks until every named task reaches a terminal status or the
// timeout elapses, polling with exponential backoff. It returns whatever is
// known at return time; callers inspect each task's status. A non-positive
// timeout waits until ctx is done. Unknown ids are omitted from the result.
func (o *Orchestrator) Wait(ctx context.Context, ids []int64, timeout time.Duration) (map[int64]*queue.Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make(map[int64]*queue.Task, len(ids))
	pending := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		for id := range pending {
			task, err := o.queue.Get(ctx, id)
			if err != nil {
				if errors.Is(err, queue.ErrTaskNotFound) {
					delete(pending, id)
					continue
				}
				return results, err
			}
			results[id] = task
			if task.Status.Terminal() {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return results, nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}
