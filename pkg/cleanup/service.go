// Package cleanup provides the queue maintenance service.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
)

// Service periodically enforces queue hygiene:
//   - Deletes terminal tasks (completed/failed/cancelled) past their
//     retention age
//   - Recovers stale leases left behind by dead workers
//
// Both operations are idempotent; the service also runs them once at
// startup so a restart sweeps up whatever the previous process left.
type Service struct {
	cfg *config.QueueConfig
	q   *queue.Queue
	log *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new maintenance service over the queue.
func NewService(cfg *config.QueueConfig, q *queue.Queue) *Service {
	return &Service{
		cfg: cfg,
		q:   q,
		log: slog.With("component", "cleanup"),
	}
}

// Start launches the background maintenance loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("Queue maintenance started",
		"cleanup_age", s.cfg.CleanupAge(),
		"stale_lease", s.cfg.StaleLease(),
		"interval", s.cfg.MaintenanceInterval())
}

// Stop signals the maintenance loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("Queue maintenance stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.MaintenanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one maintenance sweep immediately.
func (s *Service) RunAll(ctx context.Context) {
	s.recoverStaleLeases(ctx)
	s.cleanupTerminalTasks(ctx)
}

func (s *Service) recoverStaleLeases(ctx context.Context) {
	requeued, failed, err := s.q.RecoverStaleLeases(ctx, s.cfg.StaleLease())
	if err != nil {
		s.log.Error("Maintenance: stale lease recovery failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		s.log.Info("Maintenance: recovered stale leases",
			"requeued", requeued, "failed", failed)
	}
}

func (s *Service) cleanupTerminalTasks(ctx context.Context) {
	count, err := s.q.Cleanup(ctx, s.cfg.CleanupAge())
	if err != nil {
		s.log.Error("Maintenance: terminal task cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("Maintenance: deleted old terminal tasks", "count", count)
	}
}
