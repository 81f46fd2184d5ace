package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

var errExecutionTimedOut = errors.New("execution timed out")

func (s *Scheduler) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Reap(s.ctx); err != nil {
				s.logger.Error("reaper pass failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Warn("reaped stale jobs", zap.Int("count", n))
			}
		}
	}
}

// Reap fails running jobs whose attempt started more than StaleAfter ago
// as a transient timeout, so they retry or exhaust like any other attempt.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	running, err := s.deps.Jobs.ListJobsByStatus(ctx, harvest.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	reaped := 0
	for _, job := range running {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		s.audit(ctx, job.ID, harvest.AuditReaped, actorSystem, fmt.Sprintf("running since %s", job.StartedAt.Format(time.RFC3339)))
		if err := s.Fail(ctx, job.ID, harvest.Transient(errExecutionTimedOut)); err != nil {
			if errors.Is(err, harvest.ErrStaleState) || errors.Is(err, harvest.ErrIllegalTransition) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
