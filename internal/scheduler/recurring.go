package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// register adds a cron entry for an active schedule, replacing any previous one.
func (s *Scheduler) register(schedule harvest.Schedule) error {
	scheduleID := schedule.ID
	entryID, err := s.cron.AddFunc(schedule.CronExpression, func() {
		if err := s.Tick(s.ctx, scheduleID); err != nil {
			s.logger.Error("recurring tick failed", zap.String("schedule_id", scheduleID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", scheduleID, err)
	}
	s.mu.Lock()
	if old, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(old)
	}
	s.entries[scheduleID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unregister(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// Tick runs one firing of a schedule. A child job is spawned only when the
// job that currently drives the schedule is terminal; otherwise the tick is
// skipped so a chain never has two live jobs.
func (s *Scheduler) Tick(ctx context.Context, scheduleID string) error {
	schedule, err := s.deps.Jobs.GetSchedule(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("get schedule: %w", err)
	}
	if !schedule.Active {
		s.unregister(scheduleID)
		return nil
	}
	now := s.now()
	parsed, err := s.parser.Parse(schedule.CronExpression)
	if err != nil {
		return fmt.Errorf("parse schedule %s: %w", scheduleID, err)
	}
	schedule.NextFire = parsed.Next(now)

	generating, err := s.deps.Jobs.GetJob(ctx, schedule.GeneratingJobID)
	if err != nil {
		return fmt.Errorf("get generating job: %w", err)
	}
	if !generating.Status.Terminal() {
		s.logger.Info("skipping recurring tick, previous run still active",
			zap.String("schedule_id", scheduleID),
			zap.String("job_id", generating.ID),
			zap.String("status", string(generating.Status)),
		)
		if err := s.deps.Jobs.SaveSchedule(ctx, schedule); err != nil {
			return fmt.Errorf("save schedule: %w", err)
		}
		return nil
	}

	template, err := s.deps.Jobs.GetJob(ctx, schedule.TemplateJobID)
	if err != nil {
		return fmt.Errorf("get template job: %w", err)
	}
	childID, err := s.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	child := harvest.Job{
		ID:          childID,
		URL:         template.URL,
		Status:      harvest.StatusPending,
		Options:     template.Options,
		Priority:    template.Priority,
		Tags:        template.Tags,
		Owner:       template.Owner,
		MaxRetries:  template.MaxRetries,
		Recurrence:  template.Recurrence,
		ParentJobID: generating.ID,
		ScheduleID:  schedule.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Jobs.CreateJob(ctx, child); err != nil {
		return fmt.Errorf("create child job: %w", err)
	}
	schedule.GeneratingJobID = childID
	schedule.Runs++
	if err := s.deps.Jobs.SaveSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.audit(ctx, childID, harvest.AuditRecurringSpawn, actorCron, fmt.Sprintf("schedule %s run %d after %s", schedule.ID, schedule.Runs, generating.ID))
	s.logger.Info("spawned recurring job",
		zap.String("schedule_id", schedule.ID),
		zap.String("job_id", childID),
		zap.String("parent_job_id", generating.ID),
	)
	return s.enqueue(ctx, child)
}

// deactivate stops a schedule when jobID is the job currently driving it.
func (s *Scheduler) deactivate(ctx context.Context, scheduleID, jobID string) {
	schedule, err := s.deps.Jobs.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Warn("load schedule for cancel", zap.String("schedule_id", scheduleID), zap.Error(err))
		return
	}
	if schedule.GeneratingJobID != jobID || !schedule.Active {
		return
	}
	schedule.Active = false
	if err := s.deps.Jobs.SaveSchedule(ctx, schedule); err != nil {
		s.logger.Warn("deactivate schedule", zap.String("schedule_id", scheduleID), zap.Error(err))
		return
	}
	s.unregister(scheduleID)
	s.logger.Info("deactivated schedule", zap.String("schedule_id", scheduleID), zap.String("job_id", jobID))
}
