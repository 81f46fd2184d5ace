// Package memory keeps jobs, results and blobs in process memory for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// JobStore provides an in-memory harvest.JobStore.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]harvest.Job
	audit     map[string][]harvest.AuditEntry
	schedules map[string]harvest.Schedule
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]harvest.Job),
		audit:     make(map[string][]harvest.AuditEntry),
		schedules: make(map[string]harvest.Schedule),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, fmt.Errorf("job %s: %w", jobID, harvest.ErrNotFound)
	}
	return cloneJob(job), nil
}

// TransitionJob applies change when the stored status still equals change.From.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, change harvest.StatusChange) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, fmt.Errorf("job %s: %w", jobID, harvest.ErrNotFound)
	}
	if job.Status != change.From {
		return cloneJob(job), fmt.Errorf("job %s is %s, expected %s: %w", jobID, job.Status, change.From, harvest.ErrStaleState)
	}
	job.Status = change.To
	job.RetryCount = change.RetryCount
	job.MaxRetries = change.MaxRetries
	job.ErrorMessage = change.ErrorMessage
	job.UpdatedAt = change.UpdatedAt
	if change.StartedAt != nil {
		job.StartedAt = pointerTime(*change.StartedAt)
	}
	if change.CompletedAt != nil {
		job.CompletedAt = pointerTime(*change.CompletedAt)
	}
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// ListJobsByStatus returns jobs in the given status ordered by creation time.
func (s *JobStore) ListJobsByStatus(_ context.Context, status harvest.Status) ([]harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Job
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendAudit records an audit entry.
func (s *JobStore) AppendAudit(_ context.Context, entry harvest.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[entry.JobID] = append(s.audit[entry.JobID], entry)
	return nil
}

// ListAudit returns the audit trail of a job in append order.
func (s *JobStore) ListAudit(_ context.Context, jobID string) ([]harvest.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[jobID]
	out := make([]harvest.AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SaveSchedule upserts a schedule.
func (s *JobStore) SaveSchedule(_ context.Context, schedule harvest.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = schedule
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *JobStore) GetSchedule(_ context.Context, scheduleID string) (harvest.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return harvest.Schedule{}, fmt.Errorf("schedule %s: %w", scheduleID, harvest.ErrNotFound)
	}
	return schedule, nil
}

// ListSchedules returns every schedule ordered by ID.
func (s *JobStore) ListSchedules(_ context.Context) ([]harvest.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneJob(job harvest.Job) harvest.Job {
	if job.Tags != nil {
		tags := make(map[string]string, len(job.Tags))
		for k, v := range job.Tags {
			tags[k] = v
		}
		job.Tags = tags
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
