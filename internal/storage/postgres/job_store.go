package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

const jobColumns = `id, url, status, options, priority, tags, owner, retry_count, max_retries,
	error_message, is_recurring, cron_expression, parent_job_id, schedule_id,
	created_at, updated_at, scheduled_at, started_at, completed_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job harvest.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	tags, err := json.Marshal(normalizeTags(job.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	query := `INSERT INTO harvest_jobs (` + jobColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)`
	args := []any{
		job.ID,
		job.URL,
		string(job.Status),
		options,
		job.Priority,
		tags,
		job.Owner,
		job.RetryCount,
		job.MaxRetries,
		job.ErrorMessage,
		job.Recurrence.IsRecurring,
		job.Recurrence.CronExpression,
		job.ParentJobID,
		job.ScheduleID,
		job.CreatedAt,
		job.UpdatedAt,
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM harvest_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, fmt.Errorf("job %s: %w", jobID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// TransitionJob updates the job only while its status equals change.From.
func (s *Store) TransitionJob(ctx context.Context, jobID string, change harvest.StatusChange) (harvest.Job, error) {
	query := `UPDATE harvest_jobs SET
	status = $3,
	retry_count = $4,
	max_retries = $5,
	error_message = $6,
	updated_at = $7,
	started_at = COALESCE($8, started_at),
	completed_at = COALESCE($9, completed_at)
WHERE id = $1 AND status = $2
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		jobID,
		string(change.From),
		string(change.To),
		change.RetryCount,
		change.MaxRetries,
		change.ErrorMessage,
		change.UpdatedAt,
		change.StartedAt,
		change.CompletedAt,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return harvest.Job{}, fmt.Errorf("transition job: %w", err)
	}
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return harvest.Job{}, getErr
	}
	return current, fmt.Errorf("job %s is %s, expected %s: %w", jobID, current.Status, change.From, harvest.ErrStaleState)
}

// ListJobsByStatus returns jobs in status ordered by creation time.
func (s *Store) ListJobsByStatus(ctx context.Context, status harvest.Status) ([]harvest.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM harvest_jobs WHERE status = $1 ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// AppendAudit inserts an audit row.
func (s *Store) AppendAudit(ctx context.Context, entry harvest.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO harvest_audit (job_id, action, actor, at, details) VALUES ($1,$2,$3,$4,$5)`,
		entry.JobID, string(entry.Action), entry.Actor, entry.At, entry.Details,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of a job in insertion order.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]harvest.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, action, actor, at, details FROM harvest_audit WHERE job_id = $1 ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []harvest.AuditEntry
	for rows.Next() {
		var (
			entry  harvest.AuditEntry
			action string
		)
		if err := rows.Scan(&entry.JobID, &action, &entry.Actor, &entry.At, &entry.Details); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entry.Action = harvest.AuditAction(action)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}

// SaveSchedule upserts a schedule row.
func (s *Store) SaveSchedule(ctx context.Context, schedule harvest.Schedule) error {
	query := `INSERT INTO harvest_schedules (id, template_job_id, cron_expression, next_fire, generating_job_id, active, runs)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
	cron_expression = EXCLUDED.cron_expression,
	next_fire = EXCLUDED.next_fire,
	generating_job_id = EXCLUDED.generating_job_id,
	active = EXCLUDED.active,
	runs = EXCLUDED.runs`
	_, err := s.pool.Exec(ctx, query,
		schedule.ID,
		schedule.TemplateJobID,
		schedule.CronExpression,
		schedule.NextFire,
		schedule.GeneratingJobID,
		schedule.Active,
		schedule.Runs,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, template_job_id, cron_expression, next_fire, generating_job_id, active, runs`

// GetSchedule fetches a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (harvest.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM harvest_schedules WHERE id = $1`, scheduleID)
	schedule, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Schedule{}, fmt.Errorf("schedule %s: %w", scheduleID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedules returns every schedule ordered by ID.
func (s *Store) ListSchedules(ctx context.Context) ([]harvest.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM harvest_schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []harvest.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job           harvest.Job
		status        string
		options, tags []byte
	)
	err := row.Scan(
		&job.ID,
		&job.URL,
		&status,
		&options,
		&job.Priority,
		&tags,
		&job.Owner,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ErrorMessage,
		&job.Recurrence.IsRecurring,
		&job.Recurrence.CronExpression,
		&job.ParentJobID,
		&job.ScheduleID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return harvest.Job{}, err
	}
	job.Status = harvest.Status(status)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return harvest.Job{}, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &job.Tags); err != nil {
			return harvest.Job{}, fmt.Errorf("decode tags: %w", err)
		}
		if len(job.Tags) == 0 {
			job.Tags = nil
		}
	}
	return job, nil
}

func scanSchedule(row pgx.Row) (harvest.Schedule, error) {
	var schedule harvest.Schedule
	err := row.Scan(
		&schedule.ID,
		&schedule.TemplateJobID,
		&schedule.CronExpression,
		&schedule.NextFire,
		&schedule.GeneratingJobID,
		&schedule.Active,
		&schedule.Runs,
	)
	return schedule, err
}

func normalizeTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
