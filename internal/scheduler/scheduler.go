// Package scheduler owns the harvest job state machine: submission,
// dispatch, retry with backoff, cancellation, recurring jobs and the reaper.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/archive"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/metrics"
	"github.com/JakeFAU/goharvest/internal/pipeline"
)

// ErrInvalidRequest is returned when a submission fails validation.
var ErrInvalidRequest = errors.New("invalid request")

// Export formats.
const (
	FormatRaw    = "raw"
	FormatReport = "report"
)

const (
	actorSystem = "system"
	actorCron   = "cron"
)

// AnalysisDispatcher fires downstream analyzers for a completed job.
type AnalysisDispatcher interface {
	Dispatch(jobID string)
}

// Config tunes scheduler behavior.
type Config struct {
	DefaultMaxRetries int
	DefaultMode       harvest.Mode
	Backoff           harvest.Backoff
	JobTopic          string
	ReaperInterval    time.Duration
	StaleAfter        time.Duration
}

// Deps bundles the collaborators of a Scheduler. Publisher and Analyzers may be nil.
type Deps struct {
	Jobs      harvest.JobStore
	Results   harvest.ResultStore
	Blobs     harvest.BlobStore
	Queue     harvest.Queue
	Publisher harvest.Publisher
	Analyzers AnalysisDispatcher
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
}

// SubmitRequest carries the parameters of a new job.
type SubmitRequest struct {
	URL            string
	Options        harvest.Options
	Priority       int
	Tags           map[string]string
	Owner          string
	ScheduledAt    *time.Time
	MaxRetries     *int
	IsRecurring    bool
	CronExpression string
	Actor          string
}

// ExportOutput is the response of Export. Exactly one of ArchiveRef or
// Report is set, matching Format.
type ExportOutput struct {
	Format      string `json:"format"`
	ArchiveRef  string `json:"archive_ref,omitempty"`
	ArchivePath string `json:"archive_path,omitempty"`
	Report      string `json:"report,omitempty"`
}

// JobEvent is published on the job topic when a job reaches a terminal state.
type JobEvent struct {
	JobID       string         `json:"job_id"`
	URL         string         `json:"url"`
	Status      harvest.Status `json:"status"`
	RetryCount  int            `json:"retry_count"`
	ContentHash string         `json:"content_hash,omitempty"`
	Changed     bool           `json:"changed"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}

// Scheduler drives jobs through their lifecycle.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	cron    *cron.Cron
	parser  cron.Parser
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	timers  map[string]*time.Timer
	entries map[string]cron.EntryID
}

// New constructs a Scheduler. Call Start to arm timers, cron and the reaper.
func New(deps Deps, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backoff == (harvest.Backoff{}) {
		cfg.Backoff = harvest.DefaultBackoff()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = harvest.ModeFull
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		parser:  parser,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
		entries: make(map[string]cron.EntryID),
	}
}

// Start resumes persisted work, starts the cron runner and the reaper loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	if err := s.Resume(ctx); err != nil {
		return err
	}
	if s.cfg.ReaperInterval > 0 && s.cfg.StaleAfter > 0 {
		s.wg.Add(1)
		go s.reapLoop()
	}
	return nil
}

// Stop halts cron, pending timers and the reaper.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit validates and persists a new job, then dispatches or schedules it.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if _, err := pipeline.ValidateURL(req.URL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	mode := req.Options.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	mode, ok := harvest.ParseMode(string(mode))
	if !ok {
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Options.Mode)
	}
	if req.Options.Depth < 0 {
		return "", fmt.Errorf("%w: depth must be >= 0", ErrInvalidRequest)
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidRequest)
	}
	var sched cron.Schedule
	if req.IsRecurring {
		parsed, err := s.parser.Parse(req.CronExpression)
		if err != nil {
			return "", fmt.Errorf("%w: cron expression %q: %v", ErrInvalidRequest, req.CronExpression, err)
		}
		sched = parsed
	}

	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.now()
	job := harvest.Job{
		ID:         id,
		URL:        req.URL,
		Status:     harvest.StatusPending,
		Options:    harvest.Options{Mode: mode, Depth: req.Options.Depth, ExtractMedia: req.Options.ExtractMedia},
		Priority:   req.Priority,
		Tags:       req.Tags,
		Owner:      req.Owner,
		MaxRetries: maxRetries,
		Recurrence: harvest.Recurrence{IsRecurring: req.IsRecurring, CronExpression: req.CronExpression},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		at := req.ScheduledAt.UTC()
		job.Status = harvest.StatusScheduled
		job.ScheduledAt = &at
	}

	var schedule harvest.Schedule
	if req.IsRecurring {
		scheduleID, err := s.deps.IDs.NewID()
		if err != nil {
			return "", fmt.Errorf("generate schedule id: %w", err)
		}
		job.ScheduleID = scheduleID
		schedule = harvest.Schedule{
			ID:              scheduleID,
			TemplateJobID:   id,
			CronExpression:  req.CronExpression,
			NextFire:        sched.Next(now),
			GeneratingJobID: id,
			Active:          true,
		}
	}

	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.audit(ctx, id, harvest.AuditSubmit, actorOr(req.Actor), fmt.Sprintf("mode=%s status=%s", mode, job.Status))
	metrics.ObserveTransition(string(job.Status))

	if req.IsRecurring {
		if err := s.deps.Jobs.SaveSchedule(ctx, schedule); err != nil {
			return "", fmt.Errorf("save schedule: %w", err)
		}
		if err := s.register(schedule); err != nil {
			return "", err
		}
	}

	if job.Status == harvest.StatusScheduled {
		s.arm(job.ID, job.ScheduledAt.Sub(now))
		return id, nil
	}
	if err := s.enqueue(ctx, job); err != nil {
		return "", err
	}
	return id, nil
}

// Begin moves a dispatched job to running.
func (s *Scheduler) Begin(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job: %w", err)
	}
	if err := harvest.CheckTransition(jobID, job.Status, harvest.StatusRunning); err != nil {
		return job, err
	}
	now := s.now()
	change := changeFrom(job, harvest.StatusRunning, now)
	change.StartedAt = &now
	updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("begin job: %w", err)
	}
	s.audit(ctx, jobID, harvest.AuditDispatch, actorSystem, fmt.Sprintf("attempt %d", updated.RetryCount+1))
	metrics.ObserveTransition(string(harvest.StatusRunning))
	return updated, nil
}

// Complete persists the result and moves the job to completed. The result
// is only served once the transition succeeds.
func (s *Scheduler) Complete(ctx context.Context, jobID string, result harvest.Result) error {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if err := harvest.CheckTransition(jobID, job.Status, harvest.StatusCompleted); err != nil {
		return err
	}
	if err := s.deps.Results.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	now := s.now()
	change := changeFrom(job, harvest.StatusCompleted, now)
	change.ErrorMessage = ""
	change.CompletedAt = &now
	updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	s.audit(ctx, jobID, harvest.AuditComplete, actorSystem, fmt.Sprintf("hash=%s assets=%d", result.ContentHash, result.TotalAssets))
	metrics.ObserveTransition(string(harvest.StatusCompleted))
	if s.deps.Analyzers != nil {
		s.deps.Analyzers.Dispatch(jobID)
	}
	s.publish(ctx, updated, JobEvent{ContentHash: result.ContentHash, Changed: result.Snapshot.Changed})
	return nil
}

// Fail records a failed attempt. Transient failures with retries left go
// back to pending and are re-enqueued after a backoff delay.
func (s *Scheduler) Fail(ctx context.Context, jobID string, cause error) error {
	if cause == nil {
		return errors.New("fail job: nil cause")
	}
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	kind := harvest.Classify(cause)
	if kind == harvest.KindCancelled {
		return nil
	}
	if err := harvest.CheckTransition(jobID, job.Status, harvest.StatusFailed); err != nil {
		return err
	}
	now := s.now()

	if kind == harvest.KindTransient && job.RetryCount < job.MaxRetries {
		change := changeFrom(job, harvest.StatusPending, now)
		change.RetryCount = job.RetryCount + 1
		change.ErrorMessage = cause.Error()
		updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		delay := s.cfg.Backoff.Delay(updated.RetryCount)
		s.audit(ctx, jobID, harvest.AuditRetryScheduled, actorSystem,
			fmt.Sprintf("retry %d/%d in %s: %s", updated.RetryCount, updated.MaxRetries, delay, cause.Error()))
		metrics.ObserveTransition(string(harvest.StatusPending))
		metrics.ObserveRetryScheduled()
		s.arm(jobID, delay)
		return nil
	}

	change := changeFrom(job, harvest.StatusFailed, now)
	change.ErrorMessage = cause.Error()
	change.CompletedAt = &now
	updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	s.audit(ctx, jobID, harvest.AuditFail, actorSystem, fmt.Sprintf("%s: %s", kind, cause.Error()))
	metrics.ObserveTransition(string(harvest.StatusFailed))
	s.publish(ctx, updated, JobEvent{Error: cause.Error()})
	return nil
}

// Retry manually re-queues a failed job. It grants one more attempt even
// when the automatic retries are exhausted.
func (s *Scheduler) Retry(ctx context.Context, jobID, actor string) (harvest.StatusView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.StatusView{}, fmt.Errorf("get job: %w", err)
	}
	if job.Status != harvest.StatusFailed {
		return job.View(), &harvest.TransitionError{JobID: jobID, Current: job.Status, Target: harvest.StatusPending}
	}
	change := changeFrom(job, harvest.StatusPending, s.now())
	change.RetryCount = job.RetryCount + 1
	if change.MaxRetries < change.RetryCount {
		change.MaxRetries = change.RetryCount
	}
	change.ErrorMessage = ""
	updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
	if err != nil {
		return job.View(), fmt.Errorf("retry job: %w", err)
	}
	s.audit(ctx, jobID, harvest.AuditManualRetry, actorOr(actor), fmt.Sprintf("retry %d", updated.RetryCount))
	metrics.ObserveTransition(string(harvest.StatusPending))
	if err := s.enqueue(ctx, updated); err != nil {
		return updated.View(), err
	}
	return updated.View(), nil
}

// Cancel stops a pending or running job and deactivates the schedule it
// currently drives. A running attempt notices at its next stage boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID, actor string) (harvest.StatusView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.StatusView{}, fmt.Errorf("get job: %w", err)
	}
	if err := harvest.CheckTransition(jobID, job.Status, harvest.StatusCancelled); err != nil {
		return job.View(), err
	}
	now := s.now()
	change := changeFrom(job, harvest.StatusCancelled, now)
	change.CompletedAt = &now
	updated, err := s.deps.Jobs.TransitionJob(ctx, jobID, change)
	if err != nil {
		if errors.Is(err, harvest.ErrStaleState) {
			return updated.View(), &harvest.TransitionError{JobID: jobID, Current: updated.Status, Target: harvest.StatusCancelled}
		}
		return job.View(), fmt.Errorf("cancel job: %w", err)
	}
	s.disarm(jobID)
	s.audit(ctx, jobID, harvest.AuditCancel, actorOr(actor), fmt.Sprintf("from %s", job.Status))
	metrics.ObserveTransition(string(harvest.StatusCancelled))
	if job.ScheduleID != "" {
		s.deactivate(ctx, job.ScheduleID, jobID)
	}
	s.publish(ctx, updated, JobEvent{})
	return updated.View(), nil
}

// GetStatus returns the status projection of a job.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (harvest.StatusView, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.StatusView{}, fmt.Errorf("get job: %w", err)
	}
	return job.View(), nil
}

// GetJob returns the full job record.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetResult returns the result of a completed job, or ErrNotReady.
func (s *Scheduler) GetResult(ctx context.Context, jobID string) (harvest.Result, error) {
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("get job: %w", err)
	}
	if job.Status != harvest.StatusCompleted {
		return harvest.Result{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, harvest.ErrNotReady)
	}
	result, err := s.deps.Results.GetResult(ctx, jobID)
	if err != nil {
		return harvest.Result{}, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// Export returns the archive reference (raw) or a Markdown report.
func (s *Scheduler) Export(ctx context.Context, jobID, format string) (ExportOutput, error) {
	if format == "" {
		format = FormatRaw
	}
	if format != FormatRaw && format != FormatReport {
		return ExportOutput{}, fmt.Errorf("%w: unknown export format %q", ErrInvalidRequest, format)
	}
	result, err := s.GetResult(ctx, jobID)
	if err != nil {
		return ExportOutput{}, err
	}
	if format == FormatReport {
		return ExportOutput{Format: format, Report: archive.Report(result)}, nil
	}
	if result.ArchiveRef == "" {
		return ExportOutput{}, fmt.Errorf("archive for job %s: %w", jobID, harvest.ErrNotFound)
	}
	return ExportOutput{Format: format, ArchiveRef: result.ArchiveRef, ArchivePath: result.ArchivePath}, nil
}

// ArchiveBytes reads the stored archive of a completed job.
func (s *Scheduler) ArchiveBytes(ctx context.Context, jobID string) ([]byte, error) {
	result, err := s.GetResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if result.ArchivePath == "" {
		return nil, fmt.Errorf("archive for job %s: %w", jobID, harvest.ErrNotFound)
	}
	data, err := s.deps.Blobs.GetObject(ctx, result.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return data, nil
}

// Audit lists the audit log of a job, oldest first.
func (s *Scheduler) Audit(ctx context.Context, jobID string) ([]harvest.AuditEntry, error) {
	if _, err := s.deps.Jobs.GetJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	entries, err := s.deps.Jobs.ListAudit(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

// Resume re-arms pending and scheduled jobs and active schedules after a
// restart.
func (s *Scheduler) Resume(ctx context.Context) error {
	pending, err := s.deps.Jobs.ListJobsByStatus(ctx, harvest.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if err := s.enqueue(ctx, job); err != nil {
			return err
		}
	}
	scheduled, err := s.deps.Jobs.ListJobsByStatus(ctx, harvest.StatusScheduled)
	if err != nil {
		return fmt.Errorf("list scheduled jobs: %w", err)
	}
	now := s.now()
	for _, job := range scheduled {
		var delay time.Duration
		if job.ScheduledAt != nil {
			delay = job.ScheduledAt.Sub(now)
		}
		s.arm(job.ID, delay)
	}
	schedules, err := s.deps.Jobs.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	active := 0
	for _, schedule := range schedules {
		if !schedule.Active {
			continue
		}
		if err := s.register(schedule); err != nil {
			s.logger.Warn("skip schedule with invalid cron expression", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		active++
	}
	s.logger.Info("resumed jobs",
		zap.Int("pending", len(pending)),
		zap.Int("scheduled", len(scheduled)),
		zap.Int("schedules", active),
	)
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, job harvest.Job) error {
	item := harvest.QueueItem{
		JobID:    job.ID,
		Priority: job.Priority,
		Attempt:  job.RetryCount + 1,
		Enqueued: s.now().UnixNano(),
	}
	if err := s.deps.Queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// arm enqueues the job after delay without blocking the caller.
func (s *Scheduler) arm(jobID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if old, ok := s.timers[jobID]; ok {
		old.Stop()
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
		s.fire(jobID)
	})
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

func (s *Scheduler) fire(jobID string) {
	job, err := s.deps.Jobs.GetJob(s.ctx, jobID)
	if err != nil {
		s.logger.Warn("armed job vanished", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != harvest.StatusPending && job.Status != harvest.StatusScheduled {
		s.logger.Debug("armed job no longer dispatchable", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return
	}
	if err := s.enqueue(s.ctx, job); err != nil {
		s.logger.Error("enqueue armed job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) audit(ctx context.Context, jobID string, action harvest.AuditAction, actor, details string) {
	entry := harvest.AuditEntry{JobID: jobID, Action: action, Actor: actor, At: s.now(), Details: details}
	if err := s.deps.Jobs.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn("append audit failed", zap.String("job_id", jobID), zap.String("action", string(action)), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, job harvest.Job, event JobEvent) {
	if s.deps.Publisher == nil || s.cfg.JobTopic == "" {
		return
	}
	event.JobID = job.ID
	event.URL = job.URL
	event.Status = job.Status
	event.RetryCount = job.RetryCount
	event.At = s.now()
	if _, err := s.deps.Publisher.Publish(ctx, s.cfg.JobTopic, event); err != nil {
		s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now().UTC()
}

func changeFrom(job harvest.Job, to harvest.Status, now time.Time) harvest.StatusChange {
	return harvest.StatusChange{
		From:         job.Status,
		To:           to,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
		ErrorMessage: job.ErrorMessage,
		UpdatedAt:    now,
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return "api"
	}
	return actor
}
