package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

var jobColumnNames = []string{
	"id", "url", "status", "options", "priority", "tags", "owner", "retry_count", "max_retries",
	"error_message", "is_recurring", "cron_expression", "parent_job_id", "schedule_id",
	"created_at", "updated_at", "scheduled_at", "started_at", "completed_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func jobRow(mock pgxmock.PgxPoolIface, status string, at time.Time) *pgxmock.Rows {
	return mock.NewRows(jobColumnNames).AddRow(
		"job-1", "https://example.com", status,
		[]byte(`{"mode":"full","depth":0,"extract_media":false}`), 5,
		[]byte(`{"team":"web"}`), "alice", 1, 3,
		"", false, "", "", "",
		at, at, &at, &at, &at,
	)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	job := harvest.Job{
		ID:         "job-1",
		URL:        "https://example.com",
		Status:     harvest.StatusPending,
		Options:    harvest.Options{Mode: harvest.ModeFull},
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO harvest_jobs").
		WithArgs(
			"job-1", "https://example.com", "pending", pgxmock.AnyArg(), 0, []byte(`{}`), "",
			0, 3, "", false, "", "", "", now, now, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobDecodesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT .* FROM harvest_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow(mock, "running", now))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, harvest.StatusRunning, job.Status)
	require.Equal(t, harvest.ModeFull, job.Options.Mode)
	require.Equal(t, "web", job.Tags["team"])
	require.Equal(t, 5, job.Priority)
	require.NotNil(t, job.StartedAt)
	require.True(t, job.StartedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM harvest_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobReportsStaleState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE harvest_jobs SET").
		WithArgs("job-1", "pending", "running", 0, 3, "", now, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM harvest_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow(mock, "cancelled", now))

	current, err := store.TransitionJob(context.Background(), "job-1", harvest.StatusChange{
		From: harvest.StatusPending, To: harvest.StatusRunning, MaxRetries: 3, StartedAt: &now, UpdatedAt: now,
	})
	require.ErrorIs(t, err, harvest.ErrStaleState)
	require.Equal(t, harvest.StatusCancelled, current.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJobReturnsUpdatedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE harvest_jobs SET").
		WithArgs("job-1", "pending", "running", 1, 3, "", now, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(jobRow(mock, "running", now))

	job, err := store.TransitionJob(context.Background(), "job-1", harvest.StatusChange{
		From: harvest.StatusPending, To: harvest.StatusRunning, RetryCount: 1, MaxRetries: 3, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, harvest.StatusRunning, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO harvest_audit").
		WithArgs("job-1", "submit", "api", now, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT job_id, action, actor, at, details FROM harvest_audit").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"job_id", "action", "actor", "at", "details"}).
			AddRow("job-1", "submit", "api", now, "").
			AddRow("job-1", "dispatch", "dispatcher", now, "attempt 1"))

	ctx := context.Background()
	require.NoError(t, store.AppendAudit(ctx, harvest.AuditEntry{JobID: "job-1", Action: harvest.AuditSubmit, Actor: "api", At: now}))
	entries, err := store.ListAudit(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, harvest.AuditDispatch, entries[1].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleUpsertAndGet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	next := time.Unix(1700003600, 0).UTC()
	schedule := harvest.Schedule{ID: "s1", TemplateJobID: "job-1", CronExpression: "0 * * * *", NextFire: next, GeneratingJobID: "job-1", Active: true}

	mock.ExpectExec("INSERT INTO harvest_schedules").
		WithArgs("s1", "job-1", "0 * * * *", next, "job-1", true, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT .* FROM harvest_schedules WHERE id").
		WithArgs("s1").
		WillReturnRows(mock.NewRows([]string{"id", "template_job_id", "cron_expression", "next_fire", "generating_job_id", "active", "runs"}).
			AddRow("s1", "job-1", "0 * * * *", next, "job-2", true, 1))
	mock.ExpectQuery("SELECT .* FROM harvest_schedules WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, store.SaveSchedule(ctx, schedule))
	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "job-2", got.GeneratingJobID)
	require.Equal(t, 1, got.Runs)
	_, err = store.GetSchedule(ctx, "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultStore(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO harvest_results").
		WithArgs("job-1", pgxmock.AnyArg(), []byte(`{}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT payload, analyses FROM harvest_results").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"payload", "analyses"}).
			AddRow([]byte(`{"job_id":"job-1","url":"https://example.com","content_hash":"abc"}`), []byte(`{"performance":{"score":90}}`)))
	mock.ExpectExec("UPDATE harvest_results SET analyses").
		WithArgs("missing", "performance", []byte(`{"score":90}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.SaveResult(ctx, harvest.Result{JobID: "job-1", URL: "https://example.com", CreatedAt: now}))

	result, err := store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "abc", result.ContentHash)
	require.Equal(t, map[string]any{"score": float64(90)}, result.Analyses["performance"])

	err = store.AttachAnalysis(ctx, "missing", "performance", map[string]int{"score": 90})
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingReportsUnreachableDatabase(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(pgx.ErrTxClosed)
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
