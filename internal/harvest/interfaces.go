package harvest

import (
	"context"
	"net/http"
	"time"
)

// StatusChange describes a compare-and-swap status transition and the fields
// written alongside it. Nil time pointers leave the stored value untouched.
type StatusChange struct {
	From         Status
	To           Status
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// JobStore persists jobs, audit entries and recurring schedules.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// TransitionJob applies change only if the stored status equals change.From.
	// It returns ErrStaleState when the status moved underneath the caller.
	TransitionJob(ctx context.Context, jobID string, change StatusChange) (Job, error)
	ListJobsByStatus(ctx context.Context, status Status) ([]Job, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, jobID string) ([]AuditEntry, error)
	SaveSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
}

// ResultStore persists harvest results.
type ResultStore interface {
	SaveResult(ctx context.Context, result Result) error
	GetResult(ctx context.Context, jobID string) (Result, error)
	AttachAnalysis(ctx context.Context, jobID, name string, report any) error
}

// BlobStore writes and reads raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RenderedPage is the output of a PageRenderer.
type RenderedPage struct {
	URL        string
	StatusCode int
	HTML       []byte
	Headers    http.Header
	Duration   time.Duration
	Headless   bool
}

// Renderer turns a URL into its final DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
}

// Resource is a fetched sub-resource body.
type Resource struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// ResourceFetcher fetches a single resource body.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, url string) (Resource, error)
}

// RobotsChecker gates fetches on robots policy.
type RobotsChecker interface {
	CanFetch(ctx context.Context, url string) bool
	CrawlDelay(host string) time.Duration
}

// Queue provides enqueue/dequeue semantics for harvest jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for content identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and schedule IDs.
type IDGenerator interface {
	NewID() (string, error)
}
