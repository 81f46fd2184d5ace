package harvest

import "time"

// Status represents the lifecycle state of a harvest job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mode selects which pipeline stages run for a job.
type Mode string

// Harvest modes.
const (
	ModeContent Mode = "content"
	ModeMedia   Mode = "media"
	ModeFull    Mode = "full"
	ModeTech    Mode = "tech"
)

// ParseMode normalizes a user supplied mode. "tech-detect" is an alias of tech.
func ParseMode(raw string) (Mode, bool) {
	switch raw {
	case "":
		return ModeFull, true
	case string(ModeContent):
		return ModeContent, true
	case string(ModeMedia):
		return ModeMedia, true
	case string(ModeFull):
		return ModeFull, true
	case string(ModeTech), "tech-detect":
		return ModeTech, true
	default:
		return "", false
	}
}

// Options captures per-job knobs requested by the client.
type Options struct {
	Mode         Mode `json:"mode" mapstructure:"mode"`
	Depth        int  `json:"depth" mapstructure:"depth"`
	ExtractMedia bool `json:"extract_media" mapstructure:"extract_media"`
}

// WantsMedia reports whether asset references should be extracted and downloaded.
func (o Options) WantsMedia() bool {
	return o.Mode == ModeMedia || o.Mode == ModeFull || (o.ExtractMedia && o.Mode != ModeTech)
}

// WantsContent reports whether text/structured extraction runs.
func (o Options) WantsContent() bool {
	return o.Mode != ModeTech
}

// Recurrence describes a cron driven job.
type Recurrence struct {
	IsRecurring    bool   `json:"is_recurring"`
	CronExpression string `json:"cron_expression,omitempty"`
}

// Job is the persisted record of one harvest request.
type Job struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Status       Status            `json:"status"`
	Options      Options           `json:"options"`
	Priority     int               `json:"priority"`
	Tags         map[string]string `json:"tags,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Recurrence   Recurrence        `json:"recurrence"`
	ParentJobID  string            `json:"parent_job_id,omitempty"`
	ScheduleID   string            `json:"schedule_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// StatusView is the projection returned by getStatus.
type StatusView struct {
	JobID        string     `json:"job_id"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// View projects the job into its status view.
func (j Job) View() StatusView {
	return StatusView{
		JobID:        j.ID,
		Status:       j.Status,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		ScheduledAt:  j.ScheduledAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// AssetType classifies a downloadable resource.
type AssetType string

// Asset types.
const (
	AssetImage AssetType = "image"
	AssetCSS   AssetType = "css"
	AssetJS    AssetType = "js"
	AssetFont  AssetType = "font"
	AssetVideo AssetType = "video"
	AssetOther AssetType = "other"
)

// Outcome is the download result of an asset.
type Outcome string

// Asset outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// AssetRef is an asset reference discovered by the extractor.
type AssetRef struct {
	URL      string    `json:"url"`
	Type     AssetType `json:"type"`
	Alt      string    `json:"alt,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Critical bool      `json:"critical"`
	Lazy     bool      `json:"lazy"`
}

// Asset is the download record of one AssetRef.
type Asset struct {
	AssetRef
	StoragePath string  `json:"storage_path,omitempty"`
	StorageRef  string  `json:"storage_ref,omitempty"`
	Size        int64   `json:"size"`
	Outcome     Outcome `json:"outcome"`
	Error       string  `json:"error,omitempty"`
}

// Links partitions anchors into internal and external sets.
type Links struct {
	Internal []string `json:"internal"`
	External []string `json:"external"`
}

// StructuredData groups headings, lists and tables.
type StructuredData struct {
	Headings map[string][]string `json:"headings"`
	Lists    []string            `json:"lists"`
	Tables   [][][]string        `json:"tables"`
}

// ExtractedContent is the output of the content extractor.
type ExtractedContent struct {
	Text       string            `json:"text"`
	Structured StructuredData    `json:"structured"`
	Metadata   map[string]string `json:"metadata"`
	Links      Links             `json:"links"`
	Assets     []AssetRef        `json:"assets"`
}

// Technology categories reported by the fingerprinter.
const (
	CategoryFrameworks    = "frameworks"
	CategoryLibraries     = "libraries"
	CategoryCSSFrameworks = "css_frameworks"
	CategoryAnalytics     = "analytics"
	CategoryCMS           = "cms"
	CategoryHosting       = "hosting"
)

// Categories lists every technology category in report order.
var Categories = []string{
	CategoryFrameworks,
	CategoryLibraries,
	CategoryCSSFrameworks,
	CategoryAnalytics,
	CategoryCMS,
	CategoryHosting,
}

// TechReport maps category to a deduplicated label list. Every category is present.
type TechReport map[string][]string

// Primary returns the first label of a category, or "".
func (r TechReport) Primary(category string) string {
	labels := r[category]
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}

// DiffOp is the kind of a diff span.
type DiffOp string

// Diff span kinds.
const (
	DiffEqual  DiffOp = "equal"
	DiffInsert DiffOp = "insert"
	DiffDelete DiffOp = "delete"
)

// DiffSpan is one ordered piece of a content diff.
type DiffSpan struct {
	Op   DiffOp `json:"op"`
	Text string `json:"text"`
}

// DiffSummary counts lines per span kind.
type DiffSummary struct {
	Equal    int `json:"equal"`
	Inserted int `json:"inserted"`
	Deleted  int `json:"deleted"`
}

// Snapshot is one change-detection pass.
type Snapshot struct {
	Hash         string      `json:"hash"`
	PreviousHash string      `json:"previous_hash,omitempty"`
	Changed      bool        `json:"changed"`
	Summary      DiffSummary `json:"summary"`
	Diff         []DiffSpan  `json:"diff,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// Result is the immutable output of one completed attempt.
type Result struct {
	JobID             string            `json:"job_id"`
	URL               string            `json:"url"`
	Attempt           int               `json:"attempt"`
	HTML              string            `json:"html"`
	Content           string            `json:"content"`
	Structured        StructuredData    `json:"structured"`
	Metadata          map[string]string `json:"metadata"`
	Links             Links             `json:"links"`
	Assets            []Asset           `json:"assets"`
	Technologies      TechReport        `json:"technologies"`
	FrontendFramework string            `json:"frontend_framework,omitempty"`
	CSSFramework      string            `json:"css_framework,omitempty"`
	ContentHash       string            `json:"content_hash"`
	TotalAssets       int               `json:"total_assets"`
	TotalSize         int64             `json:"total_size"`
	ArchiveRef        string            `json:"archive_ref,omitempty"`
	ArchivePath       string            `json:"archive_path,omitempty"`
	Snapshot          Snapshot          `json:"snapshot"`
	Analyses          map[string]any    `json:"analyses,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// RobotsEntry is the cached robots policy for one host.
type RobotsEntry struct {
	Host            string        `json:"host"`
	Scrapable       bool          `json:"scrapable"`
	CrawlDelay      time.Duration `json:"crawl_delay"`
	DisallowedPaths []string      `json:"disallowed_paths,omitempty"`
	Raw             string        `json:"raw,omitempty"`
	CheckedAt       time.Time     `json:"checked_at"`
}

// AuditAction enumerates audit log actions.
type AuditAction string

// Audit actions.
const (
	AuditSubmit         AuditAction = "submit"
	AuditDispatch       AuditAction = "dispatch"
	AuditComplete       AuditAction = "complete"
	AuditFail           AuditAction = "fail"
	AuditRetryScheduled AuditAction = "retry_scheduled"
	AuditManualRetry    AuditAction = "manual_retry"
	AuditCancel         AuditAction = "cancel"
	AuditRecurringSpawn AuditAction = "recurring_spawn"
	AuditReaped         AuditAction = "reaped"
)

// AuditEntry is an append-only record of an action on a job.
type AuditEntry struct {
	JobID   string      `json:"job_id"`
	Action  AuditAction `json:"action"`
	Actor   string      `json:"actor"`
	At      time.Time   `json:"at"`
	Details string      `json:"details,omitempty"`
}

// Schedule is the explicit record driving a recurring job chain.
type Schedule struct {
	ID              string    `json:"id"`
	TemplateJobID   string    `json:"template_job_id"`
	CronExpression  string    `json:"cron_expression"`
	NextFire        time.Time `json:"next_fire"`
	GeneratingJobID string    `json:"generating_job_id"`
	Active          bool      `json:"active"`
	Runs            int       `json:"runs"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Attempt  int    `json:"attempt"`
	Enqueued int64  `json:"enqueued"`
}
