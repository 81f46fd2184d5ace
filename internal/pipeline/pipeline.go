// Package pipeline runs one harvest attempt end to end: robots gate, render,
// extraction and fingerprinting, asset download, change detection and
// archive packaging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/metrics"
	"github.com/JakeFAU/goharvest/internal/telemetry"
)

// Stage names reported to hooks, metrics and traces.
const (
	StageRobots  = "robots"
	StageRender  = "render"
	StageAnalyze = "analyze"
	StageAssets  = "assets"
	StageChange  = "change"
	StageArchive = "archive"
)

// Extractor parses rendered HTML.
type Extractor interface {
	Extract(html []byte, baseURL string, wantMedia bool) harvest.ExtractedContent
}

// Fingerprinter detects the technology stack of a page.
type Fingerprinter interface {
	Detect(ctx context.Context, url string, html []byte, headers http.Header) harvest.TechReport
}

// Downloader fetches and stores asset references.
type Downloader interface {
	DownloadAll(ctx context.Context, jobID, baseURL string, refs []harvest.AssetRef) []harvest.Asset
}

// ChangeDetector compares content against the stored baseline. Check is
// read-only; Commit advances the baseline once a harvest has completed.
type ChangeDetector interface {
	Check(ctx context.Context, pageURL string, html []byte) (harvest.Snapshot, error)
	Commit(ctx context.Context, pageURL, owner, jobID string, html []byte, snap harvest.Snapshot) error
}

// Archiver packages the page and its assets.
type Archiver interface {
	Export(ctx context.Context, jobID, pageURL string, html []byte, assets []harvest.Asset) (string, string, error)
}

// IntervalSetter applies a robots crawl-delay to a host's pacing.
type IntervalSetter interface {
	SetInterval(host string, interval time.Duration)
}

// StageHook runs before each stage after the robots gate. A non-nil error
// aborts the attempt.
type StageHook func(ctx context.Context, stage string) error

// Deps are the collaborators of a Pipeline. Robots, Limiter, Changes and
// Archiver are optional.
type Deps struct {
	Robots        harvest.RobotsChecker
	Limiter       IntervalSetter
	Renderer      harvest.Renderer
	Extractor     Extractor
	Fingerprinter Fingerprinter
	Downloader    Downloader
	Changes       ChangeDetector
	Archiver      Archiver
	Hasher        harvest.Hasher
	Clock         harvest.Clock
}

// Pipeline executes harvest attempts.
type Pipeline struct {
	deps   Deps
	logger *zap.Logger
}

// New builds a Pipeline.
func New(deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, logger: logger.Named("pipeline")}
}

// Run executes one attempt of job. The returned error is classifiable with
// harvest.Classify.
func (p *Pipeline) Run(ctx context.Context, job harvest.Job, hook StageHook) (harvest.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run",
		attribute.String("job_id", job.ID),
		attribute.String("url", job.URL),
		attribute.String("mode", string(job.Options.Mode)),
	)
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	result, err := p.run(ctx, job, hook)
	runErr = err
	return result, err
}

func (p *Pipeline) run(ctx context.Context, job harvest.Job, hook StageHook) (harvest.Result, error) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	opts := job.Options
	if opts.Mode == "" {
		opts.Mode = harvest.ModeFull
	}

	target, err := ValidateURL(job.URL)
	if err != nil {
		return harvest.Result{}, err
	}

	if err := p.stage(ctx, StageRobots, nil, func(ctx context.Context) error {
		return p.gate(ctx, target)
	}); err != nil {
		return harvest.Result{}, err
	}

	var page harvest.RenderedPage
	if err := p.stage(ctx, StageRender, hook, func(ctx context.Context) error {
		page, err = p.render(ctx, target)
		return err
	}); err != nil {
		return harvest.Result{}, err
	}

	result := harvest.Result{
		JobID:   job.ID,
		URL:     job.URL,
		Attempt: job.RetryCount + 1,
		HTML:    string(page.HTML),
	}

	var content harvest.ExtractedContent
	if err := p.stage(ctx, StageAnalyze, hook, func(ctx context.Context) error {
		content, result.Technologies = p.analyze(ctx, page, opts)
		return nil
	}); err != nil {
		return harvest.Result{}, err
	}
	result.Content = content.Text
	result.Structured = content.Structured
	result.Metadata = content.Metadata
	result.Links = content.Links
	result.FrontendFramework = result.Technologies.Primary(harvest.CategoryFrameworks)
	result.CSSFramework = result.Technologies.Primary(harvest.CategoryCSSFrameworks)

	result.Assets = []harvest.Asset{}
	if opts.WantsMedia() && len(content.Assets) > 0 {
		if err := p.stage(ctx, StageAssets, hook, func(ctx context.Context) error {
			result.Assets = p.deps.Downloader.DownloadAll(ctx, job.ID, page.URL, content.Assets)
			return nil
		}); err != nil {
			return harvest.Result{}, err
		}
	}
	result.TotalAssets = len(result.Assets)
	for _, a := range result.Assets {
		result.TotalSize += a.Size
	}

	hash, err := p.deps.Hasher.Hash(page.HTML)
	if err != nil {
		return harvest.Result{}, harvest.Permanent(fmt.Errorf("hash content: %w", err))
	}
	result.ContentHash = hash

	if opts.WantsContent() && p.deps.Changes != nil {
		if err := p.stage(ctx, StageChange, hook, func(ctx context.Context) error {
			snap, err := p.deps.Changes.Check(ctx, job.URL, page.HTML)
			if err != nil {
				return harvest.Transient(fmt.Errorf("change detection: %w", err))
			}
			result.Snapshot = snap
			return nil
		}); err != nil {
			return harvest.Result{}, err
		}
	}

	if opts.WantsContent() && p.deps.Archiver != nil {
		if err := p.stage(ctx, StageArchive, hook, func(ctx context.Context) error {
			ref, path, err := p.deps.Archiver.Export(ctx, job.ID, page.URL, page.HTML, result.Assets)
			if err != nil {
				return harvest.Transient(fmt.Errorf("archive: %w", err))
			}
			result.ArchiveRef, result.ArchivePath = ref, path
			return nil
		}); err != nil {
			return harvest.Result{}, err
		}
	}

	result.CreatedAt = p.now()
	logger.Info("harvest attempt finished",
		zap.Int("attempt", result.Attempt),
		zap.Int("assets", result.TotalAssets),
		zap.Int64("asset_bytes", result.TotalSize),
		zap.Bool("headless", page.Headless),
		zap.Bool("changed", result.Snapshot.Changed),
	)
	return result, nil
}

// Detect runs the robots gate, render and fingerprint stages only.
func (p *Pipeline) Detect(ctx context.Context, rawURL string) (harvest.TechReport, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := p.stage(ctx, StageRobots, nil, func(ctx context.Context) error {
		return p.gate(ctx, target)
	}); err != nil {
		return nil, err
	}
	var page harvest.RenderedPage
	if err := p.stage(ctx, StageRender, nil, func(ctx context.Context) error {
		page, err = p.render(ctx, target)
		return err
	}); err != nil {
		return nil, err
	}
	return p.deps.Fingerprinter.Detect(ctx, page.URL, page.HTML, page.Headers), nil
}

// Commit applies the side effects of a completed attempt: the change
// baseline moves to result's content and the owner is notified of a change.
// Call it only after the job has been recorded as completed.
func (p *Pipeline) Commit(ctx context.Context, job harvest.Job, result harvest.Result) error {
	if p.deps.Changes == nil || result.Snapshot.Hash == "" {
		return nil
	}
	if err := p.deps.Changes.Commit(ctx, job.URL, job.Owner, job.ID, []byte(result.HTML), result.Snapshot); err != nil {
		return fmt.Errorf("commit change baseline: %w", err)
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, hook StageHook, fn func(context.Context) error) error {
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return harvest.Transient(err)
	}
	ctx, span := telemetry.StartSpan(ctx, "pipeline."+name)
	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, err, time.Since(start))
	telemetry.EndSpan(span, err)
	return err
}

func (p *Pipeline) gate(ctx context.Context, target *url.URL) error {
	if p.deps.Robots == nil {
		return nil
	}
	if !p.deps.Robots.CanFetch(ctx, target.String()) {
		return fmt.Errorf("%s: %w", target.String(), harvest.ErrPolicyViolation)
	}
	return nil
}

func (p *Pipeline) render(ctx context.Context, target *url.URL) (harvest.RenderedPage, error) {
	if p.deps.Robots != nil && p.deps.Limiter != nil {
		if delay := p.deps.Robots.CrawlDelay(target.Host); delay > 0 {
			p.deps.Limiter.SetInterval(target.Host, delay)
		}
	}
	page, err := p.deps.Renderer.Render(ctx, target.String())
	if err != nil {
		var perm *harvest.PermanentError
		if errors.As(err, &perm) {
			return harvest.RenderedPage{}, err
		}
		return harvest.RenderedPage{}, harvest.Transient(fmt.Errorf("render: %w", err))
	}
	if page.URL == "" {
		page.URL = target.String()
	}
	metrics.ObserveRender(page.URL, page.Headless)
	return page, nil
}

// analyze runs extraction and fingerprinting concurrently over the same DOM.
func (p *Pipeline) analyze(ctx context.Context, page harvest.RenderedPage, opts harvest.Options) (harvest.ExtractedContent, harvest.TechReport) {
	var (
		content harvest.ExtractedContent
		report  harvest.TechReport
	)
	g, gctx := errgroup.WithContext(ctx)
	if opts.WantsContent() {
		g.Go(func() error {
			content = p.deps.Extractor.Extract(page.HTML, page.URL, opts.WantsMedia())
			return nil
		})
	}
	g.Go(func() error {
		report = p.deps.Fingerprinter.Detect(gctx, page.URL, page.HTML, page.Headers)
		return nil
	})
	_ = g.Wait()

	if content.Metadata == nil {
		content = emptyContent()
	}
	return content, report
}

func (p *Pipeline) now() time.Time {
	if p.deps.Clock != nil {
		return p.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// ValidateURL accepts absolute http(s) URLs. Anything else is a permanent error.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, harvest.Permanent(fmt.Errorf("parse url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, harvest.Permanent(fmt.Errorf("url %q must use http or https", raw))
	}
	if u.Host == "" {
		return nil, harvest.Permanent(fmt.Errorf("url %q has no host", raw))
	}
	u.Fragment = ""
	return u, nil
}

func emptyContent() harvest.ExtractedContent {
	headings := make(map[string][]string, 6)
	for i := 1; i <= 6; i++ {
		headings[fmt.Sprintf("h%d", i)] = []string{}
	}
	return harvest.ExtractedContent{
		Structured: harvest.StructuredData{Headings: headings, Lists: []string{}, Tables: [][][]string{}},
		Metadata:   map[string]string{},
		Links:      harvest.Links{Internal: []string{}, External: []string{}},
		Assets:     []harvest.AssetRef{},
	}
}
