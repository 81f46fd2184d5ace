package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goharvest/internal/archive"
	"github.com/JakeFAU/goharvest/internal/assets"
	"github.com/JakeFAU/goharvest/internal/change"
	"github.com/JakeFAU/goharvest/internal/extract"
	"github.com/JakeFAU/goharvest/internal/fingerprint"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/goharvest/internal/publisher/memory"
	"github.com/JakeFAU/goharvest/internal/storage/memory"
)

const pageHTML = `<html><head><title>Shop</title>
<link rel="stylesheet" href="/css/bootstrap.min.css"></head>
<body data-reactroot><h1>Hello</h1><img src="/img/logo.png" alt="logo"></body></html>`

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeRobots struct {
	allow bool
	delay time.Duration
}

func (f fakeRobots) CanFetch(context.Context, string) bool { return f.allow }

func (f fakeRobots) CrawlDelay(string) time.Duration { return f.delay }

type fakeRenderer struct {
	mu    sync.Mutex
	html  string
	err   error
	calls int
}

func (f *fakeRenderer) Render(_ context.Context, url string) (harvest.RenderedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return harvest.RenderedPage{}, f.err
	}
	return harvest.RenderedPage{
		URL:        url,
		StatusCode: http.StatusOK,
		HTML:       []byte(f.html),
		Headers:    http.Header{"Server": {"cloudflare"}},
	}, nil
}

type fakeFetcher struct {
	bodies map[string]string
}

func (f fakeFetcher) FetchResource(_ context.Context, url string) (harvest.Resource, error) {
	body, ok := f.bodies[url]
	if !ok {
		return harvest.Resource{}, errors.New("status 404")
	}
	return harvest.Resource{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type recordingLimiter struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
}

func (l *recordingLimiter) SetInterval(host string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.intervals == nil {
		l.intervals = map[string]time.Duration{}
	}
	l.intervals[host] = d
}

type flakyArchiver struct {
	next     Archiver
	mu       sync.Mutex
	failures int
}

func (a *flakyArchiver) Export(ctx context.Context, jobID, pageURL string, html []byte, assets []harvest.Asset) (string, string, error) {
	a.mu.Lock()
	if a.failures > 0 {
		a.failures--
		a.mu.Unlock()
		return "", "", errors.New("blob store down")
	}
	a.mu.Unlock()
	return a.next.Export(ctx, jobID, pageURL, html, assets)
}

type harness struct {
	pipeline  *Pipeline
	renderer  *fakeRenderer
	limiter   *recordingLimiter
	archiver  *flakyArchiver
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, robots harvest.RobotsChecker) *harness {
	t.Helper()
	blobs := memory.NewBlobStore()
	publisher := pubmemory.New()
	renderer := &fakeRenderer{html: pageHTML}
	limiter := &recordingLimiter{}
	clock := fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fetcher := fakeFetcher{bodies: map[string]string{
		"https://shop.example.com/css/bootstrap.min.css": "body{margin:0}",
		"https://shop.example.com/img/logo.png":          "PNGDATA",
	}}

	archiver := &flakyArchiver{next: archive.NewExporter(blobs, "harvests", nil)}
	p := New(Deps{
		Robots:        robots,
		Limiter:       limiter,
		Renderer:      renderer,
		Extractor:     extract.New(nil),
		Fingerprinter: fingerprint.New(nil, nil),
		Downloader:    assets.New(assets.Config{Concurrency: 2}, fetcher, blobs, nil),
		Changes:       change.NewDetector(change.NewMemoryStore(), publisher, "harvest-changes", clock, nil),
		Archiver:      archiver,
		Hasher:        sha256.New(),
		Clock:         clock,
	}, nil)
	return &harness{pipeline: p, renderer: renderer, limiter: limiter, archiver: archiver, blobs: blobs, publisher: publisher}
}

func stageRecorder() (StageHook, func() []string) {
	var (
		mu     sync.Mutex
		stages []string
	)
	hook := func(_ context.Context, stage string) error {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, stage)
		return nil
	}
	return hook, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), stages...)
	}
}

func TestRunFullHarvest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeRobots{allow: true, delay: 2 * time.Second})
	hook, stages := stageRecorder()
	job := harvest.Job{ID: "job-1", URL: "https://shop.example.com/", Options: harvest.Options{Mode: harvest.ModeFull}}

	result, err := h.pipeline.Run(context.Background(), job, hook)
	require.NoError(t, err)

	require.Equal(t, []string{StageRender, StageAnalyze, StageAssets, StageChange, StageArchive}, stages())
	require.Equal(t, 2*time.Second, h.limiter.intervals["shop.example.com"])
	require.Equal(t, 1, result.Attempt)
	require.Equal(t, sha256.Sum([]byte(pageHTML)), result.ContentHash)
	require.Equal(t, result.ContentHash, result.Snapshot.Hash)
	require.Empty(t, result.Snapshot.PreviousHash)
	require.Equal(t, "React", result.FrontendFramework)
	require.Equal(t, "Bootstrap", result.CSSFramework)
	require.Equal(t, []string{"Cloudflare"}, result.Technologies[harvest.CategoryHosting])
	require.Equal(t, "Shop", result.Metadata["title"])
	require.Contains(t, result.Content, "Hello")

	require.Equal(t, 2, result.TotalAssets)
	require.Equal(t, int64(len("body{margin:0}")+len("PNGDATA")), result.TotalSize)
	for _, a := range result.Assets {
		require.Equal(t, harvest.OutcomeSuccess, a.Outcome, a.URL)
		require.NotEmpty(t, a.StorageRef)
	}

	require.Equal(t, "harvests/job-1/harvest.zip", result.ArchivePath)
	_, err = h.blobs.GetObject(context.Background(), result.ArchivePath)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), result.CreatedAt)
}

func TestRunDetectsChangeAndNotifiesOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	job := harvest.Job{ID: "job-1", URL: "https://shop.example.com/", Owner: "alice", Options: harvest.Options{Mode: harvest.ModeContent}}

	first, err := h.pipeline.Run(ctx, job, nil)
	require.NoError(t, err)
	require.False(t, first.Snapshot.Changed)
	require.Empty(t, first.Assets)
	require.NoError(t, h.pipeline.Commit(ctx, job, first))

	h.renderer.html = pageHTML + "\n<p>new price</p>"
	job.ID = "job-2"
	second, err := h.pipeline.Run(ctx, job, nil)
	require.NoError(t, err)
	require.True(t, second.Snapshot.Changed)
	require.Equal(t, first.ContentHash, second.Snapshot.PreviousHash)
	require.Empty(t, h.publisher.Topic("harvest-changes"))

	require.NoError(t, h.pipeline.Commit(ctx, job, second))
	require.Len(t, h.publisher.Topic("harvest-changes"), 1)
}

func TestRunFailedAttemptKeepsChangeForRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	job := harvest.Job{ID: "job-1", URL: "https://shop.example.com/", Owner: "alice", Options: harvest.Options{Mode: harvest.ModeContent}}

	first, err := h.pipeline.Run(ctx, job, nil)
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Commit(ctx, job, first))

	h.renderer.html = pageHTML + "\n<p>sold out</p>"
	h.archiver.failures = 1
	job.ID = "job-2"
	_, err = h.pipeline.Run(ctx, job, nil)
	require.Equal(t, harvest.KindTransient, harvest.Classify(err))

	job.RetryCount = 1
	retried, err := h.pipeline.Run(ctx, job, nil)
	require.NoError(t, err)
	require.True(t, retried.Snapshot.Changed)
	require.Equal(t, first.ContentHash, retried.Snapshot.PreviousHash)
	require.NotEmpty(t, retried.Snapshot.Diff)
	require.Empty(t, h.publisher.Topic("harvest-changes"))
}

func TestCommitIgnoresResultsWithoutSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.pipeline.Commit(context.Background(), harvest.Job{ID: "job-1", URL: "https://shop.example.com/"}, harvest.Result{}))
	require.Empty(t, h.publisher.Messages())
}

func TestRunRobotsDisallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeRobots{allow: false})
	_, err := h.pipeline.Run(context.Background(), harvest.Job{ID: "job-1", URL: "https://shop.example.com/private"}, nil)
	require.ErrorIs(t, err, harvest.ErrPolicyViolation)
	require.Equal(t, harvest.KindPolicy, harvest.Classify(err))
	require.Zero(t, h.renderer.calls)
}

func TestRunHookAbortsBetweenStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	hook := func(_ context.Context, stage string) error {
		if stage == StageAssets {
			return harvest.ErrCancelled
		}
		return nil
	}
	_, err := h.pipeline.Run(context.Background(), harvest.Job{ID: "job-1", URL: "https://shop.example.com/"}, hook)
	require.ErrorIs(t, err, harvest.ErrCancelled)
	_, err = h.blobs.GetObject(context.Background(), "harvests/job-1/harvest.zip")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestRunTechModeSkipsContentStages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	hook, stages := stageRecorder()
	result, err := h.pipeline.Run(context.Background(),
		harvest.Job{ID: "job-1", URL: "https://shop.example.com/", Options: harvest.Options{Mode: harvest.ModeTech, ExtractMedia: true}}, hook)
	require.NoError(t, err)
	require.Equal(t, []string{StageRender, StageAnalyze}, stages())
	require.Equal(t, "React", result.FrontendFramework)
	require.Empty(t, result.Content)
	require.Empty(t, result.Assets)
	require.Empty(t, result.ArchivePath)
	require.NotNil(t, result.Metadata)
	require.Len(t, result.Structured.Headings, 6)
}

func TestRunErrorClassification(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.pipeline.Run(context.Background(), harvest.Job{ID: "job-1", URL: "ftp://shop.example.com/"}, nil)
	require.Equal(t, harvest.KindPermanent, harvest.Classify(err))

	h.renderer.err = errors.New("connection reset")
	_, err = h.pipeline.Run(context.Background(), harvest.Job{ID: "job-1", URL: "https://shop.example.com/"}, nil)
	require.Equal(t, harvest.KindTransient, harvest.Classify(err))
}

func TestDetect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakeRobots{allow: true})
	report, err := h.pipeline.Detect(context.Background(), "https://shop.example.com/")
	require.NoError(t, err)
	require.Equal(t, []string{"React"}, report[harvest.CategoryFrameworks])
	for _, category := range harvest.Categories {
		require.Contains(t, report, category)
	}

	denied := newHarness(t, fakeRobots{allow: false})
	_, err = denied.pipeline.Detect(context.Background(), "https://shop.example.com/")
	require.ErrorIs(t, err, harvest.ErrPolicyViolation)
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	u, err := ValidateURL(" https://example.com/a#frag ")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", u.String())

	for _, raw := range []string{"", "example.com", "mailto:a@b.c", "https://"} {
		_, err := ValidateURL(raw)
		require.Error(t, err, raw)
	}
}
