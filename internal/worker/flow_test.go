package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/archive"
	"github.com/JakeFAU/goharvest/internal/assets"
	"github.com/JakeFAU/goharvest/internal/change"
	"github.com/JakeFAU/goharvest/internal/clock/system"
	"github.com/JakeFAU/goharvest/internal/extract"
	"github.com/JakeFAU/goharvest/internal/fingerprint"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
	"github.com/JakeFAU/goharvest/internal/id/uuid"
	"github.com/JakeFAU/goharvest/internal/pipeline"
	pubmemory "github.com/JakeFAU/goharvest/internal/publisher/memory"
	queuememory "github.com/JakeFAU/goharvest/internal/queue/memory"
	"github.com/JakeFAU/goharvest/internal/scheduler"
	storagememory "github.com/JakeFAU/goharvest/internal/storage/memory"
)

type staticRenderer struct {
	html string
}

func (r staticRenderer) Render(_ context.Context, url string) (harvest.RenderedPage, error) {
	return harvest.RenderedPage{URL: url, StatusCode: http.StatusOK, HTML: []byte(r.html)}, nil
}

type mapFetcher map[string][]byte

func (f mapFetcher) FetchResource(_ context.Context, url string) (harvest.Resource, error) {
	body, ok := f[url]
	if !ok {
		return harvest.Resource{}, harvest.Transient(errors.New("dial tcp: connection refused"))
	}
	return harvest.Resource{URL: url, StatusCode: http.StatusOK, Body: body}, nil
}

type flow struct {
	sched  *scheduler.Scheduler
	queue  *queuememory.Queue
	blobs  *storagememory.BlobStore
	worker *Worker
}

func newFlow(t *testing.T, html string, fetcher mapFetcher) *flow {
	t.Helper()
	jobs := storagememory.NewJobStore()
	blobs := storagememory.NewBlobStore()
	queue := queuememory.NewQueue(16)
	clock := system.New()

	sched := scheduler.New(scheduler.Deps{
		Jobs:    jobs,
		Results: storagememory.NewResultStore(),
		Blobs:   blobs,
		Queue:   queue,
		IDs:     uuid.New(),
		Clock:   clock,
	}, scheduler.Config{
		DefaultMaxRetries: 2,
		Backoff:           harvest.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, zap.NewNop())
	t.Cleanup(sched.Stop)

	p := pipeline.New(pipeline.Deps{
		Renderer:      staticRenderer{html: html},
		Extractor:     extract.New(nil),
		Fingerprinter: fingerprint.New(nil, nil),
		Downloader:    assets.New(assets.Config{Concurrency: 2}, fetcher, blobs, nil),
		Changes:       change.NewDetector(change.NewMemoryStore(), pubmemory.New(), "harvest-changes", clock, nil),
		Archiver:      archive.NewExporter(blobs, "harvests", nil),
		Hasher:        sha256.New(),
		Clock:         clock,
	}, nil)

	return &flow{
		sched:  sched,
		queue:  queue,
		blobs:  blobs,
		worker: New(queue, jobs, sched, p, Config{AttemptTimeout: 5 * time.Second}, zap.NewNop()),
	}
}

// harvest submits url and runs the queued attempt to completion.
func (f *flow) harvest(t *testing.T, url string) (string, harvest.Result) {
	t.Helper()
	ctx := context.Background()
	id, err := f.sched.Submit(ctx, scheduler.SubmitRequest{URL: url, Options: harvest.Options{Mode: harvest.ModeFull}})
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	item, err := f.queue.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, id, item.JobID)
	f.worker.Process(ctx, item)

	view, err := f.sched.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusCompleted, view.Status, view.ErrorMessage)

	result, err := f.sched.GetResult(ctx, id)
	require.NoError(t, err)
	return id, result
}

func archiveNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestFlowFullHarvestOfPlainSite(t *testing.T) {
	t.Parallel()

	const page = `<html><head><title>Example Domain</title>
<link rel="stylesheet" href="/site.css"></head>
<body><h1>Example Domain</h1><img src="/banner.png" alt="banner"></body></html>`
	f := newFlow(t, page, mapFetcher{
		"https://example.com/site.css":   bytes.Repeat([]byte("a"), 1024),
		"https://example.com/banner.png": bytes.Repeat([]byte("b"), 512),
	})
	ctx := context.Background()

	id, result := f.harvest(t, "https://example.com")

	require.Equal(t, id, result.JobID)
	require.Equal(t, 2, result.TotalAssets)
	require.Equal(t, int64(1536), result.TotalSize)
	sizes := map[string]int64{}
	for _, a := range result.Assets {
		require.Equal(t, harvest.OutcomeSuccess, a.Outcome, a.URL)
		sizes[a.URL] = a.Size
	}
	require.Equal(t, map[string]int64{
		"https://example.com/site.css":   1024,
		"https://example.com/banner.png": 512,
	}, sizes)

	require.NotNil(t, result.Technologies[harvest.CategoryFrameworks])
	require.Empty(t, result.Technologies[harvest.CategoryFrameworks])
	require.Empty(t, result.FrontendFramework)

	require.False(t, result.Snapshot.Changed)
	require.Empty(t, result.Snapshot.PreviousHash)
	require.Equal(t, result.ContentHash, result.Snapshot.Hash)

	data, err := f.blobs.GetObject(ctx, result.ArchivePath)
	require.NoError(t, err)
	names := archiveNames(t, data)
	require.Len(t, names, 3)
	require.Contains(t, names, archive.IndexName)

	_, again := f.harvest(t, "https://example.com")
	require.False(t, again.Snapshot.Changed)
	require.Equal(t, result.Snapshot.Hash, again.Snapshot.PreviousHash)
}

func TestFlowCompletesWithUnreachableAssets(t *testing.T) {
	t.Parallel()

	const page = `<html><head><link rel="stylesheet" href="/site.css">
<script src="/app.js"></script>
<script src="https://cdn.down.example/lib.js"></script></head>
<body><img src="/logo.png"><img src="/missing.png"></body></html>`
	f := newFlow(t, page, mapFetcher{
		"https://example.com/site.css": []byte("body{}"),
		"https://example.com/app.js":   []byte("console.log(1)"),
		"https://example.com/logo.png": []byte("PNG"),
	})

	_, result := f.harvest(t, "https://example.com")

	require.Len(t, result.Assets, 5)
	var ok, failed []harvest.Asset
	for _, a := range result.Assets {
		if a.Outcome == harvest.OutcomeSuccess {
			ok = append(ok, a)
			continue
		}
		failed = append(failed, a)
	}
	require.Len(t, ok, 3)
	require.Len(t, failed, 2)
	for _, a := range ok {
		require.Positive(t, a.Size, a.URL)
	}
	for _, a := range failed {
		require.NotEmpty(t, a.Error, a.URL)
		require.True(t, strings.HasSuffix(a.URL, "lib.js") || strings.HasSuffix(a.URL, "missing.png"), a.URL)
	}
}
