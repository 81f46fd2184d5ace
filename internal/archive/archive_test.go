package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
)

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: map[string][]byte{}}
}

func (f *fakeBlobs) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (f *fakeBlobs) GetObject(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[path]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func asset(url, storagePath string, outcome harvest.Outcome) harvest.Asset {
	return harvest.Asset{
		AssetRef:    harvest.AssetRef{URL: url, Type: harvest.AssetCSS},
		StoragePath: storagePath,
		Outcome:     outcome,
	}
}

func TestBuildIncludesIndexAndSuccessfulAssets(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	ctx := context.Background()
	_, _ = blobs.PutObject(ctx, "h/j/assets/css_a.css", "text/css", []byte("body{}"))
	_, _ = blobs.PutObject(ctx, "h/j/assets/image_b.png", "image/png", []byte("png"))

	exp := NewExporter(blobs, "h", nil)
	data, err := exp.Build(ctx, "https://example.com/", []byte("<html></html>"), []harvest.Asset{
		asset("https://example.com/static/site.css", "h/j/assets/css_a.css", harvest.OutcomeSuccess),
		asset("https://cdn.example.net/img/logo.png", "h/j/assets/image_b.png", harvest.OutcomeSuccess),
		asset("https://example.com/broken.js", "", harvest.OutcomeFailed),
		asset("https://example.com/gone.css", "h/j/assets/css_missing.css", harvest.OutcomeSuccess),
	})
	require.NoError(t, err)

	files := readZip(t, data)
	require.Equal(t, map[string]string{
		"index.html":                   "<html></html>",
		"static/site.css":              "body{}",
		"cdn.example.net/img/logo.png": "png",
	}, files)
}

func TestBuildKeepsAssetsWithCollidingPaths(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	ctx := context.Background()
	_, _ = blobs.PutObject(ctx, "a/1", "image/png", []byte("one"))
	_, _ = blobs.PutObject(ctx, "a/2", "image/png", []byte("two"))
	_, _ = blobs.PutObject(ctx, "a/3", "image/png", []byte("three"))

	assets := []harvest.Asset{
		asset("https://example.com/img.php?id=1", "a/1", harvest.OutcomeSuccess),
		asset("https://example.com/img.php?id=2", "a/2", harvest.OutcomeSuccess),
		asset("https://example.com/img.php?id=3", "a/3", harvest.OutcomeSuccess),
	}
	exp := NewExporter(blobs, "h", nil)
	data, err := exp.Build(ctx, "https://example.com/", []byte("<html></html>"), assets)
	require.NoError(t, err)

	files := readZip(t, data)
	require.Len(t, files, 4)
	require.Equal(t, "one", files["img.php"])
	require.Equal(t, "two", files["img_"+sha256.SumString("https://example.com/img.php?id=2")[:16]+".php"])
	require.Equal(t, "three", files["img_"+sha256.SumString("https://example.com/img.php?id=3")[:16]+".php"])

	again, err := exp.Build(ctx, "https://example.com/", []byte("<html></html>"), assets)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	ctx := context.Background()
	_, _ = blobs.PutObject(ctx, "a", "", []byte("one"))
	_, _ = blobs.PutObject(ctx, "b", "", []byte("two"))
	assets := []harvest.Asset{
		asset("https://example.com/b.css", "b", harvest.OutcomeSuccess),
		asset("https://example.com/a.css", "a", harvest.OutcomeSuccess),
	}
	reversed := []harvest.Asset{assets[1], assets[0]}

	exp := NewExporter(blobs, "", nil)
	first, err := exp.Build(ctx, "https://example.com", []byte("x"), assets)
	require.NoError(t, err)
	second, err := exp.Build(ctx, "https://example.com", []byte("x"), reversed)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestExportStoresArchive(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	exp := NewExporter(blobs, "harvests", nil)
	ref, path, err := exp.Export(context.Background(), "job-1", "https://example.com", []byte("<p>hi</p>"), nil)
	require.NoError(t, err)
	require.Equal(t, "harvests/job-1/harvest.zip", path)
	require.Equal(t, "mem://harvests/job-1/harvest.zip", ref)

	stored, err := blobs.GetObject(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"index.html": "<p>hi</p>"}, readZip(t, stored))
}

func TestEntryName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		asset harvest.Asset
		want  string
	}{
		{"same host", asset("https://example.com/css/a.css?v=2", "p/css_1.css", harvest.OutcomeSuccess), "css/a.css"},
		{"other host", asset("https://cdn.net/a.js", "p/js_1.js", harvest.OutcomeSuccess), "cdn.net/a.js"},
		{"directory path", asset("https://example.com/img/", "p/image_1.png", harvest.OutcomeSuccess), "img/image_1.png"},
		{"root path", asset("https://example.com", "p/other_1.bin", harvest.OutcomeSuccess), "other_1.bin"},
		{"traversal", asset("https://example.com/../../etc/passwd", "p/x", harvest.OutcomeSuccess), "etc/passwd"},
		{"index collision", asset("https://example.com/index.html", "p/other_2.html", harvest.OutcomeSuccess), "assets/other_2.html"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, EntryName("example.com", tt.asset))
		})
	}
}
