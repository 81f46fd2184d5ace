package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>" + r.UserAgent() + "</h1></body></html>"))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{color:red}"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRenderReturnsDocument(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{UserAgent: "GOharvest/1.0", Timeout: time.Second})

	page, err := f.Render(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.HTML), "<h1>GOharvest/1.0</h1>")
	require.Equal(t, "text/html", page.Headers.Get("Content-Type"))
	require.False(t, page.Headless)

	// Revisiting the same URL is allowed.
	_, err = f.Render(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
}

func TestRenderNon2xxIsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second})

	_, err := f.Render(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
	var terr *harvest.TransientError
	require.ErrorAs(t, err, &terr)
}

func TestRenderTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: 100 * time.Millisecond})

	_, err := f.Render(context.Background(), srv.URL+"/slow")
	require.Error(t, err)
	require.Equal(t, harvest.KindTransient, harvest.Classify(err))
}

func TestFetchResource(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: time.Second})

	res, err := f.FetchResource(context.Background(), srv.URL+"/style.css")
	require.NoError(t, err)
	require.Equal(t, "text/css", res.ContentType)
	require.Equal(t, "body{color:red}", string(res.Body))

	_, err = f.FetchResource(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
}

type countingWaiter struct {
	calls atomic.Int32
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

func TestFetchUsesLimiter(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	waiter := &countingWaiter{}
	f := New(Config{Timeout: time.Second, Limiter: waiter})

	_, err := f.FetchResource(context.Background(), srv.URL+"/style.css")
	require.NoError(t, err)
	require.Equal(t, int32(1), waiter.calls.Load())

	waiter.err = errors.New("rate limit wait: context canceled")
	_, err = f.FetchResource(context.Background(), srv.URL+"/style.css")
	require.Error(t, err)
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	var (
		result   response
		fetchErr error
	)
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, &result, &fetchErr)

	u, err := url.Parse("https://example.com/a.png")
	require.NoError(t, err)
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("png"),
		Headers:    &http.Header{"Content-Type": {"image/png"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, "https://example.com/a.png", result.URL)
	require.Equal(t, "image/png", result.ContentType)
	require.Equal(t, []byte("png"), result.Body)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestTimeoutHonoursDeadline(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.LessOrEqual(t, f.timeout(ctx), time.Second)
	require.Equal(t, time.Minute, f.timeout(context.Background()))
}
