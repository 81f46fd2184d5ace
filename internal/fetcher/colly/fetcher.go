// Package collyfetcher fetches pages and sub-resources over plain HTTP using
// gocolly. It is the static page renderer and the asset resource fetcher.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Waiter paces requests per domain.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	Limiter      Waiter
}

// Fetcher implements harvest.Renderer and harvest.ResourceFetcher.
type Fetcher struct {
	cfg       Config
	opts      []colly.CollectorOption
	transport http.RoundTripper
}

var (
	_ harvest.Renderer        = (*Fetcher)(nil)
	_ harvest.ResourceFetcher = (*Fetcher)(nil)
)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Each request runs on its own collector; collectors
// share one pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	return &Fetcher{cfg: cfg, opts: opts, transport: newHTTPTransport()}
}

// Render GETs url and returns the raw document. Failures and non-2xx
// responses are transient.
func (f *Fetcher) Render(ctx context.Context, url string) (harvest.RenderedPage, error) {
	start := time.Now()
	res, err := f.fetch(ctx, url)
	if err != nil {
		return harvest.RenderedPage{}, harvest.Transient(err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return harvest.RenderedPage{}, harvest.Transient(fmt.Errorf("fetch %s: status %d", url, res.StatusCode))
	}
	return harvest.RenderedPage{
		URL:        res.URL,
		StatusCode: res.StatusCode,
		HTML:       res.Body,
		Headers:    res.headers,
		Duration:   time.Since(start),
	}, nil
}

// FetchResource GETs a single sub-resource. Non-2xx responses are errors.
func (f *Fetcher) FetchResource(ctx context.Context, url string) (harvest.Resource, error) {
	res, err := f.fetch(ctx, url)
	if err != nil {
		return harvest.Resource{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return harvest.Resource{}, fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	return res.Resource, nil
}

type response struct {
	harvest.Resource
	headers http.Header
}

func (f *Fetcher) fetch(ctx context.Context, url string) (response, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, url); err != nil {
			return response{}, err
		}
	}

	var (
		result   response
		fetchErr error
	)
	collector := f.newCollector(ctx)
	configureCollectorHooks(collector, &result, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return response{}, err
	}
	if result.URL == "" {
		return response{}, fmt.Errorf("fetch %s: no response", url)
	}
	return result, nil
}

func (f *Fetcher) newCollector(ctx context.Context) *colly.Collector {
	collector := colly.NewCollector(f.opts...)
	collector.WithTransport(f.transport)
	collector.SetRequestTimeout(f.timeout(ctx))
	return collector
}

// timeout is the configured timeout, shortened to the context deadline.
func (f *Fetcher) timeout(ctx context.Context) time.Duration {
	timeout := f.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func configureCollectorHooks(hooks collectorHooks, result *response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = response{
			Resource: harvest.Resource{
				URL:         r.Request.URL.String(),
				StatusCode:  r.StatusCode,
				ContentType: headers.Get("Content-Type"),
				Body:        append([]byte(nil), r.Body...),
			},
			headers: headers,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
