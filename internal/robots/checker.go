// Package robots gates harvests on robots.txt policy. Policies are fetched
// once per host, parsed with temoto/robotstxt and cached with a TTL. Any
// failure to obtain a policy fails open.
package robots

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/metrics"
)

const maxRobotsBytes = 512 << 10

// Options configures a Checker.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Cache     Cache
	Client    *http.Client
	Clock     harvest.Clock
}

// Checker implements harvest.RobotsChecker.
type Checker struct {
	userAgent string
	timeout   time.Duration
	cache     Cache
	client    *http.Client
	clock     harvest.Clock
	logger    *zap.Logger
}

var _ harvest.RobotsChecker = (*Checker)(nil)

// NewChecker builds a Checker. Zero options fall back to a 10s timeout, a
// 1024 host / 24h cache and the GOharvest agent.
func NewChecker(opts Options, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "GOharvest/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = NewLRUCache(1024, 24*time.Hour)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: newRetryTransport(nil)}
	}
	return &Checker{
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		cache:     opts.Cache,
		client:    opts.Client,
		clock:     opts.Clock,
		logger:    logger.Named("robots"),
	}
}

// CanFetch reports whether the configured agent may fetch rawURL. It returns
// false only when a policy was retrieved and disallows the path.
func (c *Checker) CanFetch(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	rec := c.record(ctx, u)
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return rec.Allows(path)
}

// Entry returns the cached policy entry for rawURL's host, loading it if needed.
func (c *Checker) Entry(ctx context.Context, rawURL string) (harvest.RobotsEntry, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return harvest.RobotsEntry{}, harvest.Permanent(fmt.Errorf("invalid url %q", rawURL))
	}
	return c.record(ctx, u).Entry, nil
}

// CrawlDelay returns the cached crawl-delay for host, or zero.
func (c *Checker) CrawlDelay(host string) time.Duration {
	rec, ok := c.cache.Get(host)
	if !ok {
		return 0
	}
	return rec.Entry.CrawlDelay
}

func (c *Checker) record(ctx context.Context, u *url.URL) Record {
	host := strings.ToLower(u.Host)
	if rec, ok := c.cache.Get(host); ok {
		metrics.ObserveRobotsLookup(true)
		return rec
	}
	metrics.ObserveRobotsLookup(false)
	rec := c.load(ctx, u.Scheme, host)
	c.cache.Add(host, rec)
	return rec
}

func (c *Checker) load(ctx context.Context, scheme, host string) Record {
	if scheme == "" {
		scheme = "http"
	}
	robotsURL := scheme + "://" + host + "/robots.txt"
	allowAll := Record{Entry: harvest.RobotsEntry{Host: host, Scrapable: true, CheckedAt: c.now()}}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		c.logger.Warn("build robots request", zap.String("host", host), zap.Error(err))
		return allowAll
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("fetch robots.txt failed, allowing", zap.String("host", host), zap.Error(err))
		return allowAll
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("robots.txt unavailable, allowing",
			zap.String("host", host),
			zap.Int("status", resp.StatusCode),
		)
		return allowAll
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		c.logger.Warn("read robots.txt failed, allowing", zap.String("host", host), zap.Error(err))
		return allowAll
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		c.logger.Warn("parse robots.txt failed, allowing", zap.String("host", host), zap.Error(err))
		return allowAll
	}

	group := data.FindGroup(c.userAgent)
	rec := Record{
		Entry: harvest.RobotsEntry{
			Host:            host,
			Scrapable:       group.Test("/"),
			CrawlDelay:      group.CrawlDelay,
			DisallowedPaths: disallowedPaths(body, c.userAgent),
			Raw:             string(body),
			CheckedAt:       c.now(),
		},
		group: group,
	}
	c.logger.Info("loaded robots.txt",
		zap.String("host", host),
		zap.Bool("scrapable", rec.Entry.Scrapable),
		zap.Duration("crawl_delay", rec.Entry.CrawlDelay),
	)
	return rec
}

func (c *Checker) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}

// disallowedPaths lists Disallow rules from groups naming agent or "*".
func disallowedPaths(body []byte, agent string) []string {
	product := strings.ToLower(agent)
	if i := strings.IndexByte(product, '/'); i >= 0 {
		product = product[:i]
	}

	var (
		paths    []string
		applies  bool
		inAgents bool
		seen     = map[string]struct{}{}
		scanner  = bufio.NewScanner(strings.NewReader(string(body)))
	)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			if !inAgents {
				applies = false
			}
			inAgents = true
			v := strings.ToLower(value)
			if v == "*" || (v != "" && strings.Contains(product, v)) {
				applies = true
			}
		case "disallow":
			inAgents = false
			if !applies || value == "" {
				continue
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			paths = append(paths, value)
		default:
			inAgents = false
		}
	}
	return paths
}
