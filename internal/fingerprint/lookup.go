package fingerprint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// categoryAliases maps lookup service group names onto report categories.
var categoryAliases = map[string]string{
	"frameworks":            harvest.CategoryFrameworks,
	"javascript-frameworks": harvest.CategoryFrameworks,
	"web-frameworks":        harvest.CategoryFrameworks,
	"libraries":             harvest.CategoryLibraries,
	"javascript-libraries":  harvest.CategoryLibraries,
	"css_frameworks":        harvest.CategoryCSSFrameworks,
	"css-frameworks":        harvest.CategoryCSSFrameworks,
	"ui-frameworks":         harvest.CategoryCSSFrameworks,
	"analytics":             harvest.CategoryAnalytics,
	"tag-managers":          harvest.CategoryAnalytics,
	"cms":                   harvest.CategoryCMS,
	"ecommerce":             harvest.CategoryCMS,
	"blogs":                 harvest.CategoryCMS,
	"hosting":               harvest.CategoryHosting,
	"paas":                  harvest.CategoryHosting,
	"cdn":                   harvest.CategoryHosting,
	"web-servers":           harvest.CategoryHosting,
}

// HTTPLookup queries a JSON technology lookup service:
// GET {endpoint}?url={target}[&key={apiKey}] answering {"group": ["label", ...]}.
type HTTPLookup struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPLookup returns a lookup client with its own timeout.
func NewHTTPLookup(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPLookup {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPLookup{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Lookup fetches and normalizes the report for targetURL.
func (l *HTTPLookup) Lookup(ctx context.Context, targetURL string) (harvest.TechReport, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse lookup endpoint: %w", err)
	}
	q := u.Query()
	q.Set("url", targetURL)
	if l.apiKey != "" {
		q.Set("key", l.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			l.logger.Debug("close lookup body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup status %d", resp.StatusCode)
	}

	var raw map[string][]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}

	report := newReport()
	for group, labels := range raw {
		category, ok := categoryAliases[strings.ToLower(group)]
		if !ok {
			continue
		}
		for _, label := range labels {
			report[category] = appendUnique(report[category], label)
		}
	}
	return report, nil
}
