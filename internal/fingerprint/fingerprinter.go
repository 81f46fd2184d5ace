// Package fingerprint detects the technology stack of a page from its HTML
// and response headers, optionally enriched by an external lookup service.
package fingerprint

import (
	"bytes"
	"context"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Lookup is an external technology lookup keyed by target URL.
type Lookup interface {
	Lookup(ctx context.Context, targetURL string) (harvest.TechReport, error)
}

// Fingerprinter matches a static signature table.
type Fingerprinter struct {
	signatures []Signature
	lookup     Lookup
	logger     *zap.Logger
}

// New returns a Fingerprinter over DefaultSignatures. lookup may be nil.
func New(lookup Lookup, logger *zap.Logger) *Fingerprinter {
	return NewWithSignatures(DefaultSignatures, lookup, logger)
}

// NewWithSignatures returns a Fingerprinter over a custom signature table.
func NewWithSignatures(signatures []Signature, lookup Lookup, logger *zap.Logger) *Fingerprinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	lowered := make([]Signature, len(signatures))
	for i, sig := range signatures {
		patterns := make([]string, len(sig.Patterns))
		for j, p := range sig.Patterns {
			patterns[j] = strings.ToLower(p)
		}
		sig.Patterns = patterns
		lowered[i] = sig
	}
	return &Fingerprinter{signatures: lowered, lookup: lookup, logger: logger.Named("fingerprint")}
}

// Detect returns a report with every category present. Labels keep signature
// table order, followed by lookup-only labels in sorted order. A failing
// lookup is logged and ignored.
func (f *Fingerprinter) Detect(ctx context.Context, url string, html []byte, headers http.Header) harvest.TechReport {
	var (
		local  harvest.TechReport
		remote harvest.TechReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local = f.match(html, headers)
		return nil
	})
	if f.lookup != nil {
		g.Go(func() error {
			report, err := f.lookup.Lookup(gctx, url)
			if err != nil {
				f.logger.Warn("technology lookup failed", zap.String("url", url), zap.Error(err))
				return nil
			}
			remote = report
			return nil
		})
	}
	_ = g.Wait()
	return merge(local, remote)
}

func (f *Fingerprinter) match(html []byte, headers http.Header) harvest.TechReport {
	report := newReport()
	body := bytes.ToLower(html)
	for _, sig := range f.signatures {
		if matchesBody(body, sig.Patterns) || matchesHeaders(headers, sig.Headers) {
			report[sig.Category] = appendUnique(report[sig.Category], sig.Label)
		}
	}
	return report
}

func matchesBody(body []byte, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && bytes.Contains(body, []byte(p)) {
			return true
		}
	}
	return false
}

func matchesHeaders(headers http.Header, rules []HeaderRule) bool {
	if len(headers) == 0 {
		return false
	}
	for _, rule := range rules {
		values := headers.Values(rule.Name)
		if len(values) == 0 {
			continue
		}
		if rule.Contains == "" {
			return true
		}
		for _, v := range values {
			if strings.Contains(strings.ToLower(v), strings.ToLower(rule.Contains)) {
				return true
			}
		}
	}
	return false
}

func newReport() harvest.TechReport {
	report := make(harvest.TechReport, len(harvest.Categories))
	for _, c := range harvest.Categories {
		report[c] = []string{}
	}
	return report
}

func merge(local, remote harvest.TechReport) harvest.TechReport {
	out := newReport()
	for _, c := range harvest.Categories {
		out[c] = append(out[c], local[c]...)
		var extra []string
		for _, label := range remote[c] {
			if label = strings.TrimSpace(label); label != "" && !containsFold(out[c], label) && !containsFold(extra, label) {
				extra = append(extra, label)
			}
		}
		sort.Strings(extra)
		out[c] = append(out[c], extra...)
	}
	return out
}

func appendUnique(labels []string, label string) []string {
	if containsFold(labels, label) {
		return labels
	}
	return append(labels, label)
}

func containsFold(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}
