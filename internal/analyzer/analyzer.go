// Package analyzer runs downstream reports against completed harvests.
// The bundled analyzers are placeholders that return fixed-shape empty
// reports; real scoring backends plug in behind the same interface.
package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Analyzer produces a named report for a completed job.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, jobID string) (any, error)
}

// PerformanceReport mirrors the shape of a Lighthouse style audit.
type PerformanceReport struct {
	Lighthouse   LighthouseScores `json:"lighthouse"`
	LCP          *float64         `json:"lcp"`
	FID          *float64         `json:"fid"`
	CLS          *float64         `json:"cls"`
	TTI          *float64         `json:"tti"`
	TBT          *float64         `json:"tbt"`
	TotalTime    *float64         `json:"total_time"`
	Requests     int              `json:"requests"`
	TransferSize int64            `json:"transfer_size"`
}

// LighthouseScores are category scores in [0, 100].
type LighthouseScores struct {
	Performance   *float64 `json:"performance"`
	Accessibility *float64 `json:"accessibility"`
	BestPractices *float64 `json:"best_practices"`
	SEO           *float64 `json:"seo"`
}

// SummaryReport is the shape of an AI site summary.
type SummaryReport struct {
	Summary          string   `json:"summary"`
	Architecture     string   `json:"architecture"`
	Components       []string `json:"components"`
	A11yScore        *float64 `json:"a11y_score"`
	SEOScore         *float64 `json:"seo_score"`
	SEOSuggestions   []string `json:"seo_suggestions"`
	A11yIssues       []string `json:"a11y_issues"`
	SecurityWarnings []string `json:"security_warnings"`
	TechSummary      string   `json:"tech_summary"`
}

// Performance is the no-op performance analyzer.
type Performance struct{}

// Name implements Analyzer.
func (Performance) Name() string { return "performance" }

// Analyze implements Analyzer.
func (Performance) Analyze(context.Context, string) (any, error) {
	return PerformanceReport{}, nil
}

// AISummary is the no-op summary analyzer.
type AISummary struct{}

// Name implements Analyzer.
func (AISummary) Name() string { return "ai_summary" }

// Analyze implements Analyzer.
func (AISummary) Analyze(context.Context, string) (any, error) {
	return SummaryReport{
		Components:       []string{},
		SEOSuggestions:   []string{},
		A11yIssues:       []string{},
		SecurityWarnings: []string{},
	}, nil
}

// Defaults returns the bundled analyzers.
func Defaults() []Analyzer {
	return []Analyzer{Performance{}, AISummary{}}
}

// Runner fans analyzers out in the background and attaches their reports.
type Runner struct {
	analyzers []Analyzer
	results   harvest.ResultStore
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewRunner builds a Runner. A zero timeout defaults to one minute.
func NewRunner(results harvest.ResultStore, analyzers []Analyzer, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		analyzers: analyzers,
		results:   results,
		timeout:   timeout,
		logger:    logger.Named("analyzer"),
	}
}

// Dispatch starts every analyzer for jobID and returns immediately.
func (r *Runner) Dispatch(jobID string) {
	for _, a := range r.analyzers {
		r.wg.Add(1)
		go func(a Analyzer) {
			defer r.wg.Done()
			if err := r.run(a, jobID); err != nil {
				r.logger.Warn("analyzer failed",
					zap.String("job_id", jobID),
					zap.String("analyzer", a.Name()),
					zap.Error(err),
				)
			}
		}(a)
	}
}

// Wait blocks until dispatched analyzers finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(a Analyzer, jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	report, err := a.Analyze(ctx, jobID)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if err := r.results.AttachAnalysis(ctx, jobID, a.Name(), report); err != nil {
		return fmt.Errorf("attach analysis: %w", err)
	}
	return nil
}
