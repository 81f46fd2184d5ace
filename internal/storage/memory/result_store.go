package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// ResultStore keeps results keyed by job ID.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]harvest.Result
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]harvest.Result)}
}

// SaveResult stores or replaces the result of a job.
func (s *ResultStore) SaveResult(_ context.Context, result harvest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[result.JobID]; ok && len(existing.Analyses) > 0 && result.Analyses == nil {
		result.Analyses = existing.Analyses
	}
	s.results[result.JobID] = result
	return nil
}

// GetResult returns the stored result of a job.
func (s *ResultStore) GetResult(_ context.Context, jobID string) (harvest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return harvest.Result{}, fmt.Errorf("result %s: %w", jobID, harvest.ErrNotFound)
	}
	analyses := make(map[string]any, len(result.Analyses))
	for k, v := range result.Analyses {
		analyses[k] = v
	}
	result.Analyses = analyses
	return result, nil
}

// AttachAnalysis adds a named analysis report to a stored result.
func (s *ResultStore) AttachAnalysis(_ context.Context, jobID, name string, report any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[jobID]
	if !ok {
		return fmt.Errorf("result %s: %w", jobID, harvest.ErrNotFound)
	}
	analyses := make(map[string]any, len(result.Analyses)+1)
	for k, v := range result.Analyses {
		analyses[k] = v
	}
	analyses[name] = report
	result.Analyses = analyses
	s.results[jobID] = result
	return nil
}
