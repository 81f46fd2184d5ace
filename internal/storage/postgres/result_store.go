package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// SaveResult upserts the result payload. Attached analyses are preserved.
func (s *Store) SaveResult(ctx context.Context, result harvest.Result) error {
	analyses := result.Analyses
	result.Analyses = nil
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if analyses == nil {
		analyses = map[string]any{}
	}
	analysesJSON, err := json.Marshal(analyses)
	if err != nil {
		return fmt.Errorf("marshal analyses: %w", err)
	}
	query := `INSERT INTO harvest_results (job_id, payload, analyses, created_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (job_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	analyses = harvest_results.analyses || EXCLUDED.analyses`
	if _, err := s.pool.Exec(ctx, query, result.JobID, payload, analysesJSON, result.CreatedAt); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult loads the stored result of a job.
func (s *Store) GetResult(ctx context.Context, jobID string) (harvest.Result, error) {
	var payload, analyses []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload, analyses FROM harvest_results WHERE job_id = $1`, jobID,
	).Scan(&payload, &analyses)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Result{}, fmt.Errorf("result %s: %w", jobID, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.Result{}, fmt.Errorf("get result: %w", err)
	}
	var result harvest.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return harvest.Result{}, fmt.Errorf("decode result: %w", err)
	}
	if len(analyses) > 0 {
		if err := json.Unmarshal(analyses, &result.Analyses); err != nil {
			return harvest.Result{}, fmt.Errorf("decode analyses: %w", err)
		}
	}
	return result, nil
}

// AttachAnalysis merges a named report into the result's analyses.
func (s *Store) AttachAnalysis(ctx context.Context, jobID, name string, report any) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE harvest_results SET analyses = analyses || jsonb_build_object($2::text, $3::jsonb) WHERE job_id = $1`,
		jobID, name, body,
	)
	if err != nil {
		return fmt.Errorf("attach analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result %s: %w", jobID, harvest.ErrNotFound)
	}
	return nil
}
