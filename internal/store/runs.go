package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lox/raindrop/internal/models"
)

// StartPipelineRun records a run as it begins.
func (s *Store) StartPipelineRun(ctx context.Context, run models.PipelineRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, pipeline, status, stations_total, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.RunID, run.Pipeline, string(run.Status), run.StationsTotal, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("start pipeline run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishPipelineRun stores a run's terminal counts and status.
func (s *Store) FinishPipelineRun(ctx context.Context, run models.PipelineRun) error {
	var finishedAt sql.NullString
	if run.FinishedAt.Valid {
		finishedAt = sql.NullString{String: formatTime(run.FinishedAt.Time), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			status = ?,
			stations_done = ?,
			succeeded = ?,
			failed = ?,
			skipped = ?,
			finished_at = ?,
			error_message = ?
		WHERE run_id = ?
	`, string(run.Status), run.StationsDone, run.Succeeded, run.Failed, run.Skipped,
		finishedAt, run.ErrorMessage, run.RunID)
	if err != nil {
		return fmt.Errorf("finish pipeline run %s: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish pipeline run %s: no such run", run.RunID)
	}
	return nil
}

// RecentPipelineRuns returns the newest runs first. An empty pipeline name
// matches every pipeline.
func (s *Store) RecentPipelineRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pipeline, status, stations_total, stations_done,
		       succeeded, failed, skipped, started_at, finished_at, error_message
		FROM pipeline_runs
		WHERE ? = '' OR pipeline = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, pipeline, pipeline, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.PipelineRun
	for rows.Next() {
		var r models.PipelineRun
		var status, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.RunID, &r.Pipeline, &status, &r.StationsTotal, &r.StationsDone,
			&r.Succeeded, &r.Failed, &r.Skipped, &startedAt, &finishedAt, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if finishedAt.Valid {
			t, err := parseTime(finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			r.FinishedAt = sql.NullTime{Time: t, Valid: true}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
