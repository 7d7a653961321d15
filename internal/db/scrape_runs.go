package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/models"
)

func (s *Store) RecordScrapeRun(ctx context.Context, run models.ScrapeRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_runs (id, source, started_at, finished_at, status, found, accepted, duplicates, invalid, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Source, run.StartedAt, run.FinishedAt, run.Status,
		run.Found, run.Accepted, run.Duplicates, run.Invalid, run.Error)
	if err != nil {
		return fmt.Errorf("record scrape run for %s: %w", run.Source, err)
	}
	return nil
}

// ScraperHealth reports, per source, the latest run, the latest success and the
// run and failure counts of the 24 hours before now.
func (s *Store) ScraperHealth(ctx context.Context, now time.Time) ([]models.ScraperHealth, error) {
	rows, err := s.pool.Query(ctx, `
		WITH last AS (
			SELECT DISTINCT ON (source)
				id, source, started_at, finished_at, status, found, accepted, duplicates, invalid, error
			FROM scrape_runs
			ORDER BY source, started_at DESC
		), agg AS (
			SELECT source,
				MAX(finished_at) FILTER (WHERE status = $2) AS last_success,
				COUNT(*) FILTER (WHERE started_at >= $1) AS runs_24h,
				COUNT(*) FILTER (WHERE started_at >= $1 AND status = $3) AS failures_24h
			FROM scrape_runs
			GROUP BY source
		)
		SELECT l.id, l.source, l.started_at, l.finished_at, l.status, l.found, l.accepted,
			l.duplicates, l.invalid, l.error, a.last_success, a.runs_24h, a.failures_24h
		FROM last l JOIN agg a ON a.source = l.source
		ORDER BY l.source
	`, now.Add(-24*time.Hour), models.RunSuccess, models.RunFailed)
	if err != nil {
		return nil, fmt.Errorf("scraper health: %w", err)
	}
	defer rows.Close()

	var out []models.ScraperHealth
	for rows.Next() {
		var run models.ScrapeRun
		var h models.ScraperHealth
		if err := rows.Scan(
			&run.ID, &run.Source, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Found, &run.Accepted,
			&run.Duplicates, &run.Invalid, &run.Error, &h.LastSuccess, &h.Runs24h, &h.Failures24h,
		); err != nil {
			return nil, err
		}
		h.Source = run.Source
		h.LastRun = &run
		out = append(out, h)
	}
	return out, rows.Err()
}
