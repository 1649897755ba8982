package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hacolby/scout/internal/scout"
)

// Expected schema:
//
//	CREATE TABLE monitored_postings (
//	    id TEXT PRIMARY KEY,
//	    url TEXT NOT NULL,
//	    title TEXT NOT NULL DEFAULT '',
//	    company TEXT NOT NULL DEFAULT '',
//	    status TEXT NOT NULL,
//	    interval_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    last_check TIMESTAMPTZ,
//	    next_check TIMESTAMPTZ,
//	    closed_at TIMESTAMPTZ,
//	    observed JSONB
//	);
const postingColumns = `id, url, title, company, status, interval_hours, last_check, next_check, closed_at, observed`

const savePostingSQL = `
INSERT INTO monitored_postings (id, url, title, company, status, interval_hours, last_check, next_check, closed_at, observed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    url = EXCLUDED.url,
    title = EXCLUDED.title,
    company = EXCLUDED.company,
    status = EXCLUDED.status,
    interval_hours = EXCLUDED.interval_hours,
    last_check = EXCLUDED.last_check,
    next_check = EXCLUDED.next_check,
    closed_at = EXCLUDED.closed_at,
    observed = EXCLUDED.observed`

const getPostingSQL = `
SELECT ` + postingColumns + ` FROM monitored_postings WHERE id = $1`

const closePostingSQL = `
UPDATE monitored_postings SET status = $2, closed_at = $3, next_check = NULL WHERE id = $1`

const countPostingsSQL = `
SELECT status, COUNT(*) FROM monitored_postings GROUP BY status`

// SavePosting upserts a monitored posting record.
func (s *Store) SavePosting(ctx context.Context, posting scout.JobPosting) error {
	if posting.ID == "" {
		return scout.NewValidationError("posting id is required")
	}
	observedJSON, err := marshalPayload(posting.Observed)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, savePostingSQL,
		posting.ID, posting.URL, posting.Title, posting.Company, string(posting.Status),
		posting.IntervalHours, posting.LastCheck, posting.NextCheck, posting.ClosedAt, observedJSON,
	); err != nil {
		return fmt.Errorf("save posting: %w", err)
	}
	return nil
}

// GetPosting fetches a posting by ID.
func (s *Store) GetPosting(ctx context.Context, id string) (scout.JobPosting, error) {
	var (
		posting      scout.JobPosting
		status       string
		observedJSON []byte
	)
	err := s.pool.QueryRow(ctx, getPostingSQL, id).Scan(
		&posting.ID,
		&posting.URL,
		&posting.Title,
		&posting.Company,
		&status,
		&posting.IntervalHours,
		&posting.LastCheck,
		&posting.NextCheck,
		&posting.ClosedAt,
		&observedJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scout.JobPosting{}, scout.ErrPostingNotFound
	}
	if err != nil {
		return scout.JobPosting{}, fmt.Errorf("get posting: %w", err)
	}
	posting.Status = scout.MonitorStatus(status)
	if len(observedJSON) > 0 {
		if err := json.Unmarshal(observedJSON, &posting.Observed); err != nil {
			return scout.JobPosting{}, fmt.Errorf("unmarshal observed fields: %w", err)
		}
	}
	return posting, nil
}

// MarkPostingClosed records the terminal not-found observation.
func (s *Store) MarkPostingClosed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, closePostingSQL, id, string(scout.MonitorStatusJobNotFound), s.clock.Now())
	if err != nil {
		return fmt.Errorf("close posting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scout.ErrPostingNotFound
	}
	return nil
}

// CountPostingsByStatus aggregates postings per monitor status.
func (s *Store) CountPostingsByStatus(ctx context.Context) (map[scout.MonitorStatus]int, error) {
	rows, err := s.pool.Query(ctx, countPostingsSQL)
	if err != nil {
		return nil, fmt.Errorf("count postings: %w", err)
	}
	defer rows.Close()
	counts := make(map[scout.MonitorStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan posting count: %w", err)
		}
		counts[scout.MonitorStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posting counts: %w", err)
	}
	return counts, nil
}
