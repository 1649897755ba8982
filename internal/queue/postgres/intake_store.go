package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hacolby/scout/internal/scout"
)

// Expected schema:
//
//	CREATE TABLE intake_submissions (
//	    id TEXT PRIMARY KEY,
//	    job_url TEXT NOT NULL,
//	    title TEXT NOT NULL DEFAULT '',
//	    company TEXT NOT NULL DEFAULT '',
//	    company_website TEXT NOT NULL DEFAULT '',
//	    careers_url TEXT NOT NULL DEFAULT '',
//	    apply_url TEXT NOT NULL DEFAULT '',
//	    source TEXT NOT NULL DEFAULT '',
//	    html TEXT NOT NULL DEFAULT '',
//	    raw_text TEXT NOT NULL DEFAULT '',
//	    metadata JSONB,
//	    priority INT NOT NULL DEFAULT 0,
//	    dry_run BOOLEAN NOT NULL DEFAULT FALSE,
//	    attempts INT NOT NULL DEFAULT 0,
//	    not_before TIMESTAMPTZ NOT NULL,
//	    started_at TIMESTAMPTZ,
//	    finished_at TIMESTAMPTZ,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    status TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
const submissionColumns = `id, job_url, title, company, company_website, careers_url, apply_url, source, html, raw_text, metadata, priority, dry_run, attempts, not_before, started_at, finished_at, last_error, status, created_at`

const enqueueSubmissionSQL = `
INSERT INTO intake_submissions (id, job_url, title, company, company_website, careers_url, apply_url, source, html, raw_text, metadata, priority, dry_run, attempts, not_before, last_error, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, '', $15, $16)`

// claimSubmissionsSQL increments the attempt counter in the same atomic
// transition that flips pending rows to processing.
const claimSubmissionsSQL = `
UPDATE intake_submissions
SET status = 'processing', attempts = attempts + 1, started_at = COALESCE(started_at, $1)
WHERE id IN (
    SELECT id FROM intake_submissions
    WHERE status = 'pending' AND not_before <= $1
    ORDER BY priority DESC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + submissionColumns

const completeSubmissionSQL = `
UPDATE intake_submissions SET status = 'completed', finished_at = $2 WHERE id = $1 AND status = 'processing'`

const failSubmissionSQL = `
UPDATE intake_submissions SET status = 'failed', finished_at = $2, last_error = $3 WHERE id = $1`

const releaseSubmissionSQL = `
UPDATE intake_submissions SET status = 'pending', last_error = $2, not_before = $3 WHERE id = $1 AND status = 'processing'`

const pendingSubmissionsSQL = `
SELECT COUNT(*) FROM intake_submissions WHERE status = 'pending'`

// EnqueueSubmission persists a new pending intake submission.
func (s *Store) EnqueueSubmission(ctx context.Context, sub scout.Submission) (scout.Submission, error) {
	if sub.JobURL == "" {
		return scout.Submission{}, scout.NewValidationError("missing job url")
	}
	now := s.clock.Now()
	if sub.ID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			return scout.Submission{}, fmt.Errorf("generate submission id: %w", err)
		}
		sub.ID = id
	}
	sub.Status = scout.SubmissionStatusPending
	sub.CreatedAt = now
	if sub.NotBefore.IsZero() {
		sub.NotBefore = now
	}
	metadataJSON, err := marshalPayload(sub.Metadata)
	if err != nil {
		return scout.Submission{}, err
	}
	if _, err := s.pool.Exec(ctx, enqueueSubmissionSQL,
		sub.ID, sub.JobURL, sub.Title, sub.Company, sub.CompanyWebsite, sub.CareersURL, sub.ApplyURL,
		sub.Source, sub.HTML, sub.Text, metadataJSON, sub.Priority, sub.DryRun,
		sub.NotBefore, string(sub.Status), sub.CreatedAt,
	); err != nil {
		return scout.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// ClaimSubmissions atomically claims up to limit eligible pending rows.
func (s *Store) ClaimSubmissions(ctx context.Context, limit int) ([]scout.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimSubmissionsSQL, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim submissions: %w", err)
	}
	defer rows.Close()
	subs := make([]scout.Submission, 0, limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed submissions: %w", err)
	}
	return subs, nil
}

// CompleteSubmission marks a processing row completed.
func (s *Store) CompleteSubmission(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, completeSubmissionSQL, id, s.clock.Now()); err != nil {
		return fmt.Errorf("complete submission: %w", err)
	}
	return nil
}

// FailSubmission marks a row terminally failed with the given error text.
func (s *Store) FailSubmission(ctx context.Context, id string, errText string) error {
	if _, err := s.pool.Exec(ctx, failSubmissionSQL, id, s.clock.Now(), errText); err != nil {
		return fmt.Errorf("fail submission: %w", err)
	}
	return nil
}

// ReleaseSubmission reverts a processing row to pending for a later reclaim.
func (s *Store) ReleaseSubmission(ctx context.Context, id string, errText string, notBefore time.Time) error {
	if _, err := s.pool.Exec(ctx, releaseSubmissionSQL, id, errText, notBefore); err != nil {
		return fmt.Errorf("release submission: %w", err)
	}
	return nil
}

// PendingSubmissions counts rows a future claim could pick up.
func (s *Store) PendingSubmissions(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, pendingSubmissionsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending submissions: %w", err)
	}
	return count, nil
}

func scanSubmission(row rowScanner) (scout.Submission, error) {
	var (
		sub          scout.Submission
		metadataJSON []byte
		status       string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.JobURL,
		&sub.Title,
		&sub.Company,
		&sub.CompanyWebsite,
		&sub.CareersURL,
		&sub.ApplyURL,
		&sub.Source,
		&sub.HTML,
		&sub.Text,
		&metadataJSON,
		&sub.Priority,
		&sub.DryRun,
		&sub.Attempts,
		&sub.NotBefore,
		&sub.StartedAt,
		&sub.FinishedAt,
		&sub.LastError,
		&status,
		&sub.CreatedAt,
	); err != nil {
		return scout.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	sub.Status = scout.SubmissionStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sub.Metadata); err != nil {
			return scout.Submission{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return sub, nil
}
