package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hacolby/scout/internal/scout"
)

// EnqueueSubmission persists a new pending intake submission.
func (s *Store) EnqueueSubmission(_ context.Context, sub scout.Submission) (scout.Submission, error) {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sub
	s.submissions[sub.ID] = &cp
	return sub, nil
}

// ClaimSubmissions atomically moves up to limit eligible pending rows to
// processing, incrementing attempts and stamping started_at on first claim.
func (s *Store) ClaimSubmissions(_ context.Context, limit int) ([]scout.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*scout.Submission, 0)
	for _, sub := range s.submissions {
		if sub.Status == scout.SubmissionStatusPending && !sub.NotBefore.After(now) {
			eligible = append(eligible, sub)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]scout.Submission, 0, len(eligible))
	for _, sub := range eligible {
		sub.Status = scout.SubmissionStatusProcessing
		sub.Attempts++
		if sub.StartedAt == nil {
			ts := now
			sub.StartedAt = &ts
		}
		claimed = append(claimed, *sub)
	}
	return claimed, nil
}

// CompleteSubmission marks a processing row completed.
func (s *Store) CompleteSubmission(_ context.Context, id string) error {
	return s.finishSubmission(id, scout.SubmissionStatusCompleted, "")
}

// FailSubmission marks a row terminally failed with the given error text.
func (s *Store) FailSubmission(_ context.Context, id string, errText string) error {
	return s.finishSubmission(id, scout.SubmissionStatusFailed, errText)
}

// ReleaseSubmission reverts a processing row to pending for a later reclaim.
func (s *Store) ReleaseSubmission(_ context.Context, id string, errText string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return errors.New("submission not found")
	}
	sub.Status = scout.SubmissionStatusPending
	sub.LastError = errText
	sub.NotBefore = notBefore
	return nil
}

// PendingSubmissions counts rows a future claim could pick up, regardless of
// their not-before backoff.
func (s *Store) PendingSubmissions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, sub := range s.submissions {
		if sub.Status == scout.SubmissionStatusPending {
			count++
		}
	}
	return count, nil
}

// GetSubmission fetches a submission snapshot by ID.
func (s *Store) GetSubmission(_ context.Context, id string) (scout.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return scout.Submission{}, false
	}
	return *sub, true
}

func (s *Store) finishSubmission(id string, status scout.SubmissionStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return errors.New("submission not found")
	}
	now := s.clock.Now()
	sub.Status = status
	sub.FinishedAt = &now
	if errText != "" {
		sub.LastError = errText
	}
	return nil
}
