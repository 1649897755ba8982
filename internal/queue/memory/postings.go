package memory

import (
	"context"

	"github.com/hacolby/scout/internal/scout"
)

// SavePosting upserts a monitored posting record.
func (s *Store) SavePosting(_ context.Context, posting scout.JobPosting) error {
	if posting.ID == "" {
		return scout.NewValidationError("posting id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := posting
	s.postings[posting.ID] = &cp
	return nil
}

// GetPosting fetches a posting by ID.
func (s *Store) GetPosting(_ context.Context, id string) (scout.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	posting, ok := s.postings[id]
	if !ok {
		return scout.JobPosting{}, scout.ErrPostingNotFound
	}
	return *posting, nil
}

// MarkPostingClosed records the terminal not-found observation.
func (s *Store) MarkPostingClosed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	posting, ok := s.postings[id]
	if !ok {
		return scout.ErrPostingNotFound
	}
	now := s.clock.Now()
	posting.Status = scout.MonitorStatusJobNotFound
	posting.ClosedAt = &now
	posting.NextCheck = nil
	return nil
}

// CountPostingsByStatus aggregates postings per monitor status.
func (s *Store) CountPostingsByStatus(_ context.Context) (map[scout.MonitorStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[scout.MonitorStatus]int)
	for _, posting := range s.postings {
		counts[posting.Status]++
	}
	return counts, nil
}
