// Package memory provides queue and store implementations for local
// development and tests. All mutation goes through the same conditional
// transitions the Postgres implementation uses, guarded by a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hacolby/scout/internal/scout"
)

// Store holds queue items, intake submissions, and job postings in process
// memory. It implements scout.WorkQueue, scout.IntakeStore, and
// scout.PostingStore.
type Store struct {
	mu          sync.Mutex
	items       map[string]*scout.QueueItem
	submissions map[string]*scout.Submission
	postings    map[string]*scout.JobPosting
	idGen       scout.IDGenerator
	clock       scout.Clock
}

// NewStore constructs a Store.
func NewStore(idGen scout.IDGenerator, clock scout.Clock) *Store {
	return &Store{
		items:       make(map[string]*scout.QueueItem),
		submissions: make(map[string]*scout.Submission),
		postings:    make(map[string]*scout.JobPosting),
		idGen:       idGen,
		clock:       clock,
	}
}

// Enqueue persists a new pending queue item.
func (s *Store) Enqueue(_ context.Context, req scout.EnqueueRequest) (scout.QueueItem, error) {
	if len(req.URLs) == 0 && len(req.Payload) == 0 {
		return scout.QueueItem{}, scout.NewValidationError("at least one url or a payload is required")
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return scout.QueueItem{}, fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now()
	availableAt := now
	if req.AvailableAt != nil {
		availableAt = req.AvailableAt.UTC()
	}
	item := scout.QueueItem{
		ID:          id,
		URLs:        append([]string(nil), req.URLs...),
		Source:      req.Source,
		Priority:    req.Priority,
		Payload:     clonePayload(req.Payload),
		AvailableAt: availableAt,
		Status:      scout.ItemStatusPending,
		CreatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = &item
	return item, nil
}

// ClaimBatch flips up to limit eligible items to claimed under one lock,
// which is the in-memory analogue of a single conditional UPDATE.
func (s *Store) ClaimBatch(_ context.Context, limit int, staleAfter time.Duration) ([]scout.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*scout.QueueItem, 0)
	for _, item := range s.items {
		if claimable(item, now, staleAfter) {
			eligible = append(eligible, item)
		}
	}
	sortQueueOrder(eligible)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]scout.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		ts := now
		item.Status = scout.ItemStatusClaimed
		item.LastClaimedAt = &ts
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

// ReportOutcome records a terminal status for an item still in claimed state.
func (s *Store) ReportOutcome(_ context.Context, itemID string, status scout.ItemStatus, errText string) (bool, error) {
	if !status.Terminal() {
		return false, scout.NewValidationError("status must be completed or failed, got %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.Status != scout.ItemStatusClaimed {
		return false, nil
	}
	now := s.clock.Now()
	item.Status = status
	item.CompletedAt = &now
	item.ErrorText = errText
	return true, nil
}

// PendingCount returns the number of currently claimable items.
func (s *Store) PendingCount(_ context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		if item.Status == scout.ItemStatusPending && !item.AvailableAt.After(now) {
			count++
		}
	}
	return count, nil
}

// ListPending returns up to limit claimable items without claiming them.
func (s *Store) ListPending(_ context.Context, limit int) ([]scout.QueueItem, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := make([]*scout.QueueItem, 0)
	for _, item := range s.items {
		if item.Status == scout.ItemStatusPending && !item.AvailableAt.After(now) {
			eligible = append(eligible, item)
		}
	}
	sortQueueOrder(eligible)
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	out := make([]scout.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// GetItem fetches an item snapshot by ID (test helper and handler support).
func (s *Store) GetItem(_ context.Context, itemID string) (scout.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return scout.QueueItem{}, false
	}
	return cloneItem(item), true
}

func claimable(item *scout.QueueItem, now time.Time, staleAfter time.Duration) bool {
	switch item.Status {
	case scout.ItemStatusPending:
		return !item.AvailableAt.After(now)
	case scout.ItemStatusClaimed:
		// Lease expiry: a claimed-but-unresolved item becomes reclaimable
		// once its last claim is older than staleAfter.
		return staleAfter > 0 && item.LastClaimedAt != nil &&
			item.LastClaimedAt.Before(now.Add(-staleAfter))
	default:
		return false
	}
}

func sortQueueOrder(items []*scout.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ID < items[j].ID
	})
}

func cloneItem(item *scout.QueueItem) scout.QueueItem {
	cp := *item
	cp.URLs = append([]string(nil), item.URLs...)
	cp.Payload = clonePayload(item.Payload)
	return cp
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}
