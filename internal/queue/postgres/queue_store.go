package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hacolby/scout/internal/scout"
)

// Expected schema:
//
//	CREATE TABLE queue_items (
//	    id TEXT PRIMARY KEY,
//	    urls JSONB NOT NULL DEFAULT '[]',
//	    source TEXT NOT NULL DEFAULT '',
//	    priority INT NOT NULL DEFAULT 0,
//	    payload JSONB,
//	    available_at TIMESTAMPTZ NOT NULL,
//	    last_claimed_at TIMESTAMPTZ,
//	    completed_at TIMESTAMPTZ,
//	    error_message TEXT NOT NULL DEFAULT '',
//	    status TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
const queueItemColumns = `id, urls, source, priority, payload, available_at, last_claimed_at, completed_at, error_message, status, created_at`

const enqueueSQL = `
INSERT INTO queue_items (id, urls, source, priority, payload, available_at, error_message, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8)`

// claimBatchSQL is the single conditional read-modify-write behind
// ClaimBatch. The locked sub-select orders eligible rows and SKIP LOCKED
// keeps concurrent claimers from ever selecting the same row. A non-null
// stale cutoff widens eligibility to claimed rows whose lease has expired.
const claimBatchSQL = `
UPDATE queue_items
SET status = 'claimed', last_claimed_at = $1
WHERE id IN (
    SELECT id FROM queue_items
    WHERE (status = 'pending' AND available_at <= $1)
       OR (status = 'claimed' AND $3::timestamptz IS NOT NULL AND last_claimed_at < $3)
    ORDER BY priority DESC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + queueItemColumns

const reportOutcomeSQL = `
UPDATE queue_items
SET status = $2, completed_at = $3, error_message = $4
WHERE id = $1 AND status = 'claimed'`

const pendingCountSQL = `
SELECT COUNT(*) FROM queue_items WHERE status = 'pending' AND available_at <= $1`

const listPendingSQL = `
SELECT ` + queueItemColumns + `
FROM queue_items
WHERE status = 'pending' AND available_at <= $1
ORDER BY priority DESC, id ASC
LIMIT $2`

// Enqueue persists a new pending queue item.
func (s *Store) Enqueue(ctx context.Context, req scout.EnqueueRequest) (scout.QueueItem, error) {
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
	urlsJSON, err := json.Marshal(urlsOrEmpty(req.URLs))
	if err != nil {
		return scout.QueueItem{}, fmt.Errorf("marshal urls: %w", err)
	}
	payloadJSON, err := marshalPayload(req.Payload)
	if err != nil {
		return scout.QueueItem{}, err
	}
	if _, err := s.pool.Exec(ctx, enqueueSQL,
		id, urlsJSON, req.Source, req.Priority, payloadJSON, availableAt, string(scout.ItemStatusPending), now,
	); err != nil {
		return scout.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}
	return scout.QueueItem{
		ID:          id,
		URLs:        req.URLs,
		Source:      req.Source,
		Priority:    req.Priority,
		Payload:     req.Payload,
		AvailableAt: availableAt,
		Status:      scout.ItemStatusPending,
		CreatedAt:   now,
	}, nil
}

// ClaimBatch atomically claims up to limit eligible items.
func (s *Store) ClaimBatch(ctx context.Context, limit int, staleAfter time.Duration) ([]scout.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	var staleCutoff *time.Time
	if staleAfter > 0 {
		cutoff := now.Add(-staleAfter)
		staleCutoff = &cutoff
	}
	rows, err := s.pool.Query(ctx, claimBatchSQL, now, limit, staleCutoff)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	defer rows.Close()

	items := make([]scout.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	// RETURNING does not honor the sub-select ordering.
	sortClaimed(items)
	return items, nil
}

// ReportOutcome records a terminal status for a claimed item. A zero row
// count means the caller lost the race (or the id is unknown) and is
// reported as updated=false, not as an error.
func (s *Store) ReportOutcome(ctx context.Context, itemID string, status scout.ItemStatus, errText string) (bool, error) {
	if !status.Terminal() {
		return false, scout.NewValidationError("status must be completed or failed, got %q", status)
	}
	tag, err := s.pool.Exec(ctx, reportOutcomeSQL, itemID, string(status), s.clock.Now(), errText)
	if err != nil {
		return false, fmt.Errorf("report queue outcome: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingCount returns the number of currently claimable items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, pendingCountSQL, s.clock.Now()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return count, nil
}

// ListPending returns up to limit claimable items without claiming them.
func (s *Store) ListPending(ctx context.Context, limit int) ([]scout.QueueItem, error) {
	rows, err := s.pool.Query(ctx, listPendingSQL, s.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()
	items := make([]scout.QueueItem, 0, limit)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (scout.QueueItem, error) {
	var (
		item        scout.QueueItem
		urlsJSON    []byte
		payloadJSON []byte
		status      string
	)
	if err := row.Scan(
		&item.ID,
		&urlsJSON,
		&item.Source,
		&item.Priority,
		&payloadJSON,
		&item.AvailableAt,
		&item.LastClaimedAt,
		&item.CompletedAt,
		&item.ErrorText,
		&status,
		&item.CreatedAt,
	); err != nil {
		return scout.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	item.Status = scout.ItemStatus(status)
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &item.URLs); err != nil {
			return scout.QueueItem{}, fmt.Errorf("unmarshal urls: %w", err)
		}
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return scout.QueueItem{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return item, nil
}

func sortClaimed(items []scout.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ID < items[j].ID
	})
}

func urlsOrEmpty(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
