// Package memory provides a dedup-aware in-process Ingestor for development
// mode and tests. Real deployments point the batch runner at the external
// ingestion pipeline instead.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/scout"
)

// Ingestor records ingested submissions as idle postings, deduplicating by
// a content hash of the job URL. Repeated deliveries of the same submission
// are no-ops, which keeps the at-least-once batch runner safe.
type Ingestor struct {
	mu   sync.Mutex
	seen map[string]struct{}

	postings scout.PostingStore
	hasher   scout.Hasher
	logger   *zap.Logger
}

// New constructs an Ingestor.
func New(postings scout.PostingStore, hasher scout.Hasher, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		seen:     make(map[string]struct{}),
		postings: postings,
		hasher:   hasher,
		logger:   logger,
	}
}

// Ingest stores the submission as a posting unless its URL hash was seen.
func (i *Ingestor) Ingest(ctx context.Context, sub scout.Submission) error {
	if sub.JobURL == "" {
		return scout.NewValidationError("missing job url")
	}
	hash, err := i.hasher.Hash([]byte(sub.JobURL))
	if err != nil {
		return fmt.Errorf("hash job url: %w", err)
	}

	i.mu.Lock()
	if _, dup := i.seen[hash]; dup {
		i.mu.Unlock()
		i.logger.Debug("duplicate submission skipped",
			zap.String("job_url", sub.JobURL),
			zap.String("hash", hash),
		)
		return nil
	}
	i.seen[hash] = struct{}{}
	i.mu.Unlock()

	posting := scout.JobPosting{
		ID:      hash,
		URL:     sub.JobURL,
		Title:   sub.Title,
		Company: sub.Company,
		Status:  scout.MonitorStatusIdle,
	}
	if err := i.postings.SavePosting(ctx, posting); err != nil {
		// Roll back the dedup mark so a retry can land the posting.
		i.mu.Lock()
		delete(i.seen, hash)
		i.mu.Unlock()
		return fmt.Errorf("save ingested posting: %w", err)
	}
	return nil
}
