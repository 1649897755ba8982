package scout

import (
	"context"
	"time"
)

// WorkQueue persists scrape work and hands out exclusive ownership through
// atomic claim transitions. Implementations must guarantee that no item is
// ever returned to more than one concurrent claimer.
type WorkQueue interface {
	// Enqueue persists a new pending item. Returns a ValidationError when
	// the request carries neither URLs nor a payload.
	Enqueue(ctx context.Context, req EnqueueRequest) (QueueItem, error)

	// ClaimBatch atomically flips up to limit eligible items to claimed,
	// serving priority DESC, id ASC. When staleAfter > 0 eligibility also
	// covers claimed items whose last claim is older than staleAfter (lease
	// expiry reclaim). An empty queue yields an empty slice, never an error.
	ClaimBatch(ctx context.Context, limit int, staleAfter time.Duration) ([]QueueItem, error)

	// ReportOutcome records a terminal status for a claimed item. The
	// returned bool is false when the item is unknown or no longer claimed;
	// that is a benign race, not an error.
	ReportOutcome(ctx context.Context, itemID string, status ItemStatus, errText string) (bool, error)

	// PendingCount returns the number of currently claimable items.
	PendingCount(ctx context.Context) (int, error)

	// ListPending returns up to limit claimable items without claiming them.
	ListPending(ctx context.Context, limit int) ([]QueueItem, error)
}

// IntakeStore persists intake submissions for the batch runner. The claim
// call increments the attempt counter as part of the same atomic transition.
type IntakeStore interface {
	EnqueueSubmission(ctx context.Context, sub Submission) (Submission, error)

	// ClaimSubmissions atomically moves up to limit eligible pending rows to
	// processing, incrementing attempts and stamping started_at if unset.
	ClaimSubmissions(ctx context.Context, limit int) ([]Submission, error)

	// CompleteSubmission marks a processing row completed.
	CompleteSubmission(ctx context.Context, id string) error

	// FailSubmission marks a row terminally failed with the given error.
	FailSubmission(ctx context.Context, id string, errText string) error

	// ReleaseSubmission reverts a processing row to pending so a later batch
	// can reclaim it once notBefore passes.
	ReleaseSubmission(ctx context.Context, id string, errText string, notBefore time.Time) error

	PendingSubmissions(ctx context.Context) (int, error)
}

// PostingStore persists monitored job postings.
type PostingStore interface {
	SavePosting(ctx context.Context, posting JobPosting) error
	GetPosting(ctx context.Context, id string) (JobPosting, error)
	// MarkPostingClosed records the terminal not-found observation.
	MarkPostingClosed(ctx context.Context, id string) error
	CountPostingsByStatus(ctx context.Context) (map[MonitorStatus]int, error)
}

// Ingestor is the downstream job-ingestion pipeline. It must be idempotent:
// the batch runner delivers at-least-once.
type Ingestor interface {
	Ingest(ctx context.Context, sub Submission) error
}

// Prober checks whether a posting still exists at its URL.
type Prober interface {
	Check(ctx context.Context, url string) (ProbeResult, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
