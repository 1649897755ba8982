package intake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hacolby/scout/internal/metrics"
	"github.com/hacolby/scout/internal/scout"
)

// Config controls Runner behavior.
type Config struct {
	// MaxAttempts is the attempt cap before a submission fails terminally.
	MaxAttempts int
	// ClaimChunk bounds how many submissions one claim call pulls.
	ClaimChunk int
}

// Runner drains the intake store synchronously: claim, validate, ingest,
// record. It is an at-least-once executor; the Ingestor must be idempotent.
type Runner struct {
	store    scout.IntakeStore
	ingestor scout.Ingestor
	clock    scout.Clock
	backoff  *Backoff
	cfg      Config
	logger   *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(
	store scout.IntakeStore,
	ingestor scout.Ingestor,
	clock scout.Clock,
	backoff *Backoff,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimChunk <= 0 {
		cfg.ClaimChunk = 10
	}
	if backoff == nil {
		backoff = NewBackoff(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:    store,
		ingestor: ingestor,
		clock:    clock,
		backoff:  backoff,
		cfg:      cfg,
		logger:   logger,
	}
}

// ProcessIntakeQueue claims and processes pending submissions until
// maxTotal are completed or the queue drains. Failures are isolated per
// submission; one bad row never aborts the batch.
func (r *Runner) ProcessIntakeQueue(ctx context.Context, maxTotal int) (scout.IntakeResult, error) {
	if maxTotal <= 0 {
		maxTotal = r.cfg.ClaimChunk
	}
	processed := 0
	for processed < maxTotal {
		limit := r.cfg.ClaimChunk
		if remaining := maxTotal - processed; remaining < limit {
			limit = remaining
		}
		subs, err := r.store.ClaimSubmissions(ctx, limit)
		if err != nil {
			return scout.IntakeResult{}, fmt.Errorf("claim submissions: %w", err)
		}
		if len(subs) == 0 {
			break
		}
		for _, sub := range subs {
			if r.processOne(ctx, sub) {
				processed++
			}
		}
	}
	pending, err := r.store.PendingSubmissions(ctx)
	if err != nil {
		return scout.IntakeResult{}, fmt.Errorf("count pending submissions: %w", err)
	}
	return scout.IntakeResult{Processed: processed, Pending: pending}, nil
}

// processOne reports true when the submission counted toward the batch
// (completed), false when it failed or was released for retry.
func (r *Runner) processOne(ctx context.Context, sub scout.Submission) bool {
	if err := validateSubmission(sub); err != nil {
		// Malformed rows are permanently invalid, never retried.
		r.logger.Warn("submission failed validation",
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
		if failErr := r.store.FailSubmission(ctx, sub.ID, err.Error()); failErr != nil {
			r.logger.Error("record validation failure",
				zap.String("submission_id", sub.ID),
				zap.Error(failErr),
			)
		}
		metrics.ObserveIntake("invalid")
		return false
	}

	if err := r.ingest(ctx, sub); err != nil {
		if scout.IsValidation(err) {
			// The ingestor rejected the content itself; retrying cannot
			// help.
			if failErr := r.store.FailSubmission(ctx, sub.ID, err.Error()); failErr != nil {
				r.logger.Error("record ingest rejection",
					zap.String("submission_id", sub.ID),
					zap.Error(failErr),
				)
			}
			metrics.ObserveIntake("invalid")
			return false
		}
		r.retryOrFail(ctx, sub, err)
		return false
	}

	if err := r.store.CompleteSubmission(ctx, sub.ID); err != nil {
		r.logger.Error("record submission completion",
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
	}
	metrics.ObserveIntake("completed")
	return true
}

func (r *Runner) ingest(ctx context.Context, sub scout.Submission) error {
	if sub.DryRun {
		r.logger.Info("dry-run submission validated, skipping ingestion",
			zap.String("submission_id", sub.ID),
			zap.String("job_url", sub.JobURL),
		)
		return nil
	}
	if err := r.ingestor.Ingest(ctx, sub); err != nil {
		return fmt.Errorf("ingest submission: %w", err)
	}
	return nil
}

func (r *Runner) retryOrFail(ctx context.Context, sub scout.Submission, cause error) {
	if sub.Attempts >= r.cfg.MaxAttempts {
		r.logger.Warn("submission exhausted attempts",
			zap.String("submission_id", sub.ID),
			zap.Int("attempts", sub.Attempts),
			zap.Error(cause),
		)
		if err := r.store.FailSubmission(ctx, sub.ID, cause.Error()); err != nil {
			r.logger.Error("record terminal failure",
				zap.String("submission_id", sub.ID),
				zap.Error(err),
			)
		}
		metrics.ObserveIntake("failed")
		return
	}
	notBefore := r.clock.Now().Add(r.backoff.Delay(sub.Attempts))
	r.logger.Info("submission released for retry",
		zap.String("submission_id", sub.ID),
		zap.Int("attempts", sub.Attempts),
		zap.Time("not_before", notBefore),
		zap.Error(cause),
	)
	if err := r.store.ReleaseSubmission(ctx, sub.ID, cause.Error(), notBefore); err != nil {
		r.logger.Error("release submission",
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
	}
	metrics.ObserveIntake("retried")
}

func validateSubmission(sub scout.Submission) error {
	if sub.JobURL == "" {
		return scout.NewValidationError("missing job url")
	}
	return nil
}
