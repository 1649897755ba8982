package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hacolby/scout/internal/queue/memory"
	"github.com/hacolby/scout/internal/scout"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sub-%04d", g.n), nil
}

// scriptedIngestor fails for URLs listed in failing and records every call.
type scriptedIngestor struct {
	mu      sync.Mutex
	failing map[string]error
	calls   map[string]int
}

func newScriptedIngestor() *scriptedIngestor {
	return &scriptedIngestor{
		failing: make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (i *scriptedIngestor) Ingest(_ context.Context, sub scout.Submission) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls[sub.JobURL]++
	if err, ok := i.failing[sub.JobURL]; ok {
		return err
	}
	return nil
}

func (i *scriptedIngestor) callCount(url string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[url]
}

func newTestRunner(cfg Config) (*Runner, *memory.Store, *scriptedIngestor, *fakeClock) {
	clock := newFakeClock()
	store := memory.NewStore(&seqIDGen{}, clock)
	ingestor := newScriptedIngestor()
	runner := NewRunner(store, ingestor, clock, NewBackoff(30*time.Second, 15*time.Minute), cfg, nil)
	return runner, store, ingestor, clock
}

func TestProcessIntakeQueueCompletesSubmissions(t *testing.T) {
	t.Parallel()

	runner, store, ingestor, _ := newTestRunner(Config{MaxAttempts: 3, ClaimChunk: 10})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sub, err := store.EnqueueSubmission(ctx, scout.Submission{
			JobURL: fmt.Sprintf("https://example.com/jobs/%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, sub.ID)
	}

	result, err := runner.ProcessIntakeQueue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Zero(t, result.Pending)

	for i, id := range ids {
		sub, ok := store.GetSubmission(ctx, id)
		require.True(t, ok)
		assert.Equal(t, scout.SubmissionStatusCompleted, sub.Status)
		assert.Equal(t, 1, sub.Attempts)
		assert.Equal(t, 1, ingestor.callCount(fmt.Sprintf("https://example.com/jobs/%d", i)))
	}
}

func TestProcessIntakeQueueRetriesUpToMaxAttempts(t *testing.T) {
	t.Parallel()

	runner, store, ingestor, clock := newTestRunner(Config{MaxAttempts: 3, ClaimChunk: 10})
	ctx := context.Background()

	const url = "https://example.com/jobs/flaky"
	ingestor.failing[url] = errors.New("upstream down")
	sub, err := store.EnqueueSubmission(ctx, scout.Submission{JobURL: url})
	require.NoError(t, err)

	// First pass: attempt 1 fails and the row is released with a backoff,
	// so the same pass cannot pick it up again.
	result, err := runner.ProcessIntakeQueue(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, 1, result.Pending)
	assert.Equal(t, 1, ingestor.callCount(url))

	got, ok := store.GetSubmission(ctx, sub.ID)
	require.True(t, ok)
	assert.Equal(t, scout.SubmissionStatusPending, got.Status)
	assert.True(t, got.NotBefore.After(clock.Now()))
	assert.Equal(t, "ingest submission: upstream down", got.LastError)

	// Later passes burn the remaining attempts.
	for range [2]struct{}{} {
		clock.Advance(20 * time.Minute)
		_, err = runner.ProcessIntakeQueue(ctx, 50)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, ingestor.callCount(url))

	got, ok = store.GetSubmission(ctx, sub.ID)
	require.True(t, ok)
	assert.Equal(t, scout.SubmissionStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	// A terminally failed row never runs again.
	clock.Advance(20 * time.Minute)
	result, err = runner.ProcessIntakeQueue(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, result.Pending)
	assert.Equal(t, 3, ingestor.callCount(url))
}

func TestProcessIntakeQueueFailsInvalidRowsWithoutRetry(t *testing.T) {
	t.Parallel()

	runner, store, ingestor, _ := newTestRunner(Config{MaxAttempts: 3, ClaimChunk: 10})
	ctx := context.Background()

	const badURL = "https://example.com/jobs/garbled"
	ingestor.failing[badURL] = scout.NewValidationError("unparseable posting body")
	bad, err := store.EnqueueSubmission(ctx, scout.Submission{JobURL: badURL})
	require.NoError(t, err)
	_, err = store.EnqueueSubmission(ctx, scout.Submission{JobURL: "https://example.com/jobs/ok"})
	require.NoError(t, err)

	result, err := runner.ProcessIntakeQueue(ctx, 50)
	require.NoError(t, err)
	// The valid row still completes; isolation holds.
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Pending)
	assert.Equal(t, 1, ingestor.callCount("https://example.com/jobs/ok"))

	// Rejected content fails terminally on the first attempt.
	got, ok := store.GetSubmission(ctx, bad.ID)
	require.True(t, ok)
	assert.Equal(t, scout.SubmissionStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, ingestor.callCount(badURL))
}

func TestProcessIntakeQueueSkipsIngestOnDryRun(t *testing.T) {
	t.Parallel()

	runner, store, ingestor, _ := newTestRunner(Config{MaxAttempts: 3, ClaimChunk: 10})
	ctx := context.Background()

	sub, err := store.EnqueueSubmission(ctx, scout.Submission{
		JobURL: "https://example.com/jobs/dry",
		DryRun: true,
	})
	require.NoError(t, err)

	result, err := runner.ProcessIntakeQueue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, ingestor.callCount("https://example.com/jobs/dry"))

	got, ok := store.GetSubmission(ctx, sub.ID)
	require.True(t, ok)
	assert.Equal(t, scout.SubmissionStatusCompleted, got.Status)
}

func TestProcessIntakeQueueHonorsMaxTotal(t *testing.T) {
	t.Parallel()

	runner, store, _, _ := newTestRunner(Config{MaxAttempts: 3, ClaimChunk: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.EnqueueSubmission(ctx, scout.Submission{
			JobURL: fmt.Sprintf("https://example.com/jobs/%d", i),
		})
		require.NoError(t, err)
	}

	result, err := runner.ProcessIntakeQueue(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Pending)
}
