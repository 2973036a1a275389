package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsprobe-dev/opsprobe/internal/logging"
	"github.com/opsprobe-dev/opsprobe/internal/models"
	"github.com/opsprobe-dev/opsprobe/internal/queue"
	"github.com/opsprobe-dev/opsprobe/internal/testutil"
)

func openQueue(t *testing.T, lease time.Duration) *queue.Queue {
	t.Helper()
	q, err := queue.New(testutil.OpenStore(t).DB(), lease, logging.Discard())
	require.NoError(t, err)
	return q
}

func TestSubmitClaimComplete(t *testing.T) {
	q := openQueue(t, time.Minute)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, "s1", "u1", "checkout latency spike", models.ModeComplex)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Poll(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, job.Status)
	require.Equal(t, 0, job.Attempts)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, jobID, claimed.ID)
	require.Equal(t, models.JobStatusRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	require.NoError(t, q.Complete(ctx, jobID))

	job, err = q.Poll(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	q := openQueue(t, time.Minute)

	job, err := q.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestClaimedJobIsInvisibleWhileLeased(t *testing.T) {
	q := openQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Submit(ctx, "s1", "u1", "pod crash loop", models.ModeSimple)
	require.NoError(t, err)

	first, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q := openQueue(t, 20*time.Millisecond)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, "s1", "u1", "pod crash loop", models.ModeSimple)
	require.NoError(t, err)

	first, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(40 * time.Millisecond)

	second, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, jobID, second.ID)
	require.Equal(t, 2, second.Attempts)
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	q := openQueue(t, time.Minute)
	ctx := context.Background()
	const maxAttempts = 2

	jobID, err := q.Submit(ctx, "s1", "u1", "db connection errors", models.ModeComplex)
	require.NoError(t, err)

	// First run fails with attempts remaining: back to pending
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Fail(ctx, jobID, maxAttempts, errors.New("engine crashed")))

	job, err := q.Poll(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, job.Status)

	// Second run exhausts the budget: failed for good
	claimed, err = q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 2, claimed.Attempts)
	require.NoError(t, q.Fail(ctx, jobID, maxAttempts, errors.New("engine crashed again")))

	job, err = q.Poll(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, job.Status)

	reclaimed, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.Nil(t, reclaimed)
}

func TestPollUnknownHandle(t *testing.T) {
	q := openQueue(t, time.Minute)

	_, err := q.Poll(context.Background(), "no-such-job")
	require.Error(t, err)
}

func TestClaimOrderIsOldestFirst(t *testing.T) {
	q := openQueue(t, time.Minute)
	ctx := context.Background()

	first, err := q.Submit(ctx, "s1", "u1", "symptom one", models.ModeSimple)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Submit(ctx, "s2", "u1", "symptom two", models.ModeSimple)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, first, claimed.ID)
}
