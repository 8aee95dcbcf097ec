package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := New(context.Background(), Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, Job{Kind: KindDeploy, ApplicationID: "app-1", Operation: "deploy"})
	require.NoError(t, err)
	assert.NotEmpty(t, enqueued.ID)

	job, err := q.Dequeue(ctx, KindDeploy, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enqueued.ID, job.ID)
	assert.Equal(t, "app-1", job.ApplicationID)
}

func TestDequeueTimesOutWithNoJob(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), KindDeploy, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueIsScopedByKind(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{Kind: KindLifecycle, ApplicationID: "app-1", Operation: "stop"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, KindDeploy, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "a lifecycle job must not be dequeued from the deploy queue")
}

func TestCompleteRemovesFromProcessingSet(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{Kind: KindDeploy, ApplicationID: "app-1", Operation: "deploy"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, KindDeploy, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	processing, err := q.client.ZRange(ctx, q.processingKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Contains(t, processing, job.ID)

	require.NoError(t, q.Complete(ctx, job.ID))

	processing, err = q.client.ZRange(ctx, q.processingKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.NotContains(t, processing, job.ID)

	stalled, err := q.StalledJobIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, stalled, job.ID)
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{Kind: KindDeploy, ApplicationID: "app-1", Operation: "deploy"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, KindDeploy, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Requeue(ctx, *job))

	retried, err := q.Dequeue(ctx, KindDeploy, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 1, retried.RetryCount)
}
