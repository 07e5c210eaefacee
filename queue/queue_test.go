package queue

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
)

func testQueue(t *testing.T, options *Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{9}, crypto.KeySize))
	require.NoError(t, err)

	q, err := New(context.Background(), core.NewRedisClientFromExisting(client, "pipeline", nil),
		enc, QueueGeneration, options, nil)
	require.NoError(t, err)
	return q, mr
}

type jobPayload struct {
	Input string `json:"input"`
}

func TestEnqueueFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, nil)

	jobID, enqueued, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{Input: "hello"})
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, "R1", jobID)

	job, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "R1", job.ID)
	assert.Equal(t, "GENERATE_CAREPLAN", job.Type)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)

	// The stream payload is ciphertext; plaintext comes from DecryptPayload.
	assert.NotContains(t, string(job.Payload), "hello")
	var payload jobPayload
	require.NoError(t, q.DecryptPayload(job, &payload))
	assert.Equal(t, "hello", payload.Input)
}

func TestEnqueueDeduplicatesByJobID(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, nil)

	_, enqueued, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)
	assert.True(t, enqueued)

	jobID, enqueued, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, "R1", jobID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestDedupMarkerExpires(t *testing.T) {
	ctx := context.Background()
	q, mr := testQueue(t, &Options{DedupTTL: time.Minute})

	_, _, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, enqueued, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestFetchEmptyReturnsNil(t *testing.T) {
	q, _ := testQueue(t, nil)
	job, err := q.Fetch(context.Background(), "c1", time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAckRemovesJob(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, nil)

	_, _, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)
	job, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Ack(ctx, job))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRetrySchedulesAndPromotes(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, nil)

	_, _, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{Input: "hello"})
	require.NoError(t, err)
	job, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Already-due delay so the next sweep promotes it.
	require.NoError(t, q.Retry(ctx, job, -time.Second))

	// The job left the stream and sits in the delayed set.
	next, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)

	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	retried, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, "R1", retried.ID)
	assert.Equal(t, 1, retried.Attempt)

	// Payload survives the delayed round trip.
	var payload jobPayload
	require.NoError(t, q.DecryptPayload(retried, &payload))
	assert.Equal(t, "hello", payload.Input)
}

func TestPromoteLeavesFutureJobsAlone(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, nil)

	_, _, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)
	job, err := q.Fetch(ctx, "c1", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, job, time.Hour))

	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestBackoffDoubles(t *testing.T) {
	q, _ := testQueue(t, &Options{InitialBackoff: time.Second})

	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
}

func TestNewIsIdempotentOnExistingGroup(t *testing.T) {
	ctx := context.Background()
	q, mr := testQueue(t, nil)

	_, _, err := q.Enqueue(ctx, "GENERATE_CAREPLAN", "R1", jobPayload{})
	require.NoError(t, err)

	// A second worker creating the same queue must tolerate BUSYGROUP.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{9}, crypto.KeySize))
	require.NoError(t, err)
	_, err = New(ctx, core.NewRedisClientFromExisting(client, "pipeline", nil), enc, QueueGeneration, nil, nil)
	require.NoError(t, err)
}
