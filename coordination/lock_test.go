package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

func testRedis(t *testing.T) (*core.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return core.NewRedisClientFromExisting(client, "pipeline", nil), mr
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "processing:K1", 0)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "processing:K1", 0)
	assert.ErrorIs(t, err, core.ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))

	// Released lock is acquirable again.
	lock2, err := m.Acquire(ctx, "processing:K1", 0)
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	rc, mr := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "r1", 50*time.Millisecond)
	require.NoError(t, err)

	// Lock expires and a second holder takes over.
	mr.FastForward(100 * time.Millisecond)
	lock2, err := m.Acquire(ctx, "r1", time.Minute)
	require.NoError(t, err)

	// The first holder's release must not free the second holder's lock.
	assert.ErrorIs(t, lock.Release(ctx), core.ErrLockLost)
	require.NoError(t, lock2.Release(ctx))
}

func TestExtendRefreshesOwnLockOnly(t *testing.T) {
	ctx := context.Background()
	rc, mr := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "r2", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Extend(ctx, time.Minute))

	mr.FastForward(5 * time.Second)
	// Still held after the original TTL thanks to the extension.
	_, err = m.Acquire(ctx, "r2", 0)
	assert.ErrorIs(t, err, core.ErrLockNotAcquired)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), core.ErrLockLost)
}

func TestWithLockReleasesOnAllPaths(t *testing.T) {
	ctx := context.Background()
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	boom := errors.New("body failed")
	err = m.WithLock(ctx, "r3", 0, 0, 0, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Lock was released despite the body error.
	lock, err := m.Acquire(ctx, "r3", 0)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestWithLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	err = m.WithLock(ctx, "r4", 0, 0, 0, func(ctx context.Context) error {
		return m.WithLock(ctx, "r4", 0, 0, 0, func(ctx context.Context) error {
			t.Fatal("nested acquisition must not succeed")
			return nil
		})
	})
	assert.ErrorIs(t, err, core.ErrLockNotAcquired)
}

func TestAcquireWaitOutlastsShortHolder(t *testing.T) {
	ctx := context.Background()
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "r5", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l, waitErr := m.AcquireWait(ctx, "r5", 0, 5*time.Millisecond, 100)
		if waitErr == nil {
			waitErr = l.Release(ctx)
		}
		done <- waitErr
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lock.Release(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err, "waiter must acquire after the holder releases")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestAcquireWaitGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(ctx, "r6", 0)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	_, err = m.AcquireWait(ctx, "r6", 0, time.Millisecond, 3)
	assert.ErrorIs(t, err, core.ErrLockNotAcquired)
}

func TestAcquireWaitHonorsCancellation(t *testing.T) {
	rc, _ := testRedis(t)
	m, err := NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	lock, err := m.Acquire(context.Background(), "r7", 0)
	require.NoError(t, err)
	defer func() { _ = lock.Release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.AcquireWait(ctx, "r7", 0, 5*time.Millisecond, 1000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
