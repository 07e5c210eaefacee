// Package coordination provides the distributed primitives that keep
// concurrent pipeline executions from interfering: Redis locks with
// owner tokens, sagas with reverse-order compensation, and optimistic
// row locking over Postgres.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript refreshes the TTL only if the caller still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// LockManager acquires and releases per-resource distributed locks.
// Every lock value is a random owner token so a crashed holder's
// expired lock can never be released by a later holder's cleanup.
type LockManager struct {
	redis      *core.RedisClient
	defaultTTL time.Duration
	logger     core.Logger
}

// Lock is one held lock. Release and Extend are owner-checked.
type Lock struct {
	manager *LockManager
	key     string
	token   string
	ttl     time.Duration
}

// NewLockManager creates a lock manager. TTL defaults to 5 minutes.
func NewLockManager(redisClient *core.RedisClient, defaultTTL time.Duration, logger core.Logger) (*LockManager, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &LockManager{
		redis:      redisClient,
		defaultTTL: defaultTTL,
		logger:     core.ComponentLogger(logger, "coordination"),
	}, nil
}

func (m *LockManager) lockKey(resource string) string {
	return m.redis.Key("lock", resource)
}

// Acquire takes the lock for resource or returns core.ErrLockNotAcquired
// if another holder has it. A zero ttl uses the manager default.
func (m *LockManager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	token := uuid.NewString()
	key := m.lockKey(resource)

	ok, err := m.redis.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: %w", resource, err)
	}
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", resource, core.ErrLockNotAcquired)
	}

	if m.logger != nil {
		m.logger.DebugWithContext(ctx, "Lock acquired", map[string]interface{}{
			"resource": resource,
			"ttl_ms":   ttl.Milliseconds(),
		})
	}
	return &Lock{manager: m, key: key, token: token, ttl: ttl}, nil
}

// Release frees the lock if this holder still owns it. Returns
// core.ErrLockLost when the lock expired or was taken over.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.manager.redis.Underlying(), []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	if n == 0 {
		return core.ErrLockLost
	}
	return nil
}

// Extend refreshes the TTL if this holder still owns the lock.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.ttl
	}
	n, err := extendScript.Run(ctx, l.manager.redis.Underlying(), []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock extend: %w", err)
	}
	if n == 0 {
		return core.ErrLockLost
	}
	return nil
}

// AcquireWait attempts Acquire up to 1+retries times, sleeping wait
// between attempts. A non-positive wait or retries degenerates to a
// single attempt.
func (m *LockManager) AcquireWait(ctx context.Context, resource string, ttl, wait time.Duration, retries int) (*Lock, error) {
	for attempt := 0; ; attempt++ {
		lock, err := m.Acquire(ctx, resource, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, core.ErrLockNotAcquired) {
			return nil, err
		}
		if wait <= 0 || attempt >= retries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// WithLock runs fn while holding the resource lock, waiting on a
// contended lock for up to retries intervals before giving up with
// core.ErrLockNotAcquired. The lock is released on return; a lost lock
// at release time is logged but not surfaced when fn succeeded, since
// the work is already done.
func (m *LockManager) WithLock(ctx context.Context, resource string, ttl, wait time.Duration, retries int, fn func(ctx context.Context) error) error {
	lock, err := m.AcquireWait(ctx, resource, ttl, wait, retries)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil && m.logger != nil {
			m.logger.Warn("Lock release failed", map[string]interface{}{
				"resource": resource,
				"error":    relErr.Error(),
			})
		}
	}()
	return fn(ctx)
}
