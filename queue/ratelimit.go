package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// ClusterLimiter enforces a jobs-per-second budget across every worker
// process sharing the Redis instance. A per-second INCR counter in
// Redis is the cluster-wide budget; a local token bucket smooths the
// bursts within this process.
type ClusterLimiter struct {
	redis  *core.RedisClient
	name   string
	perSec int
	local  *rate.Limiter
}

// NewClusterLimiter creates a limiter. perSec <= 0 disables limiting.
func NewClusterLimiter(redisClient *core.RedisClient, name string, perSec int) *ClusterLimiter {
	var local *rate.Limiter
	if perSec > 0 {
		local = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	return &ClusterLimiter{
		redis:  redisClient,
		name:   name,
		perSec: perSec,
		local:  local,
	}
}

// Wait blocks until this process may dispatch one job. The local
// limiter paces the process; the Redis counter caps the whole cluster
// within each one-second window.
func (l *ClusterLimiter) Wait(ctx context.Context) error {
	if l.perSec <= 0 {
		return nil
	}
	if err := l.local.Wait(ctx); err != nil {
		return err
	}

	for {
		window := time.Now().Unix()
		key := l.redis.Key("ratelimit", l.name, fmt.Sprintf("%d", window))
		n, err := l.redis.Incr(ctx, key)
		if err != nil {
			// Redis unavailable: the local limiter alone still paces us.
			return nil
		}
		if n == 1 {
			_ = l.redis.Expire(ctx, key, 2*time.Second)
		}
		if n <= int64(l.perSec) {
			return nil
		}

		// Over budget for this window; sleep into the next one.
		wait := time.Until(time.Unix(window+1, 0))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
