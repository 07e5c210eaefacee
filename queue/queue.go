package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
)

const consumerGroup = "pipeline-workers"

// Queue is one named Redis-streams job queue.
type Queue struct {
	redis   *core.RedisClient
	enc     *crypto.Encryptor
	name    string
	options Options
	logger  core.Logger
}

// New creates the queue and its consumer group. Creating the group on
// an existing stream is a no-op.
func New(ctx context.Context, redisClient *core.RedisClient, enc *crypto.Encryptor, name string, options *Options, logger core.Logger) (*Queue, error) {
	if redisClient == nil || enc == nil {
		return nil, fmt.Errorf("redis client and encryptor are required: %w", core.ErrMissingConfiguration)
	}
	opts := Options{}
	if options != nil {
		opts = *options
	}
	opts.applyDefaults()

	q := &Queue{
		redis:   redisClient,
		enc:     enc,
		name:    name,
		options: opts,
		logger:  core.ComponentLogger(logger, "queue"),
	}

	err := redisClient.Underlying().XGroupCreateMkStream(ctx, q.streamKey(), consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue group create: %w", err)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int { return q.options.MaxAttempts }

func (q *Queue) streamKey() string {
	return q.redis.Key("jobs", q.name, "stream")
}

func (q *Queue) delayedKey() string {
	return q.redis.Key("jobs", q.name, "delayed")
}

func (q *Queue) dedupKey(jobID string) string {
	return q.redis.Key("jobs", q.name, "dedup", jobID)
}

// Enqueue encrypts the payload and adds the job to the stream. The job
// id is the request id, so re-enqueueing the same request within the
// dedup TTL is a no-op returning the same id and enqueued=false.
func (q *Queue) Enqueue(ctx context.Context, jobType, requestID string, payload interface{}) (jobID string, enqueued bool, err error) {
	jobID = requestID

	ok, err := q.redis.SetNX(ctx, q.dedupKey(jobID), "1", q.options.DedupTTL)
	if err != nil {
		return "", false, fmt.Errorf("queue dedup: %w", err)
	}
	if !ok {
		if q.logger != nil {
			q.logger.DebugWithContext(ctx, "Job already enqueued", map[string]interface{}{
				"queue":  q.name,
				"job_id": jobID,
			})
		}
		return jobID, false, nil
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("queue payload encode: %w", err)
	}
	sealed, err := q.enc.Encrypt(plaintext)
	if err != nil {
		return "", false, fmt.Errorf("queue payload encrypt: %w", err)
	}

	if err := q.add(ctx, &Job{
		ID:          jobID,
		Type:        jobType,
		RequestID:   requestID,
		Payload:     sealed,
		Attempt:     0,
		MaxAttempts: q.options.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}); err != nil {
		// Roll the dedup marker back so the caller can retry the enqueue.
		_ = q.redis.Del(ctx, q.dedupKey(jobID))
		return "", false, err
	}

	if q.logger != nil {
		q.logger.InfoWithContext(ctx, "Job enqueued", map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"type":   jobType,
		})
	}
	return jobID, true, nil
}

func (q *Queue) add(ctx context.Context, job *Job) error {
	err := q.redis.Underlying().XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(),
		Values: map[string]interface{}{
			"id":          job.ID,
			"type":        job.Type,
			"requestId":   job.RequestID,
			"attempt":     job.Attempt,
			"maxAttempts": job.MaxAttempts,
			"payload":     string(job.Payload),
			"enqueuedAt":  job.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue add: %w", err)
	}
	return nil
}

// Fetch blocks up to block for the next job assigned to this consumer.
// Returns nil without error when the block window elapses empty.
func (q *Queue) Fetch(ctx context.Context, consumer string, block time.Duration) (*Job, error) {
	res, err := q.redis.Underlying().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{q.streamKey(), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue fetch: %w", err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			return parseJob(msg)
		}
	}
	return nil, nil
}

func parseJob(msg redis.XMessage) (*Job, error) {
	get := func(field string) string {
		if v, ok := msg.Values[field].(string); ok {
			return v
		}
		return ""
	}
	attempt, _ := strconv.Atoi(get("attempt"))
	maxAttempts, _ := strconv.Atoi(get("maxAttempts"))
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, get("enqueuedAt"))

	job := &Job{
		ID:          get("id"),
		Type:        get("type"),
		RequestID:   get("requestId"),
		Payload:     []byte(get("payload")),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  enqueuedAt,
		streamID:    msg.ID,
	}
	if job.ID == "" {
		return nil, fmt.Errorf("queue entry %s has no job id", msg.ID)
	}
	return job, nil
}

// Ack acknowledges and removes a processed entry.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	client := q.redis.Underlying()
	if err := client.XAck(ctx, q.streamKey(), consumerGroup, job.streamID).Err(); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	if err := client.XDel(ctx, q.streamKey(), job.streamID).Err(); err != nil {
		return fmt.Errorf("queue ack del: %w", err)
	}
	return nil
}

// Retry schedules the job to re-enter the stream after delay, with the
// attempt counter bumped. The original entry is acknowledged.
func (q *Queue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	if err := q.Ack(ctx, job); err != nil {
		return err
	}

	retry := *job
	retry.Attempt++
	member, err := json.Marshal(map[string]interface{}{
		"id":          retry.ID,
		"type":        retry.Type,
		"requestId":   retry.RequestID,
		"attempt":     retry.Attempt,
		"maxAttempts": retry.MaxAttempts,
		"payload":     string(retry.Payload),
		"enqueuedAt":  retry.EnqueuedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("queue retry encode: %w", err)
	}

	err = q.redis.Underlying().ZAdd(ctx, q.delayedKey(), &redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("queue retry schedule: %w", err)
	}
	return nil
}

// Backoff returns the delay before the given retry attempt (1-based):
// initial * 2^(attempt-1).
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.options.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// PromoteDelayed moves due delayed jobs back onto the stream. Returns
// the number promoted. Runs from every worker; ZREM is the arbiter
// when two workers race on the same member.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	client := q.redis.Underlying()
	now := float64(time.Now().UnixMilli())

	members, err := client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64), Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue promote scan: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil || removed == 0 {
			continue
		}

		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(member), &fields); err != nil {
			if q.logger != nil {
				q.logger.Warn("Dropping undecodable delayed job", map[string]interface{}{
					"queue": q.name,
					"error": err.Error(),
				})
			}
			continue
		}
		if err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(),
			Values: fields,
		}).Err(); err != nil {
			return promoted, fmt.Errorf("queue promote add: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// ReclaimStuck re-assigns entries whose consumer died mid-processing.
func (q *Queue) ReclaimStuck(ctx context.Context, consumer string, minIdle time.Duration) ([]*Job, error) {
	msgs, _, err := q.redis.Underlying().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey(),
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    10,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue reclaim: %w", err)
	}

	jobs := make([]*Job, 0, len(msgs))
	for _, msg := range msgs {
		job, err := parseJob(msg)
		if err != nil {
			_ = q.redis.Underlying().XAck(ctx, q.streamKey(), consumerGroup, msg.ID).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth counts jobs waiting on the stream plus delayed retries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	client := q.redis.Underlying()
	streamLen, err := client.XLen(ctx, q.streamKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	delayedLen, err := client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return streamLen + delayedLen, nil
}

// DecryptPayload opens a job's encrypted payload into dst.
func (q *Queue) DecryptPayload(job *Job, dst interface{}) error {
	plaintext, err := q.enc.Decrypt(job.Payload)
	if err != nil {
		return fmt.Errorf("queue payload decrypt: %w", err)
	}
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("queue payload decode: %w", err)
	}
	return nil
}
