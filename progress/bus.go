// Package progress publishes per-request pipeline progress over Redis
// pub/sub. Each request gets its own channel, pipeline:progress:{id};
// subscribers receive events in publish order until a terminal event
// or an inactivity timeout.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// DefaultInactivityTimeout closes an idle subscription.
const DefaultInactivityTimeout = 5 * time.Minute

// Bus publishes and subscribes progress events.
type Bus struct {
	redis             *core.RedisClient
	inactivityTimeout time.Duration
	logger            core.Logger
}

// NewBus creates a bus. A zero inactivityTimeout uses the default.
func NewBus(redisClient *core.RedisClient, inactivityTimeout time.Duration, logger core.Logger) (*Bus, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrMissingConfiguration)
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	return &Bus{
		redis:             redisClient,
		inactivityTimeout: inactivityTimeout,
		logger:            core.ComponentLogger(logger, "progress"),
	}, nil
}

func (b *Bus) channel(requestID string) string {
	return b.redis.Key("progress", requestID)
}

// Publish sends one event on the request's channel. Publish failures
// are surfaced but callers treat progress as best-effort; a lost event
// never fails the pipeline run.
func (b *Bus) Publish(ctx context.Context, event core.ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("progress encode: %w", err)
	}
	if err := b.redis.Underlying().Publish(ctx, b.channel(event.RequestID), payload).Err(); err != nil {
		return fmt.Errorf("progress publish: %w", err)
	}
	return nil
}

// PublishStage is the shorthand used by the orchestrator per stage
// transition.
func (b *Bus) PublishStage(ctx context.Context, requestID, stage string, status core.StageStatus, message string) {
	err := b.Publish(ctx, core.ProgressEvent{
		RequestID: requestID,
		Stage:     stage,
		Status:    status,
		Message:   message,
	})
	if err != nil && b.logger != nil {
		b.logger.WarnWithContext(ctx, "Progress publish failed", map[string]interface{}{
			"request_id": requestID,
			"stage":      stage,
			"error":      err.Error(),
		})
	}
}

// PublishComplete emits the terminal success event with the final
// output attached as the partial result.
func (b *Bus) PublishComplete(ctx context.Context, requestID string, output *core.PipelineOutput) {
	err := b.Publish(ctx, core.ProgressEvent{
		RequestID:     requestID,
		Stage:         core.ProgressStageComplete,
		Status:        core.StageCompleted,
		PartialResult: output,
	})
	if err != nil && b.logger != nil {
		b.logger.WarnWithContext(ctx, "Progress publish failed", map[string]interface{}{
			"request_id": requestID,
			"stage":      core.ProgressStageComplete,
			"error":      err.Error(),
		})
	}
}

// PublishError emits the terminal failure event.
func (b *Bus) PublishError(ctx context.Context, requestID string, perr *core.PipelineError) {
	err := b.Publish(ctx, core.ProgressEvent{
		RequestID: requestID,
		Stage:     core.ProgressStageError,
		Status:    core.StageFailed,
		Message:   perr.Message,
	})
	if err != nil && b.logger != nil {
		b.logger.WarnWithContext(ctx, "Progress publish failed", map[string]interface{}{
			"request_id": requestID,
			"stage":      core.ProgressStageError,
			"error":      err.Error(),
		})
	}
}

// Subscribe opens a stream of events for one request. The returned
// channel closes after a terminal event, the inactivity timeout, or
// context cancellation. The cleanup function is idempotent and safe to
// call from any path; the subscription is always torn down when the
// channel closes even if cleanup is never called.
func (b *Bus) Subscribe(ctx context.Context, requestID string) (<-chan core.ProgressEvent, func(), error) {
	pubsub := b.redis.Underlying().Subscribe(ctx, b.channel(requestID))

	// Force the subscription onto the wire before returning so callers
	// never miss events published right after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("progress subscribe: %w", err)
	}

	events := make(chan core.ProgressEvent, 16)
	done := make(chan struct{})

	var once sync.Once
	cleanup := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		timer := time.NewTimer(b.inactivityTimeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-timer.C:
				if b.logger != nil {
					b.logger.Warn("Progress subscription timed out", map[string]interface{}{
						"request_id": requestID,
					})
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(b.inactivityTimeout)

				var event core.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					if b.logger != nil {
						b.logger.Warn("Progress event decode failed", map[string]interface{}{
							"request_id": requestID,
							"error":      err.Error(),
						})
					}
					continue
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				case <-done:
					return
				}

				if event.IsTerminal() {
					return
				}
			}
		}
	}()

	return events, cleanup, nil
}
