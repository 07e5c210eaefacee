// Package queue is the Redis-streams job queue feeding the pipeline
// workers. Delivery is at-least-once; the idempotency layer upstream
// makes processing effectively exactly-once. Job payloads are encrypted
// with the same key as the cache, and a SETNX dedup marker keyed by
// job id keeps a request from being enqueued twice.
package queue

import (
	"time"
)

// Queue names.
const (
	QueueGeneration = "generation"
	QueuePDFImport  = "pdf-import"
)

// Job is one unit of queued work. Payload is the encrypted job body;
// workers decrypt it before dispatch.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	RequestID  string    `json:"requestId"`
	Payload    []byte    `json:"-"`
	Attempt    int       `json:"attempt"`
	MaxAttempts int      `json:"maxAttempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// streamID is the Redis stream entry id, needed for XACK.
	streamID string
}

// Options control per-job queue behavior.
type Options struct {
	// MaxAttempts before the job dead-letters. Default 3.
	MaxAttempts int
	// InitialBackoff for the exponential retry delay. Default 1s.
	InitialBackoff time.Duration
	// DedupTTL bounds how long the job id dedup marker lives.
	// Default 24h.
	DedupTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
}
