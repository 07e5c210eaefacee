package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/tracker"
)

// Handler processes one decrypted-payload job. A nil return acks the
// job; an error retries it with backoff until attempts run out, then
// dead-letters it.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures a pool.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines. Default 1.
	Concurrency int
	// Limiter paces dispatch across the cluster; nil disables pacing.
	Limiter *ClusterLimiter
	// FetchBlock is the XREADGROUP block window. Default 5s.
	FetchBlock time.Duration
	// PromoteInterval between delayed-job promotion sweeps. Default 1s.
	PromoteInterval time.Duration
	// ReclaimMinIdle before a dead consumer's jobs are taken over.
	// Default 1 minute.
	ReclaimMinIdle time.Duration
	Logger         core.Logger
	Audit          core.AuditLogger
}

// WorkerPool runs a fixed set of workers against one queue, in the
// manner of a consumer-group member: fetch, dispatch, ack or retry,
// and dead-letter on exhaustion.
type WorkerPool struct {
	queue    *Queue
	handler  Handler
	dlq      *tracker.DLQ
	config   WorkerConfig
	logger   core.Logger
	consumer string

	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewWorkerPool wires a pool to its queue, handler, and DLQ.
func NewWorkerPool(q *Queue, handler Handler, dlq *tracker.DLQ, config *WorkerConfig) (*WorkerPool, error) {
	if q == nil || handler == nil || dlq == nil {
		return nil, fmt.Errorf("queue, handler, and dlq are required: %w", core.ErrMissingConfiguration)
	}
	cfg := WorkerConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FetchBlock <= 0 {
		cfg.FetchBlock = 5 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.ReclaimMinIdle <= 0 {
		cfg.ReclaimMinIdle = time.Minute
	}

	return &WorkerPool{
		queue:    q,
		handler:  handler,
		dlq:      dlq,
		config:   cfg,
		logger:   core.ComponentLogger(cfg.Logger, "worker"),
		consumer: fmt.Sprintf("%s-%s", q.Name(), uuid.NewString()[:8]),
	}, nil
}

// Start launches the workers and the promotion sweep. Idempotent.
func (p *WorkerPool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
	p.wg.Add(1)
	go p.promoteLoop(ctx)

	if p.logger != nil {
		p.logger.Info("Worker pool started", map[string]interface{}{
			"queue":       p.queue.Name(),
			"concurrency": p.config.Concurrency,
			"consumer":    p.consumer,
		})
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.logger != nil {
		p.logger.Info("Worker pool stopped", map[string]interface{}{
			"queue":     p.queue.Name(),
			"processed": p.processed.Load(),
			"failed":    p.failed.Load(),
		})
	}
}

// Stats reports lifetime counters for this pool.
func (p *WorkerPool) Stats() (processed, failed int64) {
	return p.processed.Load(), p.failed.Load()
}

func (p *WorkerPool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Fetch(ctx, p.consumer, p.config.FetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.logger != nil {
				p.logger.Warn("Job fetch failed", map[string]interface{}{
					"queue": p.queue.Name(),
					"error": err.Error(),
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		if p.config.Limiter != nil {
			if err := p.config.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		p.process(ctx, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, job *Job) {
	start := time.Now()
	err := p.dispatch(ctx, job)

	if err == nil {
		p.processed.Add(1)
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil && p.logger != nil {
			p.logger.Warn("Job ack failed", map[string]interface{}{
				"queue":  p.queue.Name(),
				"job_id": job.ID,
				"error":  ackErr.Error(),
			})
		}
		p.auditJob(ctx, job, "COMPLETED", time.Since(start), "")
		return
	}

	p.failed.Add(1)
	perr := core.NewPipelineError(core.CategoryInternal, core.SeverityRecoverable, "", job.RequestID, err)

	if job.Attempt+1 < job.MaxAttempts {
		delay := p.queue.Backoff(job.Attempt + 1)
		if retryErr := p.queue.Retry(ctx, job, delay); retryErr != nil && p.logger != nil {
			p.logger.Error("Job retry scheduling failed", map[string]interface{}{
				"queue":  p.queue.Name(),
				"job_id": job.ID,
				"error":  retryErr.Error(),
			})
		}
		p.auditJob(ctx, job, "RETRIED", time.Since(start), perr.Message)
		if p.logger != nil {
			p.logger.WarnWithContext(ctx, "Job failed, retry scheduled", map[string]interface{}{
				"queue":    p.queue.Name(),
				"job_id":   job.ID,
				"attempt":  job.Attempt + 1,
				"delay_ms": delay.Milliseconds(),
			})
		}
		return
	}

	p.deadLetter(ctx, job, perr)
	p.auditJob(ctx, job, "DEAD_LETTERED", time.Since(start), perr.Message)
}

// dispatch runs the handler with panic containment; a panicking job
// must never take down the pool.
func (p *WorkerPool) dispatch(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
			if p.logger != nil {
				p.logger.Error("Job handler panicked", map[string]interface{}{
					"queue":  p.queue.Name(),
					"job_id": job.ID,
					"panic":  fmt.Sprintf("%v", r),
					"stack":  string(debug.Stack()),
				})
			}
		}
	}()
	return p.handler(ctx, job)
}

func (p *WorkerPool) deadLetter(ctx context.Context, job *Job, perr *core.PipelineError) {
	jobType := tracker.JobTypeGeneration
	if p.queue.Name() == QueuePDFImport {
		jobType = tracker.JobTypePDFImport
	}

	_, err := p.dlq.Add(ctx, &tracker.DLQItem{
		JobType:          jobType,
		JobID:            job.ID,
		PayloadEncrypted: job.Payload,
		ErrorMessage:     perr.Message,
		Attempts:         job.Attempt + 1,
		FirstFailedAt:    job.EnqueuedAt,
		LastFailedAt:     time.Now().UTC(),
	})
	if err != nil && p.logger != nil {
		p.logger.Error("Dead letter insert failed", map[string]interface{}{
			"queue":  p.queue.Name(),
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	if ackErr := p.queue.Ack(ctx, job); ackErr != nil && p.logger != nil {
		p.logger.Warn("Job ack failed", map[string]interface{}{
			"queue":  p.queue.Name(),
			"job_id": job.ID,
			"error":  ackErr.Error(),
		})
	}
}

func (p *WorkerPool) auditJob(ctx context.Context, job *Job, outcome string, elapsed time.Duration, errMsg string) {
	if p.config.Audit == nil {
		return
	}
	entry := map[string]interface{}{
		"queue":      p.queue.Name(),
		"jobId":      job.ID,
		"jobType":    job.Type,
		"attempt":    job.Attempt,
		"outcome":    outcome,
		"durationMs": elapsed.Milliseconds(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		entry["error"] = errMsg
	}
	if err := p.config.Audit.LogJob(ctx, entry); err != nil && p.logger != nil {
		p.logger.Warn("Job audit failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// promoteLoop moves due delayed retries back onto the stream and
// reclaims entries abandoned by dead consumers.
func (p *WorkerPool) promoteLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.PromoteInterval)
	defer ticker.Stop()
	reclaimTicker := time.NewTicker(p.config.ReclaimMinIdle)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil && p.logger != nil {
				p.logger.Warn("Delayed job promotion failed", map[string]interface{}{
					"queue": p.queue.Name(),
					"error": err.Error(),
				})
			}
		case <-reclaimTicker.C:
			jobs, err := p.queue.ReclaimStuck(ctx, p.consumer, p.config.ReclaimMinIdle)
			if err != nil {
				if ctx.Err() == nil && p.logger != nil {
					p.logger.Warn("Stuck job reclaim failed", map[string]interface{}{
						"queue": p.queue.Name(),
						"error": err.Error(),
					})
				}
				continue
			}
			for _, job := range jobs {
				if p.config.Limiter != nil {
					if err := p.config.Limiter.Wait(ctx); err != nil {
						return
					}
				}
				p.process(ctx, job)
			}
		}
	}
}
