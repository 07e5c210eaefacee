// Package careplan assembles the care-plan pipeline: a builder wires
// the orchestrator, caches, idempotency store, request tracker, job
// queues, and progress bus from one configuration record, and the
// returned handle exposes synchronous processing, queued processing,
// PDF import, progress subscription, cancellation, and health.
package careplan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Prism-Clinical/careplan-pipeline/cache"
	"github.com/Prism-Clinical/careplan-pipeline/coordination"
	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
	"github.com/Prism-Clinical/careplan-pipeline/degradation"
	"github.com/Prism-Clinical/careplan-pipeline/idempotency"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
	"github.com/Prism-Clinical/careplan-pipeline/orchestration"
	"github.com/Prism-Clinical/careplan-pipeline/privacy"
	"github.com/Prism-Clinical/careplan-pipeline/progress"
	"github.com/Prism-Clinical/careplan-pipeline/queue"
	"github.com/Prism-Clinical/careplan-pipeline/tracker"
)

// Deps are the externally supplied collaborators. ML and Audit are
// required. Redis and DB are optional; when nil they are built from
// the configuration.
type Deps struct {
	ML     mlclient.Factory
	Audit  core.AuditLogger
	Logger core.Logger
	Redis  *core.RedisClient
	DB     *sqlx.DB
}

// Pipeline is the assembled system handle.
type Pipeline struct {
	config core.Config
	logger core.Logger

	redis       *core.RedisClient
	db          *sqlx.DB
	ownsDB      bool
	enc         *crypto.Encryptor
	minimizer   *privacy.Minimizer
	cache       *cache.PipelineCache
	idem        *idempotency.Store
	tracker     *tracker.Tracker
	dlq         *tracker.DLQ
	degradation *degradation.Manager
	locks       *coordination.LockManager
	progressBus *progress.Bus
	orch        *orchestration.Orchestrator
	ml          mlclient.Factory

	genQueue *queue.Queue
	pdfQueue *queue.Queue
	genPool  *queue.WorkerPool
	pdfPool  *queue.WorkerPool

	cancelBg context.CancelFunc
	started  bool
	mu       sync.Mutex
}

// PDFImportJob is the payload of a pdf-import queue job.
type PDFImportJob struct {
	RequestID string `json:"requestId"`
	FileKey   string `json:"fileKey"`
	MimeType  string `json:"mimeType"`
	UserID    string `json:"userId"`
}

// New builds the pipeline from the configuration. Migrations run
// against the database before any component touches it.
func New(ctx context.Context, config core.Config, deps Deps) (*Pipeline, error) {
	if deps.ML == nil || deps.Audit == nil {
		return nil, fmt.Errorf("ml factory and audit logger are required: %w", core.ErrMissingConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger

	redisClient := deps.Redis
	if redisClient == nil {
		var err error
		redisClient, err = core.NewRedisClient(core.RedisClientOptions{
			RedisURL: config.RedisURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	db := deps.DB
	ownsDB := false
	if db == nil {
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required: %w", core.ErrMissingConfiguration)
		}
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		ownsDB = true
	}
	if err := tracker.Migrate(ctx, db); err != nil {
		return nil, err
	}

	enc, err := crypto.NewEncryptor(config.EncryptionKey)
	if err != nil {
		return nil, err
	}

	pipelineCache, err := cache.New(redisClient, enc, deps.Audit, &cache.Config{
		ExtractionTTL:     config.CachePHIMaxTTL,
		RecommendationTTL: config.CacheDefaultTTL,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	idemStore, err := idempotency.New(db, &idempotency.Config{
		Expiration: config.IdempotencyExpiration,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	reqTracker, err := tracker.New(db, enc, logger)
	if err != nil {
		return nil, err
	}
	dlq, err := tracker.NewDLQ(db, logger)
	if err != nil {
		return nil, err
	}

	degMgr, err := degradation.NewManager(ctx, redisClient, &degradation.Config{
		RefreshInterval: config.FlagRefresh,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	locks, err := coordination.NewLockManager(redisClient, config.LockDefaultTTL, logger)
	if err != nil {
		return nil, err
	}

	bus, err := progress.NewBus(redisClient, config.SubscribeTimeout, logger)
	if err != nil {
		return nil, err
	}

	minimizer := privacy.NewMinimizer()

	orch, err := orchestration.New(config, orchestration.Dependencies{
		ML:          deps.ML,
		Cache:       pipelineCache,
		Idempotency: idemStore,
		Tracker:     reqTracker,
		Degradation: degMgr,
		Locks:       locks,
		Progress:    bus,
		Minimizer:   minimizer,
		Redis:       redisClient,
		Audit:       deps.Audit,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	genQueue, err := queue.New(ctx, redisClient, enc, queue.QueueGeneration, &queue.Options{
		MaxAttempts: config.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	pdfQueue, err := queue.New(ctx, redisClient, enc, queue.QueuePDFImport, &queue.Options{
		MaxAttempts: config.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:      config,
		logger:      core.ComponentLogger(logger, "pipeline"),
		redis:       redisClient,
		db:          db,
		ownsDB:      ownsDB,
		enc:         enc,
		minimizer:   minimizer,
		cache:       pipelineCache,
		idem:        idemStore,
		tracker:     reqTracker,
		dlq:         dlq,
		degradation: degMgr,
		locks:       locks,
		progressBus: bus,
		orch:        orch,
		ml:          deps.ML,
		genQueue:    genQueue,
		pdfQueue:    pdfQueue,
	}

	p.genPool, err = queue.NewWorkerPool(genQueue, p.handleGenerationJob, dlq, &queue.WorkerConfig{
		Concurrency: config.WorkerGenerationConcurrency,
		Limiter:     queue.NewClusterLimiter(redisClient, queue.QueueGeneration, config.RateLimitPerSec),
		Logger:      logger,
		Audit:       deps.Audit,
	})
	if err != nil {
		return nil, err
	}
	p.pdfPool, err = queue.NewWorkerPool(pdfQueue, p.handlePDFJob, dlq, &queue.WorkerConfig{
		Concurrency: config.WorkerPDFConcurrency,
		Logger:      logger,
		Audit:       deps.Audit,
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Start launches the worker pools and background maintenance loops.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelBg = cancel

	p.genPool.Start(bgCtx)
	p.pdfPool.Start(bgCtx)

	go p.degradation.RunRefresher(bgCtx)
	go p.idem.RunSweeper(bgCtx, time.Hour)
	go p.staleRequestLoop(bgCtx)

	if p.logger != nil {
		p.logger.Info("Pipeline started", map[string]interface{}{
			"generation_concurrency": p.config.WorkerGenerationConcurrency,
			"pdf_concurrency":        p.config.WorkerPDFConcurrency,
		})
	}
}

// Shutdown stops the workers and background loops, then closes the
// connections this pipeline owns.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false

	p.genPool.Stop()
	p.pdfPool.Stop()
	if p.cancelBg != nil {
		p.cancelBg()
	}
	if p.ownsDB {
		_ = p.db.Close()
	}
	if p.logger != nil {
		p.logger.Info("Pipeline stopped", nil)
	}
}

// Process runs the pipeline synchronously for one input.
func (p *Pipeline) Process(ctx context.Context, input *core.PipelineInput) (*core.PipelineOutput, error) {
	return p.orch.Process(ctx, input)
}

// Enqueue submits the input for asynchronous processing. The job id is
// the idempotency key, so re-enqueueing the same request is a no-op.
func (p *Pipeline) Enqueue(ctx context.Context, input *core.PipelineInput) (jobID string, err error) {
	if err := core.ValidateInput(input); err != nil {
		return "", core.NewPipelineError(core.CategoryValidationFailed, core.SeverityFatal, core.StageValidation, input.CorrelationID, err)
	}
	jobID, _, err = p.genQueue.Enqueue(ctx, queue.QueueGeneration, input.IdempotencyKey, input)
	return jobID, err
}

// ImportPDF submits a PDF-import job. A tracker record is created so
// clients can poll the import like any pipeline request; when the job
// cannot be enqueued the record is rolled back to FAILED so no import
// sits PENDING forever.
func (p *Pipeline) ImportPDF(ctx context.Context, job PDFImportJob) (string, error) {
	if job.RequestID == "" || job.FileKey == "" {
		return "", fmt.Errorf("request id and file key are required: %w", core.ErrInvalidConfiguration)
	}

	saga := coordination.NewSaga(p.logger).
		AddStep(coordination.SagaStep{
			Name: "createRequest",
			Execute: func(ctx context.Context) (interface{}, error) {
				return nil, p.tracker.Create(ctx, job.RequestID, &core.PipelineInput{
					UserID:         job.UserID,
					IdempotencyKey: job.RequestID,
				})
			},
			Compensate: func(ctx context.Context, _ interface{}) error {
				perr := core.NewPipelineError(core.CategoryInternal, core.SeverityFatal, "", "",
					fmt.Errorf("pdf import job was not enqueued")).WithCode(core.CodeImportError)
				return p.tracker.Fail(ctx, job.RequestID, perr)
			},
		}).
		AddStep(coordination.SagaStep{
			Name: "enqueueJob",
			Execute: func(ctx context.Context) (interface{}, error) {
				jobID, _, err := p.pdfQueue.Enqueue(ctx, queue.QueuePDFImport, job.RequestID, job)
				return jobID, err
			},
		})

	result, err := saga.Run(ctx)
	if err != nil {
		return "", err
	}
	jobID, _ := result.Results["enqueueJob"].(string)
	return jobID, nil
}

// Subscribe opens a progress stream for one request.
func (p *Pipeline) Subscribe(ctx context.Context, requestID string) (<-chan core.ProgressEvent, func(), error) {
	return p.progressBus.Subscribe(ctx, requestID)
}

// Cancel requests cancellation of an in-flight pipeline run.
func (p *Pipeline) Cancel(ctx context.Context, requestID string) error {
	return p.orch.Cancel(ctx, requestID)
}

// Tracker exposes the request tracker for status polling.
func (p *Pipeline) Tracker() *tracker.Tracker { return p.tracker }

// DLQ exposes the dead letter queue for operator tooling.
func (p *Pipeline) DLQ() *tracker.DLQ { return p.dlq }

// CacheStats returns the cache counter snapshot.
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// RetryDLQItem re-enqueues an unresolved dead-lettered job and marks
// it RETRIED.
func (p *Pipeline) RetryDLQItem(ctx context.Context, id string) error {
	item, err := p.dlq.GetForRetry(ctx, id)
	if err != nil {
		return err
	}

	q := p.genQueue
	jobType := queue.QueueGeneration
	if item.JobType == tracker.JobTypePDFImport {
		q = p.pdfQueue
		jobType = queue.QueuePDFImport
	}

	plaintext, err := p.enc.Decrypt(item.PayloadEncrypted)
	if err != nil {
		return fmt.Errorf("dlq payload decrypt: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("dlq payload decode: %w", err)
	}

	if _, _, err := q.Enqueue(ctx, jobType, item.JobID+":retry", payload); err != nil {
		return err
	}
	return p.dlq.Resolve(ctx, id, tracker.ResolutionRetried)
}

// Health aggregates component health for operators.
func (p *Pipeline) Health(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{
		"degradation": p.degradation.Summary(),
		"cache":       p.cache.Stats(),
	}

	if err := p.redis.HealthCheck(ctx); err != nil {
		health["redis"] = err.Error()
	} else {
		health["redis"] = "healthy"
	}
	if err := p.db.PingContext(ctx); err != nil {
		health["postgres"] = err.Error()
	} else {
		health["postgres"] = "healthy"
	}

	if report, err := p.ml.CheckAllServices(ctx); err == nil {
		health["mlServices"] = report
		p.degradation.MergeHealthReport(report)
	}

	if depth, err := p.dlq.Depth(ctx); err == nil {
		health["dlqDepth"] = depth
	}
	if genDepth, err := p.genQueue.Depth(ctx); err == nil {
		health["generationQueueDepth"] = genDepth
	}
	if pdfDepth, err := p.pdfQueue.Depth(ctx); err == nil {
		health["pdfQueueDepth"] = pdfDepth
	}
	return health
}

// handleGenerationJob decrypts a queued input and runs the
// orchestrator. The idempotency layer inside Process absorbs
// at-least-once redelivery.
func (p *Pipeline) handleGenerationJob(ctx context.Context, job *queue.Job) error {
	var input core.PipelineInput
	if err := p.genQueue.DecryptPayload(job, &input); err != nil {
		return err
	}
	_, err := p.orch.Process(ctx, &input)
	return err
}

// handlePDFJob parses an uploaded care-plan PDF. On the final failed
// attempt the tracker record transitions to FAILED with IMPORT_ERROR
// before the pool dead-letters the job.
func (p *Pipeline) handlePDFJob(ctx context.Context, job *queue.Job) error {
	var pdfJob PDFImportJob
	if err := p.pdfQueue.DecryptPayload(job, &pdfJob); err != nil {
		return err
	}

	if err := p.tracker.UpdateStatus(ctx, pdfJob.RequestID, core.RequestInProgress, nil); err != nil && p.logger != nil {
		p.logger.WarnWithContext(ctx, "PDF request status update failed", map[string]interface{}{
			"request_id": pdfJob.RequestID,
			"error":      err.Error(),
		})
	}

	resp, err := p.ml.PDFParser().Parse(ctx, pdfJob.FileKey)
	if err != nil {
		if job.Attempt+1 >= job.MaxAttempts {
			perr := core.NewPipelineError(core.CategoryInternal, core.SeverityFatal, "", "", err).
				WithCode(core.CodeImportError)
			if failErr := p.tracker.Fail(ctx, pdfJob.RequestID, perr); failErr != nil && p.logger != nil {
				p.logger.ErrorWithContext(ctx, "PDF request fail-mark failed", map[string]interface{}{
					"request_id": pdfJob.RequestID,
					"error":      failErr.Error(),
				})
			}
		}
		return err
	}

	output := &core.PipelineOutput{
		RequestID:       pdfJob.RequestID,
		Recommendations: []core.Recommendation{},
		DraftCarePlan:   resp.CarePlan,
		RedFlags:        []core.RedFlag{},
		ProcessingMetadata: core.ProcessingMetadata{
			StartedAt:   job.EnqueuedAt,
			CompletedAt: time.Now().UTC(),
		},
		DegradedServices:     []string{},
		RequiresManualReview: !resp.Validation.Valid || resp.Confidence < 0.5,
	}
	return p.tracker.Complete(ctx, pdfJob.RequestID, output)
}

// staleRequestLoop expires abandoned requests hourly.
func (p *Pipeline) staleRequestLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.tracker.ExpireStaleRequests(ctx, 24*time.Hour); err != nil && p.logger != nil {
				p.logger.ErrorWithContext(ctx, "Stale request sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
