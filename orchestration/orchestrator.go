// Package orchestration executes the care-plan pipeline DAG: per-stage
// timeouts, retries with exponential backoff, cache consultation, data
// minimization, audit emission, progress events, and the recovery
// actions that keep a degraded run producing useful output.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Prism-Clinical/careplan-pipeline/cache"
	"github.com/Prism-Clinical/careplan-pipeline/coordination"
	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/degradation"
	"github.com/Prism-Clinical/careplan-pipeline/idempotency"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
	"github.com/Prism-Clinical/careplan-pipeline/privacy"
	"github.com/Prism-Clinical/careplan-pipeline/progress"
	"github.com/Prism-Clinical/careplan-pipeline/recovery"
	"github.com/Prism-Clinical/careplan-pipeline/tracker"
)

// Dependencies are the collaborators the orchestrator closes over.
type Dependencies struct {
	ML          mlclient.Factory
	Cache       *cache.PipelineCache
	Idempotency *idempotency.Store
	Tracker     *tracker.Tracker
	Degradation *degradation.Manager
	Locks       *coordination.LockManager
	Progress    *progress.Bus
	Minimizer   *privacy.Minimizer
	Redis       *core.RedisClient
	Audit       core.AuditLogger
	Logger      core.Logger
}

// Span names carry only opaque ids, never PHI.
var tracer = otel.Tracer("careplan-pipeline/orchestration")

// Orchestrator runs the pipeline DAG for one request at a time per
// idempotency key.
type Orchestrator struct {
	deps   Dependencies
	config core.Config
	logger core.Logger
}

// New builds the orchestrator. ML factory, degradation manager,
// minimizer, audit, and Redis are required; cache, idempotency,
// tracker, locks, and progress degrade gracefully when absent.
func New(config core.Config, deps Dependencies) (*Orchestrator, error) {
	if deps.ML == nil || deps.Degradation == nil || deps.Minimizer == nil || deps.Audit == nil || deps.Redis == nil {
		return nil, fmt.Errorf("ml factory, degradation manager, minimizer, audit, and redis are required: %w", core.ErrMissingConfiguration)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		deps:   deps,
		config: config,
		logger: core.ComponentLogger(deps.Logger, "orchestrator"),
	}, nil
}

// Process runs the full pipeline for one input and returns the output
// or a sanitized PipelineError.
func (o *Orchestrator) Process(ctx context.Context, input *core.PipelineInput) (*core.PipelineOutput, error) {
	requestID := uuid.NewString()

	if err := core.ValidateInput(input); err != nil {
		return nil, recovery.Classify(
			core.NewPipelineError(core.CategoryValidationFailed, core.SeverityFatal, core.StageValidation, input.CorrelationID, err),
			core.StageValidation, input.CorrelationID)
	}

	o.auditPHIAccess(ctx, requestID, input)

	if !o.config.EnableIdempotency || o.deps.Idempotency == nil {
		return o.executeTracked(ctx, requestID, input)
	}

	return o.processWithIdempotency(ctx, requestID, input, o.config.LockWaitRetries)
}

// processWithIdempotency resolves the idempotency guard and either
// executes as the key's owner, replays the recorded outcome, or waits
// out a concurrent execution. waitBudget bounds the PENDING polls so a
// duplicate caller can pick up the winner's result instead of failing
// immediately.
func (o *Orchestrator) processWithIdempotency(ctx context.Context, requestID string, input *core.PipelineInput, waitBudget int) (*core.PipelineOutput, error) {
	check, err := o.deps.Idempotency.CheckOrCreate(ctx, input.IdempotencyKey, requestID, input)
	if err != nil {
		if errors.Is(err, core.ErrIdempotencyKeyReused) {
			return nil, core.NewPipelineError(core.CategoryValidationFailed, core.SeverityFatal, "", input.CorrelationID, err)
		}
		return nil, recovery.Classify(err, "", input.CorrelationID)
	}

	switch check.Outcome {
	case idempotency.OutcomeCompleted:
		var output core.PipelineOutput
		if err := json.Unmarshal(check.Response, &output); err != nil {
			return nil, recovery.Classify(fmt.Errorf("cached response decode: %w", err), "", input.CorrelationID)
		}
		if o.logger != nil {
			o.logger.InfoWithContext(ctx, "Idempotent replay served from cache", map[string]interface{}{
				"correlation_id": input.CorrelationID,
			})
		}
		return &output, nil

	case idempotency.OutcomeFailed:
		var stored struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		_ = json.Unmarshal(check.Response, &stored)
		perr := core.NewPipelineError(core.CategoryInternal, core.SeverityFatal, "", input.CorrelationID,
			fmt.Errorf("previous execution failed: %s", stored.Message))
		return nil, perr

	case idempotency.OutcomePending:
		if waitBudget <= 0 {
			return nil, o.inProgressError(input.CorrelationID)
		}
		select {
		case <-ctx.Done():
			return nil, recovery.Classify(ctx.Err(), "", input.CorrelationID)
		case <-time.After(o.config.LockWaitInterval):
		}
		return o.processWithIdempotency(ctx, requestID, input, waitBudget-1)
	}

	return o.runOwned(ctx, requestID, input)
}

// runOwned executes the pipeline as the idempotency key's owner. The
// terminal mark is written inside the processing lock so the next
// caller to acquire it observes a settled record.
func (o *Orchestrator) runOwned(ctx context.Context, requestID string, input *core.PipelineInput) (*core.PipelineOutput, error) {
	var output *core.PipelineOutput
	runErr := o.withProcessingLock(ctx, input.IdempotencyKey, func(ctx context.Context) error {
		out, err := o.executeTracked(ctx, requestID, input)
		if err != nil {
			perr := recovery.Classify(err, "", input.CorrelationID)
			if failErr := o.deps.Idempotency.Fail(ctx, input.IdempotencyKey, requestID, perr); failErr != nil && o.logger != nil {
				o.logger.ErrorWithContext(ctx, "Idempotency fail-mark failed", map[string]interface{}{
					"correlation_id": input.CorrelationID,
					"error":          failErr.Error(),
				})
			}
			return perr
		}
		if err := o.deps.Idempotency.Complete(ctx, input.IdempotencyKey, requestID, out); err != nil && o.logger != nil {
			o.logger.ErrorWithContext(ctx, "Idempotency complete-mark failed", map[string]interface{}{
				"correlation_id": input.CorrelationID,
				"error":          err.Error(),
			})
		}
		output = out
		return nil
	})
	if runErr == nil {
		return output, nil
	}

	if errors.Is(runErr, core.ErrLockNotAcquired) {
		// Another holder outlasted the wait. The record's status is not
		// ours to touch; give the claim back so a later caller can
		// reclaim the key, and surface the conflict.
		if relErr := o.deps.Idempotency.Release(ctx, input.IdempotencyKey, requestID); relErr != nil && o.logger != nil {
			o.logger.WarnWithContext(ctx, "Idempotency claim release failed", map[string]interface{}{
				"correlation_id": input.CorrelationID,
				"error":          relErr.Error(),
			})
		}
		return nil, o.inProgressError(input.CorrelationID)
	}
	return nil, recovery.Classify(runErr, "", input.CorrelationID)
}

// inProgressError is the concurrency-conflict failure: PIPELINE_ERROR,
// never a validation error.
func (o *Orchestrator) inProgressError(correlationID string) *core.PipelineError {
	return core.NewPipelineError(core.CategoryInternal, core.SeverityRecoverable, "", correlationID,
		core.ErrRequestInProgress)
}

func (o *Orchestrator) withProcessingLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if o.deps.Locks == nil {
		return fn(ctx)
	}
	return o.deps.Locks.WithLock(ctx, "processing:"+key, o.config.LockDefaultTTL,
		o.config.LockWaitInterval, o.config.LockWaitRetries, fn)
}

// executeTracked wraps the DAG run with request-tracker bookkeeping and
// terminal progress events.
func (o *Orchestrator) executeTracked(ctx context.Context, requestID string, input *core.PipelineInput) (*core.PipelineOutput, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.request_id", requestID),
		attribute.String("pipeline.correlation_id", input.CorrelationID),
	))
	defer span.End()

	if o.deps.Tracker != nil {
		if err := o.deps.Tracker.Create(ctx, requestID, input); err != nil {
			return nil, recovery.Classify(err, "", input.CorrelationID)
		}
		if err := o.deps.Tracker.UpdateStatus(ctx, requestID, core.RequestInProgress, nil); err != nil && o.logger != nil {
			o.logger.WarnWithContext(ctx, "Request status update failed", map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}

	output, err := o.runDAG(ctx, requestID, input)
	if err != nil {
		perr := recovery.Classify(err, "", input.CorrelationID)
		span.RecordError(perr)
		span.SetStatus(codes.Error, string(perr.Category))
		if o.deps.Tracker != nil {
			if failErr := o.deps.Tracker.Fail(ctx, requestID, perr); failErr != nil && o.logger != nil {
				o.logger.ErrorWithContext(ctx, "Request fail-mark failed", map[string]interface{}{
					"request_id": requestID,
					"error":      failErr.Error(),
				})
			}
		}
		if o.deps.Progress != nil {
			o.deps.Progress.PublishError(ctx, requestID, perr)
		}
		return nil, perr
	}

	if o.deps.Tracker != nil {
		if err := o.deps.Tracker.Complete(ctx, requestID, output); err != nil && o.logger != nil {
			o.logger.ErrorWithContext(ctx, "Request complete-mark failed", map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}
	if o.deps.Progress != nil {
		o.deps.Progress.PublishComplete(ctx, requestID, output)
	}
	return output, nil
}

// runDAG executes the six stages in order and assembles the output.
func (o *Orchestrator) runDAG(ctx context.Context, requestID string, input *core.PipelineInput) (*core.PipelineOutput, error) {
	state := newRunState(requestID, input)

	// VALIDATION already passed in Process; record it so the stage list
	// is complete.
	state.record(core.StageValidation, core.StageCompleted, state.startedAt, false, nil)
	o.emitProgress(ctx, state, core.StageValidation, core.StageCompleted, "")

	runStage := func(ctx context.Context, name string, fn func(context.Context, *runState) error) error {
		if err := o.checkCancelled(ctx, requestID); err != nil {
			return core.NewPipelineError(core.CategoryInternal, core.SeverityFatal, name, input.CorrelationID, err)
		}
		stageCtx, span := tracer.Start(ctx, "pipeline.stage",
			trace.WithAttributes(attribute.String("pipeline.stage", name)))
		err := fn(stageCtx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, name)
		}
		span.End()
		return err
	}

	if err := runStage(ctx, core.StageEntityExtraction, o.stageExtraction); err != nil {
		return nil, err
	}

	// EMBEDDING_GENERATION and the recommendation cache lookup are
	// independent of each other; run them concurrently. The recommender
	// call itself waits for both, since it needs the condition-only
	// flag the embedding stage may set.
	var prep recommendationPrep
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runStage(gctx, core.StageEmbeddingGeneration, o.stageEmbedding)
	})
	g.Go(func() error {
		prep = o.prepareRecommendation(gctx, state)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := runStage(ctx, core.StageTemplateRecommendation, func(ctx context.Context, s *runState) error {
		return o.stageRecommendation(ctx, s, prep)
	}); err != nil {
		return nil, err
	}
	if err := runStage(ctx, core.StageDraftGeneration, o.stageDraft); err != nil {
		return nil, err
	}
	if err := runStage(ctx, core.StageSafetyValidation, o.stageSafety); err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC()
	core.SortRedFlags(state.redFlags)
	if state.redFlags == nil {
		state.redFlags = []core.RedFlag{}
	}
	if state.recs == nil {
		state.recs = []core.Recommendation{}
	}

	output := &core.PipelineOutput{
		RequestID:         requestID,
		ExtractedEntities: state.entities,
		Recommendations:   state.recs,
		DraftCarePlan:     state.draft,
		RedFlags:          state.redFlags,
		ProcessingMetadata: core.ProcessingMetadata{
			StartedAt:     state.startedAt,
			CompletedAt:   completedAt,
			DurationMs:    completedAt.Sub(state.startedAt).Milliseconds(),
			StageResults:  state.stageResults,
			CorrelationID: input.CorrelationID,
		},
		DegradedServices:     state.degradedList(),
		RequiresManualReview: o.requiresManualReview(state),
	}
	return output, nil
}

// requiresManualReview applies the review rule: any CRITICAL red flag,
// a degraded audio-intelligence service, a low-confidence draft, or
// two or more HIGH red flags.
func (o *Orchestrator) requiresManualReview(state *runState) bool {
	highCount := 0
	for _, flag := range state.redFlags {
		switch flag.Severity {
		case core.SeverityCritical:
			return true
		case core.SeverityHigh:
			highCount++
		}
	}
	if highCount >= 2 {
		return true
	}
	if state.degraded[core.ServiceAudioIntelligence] {
		return true
	}
	if state.draft != nil && state.draft.Confidence < 0.5 {
		return true
	}
	return false
}

// Cancel marks a request cancelled. The orchestrator checks the marker
// between stages; an in-flight stage finishes first.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) error {
	key := o.deps.Redis.Key("cancel", requestID)
	if err := o.deps.Redis.Set(ctx, key, "1", time.Hour); err != nil {
		return fmt.Errorf("cancel mark: %w", err)
	}
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Request cancellation requested", map[string]interface{}{
			"request_id": requestID,
		})
	}
	return nil
}

func (o *Orchestrator) checkCancelled(ctx context.Context, requestID string) error {
	key := o.deps.Redis.Key("cancel", requestID)
	if _, err := o.deps.Redis.Get(ctx, key); err == nil {
		return fmt.Errorf("request %s: %w", requestID, core.ErrRequestCancelled)
	}
	return nil
}

func (o *Orchestrator) emitProgress(ctx context.Context, state *runState, stage string, status core.StageStatus, message string) {
	if o.deps.Progress == nil {
		return
	}
	o.deps.Progress.PublishStage(ctx, state.requestID, stage, status, message)
}

func (o *Orchestrator) auditPHIAccess(ctx context.Context, requestID string, input *core.PipelineInput) {
	full := map[string]interface{}{
		"patientId":      input.PatientID,
		"visitId":        input.VisitID,
		"transcriptText": input.TranscriptText,
		"audioUrl":       input.AudioURL,
	}
	entry := map[string]interface{}{
		"action":        "PROCESS",
		"requestId":     requestID,
		"userId":        input.UserID,
		"userRole":      input.UserRole,
		"phiFields":     privacy.PHIFieldsPresent(full),
		"correlationId": input.CorrelationID,
		"timestamp":     time.Now().UTC(),
	}
	if err := o.deps.Audit.LogPHIAccess(ctx, entry); err != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "PHI access audit failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
	}
}
