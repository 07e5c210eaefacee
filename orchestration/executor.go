package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
	"github.com/Prism-Clinical/careplan-pipeline/recovery"
)

// callService runs one ML call under the per-stage timeout and the
// service's circuit breaker, retrying transient failures with
// exponential backoff. Returns (nil, "") on success; otherwise the
// classified error and the recovery action after retries.
func (o *Orchestrator) callService(ctx context.Context, state *runState, stage, service string, body stageBody) (*core.PipelineError, recovery.Action) {
	attempt := 0
	for {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
		err := o.deps.Degradation.Execute(service, func() error {
			return body(attemptCtx)
		})
		cancel()

		o.auditMLCall(ctx, state, stage, service, attempt, time.Since(start), err)

		if err == nil {
			return nil, ""
		}

		perr := recovery.Classify(err, stage, state.input.CorrelationID)
		perr.RetryCount = attempt

		action := recovery.Determine(perr, attempt, o.config.MaxRetries)
		if action != recovery.ActionRetry {
			return perr, action
		}

		delay := recovery.Backoff(recovery.DefaultBackoffBase, recovery.DefaultBackoffCap, attempt)
		if o.logger != nil {
			o.logger.WarnWithContext(ctx, "Stage attempt failed, retrying", map[string]interface{}{
				"stage":          stage,
				"service":        service,
				"attempt":        attempt + 1,
				"delay_ms":       delay.Milliseconds(),
				"correlation_id": state.input.CorrelationID,
			})
		}
		select {
		case <-ctx.Done():
			perr := recovery.Classify(ctx.Err(), stage, state.input.CorrelationID)
			return perr, recovery.ActionAbort
		case <-time.After(delay):
		}
		attempt++
	}
}

func (o *Orchestrator) auditMLCall(ctx context.Context, state *runState, stage, service string, attempt int, elapsed time.Duration, err error) {
	entry := map[string]interface{}{
		"service":       service,
		"stage":         stage,
		"attempt":       attempt,
		"success":       err == nil,
		"durationMs":    elapsed.Milliseconds(),
		"correlationId": state.input.CorrelationID,
		"timestamp":     time.Now().UTC(),
	}
	if auditErr := o.deps.Audit.LogMLServiceCall(ctx, entry); auditErr != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "ML call audit failed", map[string]interface{}{
			"service": service,
			"error":   auditErr.Error(),
		})
	}
}

// shareData projects the context for a service through the minimizer
// and emits the data-sharing audit entry. A projection failure is a
// PHI leak and always aborts.
func (o *Orchestrator) shareData(ctx context.Context, state *runState, service string) (map[string]interface{}, error) {
	payload, err := o.deps.Minimizer.Project(service, state.fullContext())
	if err != nil {
		return nil, core.NewPipelineError(core.CategoryInternal, core.SeverityFatal, "", state.input.CorrelationID, err)
	}
	entry := o.deps.Minimizer.AuditEntry(service, payload, state.input.CorrelationID)
	if auditErr := o.deps.Audit.LogDataSharing(ctx, entry); auditErr != nil && o.logger != nil {
		o.logger.WarnWithContext(ctx, "Data sharing audit failed", map[string]interface{}{
			"service": service,
			"error":   auditErr.Error(),
		})
	}
	return payload, nil
}

func (o *Orchestrator) cachingEnabled() bool {
	return o.config.EnableCaching && o.deps.Cache != nil && o.deps.Degradation.CachingEnabled()
}

// stageExtraction runs ENTITY_EXTRACTION: skipped without a transcript,
// cached by transcript hash with concurrent misses coalesced into a
// single audio-intelligence call, degraded to empty entities plus a
// manual-review flag when the service is unreachable.
func (o *Orchestrator) stageExtraction(ctx context.Context, state *runState) error {
	const stage = core.StageEntityExtraction
	const service = core.ServiceAudioIntelligence
	start := time.Now()

	if state.input.TranscriptText == "" || !o.deps.Degradation.ShouldExecuteStage(stage) {
		state.record(stage, core.StageSkipped, start, false, nil)
		o.emitProgress(ctx, state, stage, core.StageSkipped, "")
		return nil
	}

	o.emitProgress(ctx, state, stage, core.StageInProgress, "")

	if o.deps.Degradation.ShouldUseFallback(service) {
		// A cached extraction still beats the empty fallback.
		if o.cachingEnabled() {
			entities, hit, err := o.deps.Cache.GetExtraction(ctx, state.input.TranscriptText, state.input.CorrelationID)
			if err == nil && hit {
				state.entities = entities
				state.record(stage, core.StageCompleted, start, true, nil)
				o.emitProgress(ctx, state, stage, core.StageCompleted, "cache hit")
				return nil
			}
		}
		o.degradeExtraction(state)
		state.record(stage, core.StageFailed, start, false, fmt.Errorf("service %s unavailable", service))
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	// perr and action are set when this goroutine ran the loader; a
	// caller coalesced onto another flight classifies the shared error
	// itself.
	var (
		resp   *mlclient.ExtractResponse
		perr   *core.PipelineError
		action recovery.Action
	)
	load := func(ctx context.Context) (*core.ExtractedEntities, error) {
		payload, err := o.shareData(ctx, state, service)
		if err != nil {
			return nil, err
		}
		transcript, _ := payload["transcriptText"].(string)

		perr, action = o.callService(ctx, state, stage, service, func(ctx context.Context) error {
			var callErr error
			resp, callErr = o.deps.ML.AudioIntelligence().Extract(ctx, mlclient.ExtractRequest{TranscriptText: transcript})
			return callErr
		})
		if perr != nil {
			return nil, perr
		}
		return &core.ExtractedEntities{
			Symptoms:    orEmpty(resp.Symptoms),
			Medications: orEmpty(resp.Medications),
			Vitals:      orEmpty(resp.Vitals),
			Procedures:  []core.Entity{},
			Diagnoses:   []core.Entity{},
			Allergies:   []core.Entity{},
		}, nil
	}

	var (
		entities *core.ExtractedEntities
		hit      bool
		err      error
	)
	if o.cachingEnabled() {
		entities, hit, err = o.deps.Cache.GetOrLoadExtraction(ctx, state.input.TranscriptText, state.input.CorrelationID, load)
	} else {
		entities, err = load(ctx)
	}

	if err != nil {
		p, a := perr, action
		if p == nil {
			p = recovery.Classify(err, stage, state.input.CorrelationID)
			a = recovery.Determine(p, o.config.MaxRetries, o.config.MaxRetries)
		}
		if a == recovery.ActionAbort {
			state.record(stage, core.StageFailed, start, false, p)
			o.emitProgress(ctx, state, stage, core.StageFailed, "")
			return p
		}
		o.degradeExtraction(state)
		state.record(stage, core.StageFailed, start, false, p)
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	state.entities = entities
	if resp != nil {
		state.redFlags = append(state.redFlags, resp.RedFlags...)
	}

	message := ""
	if hit {
		message = "cache hit"
	}
	state.record(stage, core.StageCompleted, start, hit, nil)
	o.emitProgress(ctx, state, stage, core.StageCompleted, message)
	return nil
}

func (o *Orchestrator) degradeExtraction(state *runState) {
	entities, flag := recovery.FallbackExtraction()
	state.entities = entities
	state.redFlags = append(state.redFlags, flag)
	state.markDegraded(core.ServiceAudioIntelligence)
}

func orEmpty(entities []core.Entity) []core.Entity {
	if entities == nil {
		return []core.Entity{}
	}
	return entities
}

// stageEmbedding runs EMBEDDING_GENERATION. The stage is NICE_TO_HAVE:
// any failure or skip flips the recommender to condition-only matching
// and the run continues.
func (o *Orchestrator) stageEmbedding(ctx context.Context, state *runState) error {
	const stage = core.StageEmbeddingGeneration
	const service = core.ServiceRAGEmbeddings
	start := time.Now()

	if !o.deps.Degradation.ShouldExecuteStage(stage) || o.deps.Degradation.ShouldUseFallback(service) {
		state.conditionOnly = true
		state.record(stage, core.StageSkipped, start, false, nil)
		o.emitProgress(ctx, state, stage, core.StageSkipped, "")
		return nil
	}

	o.emitProgress(ctx, state, stage, core.StageInProgress, "")

	payload, err := o.shareData(ctx, state, service)
	if err != nil {
		return err
	}
	req := mlclient.EmbedRequest{ConditionCodes: state.input.ConditionCodes}
	if symptoms, ok := payload["symptoms"].([]string); ok {
		req.Symptoms = symptoms
	}

	var vector []float64
	perr, action := o.callService(ctx, state, stage, service, func(ctx context.Context) error {
		var callErr error
		vector, callErr = o.deps.ML.RAGEmbeddings().EmbedPatientContext(ctx, req)
		return callErr
	})

	if perr != nil {
		if action == recovery.ActionAbort {
			state.record(stage, core.StageFailed, start, false, perr)
			o.emitProgress(ctx, state, stage, core.StageFailed, "")
			return perr
		}
		state.conditionOnly = true
		state.markDegraded(service)
		state.record(stage, core.StageFailed, start, false, perr)
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	state.embedding = vector
	state.record(stage, core.StageCompleted, start, false, nil)
	o.emitProgress(ctx, state, stage, core.StageCompleted, "")
	return nil
}

// recommendationPrep is the cache-lookup half of TEMPLATE_RECOMMENDATION,
// safe to run concurrently with the embedding stage: it reads only the
// immutable input and the recommendation cache.
type recommendationPrep struct {
	execute bool
	cached  []core.Recommendation
	hit     bool
	refresh bool
}

func (o *Orchestrator) prepareRecommendation(ctx context.Context, state *runState) recommendationPrep {
	prep := recommendationPrep{
		execute: o.deps.Degradation.ShouldExecuteStage(core.StageTemplateRecommendation),
	}
	if !prep.execute || !o.cachingEnabled() {
		return prep
	}
	recs, hit, refresh, err := o.deps.Cache.GetRecommendations(ctx, state.input.ConditionCodes, nil, nil, state.input.CorrelationID)
	if err != nil {
		if o.logger != nil {
			o.logger.WarnWithContext(ctx, "Recommendation cache read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return prep
	}
	prep.cached, prep.hit, prep.refresh = recs, hit, refresh
	return prep
}

// stageRecommendation runs TEMPLATE_RECOMMENDATION from a prepared
// cache lookup: context endpoint unless condition-only mode, rule-based
// fallback templates when the recommender is down.
func (o *Orchestrator) stageRecommendation(ctx context.Context, state *runState, prep recommendationPrep) error {
	const stage = core.StageTemplateRecommendation
	const service = core.ServiceCareplanRecommender
	start := time.Now()

	if !prep.execute {
		o.fallbackRecommendations(state)
		state.record(stage, core.StageSkipped, start, false, nil)
		o.emitProgress(ctx, state, stage, core.StageSkipped, "")
		return nil
	}

	o.emitProgress(ctx, state, stage, core.StageInProgress, "")

	if prep.hit && !prep.refresh {
		state.recs = prep.cached
		state.record(stage, core.StageCompleted, start, true, nil)
		o.emitProgress(ctx, state, stage, core.StageCompleted, "cache hit")
		return nil
	}
	// On an early refresh the cached value stays around as the fallback
	// of last resort.
	var cached []core.Recommendation
	if prep.hit {
		cached = prep.cached
	}

	if o.deps.Degradation.ShouldUseFallback(service) {
		if cached != nil {
			state.recs = cached
			state.record(stage, core.StageCompleted, start, true, nil)
			o.emitProgress(ctx, state, stage, core.StageCompleted, "cache hit")
			return nil
		}
		o.fallbackRecommendations(state)
		state.record(stage, core.StageFailed, start, false, fmt.Errorf("service %s unavailable", service))
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	if _, err := o.shareData(ctx, state, service); err != nil {
		return err
	}

	req := mlclient.RecommendRequest{ConditionCodes: state.input.ConditionCodes}
	var resp *mlclient.RecommendResponse
	perr, action := o.callService(ctx, state, stage, service, func(ctx context.Context) error {
		var callErr error
		if state.conditionOnly {
			resp, callErr = o.deps.ML.Recommender().Recommend(ctx, req)
		} else {
			resp, callErr = o.deps.ML.Recommender().RecommendWithContext(ctx, req)
		}
		return callErr
	})

	if perr != nil {
		if action == recovery.ActionAbort {
			state.record(stage, core.StageFailed, start, false, perr)
			o.emitProgress(ctx, state, stage, core.StageFailed, "")
			return perr
		}
		if cached != nil {
			state.recs = cached
			state.record(stage, core.StageCompleted, start, true, nil)
			o.emitProgress(ctx, state, stage, core.StageCompleted, "cache hit")
			return nil
		}
		o.fallbackRecommendations(state)
		state.record(stage, core.StageFailed, start, false, perr)
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	state.recs = toRecommendations(resp)
	if o.cachingEnabled() {
		if err := o.deps.Cache.SetRecommendations(ctx, state.input.ConditionCodes, nil, nil, state.recs, state.input.CorrelationID); err != nil && o.logger != nil {
			o.logger.WarnWithContext(ctx, "Recommendation cache write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	state.record(stage, core.StageCompleted, start, false, nil)
	o.emitProgress(ctx, state, stage, core.StageCompleted, "")
	return nil
}

func (o *Orchestrator) fallbackRecommendations(state *runState) {
	state.recs = recovery.FallbackRecommendations(state.input.ConditionCodes)
	state.fallbackUsed = true
	state.markDegraded(core.ServiceCareplanRecommender)
	state.redFlags = append(state.redFlags, core.RedFlag{
		Type:        "FALLBACK_RECOMMENDATIONS",
		Description: "Recommendations were produced by the rule-based fallback, not the ML recommender",
		Severity:    core.SeverityLow,
		Source:      core.StageTemplateRecommendation,
	})
}

// stageDraft runs DRAFT_GENERATION iff the caller wants a draft and at
// least one recommendation exists. Draft failure skips the draft and
// returns recommendations only.
func (o *Orchestrator) stageDraft(ctx context.Context, state *runState) error {
	const stage = core.StageDraftGeneration
	const service = core.ServiceCareplanRecommender
	start := time.Now()

	if !state.input.WantsDraft() || len(state.recs) == 0 || !o.deps.Degradation.ShouldExecuteStage(stage) {
		state.record(stage, core.StageSkipped, start, false, nil)
		o.emitProgress(ctx, state, stage, core.StageSkipped, "")
		return nil
	}

	o.emitProgress(ctx, state, stage, core.StageInProgress, "")

	if o.deps.Degradation.ShouldUseFallback(service) {
		state.draft = recovery.FallbackDraft(state.input.ConditionCodes, state.recs)
		state.fallbackUsed = true
		state.markDegraded(service)
		state.record(stage, core.StageFailed, start, false, fmt.Errorf("service %s unavailable", service))
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	templateIDs := bestTemplateIDs(state.recs, state.input.PreferredTemplateIDs)
	var resp *mlclient.DraftResponse
	perr, action := o.callService(ctx, state, stage, service, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.deps.ML.Recommender().GenerateDraft(ctx, mlclient.DraftRequest{
			TemplateIDs:    templateIDs,
			ConditionCodes: state.input.ConditionCodes,
		})
		return callErr
	})

	if perr != nil {
		if action == recovery.ActionAbort {
			state.record(stage, core.StageFailed, start, false, perr)
			o.emitProgress(ctx, state, stage, core.StageFailed, "")
			return perr
		}
		// Draft failure never blocks the run: recommendations only.
		state.markDegraded(service)
		state.record(stage, core.StageFailed, start, false, perr)
		o.emitProgress(ctx, state, stage, core.StageFailed, "")
		return nil
	}

	if len(resp.Drafts) > 0 {
		state.draft = o.buildDraft(state, resp.Drafts[0], templateIDs[0])
	}
	state.record(stage, core.StageCompleted, start, false, nil)
	o.emitProgress(ctx, state, stage, core.StageCompleted, "")
	return nil
}

func (o *Orchestrator) buildDraft(state *runState, draft mlclient.Draft, templateID string) *core.DraftCarePlan {
	return &core.DraftCarePlan{
		ID:             state.requestID,
		Title:          draft.Title,
		ConditionCodes: state.input.ConditionCodes,
		TemplateID:     templateID,
		Goals:          draft.Goals,
		Interventions:  draft.Interventions,
		GeneratedAt:    time.Now().UTC(),
		Confidence:     draft.ConfidenceScore,
		RequiresReview: draft.ConfidenceScore < 0.8,
	}
}

// stageSafety runs SAFETY_VALIDATION, a local CRITICAL pass over the
// assembled result. When operators have disabled it the conservative
// safety-unavailable flag is appended instead.
func (o *Orchestrator) stageSafety(ctx context.Context, state *runState) error {
	const stage = core.StageSafetyValidation
	start := time.Now()

	if !o.deps.Degradation.ShouldExecuteStage(stage) {
		state.redFlags = append(state.redFlags, recovery.FallbackSafetyFlag())
		state.record(stage, core.StageSkipped, start, false, nil)
		o.emitProgress(ctx, state, stage, core.StageSkipped, "")
		return nil
	}

	o.emitProgress(ctx, state, stage, core.StageInProgress, "")

	for i := range state.recs {
		if state.recs[i].Confidence < 0 {
			state.recs[i].Confidence = 0
		}
		if state.recs[i].Confidence > 1 {
			state.recs[i].Confidence = 1
		}
	}
	if state.draft != nil {
		if state.draft.Confidence < 0 {
			state.draft.Confidence = 0
		}
		if state.draft.Confidence > 1 {
			state.draft.Confidence = 1
		}
		if len(state.draft.Goals) == 0 || len(state.draft.Interventions) == 0 {
			state.redFlags = append(state.redFlags, core.RedFlag{
				Type:        "INCOMPLETE_DRAFT",
				Description: "Generated draft is missing goals or interventions and requires manual completion",
				Severity:    core.SeverityHigh,
				Source:      stage,
			})
		}
		if state.draft.Confidence < 0.5 {
			state.redFlags = append(state.redFlags, core.RedFlag{
				Type:        "LOW_CONFIDENCE_DRAFT",
				Description: "Draft confidence is below 0.5; clinical review is required before use",
				Severity:    core.SeverityHigh,
				Source:      stage,
			})
		}
	}

	state.record(stage, core.StageCompleted, start, false, nil)
	o.emitProgress(ctx, state, stage, core.StageCompleted, "")
	return nil
}
