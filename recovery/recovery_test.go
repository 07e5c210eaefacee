package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

func TestClassifyTransportSignals(t *testing.T) {
	tests := []struct {
		err      error
		category core.ErrorCategory
	}{
		{errors.New("503 service unavailable"), core.CategoryServiceUnavailable},
		{errors.New("connection refused"), core.CategoryServiceUnavailable},
		{errors.New("429 too many requests"), core.CategoryRateLimited},
		{errors.New("401 unauthorized"), core.CategoryAuthenticationFailed},
		{errors.New("403 forbidden"), core.CategoryAuthorizationFailed},
		{context.DeadlineExceeded, core.CategoryTimeout},
	}

	for _, tt := range tests {
		perr := Classify(tt.err, core.StageEntityExtraction, "C1")
		assert.Equal(t, tt.category, perr.Category, "error %v", tt.err)
	}
}

func TestClassifyFallsBackToStageCategory(t *testing.T) {
	perr := Classify(errors.New("model returned garbage"), core.StageEntityExtraction, "C1")
	assert.Equal(t, core.CategoryExtractionFailed, perr.Category)
	assert.Equal(t, core.SeverityDegraded, perr.Severity)

	perr = Classify(errors.New("bad input"), core.StageValidation, "C1")
	assert.Equal(t, core.CategoryValidationFailed, perr.Category)
	assert.Equal(t, core.SeverityFatal, perr.Severity)
}

func TestClassifyPassesThroughPipelineError(t *testing.T) {
	original := core.NewPipelineError(core.CategoryRecommendationFailed, core.SeverityDegraded, "", "", errors.New("boom"))
	perr := Classify(original, core.StageTemplateRecommendation, "C1")
	assert.Same(t, original, perr)
	assert.Equal(t, core.StageTemplateRecommendation, perr.Stage)
	assert.Equal(t, "C1", perr.CorrelationID)
}

func TestClassifyScrubsMessage(t *testing.T) {
	perr := Classify(errors.New("failed for patient John Smith ssn 123-45-6789"), core.StageEntityExtraction, "C1")
	assert.NotContains(t, perr.Message, "John Smith")
	assert.NotContains(t, perr.Message, "123-45-6789")
	assert.Contains(t, perr.Message, "[REDACTED]")
}

func TestDetermineRetriesTransientThenResolvesByStage(t *testing.T) {
	perr := Classify(errors.New("503 service unavailable"), core.StageEntityExtraction, "C1")

	assert.Equal(t, ActionRetry, Determine(perr, 0, 3))
	assert.Equal(t, ActionRetry, Determine(perr, 2, 3))
	// Retries exhausted: extraction degrades.
	assert.Equal(t, ActionDegrade, Determine(perr, 3, 3))
}

func TestDeterminePerCategoryDefaults(t *testing.T) {
	mk := func(cat core.ErrorCategory, stage string) *core.PipelineError {
		return core.NewPipelineError(cat, core.SeverityDegraded, stage, "C1", errors.New("x"))
	}

	assert.Equal(t, ActionDegrade, Determine(mk(core.CategoryExtractionFailed, core.StageEntityExtraction), 0, 3))
	assert.Equal(t, ActionSkip, Determine(mk(core.CategoryEmbeddingFailed, core.StageEmbeddingGeneration), 0, 3))
	assert.Equal(t, ActionUseFallback, Determine(mk(core.CategoryRecommendationFailed, core.StageTemplateRecommendation), 0, 3))
	assert.Equal(t, ActionSkip, Determine(mk(core.CategoryDraftGenerationFailed, core.StageDraftGeneration), 0, 3))
}

func TestDetermineFatalAborts(t *testing.T) {
	perr := core.NewPipelineError(core.CategoryValidationFailed, core.SeverityFatal, core.StageValidation, "C1", errors.New("bad"))
	assert.Equal(t, ActionAbort, Determine(perr, 0, 3))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second

	d0 := Backoff(base, cap, 0)
	assert.GreaterOrEqual(t, d0, base)
	assert.LessOrEqual(t, d0, cap)

	d3 := Backoff(base, cap, 3)
	assert.GreaterOrEqual(t, d3, 800*time.Millisecond)
	assert.LessOrEqual(t, d3, cap)

	assert.Equal(t, cap, Backoff(base, cap, 20))
}

func TestFallbackExtraction(t *testing.T) {
	entities, flag := FallbackExtraction()
	assert.Empty(t, entities.Symptoms)
	assert.Empty(t, entities.Medications)
	assert.Equal(t, core.SeverityMedium, flag.Severity)
}

func TestFallbackRecommendationsPrefixTable(t *testing.T) {
	recs := FallbackRecommendations([]string{"E11.9", "I10", "Z99.9"})
	require.Len(t, recs, 3)

	byID := map[string]core.Recommendation{}
	for _, r := range recs {
		byID[r.TemplateID] = r
		assert.Contains(t, r.Reasoning, "[FALLBACK]")
		assert.GreaterOrEqual(t, r.Confidence, 0.3)
		assert.LessOrEqual(t, r.Confidence, 0.5)
	}
	assert.Equal(t, []string{"E11.9"}, byID["fallback-diabetes"].MatchedConditions)
	assert.Equal(t, []string{"I10"}, byID["fallback-hypertension"].MatchedConditions)
	assert.Equal(t, []string{"Z99.9"}, byID["fallback-general"].MatchedConditions)
}

func TestFallbackRecommendationsGroupsByTemplate(t *testing.T) {
	recs := FallbackRecommendations([]string{"E10.1", "E11.9"})
	require.Len(t, recs, 1)
	assert.Equal(t, "fallback-diabetes", recs[0].TemplateID)
	assert.Equal(t, []string{"E10.1", "E11.9"}, recs[0].MatchedConditions)
}

func TestFallbackDraft(t *testing.T) {
	recs := FallbackRecommendations([]string{"I10"})
	draft := FallbackDraft([]string{"I10"}, recs)

	assert.True(t, draft.RequiresReview)
	assert.Len(t, draft.Goals, 2)
	assert.Len(t, draft.Interventions, 2)
	assert.Equal(t, "fallback-hypertension", draft.TemplateID)
	assert.LessOrEqual(t, draft.Confidence, 0.5)
	assert.NotEmpty(t, draft.ID)
}

func TestFallbackSafetyFlagIsCritical(t *testing.T) {
	flag := FallbackSafetyFlag()
	assert.Equal(t, core.SeverityCritical, flag.Severity)
}
