// Package recovery classifies raw stage failures, decides the recovery
// action (retry, fallback, skip, degrade, abort), and produces the
// fallback outputs used when an ML service cannot be reached.
package recovery

import (
	"context"
	"errors"
	"strings"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/degradation"
)

// stageCategory maps each stage to the category used for generic,
// otherwise-unclassifiable failures inside that stage.
var stageCategory = map[string]core.ErrorCategory{
	core.StageValidation:             core.CategoryValidationFailed,
	core.StageEntityExtraction:       core.CategoryExtractionFailed,
	core.StageEmbeddingGeneration:    core.CategoryEmbeddingFailed,
	core.StageTemplateRecommendation: core.CategoryRecommendationFailed,
	core.StageDraftGeneration:        core.CategoryDraftGenerationFailed,
}

// Classify converts a raw error from a stage into a PipelineError.
// Already-classified errors pass through with stage and correlation
// filled in if missing. Transport-level signals (timeouts, refused
// connections, auth failures, rate limits) are recognized regardless
// of stage; anything else falls back to the stage's own category.
func Classify(err error, stage, correlationID string) *core.PipelineError {
	if err == nil {
		return nil
	}

	var perr *core.PipelineError
	if errors.As(err, &perr) {
		if perr.Stage == "" {
			perr.Stage = stage
		}
		if perr.CorrelationID == "" {
			perr.CorrelationID = correlationID
		}
		return perr
	}

	category := classifyCategory(err, stage)
	severity := severityFor(category, stage)
	return core.NewPipelineError(category, severity, stage, correlationID, err)
}

func classifyCategory(err error, stage string) core.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) {
		return core.CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return core.CategoryRateLimited
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401"):
		return core.CategoryAuthenticationFailed
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return core.CategoryAuthorizationFailed
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return core.CategoryTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "circuit breaker is open"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return core.CategoryServiceUnavailable
	}

	if cat, ok := stageCategory[stage]; ok {
		return cat
	}
	return core.CategoryInternal
}

// severityFor derives the severity from the category and the failing
// stage's criticality. Failures in CRITICAL stages are fatal; transient
// categories are recoverable; the rest degrade the run.
func severityFor(category core.ErrorCategory, stage string) core.ErrorSeverity {
	switch category {
	case core.CategoryValidationFailed, core.CategoryAuthenticationFailed, core.CategoryAuthorizationFailed:
		return core.SeverityFatal
	case core.CategoryServiceUnavailable, core.CategoryTimeout, core.CategoryRateLimited:
		return core.SeverityRecoverable
	}
	if degradation.StageCriticality(stage) == core.Critical {
		return core.SeverityFatal
	}
	return core.SeverityDegraded
}
