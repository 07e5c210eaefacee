package recovery

import (
	"math/rand"
	"time"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/degradation"
)

// Action is the recovery decision for a classified stage failure.
type Action string

const (
	// ActionRetry re-executes the stage after a backoff.
	ActionRetry Action = "RETRY"
	// ActionUseFallback substitutes the stage's fallback output.
	ActionUseFallback Action = "USE_FALLBACK"
	// ActionSkip drops the stage output entirely.
	ActionSkip Action = "SKIP"
	// ActionDegrade continues with whatever partial output exists and
	// marks the run degraded.
	ActionDegrade Action = "DEGRADE"
	// ActionAbort fails the whole pipeline run.
	ActionAbort Action = "ABORT"
)

const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 100 * time.Millisecond
	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = 10 * time.Second
)

// categoryAction is the default recovery per category once retries are
// off the table.
var categoryAction = map[core.ErrorCategory]Action{
	core.CategoryExtractionFailed:      ActionDegrade,
	core.CategoryEmbeddingFailed:       ActionSkip,
	core.CategoryRecommendationFailed:  ActionUseFallback,
	core.CategoryDraftGenerationFailed: ActionSkip,
}

// Determine picks the recovery action for a classified error.
//
// Fatal classifications abort unconditionally. Transient categories
// (SERVICE_UNAVAILABLE, TIMEOUT, RATE_LIMITED) retry until attempts
// are exhausted, then resolve like a failure of the stage they hit:
// extraction degrades, embedding skips, recommendation falls back,
// draft generation skips, CRITICAL stages abort.
func Determine(perr *core.PipelineError, attempt, maxRetries int) Action {
	if perr == nil {
		return ActionDegrade
	}
	if perr.Severity == core.SeverityFatal {
		return ActionAbort
	}
	if perr.IsRetryable() && attempt < maxRetries {
		return ActionRetry
	}

	category := perr.Category
	if perr.IsRetryable() {
		// Retries exhausted; resolve by the stage the failure hit.
		if stageCat, ok := stageCategory[perr.Stage]; ok {
			category = stageCat
		}
	}
	if action, ok := categoryAction[category]; ok {
		return action
	}

	switch degradation.StageCriticality(perr.Stage) {
	case core.Critical:
		return ActionAbort
	case core.NiceToHave:
		return ActionSkip
	default:
		return ActionUseFallback
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped, with up to 25% jitter added so synchronized
// retries from concurrent workers spread out.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}
