package core

import (
	"errors"
	"fmt"

	"github.com/Prism-Clinical/careplan-pipeline/privacy"
)

// Standard sentinel errors for comparison using errors.Is().
// These are wrapped with additional context at the call site.
var (
	// Idempotency errors
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different request body")
	ErrRequestInProgress    = errors.New("request with this idempotency key is in progress")

	// Privacy errors
	ErrPHILeakDetected = errors.New("PHI leak detected in minimized payload")

	// Locking errors
	ErrLockNotAcquired = errors.New("distributed lock not acquired")
	ErrLockLost        = errors.New("distributed lock no longer held")
	ErrOptimisticLock  = errors.New("optimistic lock version mismatch")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrPipelineAborted    = errors.New("pipeline aborted")
	ErrRequestCancelled   = errors.New("pipeline request cancelled")

	// Store errors
	ErrNotFound = errors.New("record not found")
)

// ErrorCategory classifies a raw failure.
type ErrorCategory string

const (
	CategoryValidationFailed      ErrorCategory = "VALIDATION_FAILED"
	CategoryExtractionFailed      ErrorCategory = "EXTRACTION_FAILED"
	CategoryEmbeddingFailed       ErrorCategory = "EMBEDDING_FAILED"
	CategoryRecommendationFailed  ErrorCategory = "RECOMMENDATION_FAILED"
	CategoryDraftGenerationFailed ErrorCategory = "DRAFT_GENERATION_FAILED"
	CategoryServiceUnavailable    ErrorCategory = "SERVICE_UNAVAILABLE"
	CategoryAuthenticationFailed  ErrorCategory = "AUTHENTICATION_FAILED"
	CategoryAuthorizationFailed   ErrorCategory = "AUTHORIZATION_FAILED"
	CategoryRateLimited           ErrorCategory = "RATE_LIMITED"
	CategoryTimeout               ErrorCategory = "TIMEOUT"
	CategoryInternal              ErrorCategory = "INTERNAL_ERROR"
)

// ErrorSeverity ranks how a classified error affects the pipeline run.
type ErrorSeverity string

const (
	SeverityFatal       ErrorSeverity = "FATAL"
	SeverityDegraded    ErrorSeverity = "DEGRADED"
	SeverityRecoverable ErrorSeverity = "RECOVERABLE"
)

// Error codes surfaced to callers on pipeline failure.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeAuthError          = "AUTH_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodePipelineError      = "PIPELINE_ERROR"
	CodeImportError        = "IMPORT_ERROR"
)

const maxErrorMessageLen = 500

// PipelineError is the single structured error carrier for the
// pipeline. The constructor scrubs PHI from the message and truncates
// it, so a PipelineError is always safe to log and persist.
type PipelineError struct {
	Category      ErrorCategory `json:"category"`
	Severity      ErrorSeverity `json:"severity"`
	Stage         string        `json:"stage,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	RetryCount    int           `json:"retryCount,omitempty"`
	FallbackUsed  bool          `json:"fallbackUsed,omitempty"`
	Message       string        `json:"message"`
	Err           error         `json:"-"`

	codeOverride string
}

// NewPipelineError builds a carrier from a raw error. The raw message
// passes through the PHI scrubber and is truncated at 500 characters.
func NewPipelineError(category ErrorCategory, severity ErrorSeverity, stage, correlationID string, err error) *PipelineError {
	msg := ""
	if err != nil {
		msg = privacy.ScrubText(err.Error())
	}
	msg = privacy.TruncateText(msg, maxErrorMessageLen)
	return &PipelineError{
		Category:      category,
		Severity:      severity,
		Stage:         stage,
		CorrelationID: correlationID,
		Message:       msg,
		Err:           err,
	}
}

// Error returns the sanitized string representation.
func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Category, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithCode overrides the surfaced error code. Used for paths whose
// code is not derivable from the category, like PDF imports.
func (e *PipelineError) WithCode(code string) *PipelineError {
	e.codeOverride = code
	return e
}

// Code maps the category to the externally surfaced error code.
func (e *PipelineError) Code() string {
	if e.codeOverride != "" {
		return e.codeOverride
	}
	switch e.Category {
	case CategoryValidationFailed:
		return CodeValidationError
	case CategoryAuthenticationFailed, CategoryAuthorizationFailed:
		return CodeAuthError
	case CategoryServiceUnavailable:
		return CodeServiceUnavailable
	default:
		return CodePipelineError
	}
}

// IsRetryable reports whether the category is eligible for retry.
// Only transient categories retry; everything else goes straight to
// its recovery action.
func (e *PipelineError) IsRetryable() bool {
	switch e.Category {
	case CategoryServiceUnavailable, CategoryTimeout, CategoryRateLimited:
		return true
	default:
		return false
	}
}
