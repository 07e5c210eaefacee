// Package core provides the shared types, interfaces, errors, and
// configuration for the care-plan pipeline.
//
// The pipeline coordinates calls to external ML services (entity
// extraction, embeddings, template recommendation, draft generation,
// PDF parsing) to produce a draft clinical care plan. Types in this
// package are consumed by every other package in the module; core
// itself depends only on the privacy package for PHI scrubbing.
package core

import (
	"sort"
	"time"
)

// ML service identifiers. These match the routing keys used by the
// data minimizer, the degradation manager, and the ML client factory.
const (
	ServiceAudioIntelligence    = "audio-intelligence"
	ServiceCareplanRecommender  = "careplan-recommender"
	ServiceRAGEmbeddings        = "rag-embeddings"
	ServicePDFParser            = "pdf-parser"
)

// Pipeline stage identifiers, in DAG order.
const (
	StageValidation             = "VALIDATION"
	StageEntityExtraction       = "ENTITY_EXTRACTION"
	StageEmbeddingGeneration    = "EMBEDDING_GENERATION"
	StageTemplateRecommendation = "TEMPLATE_RECOMMENDATION"
	StageDraftGeneration        = "DRAFT_GENERATION"
	StageSafetyValidation       = "SAFETY_VALIDATION"
)

// Criticality classifies how a service or stage failure affects the run.
type Criticality int

const (
	// NiceToHave failures are silently skipped.
	NiceToHave Criticality = iota
	// Important failures degrade the output but the run continues.
	Important
	// Critical failures abort the pipeline.
	Critical
)

// PipelineInput is the immutable per-request input. It contains PHI
// whenever TranscriptText is present.
type PipelineInput struct {
	VisitID              string   `json:"visitId" validate:"required"`
	PatientID            string   `json:"patientId" validate:"required"`
	ConditionCodes       []string `json:"conditionCodes" validate:"required,min=1,dive,icd10"`
	TranscriptText       string   `json:"transcriptText,omitempty"`
	AudioURL             string   `json:"audioUrl,omitempty" validate:"omitempty,url"`
	PreferredTemplateIDs []string `json:"preferredTemplateIds,omitempty"`
	// GenerateDraft defaults to true when unset. Draft generation runs
	// iff GenerateDraft != false and at least one recommendation exists.
	GenerateDraft  *bool  `json:"generateDraft,omitempty"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	CorrelationID  string `json:"correlationId" validate:"required,uuid"`
	UserID         string `json:"userId" validate:"required"`
	UserRole       string `json:"userRole" validate:"required"`
}

// WantsDraft reports whether draft generation is requested.
func (in *PipelineInput) WantsDraft() bool {
	return in.GenerateDraft == nil || *in.GenerateDraft
}

// Entity is a single extracted clinical entity.
type Entity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Code       string  `json:"code,omitempty"`
	CodeSystem string  `json:"codeSystem,omitempty"`
	Offset     *int    `json:"offset,omitempty"`
	Length     *int    `json:"length,omitempty"`
}

// ExtractedEntities groups entities by clinical category.
type ExtractedEntities struct {
	Symptoms    []Entity `json:"symptoms"`
	Medications []Entity `json:"medications"`
	Vitals      []Entity `json:"vitals"`
	Procedures  []Entity `json:"procedures"`
	Diagnoses   []Entity `json:"diagnoses"`
	Allergies   []Entity `json:"allergies"`
}

// EmptyEntities returns the empty-default entity set used when
// extraction is degraded or skipped.
func EmptyEntities() *ExtractedEntities {
	return &ExtractedEntities{
		Symptoms:    []Entity{},
		Medications: []Entity{},
		Vitals:      []Entity{},
		Procedures:  []Entity{},
		Diagnoses:   []Entity{},
		Allergies:   []Entity{},
	}
}

// Recommendation is a single care-plan template recommendation.
type Recommendation struct {
	TemplateID        string   `json:"templateId"`
	Title             string   `json:"title"`
	Confidence        float64  `json:"confidence"`
	MatchedConditions []string `json:"matchedConditions"`
	Reasoning         string   `json:"reasoning,omitempty"`
	GuidelineSource   string   `json:"guidelineSource,omitempty"`
	EvidenceGrade     string   `json:"evidenceGrade,omitempty"`
}

// DraftCarePlan is a generated draft pending provider review.
type DraftCarePlan struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ConditionCodes []string  `json:"conditionCodes"`
	TemplateID     string    `json:"templateId,omitempty"`
	Goals          []string  `json:"goals"`
	Interventions  []string  `json:"interventions"`
	GeneratedAt    time.Time `json:"generatedAt"`
	Confidence     float64   `json:"confidence"`
	RequiresReview bool      `json:"requiresReview"`
}

// Severity ranks a red flag. CRITICAL sorts before HIGH before MEDIUM
// before LOW.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the sort rank of the severity; unknown severities sort last.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// RedFlag is a structured clinical alert surfaced in the output.
type RedFlag struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Source      string   `json:"source,omitempty"`
}

// SortRedFlags orders flags by severity, preserving insertion order
// within the same severity. Duplicates are kept.
func SortRedFlags(flags []RedFlag) {
	sort.SliceStable(flags, func(i, j int) bool {
		return flags[i].Severity.Rank() < flags[j].Severity.Rank()
	})
}

// StageStatus is the lifecycle state of a single pipeline stage.
// Terminal states (COMPLETED, SKIPPED, FAILED) are absorbing within a
// request.
type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageInProgress StageStatus = "IN_PROGRESS"
	StageCompleted  StageStatus = "COMPLETED"
	StageSkipped    StageStatus = "SKIPPED"
	StageFailed     StageStatus = "FAILED"
)

// StageResult records the outcome of one stage execution.
type StageResult struct {
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	DurationMs int64       `json:"durationMs"`
	Error      string      `json:"error,omitempty"`
	CacheHit   bool        `json:"cacheHit,omitempty"`
}

// ProcessingMetadata summarizes a pipeline run.
type ProcessingMetadata struct {
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	DurationMs    int64         `json:"durationMs"`
	StageResults  []StageResult `json:"stageResults"`
	CorrelationID string        `json:"correlationId"`
}

// PipelineOutput is the full result of a pipeline run. Successful runs
// return the complete output even when degraded; DegradedServices and
// RequiresManualReview carry the machine-readable degradation markers.
type PipelineOutput struct {
	RequestID            string              `json:"requestId"`
	ExtractedEntities    *ExtractedEntities  `json:"extractedEntities,omitempty"`
	Recommendations      []Recommendation    `json:"recommendations"`
	DraftCarePlan        *DraftCarePlan      `json:"draftCarePlan,omitempty"`
	RedFlags             []RedFlag           `json:"redFlags"`
	ProcessingMetadata   ProcessingMetadata  `json:"processingMetadata"`
	DegradedServices     []string            `json:"degradedServices"`
	RequiresManualReview bool                `json:"requiresManualReview"`
}

// RequestStatus is the persisted lifecycle state of a pipeline request.
// Requests transition PENDING -> IN_PROGRESS -> exactly one of
// COMPLETED, FAILED, or EXPIRED.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestExpired    RequestStatus = "EXPIRED"
)

// ProgressEvent is a single message on the per-request progress channel.
type ProgressEvent struct {
	RequestID     string      `json:"requestId"`
	Stage         string      `json:"stage"`
	Status        StageStatus `json:"status"`
	Message       string      `json:"message,omitempty"`
	PartialResult interface{} `json:"partialResult,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Terminal stage markers used on the progress channel.
const (
	ProgressStageComplete = "COMPLETE"
	ProgressStageError    = "ERROR"
)

// IsTerminal reports whether the event ends a progress subscription.
func (e *ProgressEvent) IsTerminal() bool {
	return (e.Stage == ProgressStageComplete && e.Status == StageCompleted) ||
		(e.Stage == ProgressStageError && e.Status == StageFailed)
}
