// Package mlclient defines the typed collaborator contracts for the
// external ML services. The pipeline consumes these interfaces; the
// HTTP clients implementing them live outside this module. Unknown
// response fields are dropped during projection into these types.
package mlclient

import (
	"context"
	"time"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// ExtractRequest carries the minimized payload for entity extraction.
type ExtractRequest struct {
	TranscriptText string `json:"transcriptText"`
}

// ExtractResponse is the audio-intelligence extraction result.
type ExtractResponse struct {
	Symptoms    []core.Entity  `json:"symptoms"`
	Medications []core.Entity  `json:"medications"`
	Vitals      []core.Entity  `json:"vitals"`
	RedFlags    []core.RedFlag `json:"redFlags,omitempty"`
	NLUTier     string         `json:"nluTier"`
}

// AudioIntelligence extracts clinical entities from transcript text.
type AudioIntelligence interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// Demographics optionally refines recommendations. Sex is "M" or "F"
// when present.
type Demographics struct {
	Age *int    `json:"age,omitempty"`
	Sex *string `json:"sex,omitempty"`
}

// RecommendRequest carries condition codes, and demographics for the
// context endpoint.
type RecommendRequest struct {
	ConditionCodes []string      `json:"conditionCodes"`
	Demographics   *Demographics `json:"demographics,omitempty"`
}

// RecommendedTemplate is one template match from the recommender.
type RecommendedTemplate struct {
	TemplateID     string   `json:"templateId"`
	Name           string   `json:"name"`
	Confidence     float64  `json:"confidence"`
	ConditionCodes []string `json:"conditionCodes"`
	MatchFactors   []string `json:"matchFactors,omitempty"`
}

// RecommendResponse is the recommender result.
type RecommendResponse struct {
	Templates    []RecommendedTemplate `json:"templates"`
	ModelVersion string                `json:"modelVersion"`
}

// DraftRequest asks for drafts from the given templates.
type DraftRequest struct {
	TemplateIDs    []string `json:"templateIds"`
	ConditionCodes []string `json:"conditionCodes"`
}

// Draft is one generated draft care plan.
type Draft struct {
	Title           string   `json:"title"`
	Goals           []string `json:"goals"`
	Interventions   []string `json:"interventions"`
	ConfidenceScore float64  `json:"confidenceScore"`
}

// DraftResponse is the draft-generation result.
type DraftResponse struct {
	Drafts []Draft `json:"drafts"`
}

// Recommender matches care-plan templates and generates drafts.
// Recommend is the condition-only endpoint used when embeddings are
// unavailable; RecommendWithContext uses the full patient context.
type Recommender interface {
	Recommend(ctx context.Context, req RecommendRequest) (*RecommendResponse, error)
	RecommendWithContext(ctx context.Context, req RecommendRequest) (*RecommendResponse, error)
	GenerateDraft(ctx context.Context, req DraftRequest) (*DraftResponse, error)
}

// EmbedRequest carries the minimized context for embedding.
type EmbedRequest struct {
	ConditionCodes []string `json:"conditionCodes"`
	Symptoms       []string `json:"symptoms,omitempty"`
}

// RAGEmbeddings produces patient-context embedding vectors.
type RAGEmbeddings interface {
	EmbedPatientContext(ctx context.Context, req EmbedRequest) ([]float64, error)
}

// PDFValidation reports structural validity of a parsed document.
type PDFValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	FileSize int64    `json:"fileSize"`
	MimeType string   `json:"mimeType"`
}

// PDFParseResponse is the parsed care plan with validation metadata.
type PDFParseResponse struct {
	CarePlan   *core.DraftCarePlan `json:"carePlan"`
	Codes      []string            `json:"codes"`
	Validation PDFValidation       `json:"validation"`
	Confidence float64             `json:"confidence"`
}

// PDFParser parses an uploaded care-plan PDF by storage key.
type PDFParser interface {
	Parse(ctx context.Context, fileKey string) (*PDFParseResponse, error)
}

// ServiceHealth is the health snapshot for one service.
type ServiceHealth struct {
	Service     string        `json:"service"`
	Status      string        `json:"status"`
	Latency     time.Duration `json:"latency"`
	LastError   string        `json:"lastError,omitempty"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
}

// HealthReport aggregates per-service health.
type HealthReport struct {
	Overall          string          `json:"overall"`
	Services         []ServiceHealth `json:"services"`
	DegradedServices []string        `json:"degradedServices"`
}

// Factory bundles the service clients and their health surface.
type Factory interface {
	AudioIntelligence() AudioIntelligence
	Recommender() Recommender
	RAGEmbeddings() RAGEmbeddings
	PDFParser() PDFParser

	CheckAllServices(ctx context.Context) (*HealthReport, error)
	GetCircuitStates(ctx context.Context) map[string]string
}
