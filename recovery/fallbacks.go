package recovery

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Prism-Clinical/careplan-pipeline/core"
)

// Fallback outputs substitute for an unreachable ML service. Every
// fallback is conservative: low confidence, marked for review, and
// clearly labelled in its reasoning.

// FallbackExtraction returns the empty entity set plus the red flag
// telling the provider that transcript analysis did not run.
func FallbackExtraction() (*core.ExtractedEntities, core.RedFlag) {
	return core.EmptyEntities(), core.RedFlag{
		Type:        "EXTRACTION_UNAVAILABLE",
		Description: "Transcript analysis was unavailable; entities were not extracted and the draft is based on condition codes only",
		Severity:    core.SeverityMedium,
		Source:      core.StageEntityExtraction,
	}
}

// fallbackTemplate is one entry in the static condition-prefix table.
type fallbackTemplate struct {
	templateID string
	title      string
	confidence float64
}

// fallbackTemplates maps ICD-10 code prefixes to conservative generic
// templates. Matching is by 3-character prefix.
var fallbackTemplates = map[string]fallbackTemplate{
	"E10": {"fallback-diabetes", "Diabetes Management Plan", 0.5},
	"E11": {"fallback-diabetes", "Diabetes Management Plan", 0.5},
	"I10": {"fallback-hypertension", "Hypertension Management Plan", 0.5},
	"I11": {"fallback-hypertension", "Hypertension Management Plan", 0.5},
	"J44": {"fallback-respiratory", "Respiratory Care Plan", 0.4},
	"J45": {"fallback-respiratory", "Respiratory Care Plan", 0.4},
	"M54": {"fallback-pain", "Pain Management Plan", 0.4},
	"M79": {"fallback-pain", "Pain Management Plan", 0.4},
	"F32": {"fallback-depression", "Behavioral Health Care Plan", 0.4},
	"F33": {"fallback-depression", "Behavioral Health Care Plan", 0.4},
}

var generalFallback = fallbackTemplate{"fallback-general", "General Care Plan", 0.3}

// FallbackRecommendations builds rule-based recommendations from the
// static condition-prefix table. One recommendation per distinct
// matched template, with the conditions that matched it grouped.
func FallbackRecommendations(conditionCodes []string) []core.Recommendation {
	grouped := make(map[string][]string)
	templates := make(map[string]fallbackTemplate)
	order := []string{}

	for _, code := range conditionCodes {
		prefix := code
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		tpl, ok := fallbackTemplates[strings.ToUpper(prefix)]
		if !ok {
			tpl = generalFallback
		}
		if _, seen := templates[tpl.templateID]; !seen {
			templates[tpl.templateID] = tpl
			order = append(order, tpl.templateID)
		}
		grouped[tpl.templateID] = append(grouped[tpl.templateID], code)
	}

	recs := make([]core.Recommendation, 0, len(order))
	for _, id := range order {
		tpl := templates[id]
		recs = append(recs, core.Recommendation{
			TemplateID:        tpl.templateID,
			Title:             tpl.title,
			Confidence:        tpl.confidence,
			MatchedConditions: grouped[id],
			Reasoning:         "[FALLBACK] Rule-based match on condition code prefix; recommendation service unavailable",
		})
	}
	return recs
}

// FallbackDraft builds a minimal draft from the highest-confidence
// recommendation. The draft always requires review.
func FallbackDraft(conditionCodes []string, recs []core.Recommendation) *core.DraftCarePlan {
	title := "Draft Care Plan"
	templateID := ""
	confidence := 0.3
	if len(recs) > 0 {
		best := recs[0]
		for _, r := range recs[1:] {
			if r.Confidence > best.Confidence {
				best = r
			}
		}
		title = best.Title + " (Draft)"
		templateID = best.TemplateID
		if best.Confidence < confidence {
			confidence = best.Confidence
		}
	}

	return &core.DraftCarePlan{
		ID:             uuid.NewString(),
		Title:          title,
		ConditionCodes: conditionCodes,
		TemplateID:     templateID,
		Goals: []string{
			"Stabilize and monitor the documented conditions",
			"Schedule follow-up assessment with the care team",
		},
		Interventions: []string{
			"Review current medications and adherence",
			"Educate patient on symptom monitoring and escalation criteria",
		},
		GeneratedAt:    time.Now().UTC(),
		Confidence:     confidence,
		RequiresReview: true,
	}
}

// FallbackSafetyFlag is appended when safety validation could not run.
// Safety validation is a CRITICAL stage, so this flag only appears on
// runs where the orchestrator chose to surface the failure instead of
// aborting (operator-forced fallback mode).
func FallbackSafetyFlag() core.RedFlag {
	return core.RedFlag{
		Type:        "SAFETY_VALIDATION_UNAVAILABLE",
		Description: "Safety validation did not run; every recommendation and draft requires manual clinical review",
		Severity:    core.SeverityCritical,
		Source:      core.StageSafetyValidation,
	}
}
