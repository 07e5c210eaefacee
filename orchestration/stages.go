package orchestration

import (
	"context"
	"strings"
	"time"

	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
	"github.com/Prism-Clinical/careplan-pipeline/recovery"
)

// runState accumulates the intermediate products of one pipeline run.
type runState struct {
	requestID string
	input     *core.PipelineInput

	entities  *core.ExtractedEntities
	embedding []float64
	recs      []core.Recommendation
	draft     *core.DraftCarePlan
	redFlags  []core.RedFlag

	// conditionOnly switches the recommender to the condition-only
	// endpoint after an embedding failure or skip.
	conditionOnly bool
	fallbackUsed  bool

	degraded     map[string]bool
	stageResults []core.StageResult
	startedAt    time.Time
}

func newRunState(requestID string, input *core.PipelineInput) *runState {
	return &runState{
		requestID: requestID,
		input:     input,
		entities:  core.EmptyEntities(),
		degraded:  make(map[string]bool),
		startedAt: time.Now().UTC(),
	}
}

func (s *runState) markDegraded(service string) {
	s.degraded[service] = true
}

func (s *runState) degradedList() []string {
	out := make([]string, 0, len(s.degraded))
	for svc := range s.degraded {
		out = append(out, svc)
	}
	return out
}

func (s *runState) record(stage string, status core.StageStatus, start time.Time, cacheHit bool, err error) {
	result := core.StageResult{
		Stage:      stage,
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
		CacheHit:   cacheHit,
	}
	if err != nil {
		result.Error = recovery.Classify(err, stage, s.input.CorrelationID).Message
	}
	s.stageResults = append(s.stageResults, result)
}

// fullContext builds the map form of the input for the minimizer. The
// correlation id rides along so every projected payload carries it.
func (s *runState) fullContext() map[string]interface{} {
	ctx := map[string]interface{}{
		"visitId":        s.input.VisitID,
		"patientId":      s.input.PatientID,
		"conditionCodes": s.input.ConditionCodes,
		"correlationId":  s.input.CorrelationID,
	}
	if s.input.TranscriptText != "" {
		ctx["transcriptText"] = s.input.TranscriptText
	}
	if s.input.AudioURL != "" {
		ctx["audioUrl"] = s.input.AudioURL
	}
	if len(s.input.PreferredTemplateIDs) > 0 {
		ctx["preferredTemplateIds"] = s.input.PreferredTemplateIDs
	}
	if len(s.entities.Symptoms) > 0 {
		symptoms := make([]string, 0, len(s.entities.Symptoms))
		for _, e := range s.entities.Symptoms {
			symptoms = append(symptoms, e.Text)
		}
		ctx["symptoms"] = symptoms
	}
	return ctx
}

// toRecommendations projects the recommender response into the output
// type, dropping unknown fields.
func toRecommendations(resp *mlclient.RecommendResponse) []core.Recommendation {
	recs := make([]core.Recommendation, 0, len(resp.Templates))
	for _, tpl := range resp.Templates {
		rec := core.Recommendation{
			TemplateID:        tpl.TemplateID,
			Title:             tpl.Name,
			Confidence:        tpl.Confidence,
			MatchedConditions: tpl.ConditionCodes,
		}
		if len(tpl.MatchFactors) > 0 {
			rec.Reasoning = strings.Join(tpl.MatchFactors, "; ")
		}
		recs = append(recs, rec)
	}
	return recs
}

// bestTemplateIDs orders template ids for draft generation: preferred
// templates that were actually recommended come first, then the rest
// by recommendation order.
func bestTemplateIDs(recs []core.Recommendation, preferred []string) []string {
	recommended := make(map[string]bool, len(recs))
	for _, r := range recs {
		recommended[r.TemplateID] = true
	}

	var ids []string
	seen := make(map[string]bool)
	for _, id := range preferred {
		if recommended[id] && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for _, r := range recs {
		if !seen[r.TemplateID] {
			ids = append(ids, r.TemplateID)
			seen[r.TemplateID] = true
		}
	}
	return ids
}

// stageBody is one stage's work, executed under the per-stage timeout.
type stageBody func(ctx context.Context) error
