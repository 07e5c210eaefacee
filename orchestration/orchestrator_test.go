package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prism-Clinical/careplan-pipeline/cache"
	"github.com/Prism-Clinical/careplan-pipeline/coordination"
	"github.com/Prism-Clinical/careplan-pipeline/core"
	"github.com/Prism-Clinical/careplan-pipeline/crypto"
	"github.com/Prism-Clinical/careplan-pipeline/degradation"
	"github.com/Prism-Clinical/careplan-pipeline/idempotency"
	"github.com/Prism-Clinical/careplan-pipeline/mlclient"
	"github.com/Prism-Clinical/careplan-pipeline/privacy"
	"github.com/Prism-Clinical/careplan-pipeline/recovery"
)

// stubML implements mlclient.Factory with per-call overrides. Unset
// calls return healthy canned responses.
type stubML struct {
	extract      func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error)
	embed        func(ctx context.Context, req mlclient.EmbedRequest) ([]float64, error)
	recommend    func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error)
	recommendCtx func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error)
	draft        func(ctx context.Context, req mlclient.DraftRequest) (*mlclient.DraftResponse, error)
}

func (s *stubML) AudioIntelligence() mlclient.AudioIntelligence { return s }
func (s *stubML) Recommender() mlclient.Recommender             { return s }
func (s *stubML) RAGEmbeddings() mlclient.RAGEmbeddings         { return s }
func (s *stubML) PDFParser() mlclient.PDFParser                 { return nil }

func (s *stubML) CheckAllServices(ctx context.Context) (*mlclient.HealthReport, error) {
	return &mlclient.HealthReport{Overall: "healthy"}, nil
}
func (s *stubML) GetCircuitStates(ctx context.Context) map[string]string { return nil }

func (s *stubML) Extract(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
	if s.extract != nil {
		return s.extract(ctx, req)
	}
	return &mlclient.ExtractResponse{
		Symptoms: []core.Entity{{Text: "chest pain", Type: "SYMPTOM", Confidence: 0.92}},
		NLUTier:  "full",
	}, nil
}

func (s *stubML) EmbedPatientContext(ctx context.Context, req mlclient.EmbedRequest) ([]float64, error) {
	if s.embed != nil {
		return s.embed(ctx, req)
	}
	return []float64{0.1, 0.2}, nil
}

func (s *stubML) Recommend(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
	if s.recommend != nil {
		return s.recommend(ctx, req)
	}
	return cannedRecommendation(), nil
}

func (s *stubML) RecommendWithContext(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
	if s.recommendCtx != nil {
		return s.recommendCtx(ctx, req)
	}
	return cannedRecommendation(), nil
}

func (s *stubML) GenerateDraft(ctx context.Context, req mlclient.DraftRequest) (*mlclient.DraftResponse, error) {
	if s.draft != nil {
		return s.draft(ctx, req)
	}
	return &mlclient.DraftResponse{Drafts: []mlclient.Draft{{
		Title:           "Diabetes Management Plan",
		Goals:           []string{"HbA1c below 7%"},
		Interventions:   []string{"Metformin titration"},
		ConfidenceScore: 0.9,
	}}}, nil
}

func (s *stubML) Parse(ctx context.Context, fileKey string) (*mlclient.PDFParseResponse, error) {
	return nil, errors.New("not implemented")
}

func cannedRecommendation() *mlclient.RecommendResponse {
	return &mlclient.RecommendResponse{
		Templates: []mlclient.RecommendedTemplate{{
			TemplateID:     "tpl-diabetes-1",
			Name:           "Type 2 Diabetes Care",
			Confidence:     0.87,
			ConditionCodes: []string{"E11.9"},
			MatchFactors:   []string{"condition match"},
		}},
		ModelVersion: "v3",
	}
}

// stubAudit records entries by kind for assertions.
type stubAudit struct {
	mu         sync.Mutex
	phi        []map[string]interface{}
	mlCalls    []map[string]interface{}
	sharing    []map[string]interface{}
	jobEntries []map[string]interface{}
}

func (a *stubAudit) LogPHIAccess(ctx context.Context, entry map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phi = append(a.phi, entry)
	return nil
}

func (a *stubAudit) LogMLServiceCall(ctx context.Context, entry map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mlCalls = append(a.mlCalls, entry)
	return nil
}

func (a *stubAudit) LogDataSharing(ctx context.Context, entry map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sharing = append(a.sharing, entry)
	return nil
}

func (a *stubAudit) LogJob(ctx context.Context, entry map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobEntries = append(a.jobEntries, entry)
	return nil
}

func (a *stubAudit) firstRequestID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.phi) == 0 {
		return ""
	}
	id, _ := a.phi[0]["requestId"].(string)
	return id
}

func testOrchestrator(t *testing.T, ml mlclient.Factory) (*Orchestrator, *stubAudit) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "pipeline", nil)

	dm, err := degradation.NewManager(context.Background(), rc, nil)
	require.NoError(t, err)

	config := core.DefaultConfig()
	config.EncryptionKey = bytes.Repeat([]byte{3}, 32)
	config.EnableCaching = false
	config.EnableIdempotency = false
	config.MaxRetries = 0

	audit := &stubAudit{}
	orch, err := New(config, Dependencies{
		ML:          ml,
		Degradation: dm,
		Minimizer:   privacy.NewMinimizer(),
		Redis:       rc,
		Audit:       audit,
	})
	require.NoError(t, err)
	return orch, audit
}

func validInput() *core.PipelineInput {
	return &core.PipelineInput{
		VisitID:        "V1",
		PatientID:      "P1",
		ConditionCodes: []string{"E11.9"},
		TranscriptText: "Patient reports chest pain after exercise.",
		IdempotencyKey: "K1",
		CorrelationID:  "6f9619ff-8b86-4d01-b42d-00c04fc964ff",
		UserID:         "U1",
		UserRole:       "physician",
	}
}

func stageStatus(t *testing.T, output *core.PipelineOutput, stage string) core.StageStatus {
	t.Helper()
	for _, sr := range output.ProcessingMetadata.StageResults {
		if sr.Stage == stage {
			return sr.Status
		}
	}
	t.Fatalf("no result for stage %s", stage)
	return ""
}

func TestProcessHappyPath(t *testing.T) {
	orch, audit := testOrchestrator(t, &stubML{})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	require.Len(t, output.ProcessingMetadata.StageResults, 6)
	for _, stage := range []string{
		core.StageValidation, core.StageEntityExtraction, core.StageEmbeddingGeneration,
		core.StageTemplateRecommendation, core.StageDraftGeneration, core.StageSafetyValidation,
	} {
		assert.Equal(t, core.StageCompleted, stageStatus(t, output, stage), stage)
	}

	require.Len(t, output.Recommendations, 1)
	assert.Equal(t, "tpl-diabetes-1", output.Recommendations[0].TemplateID)
	assert.Equal(t, "Type 2 Diabetes Care", output.Recommendations[0].Title)

	require.NotNil(t, output.DraftCarePlan)
	assert.Equal(t, output.RequestID, output.DraftCarePlan.ID)
	assert.False(t, output.DraftCarePlan.RequiresReview)

	require.NotNil(t, output.ExtractedEntities)
	assert.Len(t, output.ExtractedEntities.Symptoms, 1)

	assert.Empty(t, output.DegradedServices)
	assert.False(t, output.RequiresManualReview)
	assert.NotEmpty(t, audit.firstRequestID())
	assert.NotEmpty(t, audit.sharing)
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{})

	input := validInput()
	input.VisitID = ""

	_, err := orch.Process(context.Background(), input)
	require.Error(t, err)
	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.CategoryValidationFailed, perr.Category)
	assert.Equal(t, core.SeverityFatal, perr.Severity)
}

func TestProcessRejectsBadConditionCode(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{})

	input := validInput()
	input.ConditionCodes = []string{"not-a-code"}

	_, err := orch.Process(context.Background(), input)
	require.Error(t, err)
	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.CategoryValidationFailed, perr.Category)
}

func TestExtractionFailureDegradesRun(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			return nil, errors.New("503 service unavailable")
		},
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StageFailed, stageStatus(t, output, core.StageEntityExtraction))
	assert.Contains(t, output.DegradedServices, core.ServiceAudioIntelligence)

	found := false
	for _, flag := range output.RedFlags {
		if flag.Type == "EXTRACTION_UNAVAILABLE" {
			found = true
			assert.Equal(t, core.SeverityMedium, flag.Severity)
		}
	}
	assert.True(t, found, "expected EXTRACTION_UNAVAILABLE red flag")

	// Degraded audio always routes to manual review.
	assert.True(t, output.RequiresManualReview)

	// The run still produced recommendations from the live recommender.
	assert.NotEmpty(t, output.Recommendations)
}

func TestRecommenderFailureUsesFallback(t *testing.T) {
	boom := errors.New("connection refused")
	orch, _ := testOrchestrator(t, &stubML{
		recommend:    func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) { return nil, boom },
		recommendCtx: func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) { return nil, boom },
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StageFailed, stageStatus(t, output, core.StageTemplateRecommendation))
	assert.Contains(t, output.DegradedServices, core.ServiceCareplanRecommender)

	require.NotEmpty(t, output.Recommendations)
	assert.Equal(t, "fallback-diabetes", output.Recommendations[0].TemplateID)
	assert.Contains(t, output.Recommendations[0].Reasoning, "[FALLBACK]")

	found := false
	for _, flag := range output.RedFlags {
		if flag.Type == "FALLBACK_RECOMMENDATIONS" {
			found = true
			assert.Equal(t, core.SeverityLow, flag.Severity)
		}
	}
	assert.True(t, found)
}

func TestEmbeddingFailureSwitchesToConditionOnly(t *testing.T) {
	var conditionOnlyCalled, contextCalled bool
	orch, _ := testOrchestrator(t, &stubML{
		embed: func(ctx context.Context, req mlclient.EmbedRequest) ([]float64, error) {
			return nil, errors.New("timeout waiting for embeddings")
		},
		recommend: func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
			conditionOnlyCalled = true
			return cannedRecommendation(), nil
		},
		recommendCtx: func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
			contextCalled = true
			return cannedRecommendation(), nil
		},
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StageFailed, stageStatus(t, output, core.StageEmbeddingGeneration))
	assert.True(t, conditionOnlyCalled)
	assert.False(t, contextCalled)
	assert.Contains(t, output.DegradedServices, core.ServiceRAGEmbeddings)
}

func TestDraftSkippedWhenNotWanted(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{})

	noDraft := false
	input := validInput()
	input.GenerateDraft = &noDraft

	output, err := orch.Process(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, core.StageSkipped, stageStatus(t, output, core.StageDraftGeneration))
	assert.Nil(t, output.DraftCarePlan)
}

func TestExtractionSkippedWithoutTranscript(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			t.Fatal("extraction must not run without a transcript")
			return nil, nil
		},
	})

	input := validInput()
	input.TranscriptText = ""

	output, err := orch.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, core.StageSkipped, stageStatus(t, output, core.StageEntityExtraction))
}

func TestRedFlagsSortedBySeverity(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			return &mlclient.ExtractResponse{
				Symptoms: []core.Entity{{Text: "crushing chest pain", Type: "SYMPTOM", Confidence: 0.99}},
				RedFlags: []core.RedFlag{
					{Type: "MINOR_NOTE", Severity: core.SeverityLow, Source: core.StageEntityExtraction},
					{Type: "CARDIAC_EMERGENCY", Severity: core.SeverityCritical, Source: core.StageEntityExtraction},
					{Type: "MED_INTERACTION", Severity: core.SeverityHigh, Source: core.StageEntityExtraction},
				},
			}, nil
		},
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(output.RedFlags), 3)
	assert.Equal(t, core.SeverityCritical, output.RedFlags[0].Severity)
	assert.Equal(t, core.SeverityHigh, output.RedFlags[1].Severity)

	// A CRITICAL flag alone forces manual review.
	assert.True(t, output.RequiresManualReview)
}

func TestLowConfidenceDraftFlagsReview(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		draft: func(ctx context.Context, req mlclient.DraftRequest) (*mlclient.DraftResponse, error) {
			return &mlclient.DraftResponse{Drafts: []mlclient.Draft{{
				Title:           "Sparse Plan",
				Goals:           []string{"follow up"},
				Interventions:   []string{"monitor"},
				ConfidenceScore: 0.4,
			}}}, nil
		},
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	require.NotNil(t, output.DraftCarePlan)
	assert.True(t, output.DraftCarePlan.RequiresReview)
	assert.True(t, output.RequiresManualReview)

	found := false
	for _, flag := range output.RedFlags {
		if flag.Type == "LOW_CONFIDENCE_DRAFT" {
			found = true
			assert.Equal(t, core.SeverityHigh, flag.Severity)
		}
	}
	assert.True(t, found)
}

func TestCancelStopsBetweenStages(t *testing.T) {
	var orch *Orchestrator
	var audit *stubAudit
	orch, audit = testOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			// Cancellation lands mid-run; the next stage boundary honors it.
			require.NoError(t, orch.Cancel(ctx, audit.firstRequestID()))
			return &mlclient.ExtractResponse{}, nil
		},
	})

	_, err := orch.Process(context.Background(), validInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRequestCancelled)
}

func TestAbortOnFatalStageError(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			return nil, core.NewPipelineError(core.CategoryInternal, core.SeverityFatal,
				core.StageEntityExtraction, "", errors.New("model permanently broken"))
		},
	})

	_, err := orch.Process(context.Background(), validInput())
	require.Error(t, err)
	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.SeverityFatal, perr.Severity)
}

func TestDraftFailureReturnsRecommendationsOnly(t *testing.T) {
	orch, _ := testOrchestrator(t, &stubML{
		draft: func(ctx context.Context, req mlclient.DraftRequest) (*mlclient.DraftResponse, error) {
			return nil, errors.New("504 gateway timeout")
		},
	})

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StageFailed, stageStatus(t, output, core.StageDraftGeneration))
	assert.Nil(t, output.DraftCarePlan)
	assert.NotEmpty(t, output.Recommendations)
	assert.Contains(t, output.DegradedServices, core.ServiceCareplanRecommender)
}

func TestRetryThenSuccessWithinBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "pipeline", nil)

	dm, err := degradation.NewManager(context.Background(), rc, nil)
	require.NoError(t, err)

	config := core.DefaultConfig()
	config.EncryptionKey = bytes.Repeat([]byte{3}, 32)
	config.EnableCaching = false
	config.EnableIdempotency = false
	config.MaxRetries = 2

	calls := 0
	ml := &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("503 service unavailable")
			}
			return &mlclient.ExtractResponse{}, nil
		},
	}

	orch, err := New(config, Dependencies{
		ML:          ml,
		Degradation: dm,
		Minimizer:   privacy.NewMinimizer(),
		Redis:       rc,
		Audit:       &stubAudit{},
	})
	require.NoError(t, err)

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, core.StageCompleted, stageStatus(t, output, core.StageEntityExtraction))
	assert.Empty(t, output.DegradedServices)
}

func TestDeterminedActionsMatchStageCategories(t *testing.T) {
	// Exhausted transient failures resolve to the stage's category action.
	perr := recovery.Classify(errors.New("503 service unavailable"), core.StageEntityExtraction, "")
	assert.Equal(t, recovery.ActionDegrade, recovery.Determine(perr, 3, 3))
}

// idempotentOrchestrator wires a sqlmock-backed idempotency store and a
// real lock manager so the duplicate-key paths run end to end.
func idempotentOrchestrator(t *testing.T, ml mlclient.Factory) (*Orchestrator, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "pipeline", nil)

	dm, err := degradation.NewManager(context.Background(), rc, nil)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	idem, err := idempotency.New(sqlx.NewDb(db, "sqlmock"), nil)
	require.NoError(t, err)

	locks, err := coordination.NewLockManager(rc, time.Minute, nil)
	require.NoError(t, err)

	config := core.DefaultConfig()
	config.EncryptionKey = bytes.Repeat([]byte{3}, 32)
	config.EnableCaching = false
	config.EnableIdempotency = true
	config.MaxRetries = 0
	config.LockWaitInterval = time.Millisecond
	config.LockWaitRetries = 3

	orch, err := New(config, Dependencies{
		ML:          ml,
		Idempotency: idem,
		Degradation: dm,
		Locks:       locks,
		Minimizer:   privacy.NewMinimizer(),
		Redis:       rc,
		Audit:       &stubAudit{},
	})
	require.NoError(t, err)
	return orch, mock, mr
}

func TestDuplicateClaimReleasedWhenLockHeldElsewhere(t *testing.T) {
	orch, mock, mr := idempotentOrchestrator(t, &stubML{})

	// Another execution holds the per-key processing lock for the whole
	// wait budget.
	require.NoError(t, mr.Set("pipeline:lock:processing:K1", "other-owner"))

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The loser gives its claim back; the holder's PENDING record is not
	// ours to fail.
	mock.ExpectExec(`DELETE FROM idempotency_keys`).
		WithArgs("K1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := orch.Process(context.Background(), validInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRequestInProgress)

	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.CodePipelineError, perr.Code())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWaitsOutConcurrentDuplicateAndReplays(t *testing.T) {
	orch, mock, _ := idempotentOrchestrator(t, &stubML{})
	input := validInput()

	hash, err := idempotency.CanonicalHash(input)
	require.NoError(t, err)

	now := time.Now().UTC()
	cols := []string{"key", "request_hash", "request_id", "response", "status", "created_at", "expires_at"}

	// First check sees the winner's PENDING row.
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key, request_hash`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("K1", hash, "winner-request", nil, "PENDING", now, now.Add(time.Hour)))

	// One wait interval later the winner has settled; the duplicate
	// caller replays the recorded output instead of failing.
	stored, err := json.Marshal(&core.PipelineOutput{RequestID: "winner-request"})
	require.NoError(t, err)
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key, request_hash`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("K1", hash, "winner-request", stored, "COMPLETED", now, now.Add(time.Hour)))

	output, err := orch.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "winner-request", output.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// cachingOrchestrator enables the cache layer with a real encryptor so
// the extraction and recommendation cache paths run for real.
func cachingOrchestrator(t *testing.T, ml mlclient.Factory, cacheConfig *cache.Config) (*Orchestrator, *cache.PipelineCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "pipeline", nil)

	dm, err := degradation.NewManager(context.Background(), rc, nil)
	require.NoError(t, err)

	enc, err := crypto.NewEncryptor(bytes.Repeat([]byte{3}, crypto.KeySize))
	require.NoError(t, err)
	audit := &stubAudit{}
	pc, err := cache.New(rc, enc, audit, cacheConfig)
	require.NoError(t, err)

	config := core.DefaultConfig()
	config.EncryptionKey = bytes.Repeat([]byte{3}, 32)
	config.EnableCaching = true
	config.EnableIdempotency = false
	config.MaxRetries = 0

	orch, err := New(config, Dependencies{
		ML:          ml,
		Cache:       pc,
		Degradation: dm,
		Minimizer:   privacy.NewMinimizer(),
		Redis:       rc,
		Audit:       audit,
	})
	require.NoError(t, err)
	return orch, pc
}

func TestConcurrentRunsShareOneExtractionCall(t *testing.T) {
	var extractCalls atomic.Int64
	orch, _ := cachingOrchestrator(t, &stubML{
		extract: func(ctx context.Context, req mlclient.ExtractRequest) (*mlclient.ExtractResponse, error) {
			extractCalls.Add(1)
			time.Sleep(100 * time.Millisecond)
			return &mlclient.ExtractResponse{
				Symptoms: []core.Entity{{Text: "chest pain", Type: "SYMPTOM", Confidence: 0.92}},
			}, nil
		},
	}, nil)

	var wg sync.WaitGroup
	outputs := make([]*core.PipelineOutput, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i], errs[i] = orch.Process(context.Background(), validInput())
		}(i)
	}
	wg.Wait()

	// Two same-transcript runs land on a single audio-intelligence call,
	// whether they coalesce in flight or the second hits the cache.
	assert.Equal(t, int64(1), extractCalls.Load())
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, outputs[i].ExtractedEntities)
		assert.Len(t, outputs[i].ExtractedEntities.Symptoms, 1)
	}
}

func TestRecommendationsServedFromCache(t *testing.T) {
	orch, pc := cachingOrchestrator(t, &stubML{
		recommend: func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
			t.Fatal("recommender must not run on a cache hit")
			return nil, nil
		},
		recommendCtx: func(ctx context.Context, req mlclient.RecommendRequest) (*mlclient.RecommendResponse, error) {
			t.Fatal("recommender must not run on a cache hit")
			return nil, nil
		},
	}, &cache.Config{RecommendationTTL: 300 * time.Second, RefreshBeta: 1000})

	cached := []core.Recommendation{{TemplateID: "tpl-cached", Title: "Cached Plan", Confidence: 0.9}}
	require.NoError(t, pc.SetRecommendations(context.Background(), []string{"E11.9"}, nil, nil, cached, "C1"))

	output, err := orch.Process(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, core.StageCompleted, stageStatus(t, output, core.StageTemplateRecommendation))
	require.Len(t, output.Recommendations, 1)
	assert.Equal(t, "tpl-cached", output.Recommendations[0].TemplateID)
}
