package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearscript-health/rxscan/internal/config"
	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/resilience"
	"github.com/clearscript-health/rxscan/internal/stage"
	"github.com/clearscript-health/rxscan/internal/trace"
	"github.com/clearscript-health/rxscan/pkg/claude"
)

// mockModel implements claude.Client for end-to-end pipeline tests.
type mockModel struct {
	mock.Mock
}

func (m *mockModel) CreateMessage(ctx context.Context, req claude.MessageRequest) (*claude.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*claude.MessageResponse), args.Error(1)
}

func textResponse(model, text string) *claude.MessageResponse {
	return &claude.MessageResponse{
		ID:         "msg-1",
		Model:      model,
		StopReason: "end_turn",
		Content:    []claude.ContentBlock{{Type: "text", Text: text}},
	}
}

// forStage matches gateway calls by model id and the stage's system prompt.
func forStage(modelID, systemMarker string) any {
	return mock.MatchedBy(func(req claude.MessageRequest) bool {
		if req.Model != modelID {
			return false
		}
		return len(req.System) > 0 && strings.Contains(req.System[0].Text, systemMarker)
	})
}

// System prompt markers for each stage.
const (
	markExtract     = "transcription assistant"
	markPatient     = "patient demographics"
	markDrugs       = "medication orders"
	markPrescriber  = "prescriber details"
	markVerify      = "verification auditor"
	markTranslation = "translate prescription"
)

const (
	primaryModel   = "model-primary"
	secondaryModel = "model-secondary"
	fallbackModel  = "model-fallback"
)

func newTestGateway(client claude.Client, sink trace.Sink) *gateway.Gateway {
	return gateway.New(client, config.ClaudeConfig{
		PrimaryModel:   primaryModel,
		SecondaryModel: secondaryModel,
		FallbackModel:  fallbackModel,
		MaxTokens:      1024,
	}, config.GatewayConfig{
		RetriesPerModel: 1,
		CallTimeoutSecs: 5,
		RequestsPerSec:  1000,
	}, sink)
}

func newTestResolver(t *testing.T, vocab knowledge.Vocabulary) *knowledge.Resolver {
	t.Helper()
	aliases := knowledge.NewAliasTable()
	require.NoError(t, aliases.MergeCSV(strings.NewReader(
		"brand,generic,confidence\nKeflex,cephalexin,high\n"), "test"))
	return knowledge.NewResolver(vocab, aliases, knowledge.ResolverConfig{})
}

func newTestVocab() *knowledge.MemVocabulary {
	return knowledge.NewMemVocabulary([]knowledge.Entry{
		{Code: "RX001", CanonicalName: "metformin"},
		{Code: "RX002", CanonicalName: "cephalexin"},
	})
}

// unreachableVocab simulates a knowledge store outage.
type unreachableVocab struct{}

func (unreachableVocab) LookupExact(context.Context, string) (*knowledge.Entry, error) {
	return nil, context.DeadlineExceeded
}

func (unreachableVocab) LookupFuzzy(context.Context, string, float64, int) ([]knowledge.ScoredEntry, error) {
	return nil, context.DeadlineExceeded
}

// respondAll wires happy-path responses for every stage on the primary model.
func respondAll(m *mockModel) {
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markExtract)).
		Return(textResponse(primaryModel, `{"raw_text": "John Doe DOB 1980-03-04\nKeflex 500mg BID\nDr. Jane Smith NPI 1234567893", "legibility": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPatient)).
		Return(textResponse(primaryModel, `{"name": "John Doe", "date_of_birth": "1980-03-04", "identifiers": "", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markDrugs)).
		Return(textResponse(primaryModel, `{"drugs": [{"raw_text": "Keflex 500mg BID", "name": "Keflex", "dosage": "500mg", "frequency": "BID", "route": "oral"}]}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPrescriber)).
		Return(textResponse(primaryModel, `{"name": "Dr. Jane Smith", "npi": "1234567893", "clinic": "", "phone": "", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markVerify)).
		Return(textResponse(primaryModel, `{"unsupported": []}`), nil)
}

func newTestPipeline(client claude.Client, vocab knowledge.Vocabulary, sink trace.Sink, t *testing.T) *Pipeline {
	t.Helper()
	gw := newTestGateway(client, sink)
	return New(gw, newTestResolver(t, vocab), sink, nil, Config{
		Deadline:                30 * time.Second,
		AcceptanceThreshold:     0.95,
		HallucinationSimilarity: 0.5,
		MaxTokens:               1024,
	})
}

func testImage() ProcessRequest {
	return ProcessRequest{Image: []byte{0xff, 0xd8, 0xff}, MediaType: "image/jpeg"}
}

func traceEntry(rec *model.PrescriptionRecord, stageName string) *model.StageTraceEntry {
	for i := range rec.StageTrace {
		if rec.StageTrace[i].Stage == stageName {
			return &rec.StageTrace[i]
		}
	}
	return nil
}

// Scenario A: the written brand name has no vocabulary entry, but a
// high-confidence alias maps it to the generic.
func TestProcessBrandAliasResolution(t *testing.T) {
	m := &mockModel{}
	respondAll(m)

	sink := &trace.MemSink{}
	p := newTestPipeline(m, newTestVocab(), sink, t)

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.Len(t, rec.DrugEntries, 1)
	entry := rec.DrugEntries[0]
	require.NotNil(t, entry.Resolved)
	assert.Equal(t, "cephalexin", entry.Resolved.CanonicalName)
	assert.Equal(t, model.MatchBrandAlias, entry.Resolved.MatchKind)
	assert.Empty(t, entry.HallucinationFlag)

	// Every stage appears in the trace, translation as skipped.
	require.Len(t, rec.StageTrace, 6)
	assert.Equal(t, model.StageSkipped, traceEntry(rec, stage.NameTranslation).Status)
}

// Scenario B: primary and secondary models return transient errors for the
// extraction call; the fallback succeeds.
func TestProcessModelFallbackChain(t *testing.T) {
	m := &mockModel{}
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markExtract)).
		Return(nil, resilience.NewTransientError(assert.AnError, 529)).Once()
	m.On("CreateMessage", mock.Anything, forStage(secondaryModel, markExtract)).
		Return(nil, resilience.NewTransientError(assert.AnError, 529)).Once()
	m.On("CreateMessage", mock.Anything, forStage(fallbackModel, markExtract)).
		Return(textResponse(fallbackModel, `{"raw_text": "Metformin 500mg BID", "legibility": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPatient)).
		Return(textResponse(primaryModel, `{"name": "John Doe", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markDrugs)).
		Return(textResponse(primaryModel, `{"drugs": [{"raw_text": "Metformin 500mg BID", "name": "Metformin"}]}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPrescriber)).
		Return(textResponse(primaryModel, `{"name": "Dr. Jane Smith", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markVerify)).
		Return(textResponse(primaryModel, `{"unsupported": []}`), nil)

	sink := &trace.MemSink{}
	p := newTestPipeline(m, newTestVocab(), sink, t)

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	extract := traceEntry(rec, stage.NameImageExtraction)
	require.NotNil(t, extract)
	assert.Equal(t, model.StageSuccess, extract.Status)
	assert.Equal(t, fallbackModel, extract.Model)

	// One trace event per attempt: two failures, then the fallback success.
	var attempts []trace.Event
	for _, ev := range sink.Events() {
		if ev.Stage == stage.NameImageExtraction && ev.Attempt > 0 {
			attempts = append(attempts, ev)
		}
	}
	require.Len(t, attempts, 3)
	assert.Equal(t, primaryModel, attempts[0].Model)
	assert.Equal(t, "error", attempts[0].Outcome)
	assert.Equal(t, secondaryModel, attempts[1].Model)
	assert.Equal(t, "error", attempts[1].Outcome)
	assert.Equal(t, fallbackModel, attempts[2].Model)
	assert.Equal(t, "success", attempts[2].Outcome)
}

// Scenario C: knowledge store unreachable. The pipeline still completes and
// the trace marks the resolver as degraded.
func TestProcessKnowledgeStoreOutage(t *testing.T) {
	m := &mockModel{}
	respondAll(m)

	sink := &trace.MemSink{}
	p := newTestPipeline(m, unreachableVocab{}, sink, t)

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	assert.Contains(t, []model.RecordStatus{
		model.StatusCompleted, model.StatusPartiallyCompleted,
	}, rec.Status)

	// Drug line preserved even though resolution degraded.
	require.Len(t, rec.DrugEntries, 1)

	degraded := false
	for _, ev := range sink.Events() {
		if ev.Outcome == "resolver_degraded" {
			degraded = true
		}
	}
	assert.True(t, degraded, "expected a resolver_degraded trace event")
}

// Scenario D: the overall deadline expires during the prescriber stage.
func TestProcessDeadlineExceededMidStage(t *testing.T) {
	m := &mockModel{}
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markExtract)).
		Return(textResponse(primaryModel, `{"raw_text": "Metformin 500mg BID", "legibility": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPatient)).
		Return(textResponse(primaryModel, `{"name": "John Doe", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markDrugs)).
		Return(textResponse(primaryModel, `{"drugs": [{"raw_text": "Metformin 500mg BID", "name": "Metformin"}]}`), nil)
	// The prescriber call hangs until the invocation deadline fires.
	for _, mdl := range []string{primaryModel, secondaryModel, fallbackModel} {
		m.On("CreateMessage", mock.Anything, forStage(mdl, markPrescriber)).
			Run(func(args mock.Arguments) {
				ctx := args.Get(0).(context.Context)
				<-ctx.Done()
			}).
			Return(nil, context.DeadlineExceeded)
	}

	sink := &trace.MemSink{}
	gw := newTestGateway(m, sink)
	p := New(gw, newTestResolver(t, newTestVocab()), sink, nil, Config{
		Deadline:                300 * time.Millisecond,
		AcceptanceThreshold:     0.95,
		HallucinationSimilarity: 0.5,
		MaxTokens:               1024,
	})

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "deadline exceeded during prescriber")

	assert.Equal(t, model.StageCancelled, traceEntry(rec, stage.NamePrescriber).Status)
	assert.Equal(t, model.StageSkipped, traceEntry(rec, stage.NameHallucinationDetection).Status)
	assert.Equal(t, model.StageSkipped, traceEntry(rec, stage.NameTranslation).Status)
}

func TestProcessFatalExtractionSkipsEverything(t *testing.T) {
	m := &mockModel{}
	for _, mdl := range []string{primaryModel, secondaryModel, fallbackModel} {
		m.On("CreateMessage", mock.Anything, forStage(mdl, markExtract)).
			Return(nil, resilience.NewTransientError(assert.AnError, 529))
	}

	sink := &trace.MemSink{}
	p := newTestPipeline(m, newTestVocab(), sink, t)

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "image_extraction")

	require.Len(t, rec.StageTrace, 6)
	assert.Equal(t, model.StageFailedFatal, rec.StageTrace[0].Status)
	for _, entry := range rec.StageTrace[1:] {
		assert.Equal(t, model.StageSkipped, entry.Status, "stage %s", entry.Stage)
	}
}

func TestProcessRecoverableFailureEndsPartiallyCompleted(t *testing.T) {
	m := &mockModel{}
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markExtract)).
		Return(textResponse(primaryModel, `{"raw_text": "Metformin 500mg BID", "legibility": 0.9}`), nil)
	// Patient extraction refused by every model in the chain.
	for _, mdl := range []string{primaryModel, secondaryModel, fallbackModel} {
		m.On("CreateMessage", mock.Anything, forStage(mdl, markPatient)).
			Return(&claude.MessageResponse{
				Model:      mdl,
				StopReason: "refusal",
				Content:    []claude.ContentBlock{},
			}, nil)
	}
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markDrugs)).
		Return(textResponse(primaryModel, `{"drugs": [{"raw_text": "Metformin 500mg BID", "name": "Metformin"}]}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markPrescriber)).
		Return(textResponse(primaryModel, `{"name": "Dr. Jane Smith", "confidence": 0.9}`), nil)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markVerify)).
		Return(textResponse(primaryModel, `{"unsupported": []}`), nil)

	sink := &trace.MemSink{}
	p := newTestPipeline(m, newTestVocab(), sink, t)

	rec, err := p.Process(context.Background(), testImage())
	require.NoError(t, err)

	assert.Equal(t, model.StatusPartiallyCompleted, rec.Status)
	assert.Equal(t, model.StageFailedRecoverable, traceEntry(rec, stage.NamePatientInfo).Status)
	// Later stages still ran against available fields.
	assert.Equal(t, model.StageSuccess, traceEntry(rec, stage.NameDrugResolution).Status)
	require.Len(t, rec.DrugEntries, 1)
	assert.NotNil(t, rec.DrugEntries[0].Resolved)
}

func TestProcessEmptyImageRejected(t *testing.T) {
	m := &mockModel{}
	p := newTestPipeline(m, newTestVocab(), &trace.MemSink{}, t)

	_, err := p.Process(context.Background(), ProcessRequest{})
	assert.Error(t, err)
}

func TestProcessTranslationRequested(t *testing.T) {
	m := &mockModel{}
	respondAll(m)
	m.On("CreateMessage", mock.Anything, forStage(primaryModel, markTranslation)).
		Return(textResponse(primaryModel, `{"patient_name": "Juan Pérez", "prescriber": "Dra. Smith", "instructions": ["tomar dos veces al día"]}`), nil)

	sink := &trace.MemSink{}
	p := newTestPipeline(m, newTestVocab(), sink, t)

	req := testImage()
	req.TranslateTo = "es"
	rec, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Translation)
	assert.Equal(t, "es", rec.Translation.Language)
}
