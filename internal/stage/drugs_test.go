package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/trace"
)

// unreachableVocab simulates a knowledge store outage.
type unreachableVocab struct{}

func (unreachableVocab) LookupExact(context.Context, string) (*knowledge.Entry, error) {
	return nil, context.DeadlineExceeded
}

func (unreachableVocab) LookupFuzzy(context.Context, string, float64, int) ([]knowledge.ScoredEntry, error) {
	return nil, context.DeadlineExceeded
}

func testResolver(t *testing.T, vocab knowledge.Vocabulary) *knowledge.Resolver {
	t.Helper()
	aliases := knowledge.NewAliasTable()
	require.NoError(t, aliases.MergeCSV(
		strings.NewReader("brand,generic,confidence\nKeflex,cephalexin,high\n"), "test"))
	return knowledge.NewResolver(vocab, aliases, knowledge.ResolverConfig{})
}

func stageVocab() *knowledge.MemVocabulary {
	return knowledge.NewMemVocabulary([]knowledge.Entry{
		{Code: "RX001", CanonicalName: "metformin"},
		{Code: "RX002", CanonicalName: "cephalexin"},
	})
}

func TestDrugResolutionAutoCommitsExact(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"drugs": [
		{"raw_text": "Metformin 500mg BID", "name": "Metformin", "dosage": "500mg", "frequency": "BID", "route": "oral"}
	]}`)

	rec := textRecord()
	s := NewDrugResolution(gw, testResolver(t, stageVocab()), &trace.MemSink{}, 0.95, 1024)
	res := s.Run(context.Background(), rec)

	assert.Equal(t, model.StageSuccess, res.Status)
	require.Len(t, rec.DrugEntries, 1)
	entry := rec.DrugEntries[0]
	require.NotNil(t, entry.Resolved)
	assert.Equal(t, "RX001", entry.Resolved.Code)
	assert.Equal(t, model.MatchExact, entry.Resolved.MatchKind)
	assert.Equal(t, "500mg", entry.Dosage)
}

func TestDrugResolutionHighConfidenceAliasCommits(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"drugs": [
		{"raw_text": "Keflex 500mg BID", "name": "Keflex"}
	]}`)

	rec := textRecord()
	s := NewDrugResolution(gw, testResolver(t, stageVocab()), &trace.MemSink{}, 0.95, 1024)
	res := s.Run(context.Background(), rec)

	// The alias source declared high confidence (0.95), meeting the threshold.
	assert.Equal(t, model.StageSuccess, res.Status)
	require.Len(t, rec.DrugEntries, 1)
	entry := rec.DrugEntries[0]
	require.NotNil(t, entry.Resolved)
	assert.Equal(t, model.MatchBrandAlias, entry.Resolved.MatchKind)
	assert.Equal(t, "cephalexin", entry.Resolved.CanonicalName)
}

func TestDrugResolutionLowConfidenceAliasKeptForReview(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"drugs": [
		{"raw_text": "Glucophage 850mg", "name": "Glucophage"}
	]}`)

	aliases := knowledge.NewAliasTable()
	require.NoError(t, aliases.MergeCSV(
		strings.NewReader("brand,generic\nGlucophage,metformin\n"), "test"))
	resolver := knowledge.NewResolver(stageVocab(), aliases, knowledge.ResolverConfig{})

	rec := textRecord()
	s := NewDrugResolution(gw, resolver, &trace.MemSink{}, 0.95, 1024)
	res := s.Run(context.Background(), rec)

	// Base alias confidence (0.85) is below the threshold: candidate only.
	assert.Equal(t, model.StageSuccessWithWarnings, res.Status)
	require.Len(t, rec.DrugEntries, 1)
	entry := rec.DrugEntries[0]
	assert.Nil(t, entry.Resolved)
	require.NotEmpty(t, entry.Candidates)
	assert.Equal(t, model.MatchBrandAlias, entry.Candidates[0].MatchKind)
	assert.Equal(t, "metformin", entry.Candidates[0].CanonicalName)
}

func TestDrugResolutionNeverDropsLines(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"drugs": [
		{"raw_text": "Metformin 500mg", "name": "Metformin"},
		{"raw_text": "zzzunknownzzz 10mg", "name": "zzzunknownzzz"}
	]}`)

	rec := textRecord()
	s := NewDrugResolution(gw, testResolver(t, stageVocab()), &trace.MemSink{}, 0.95, 1024)
	s.Run(context.Background(), rec)

	require.Len(t, rec.DrugEntries, 2)
	assert.Equal(t, "zzzunknownzzz 10mg", rec.DrugEntries[1].RawText)
	assert.Empty(t, rec.DrugEntries[1].Candidates)
	assert.Nil(t, rec.DrugEntries[1].Resolved)
}

func TestDrugResolutionDegradedEmitsTraceEvent(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"drugs": [{"raw_text": "Metformin 500mg", "name": "Metformin"}]}`)

	sink := &trace.MemSink{}
	rec := textRecord()
	s := NewDrugResolution(gw, testResolver(t, unreachableVocab{}), sink, 0.95, 1024)
	res := s.Run(context.Background(), rec)

	assert.Equal(t, model.StageSuccessWithWarnings, res.Status)
	require.Len(t, rec.DrugEntries, 1)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "resolver_degraded", events[0].Outcome)
	assert.Equal(t, NameDrugResolution, events[0].Stage)
}

func TestCheckDrugsAnswer(t *testing.T) {
	assert.NoError(t, checkDrugsAnswer(`{"drugs": []}`))
	assert.NoError(t, checkDrugsAnswer(`{"drugs": [{"raw_text": "x"}]}`))
	assert.Error(t, checkDrugsAnswer(`{"drugs": [{"dosage": "10mg"}]}`))
	assert.Error(t, checkDrugsAnswer(`not json`))
}
