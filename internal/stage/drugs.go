package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/trace"
)

const drugsSystemPrompt = `You extract medication orders from prescription transcriptions.
Report every medication line, even partially legible ones. Never invent
medications not present in the text. Respond only with JSON.`

const drugsPromptTemplate = `Prescription transcription:
---
%s
---

Extract every medication line. Return JSON:
{
  "drugs": [
    {
      "raw_text": "the line as written",
      "name": "the drug name portion",
      "dosage": "strength, or empty",
      "frequency": "e.g. BID, TID, or empty",
      "route": "e.g. oral, topical, or empty"
    }
  ]
}`

type drugLine struct {
	RawText   string `json:"raw_text"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Route     string `json:"route"`
}

type drugsAnswer struct {
	Drugs []drugLine `json:"drugs"`
}

// DrugResolution extracts medication lines and grounds each against the
// drug vocabulary. Lines are never dropped; an entry that resolution failed
// on is preserved with empty candidates for audit.
type DrugResolution struct {
	gw        Completer
	resolver  *knowledge.Resolver
	sink      trace.Sink
	threshold float64
	maxTokens int64
}

// NewDrugResolution builds the drug resolution stage. threshold is the
// minimum top-candidate score for auto-committing a resolution.
func NewDrugResolution(gw Completer, resolver *knowledge.Resolver, sink trace.Sink, threshold float64, maxTokens int64) *DrugResolution {
	if threshold <= 0 {
		threshold = 0.95
	}
	if sink == nil {
		sink = trace.LogSink{}
	}
	return &DrugResolution{gw: gw, resolver: resolver, sink: sink, threshold: threshold, maxTokens: maxTokens}
}

func (s *DrugResolution) Name() string { return NameDrugResolution }

func (s *DrugResolution) HardDeps() []string { return []string{model.FieldRawExtraction} }

func (s *DrugResolution) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:       s.Name(),
		RecordID:    rec.ID,
		System:      drugsSystemPrompt,
		Prompt:      fmt.Sprintf(drugsPromptTemplate, rec.RawExtraction),
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkDrugsAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var answer drugsAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	degraded := false
	unresolved := 0
	entries := make([]model.DrugEntry, 0, len(answer.Drugs))
	for _, line := range answer.Drugs {
		entry := model.DrugEntry{
			RawText:   line.RawText,
			Dosage:    line.Dosage,
			Frequency: line.Frequency,
			Route:     line.Route,
		}

		name := line.Name
		if name == "" {
			name = line.RawText
		}
		res := s.resolver.Resolve(ctx, name)
		if res.Degraded {
			degraded = true
		}
		entry.Candidates = res.Matches

		if len(res.Matches) > 0 {
			top := res.Matches[0]
			// Exact and normalized hits always commit. Alias and fuzzy
			// candidates commit only at or above the acceptance threshold;
			// below it they stay in Candidates for review.
			if top.MatchKind == model.MatchExact || top.MatchKind == model.MatchNormalized ||
				top.MatchScore >= s.threshold {
				committed := top
				entry.Resolved = &committed
			}
		}
		if entry.Resolved == nil {
			unresolved++
		}

		entries = append(entries, entry)
	}
	rec.DrugEntries = entries

	if degraded {
		s.sink.Emit(trace.Event{
			Time:     time.Now(),
			RecordID: rec.ID,
			Stage:    s.Name(),
			Outcome:  "resolver_degraded",
			Detail:   "knowledge store unreachable, offline tiers only",
		})
	}

	switch {
	case degraded:
		return model.StageResult{
			Status: model.StageSuccessWithWarnings,
			Model:  resp.Model,
			Detail: "knowledge resolver degraded",
		}
	case unresolved > 0:
		return model.StageResult{
			Status: model.StageSuccessWithWarnings,
			Model:  resp.Model,
			Detail: fmt.Sprintf("%d of %d entries unresolved", unresolved, len(entries)),
		}
	default:
		return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
	}
}

func checkDrugsAnswer(text string) error {
	var answer drugsAnswer
	if err := decodeInto(text, &answer); err != nil {
		return err
	}
	for i, d := range answer.Drugs {
		if d.RawText == "" && d.Name == "" {
			return eris.Errorf("drug %d has neither raw_text nor name", i)
		}
	}
	return nil
}
