package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/model"
)

const hallucinationSystemPrompt = `You are a verification auditor. You compare structured fields
extracted from a prescription against the original transcription and report
any value with no traceable support in the source text. Be strict: a value
is supported only if the transcription plausibly contains it. Respond only
with JSON.`

const hallucinationPromptTemplate = `Original transcription:
---
%s
---

Extracted fields:
%s

List every extracted value that is NOT supported by the transcription.
Return JSON:
{
  "unsupported": [
    {"field": "patient.name | prescriber.npi | drug.<index>.raw_text | ...", "reason": "why"}
  ]
}`

type hallucinationAnswer struct {
	Unsupported []struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	} `json:"unsupported"`
}

// HallucinationDetection cross-checks the record against the original
// transcription. It only annotates: flags are written, upstream fields are
// never mutated or removed.
type HallucinationDetection struct {
	gw              Completer
	similarityFloor float64
	maxTokens       int64
}

// NewHallucinationDetection builds the verification stage. similarityFloor
// is the minimum name similarity before a resolved match is flagged as
// diverging from what was written.
func NewHallucinationDetection(gw Completer, similarityFloor float64, maxTokens int64) *HallucinationDetection {
	if similarityFloor <= 0 {
		similarityFloor = 0.5
	}
	return &HallucinationDetection{gw: gw, similarityFloor: similarityFloor, maxTokens: maxTokens}
}

func (s *HallucinationDetection) Name() string { return NameHallucinationDetection }

func (s *HallucinationDetection) HardDeps() []string { return []string{model.FieldRawExtraction} }

func (s *HallucinationDetection) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	// Local divergence check runs regardless of model availability: a
	// committed canonical name too far from what was written gets flagged.
	divergences := s.flagDivergences(rec)

	fields, err := json.MarshalIndent(extractedFields(rec), "", "  ")
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:       s.Name(),
		RecordID:    rec.ID,
		System:      hallucinationSystemPrompt,
		Prompt:      fmt.Sprintf(hallucinationPromptTemplate, rec.RawExtraction, fields),
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkHallucinationAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var answer hallucinationAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var warnings []string
	for _, u := range answer.Unsupported {
		if idx, ok := drugFieldIndex(u.Field); ok && idx < len(rec.DrugEntries) {
			if rec.DrugEntries[idx].HallucinationFlag == "" {
				rec.DrugEntries[idx].HallucinationFlag = "unsupported: " + u.Reason
			}
			continue
		}
		warnings = append(warnings, fmt.Sprintf("%s: %s", u.Field, u.Reason))
	}

	flagged := divergences + len(answer.Unsupported)
	if flagged > 0 {
		return model.StageResult{
			Status:   model.StageSuccessWithWarnings,
			Model:    resp.Model,
			Detail:   fmt.Sprintf("%d values flagged", flagged),
			Warnings: warnings,
		}
	}
	return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
}

// flagDivergences flags entries whose committed canonical name is too
// dissimilar from the written text, returning the number flagged.
func (s *HallucinationDetection) flagDivergences(rec *model.PrescriptionRecord) int {
	flagged := 0
	for i := range rec.DrugEntries {
		entry := &rec.DrugEntries[i]
		if entry.Resolved == nil || entry.HallucinationFlag != "" {
			continue
		}
		// Alias mappings diverge textually by definition; the alias table
		// itself grounds them.
		if entry.Resolved.MatchKind == model.MatchBrandAlias {
			continue
		}
		written := knowledge.Normalize(entry.RawText)
		canonical := knowledge.NormalizeLight(entry.Resolved.CanonicalName)
		if levenshtein.Similarity(written, canonical, nil) < s.similarityFloor {
			entry.HallucinationFlag = "canonical name diverges from written text"
			flagged++
		}
	}
	return flagged
}

// extractedFields builds the downstream view handed to the verification
// model, without the source image or trace noise.
func extractedFields(rec *model.PrescriptionRecord) map[string]any {
	out := map[string]any{}
	if rec.Patient != nil {
		out["patient"] = rec.Patient
	}
	if rec.Prescriber != nil {
		out["prescriber"] = rec.Prescriber
	}
	if len(rec.DrugEntries) > 0 {
		drugs := make([]map[string]string, len(rec.DrugEntries))
		for i, e := range rec.DrugEntries {
			d := map[string]string{"raw_text": e.RawText}
			if e.Resolved != nil {
				d["resolved"] = e.Resolved.CanonicalName
			}
			drugs[i] = d
		}
		out["drugs"] = drugs
	}
	return out
}

// drugFieldIndex parses field paths like "drug.2.raw_text".
func drugFieldIndex(field string) (int, bool) {
	parts := strings.Split(field, ".")
	if len(parts) < 2 || (parts[0] != "drug" && parts[0] != "drugs") {
		return 0, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func checkHallucinationAnswer(text string) error {
	var answer hallucinationAnswer
	return decodeInto(text, &answer)
}
