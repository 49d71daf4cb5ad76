package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/text/language"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/model"
)

const translateSystemPrompt = `You translate prescription details for patients. Keep drug names
and dosages exactly as written; translate only instructions and free text.
Respond only with JSON.`

const translatePromptTemplate = `Target language: %s

Prescription details:
%s

Translate the human-readable parts. Return JSON:
{
  "patient_name": "as appropriate in the target script, or unchanged",
  "prescriber": "prescriber name/clinic, or unchanged",
  "instructions": ["one translated instruction per medication line"]
}`

type translateAnswer struct {
	PatientName  string   `json:"patient_name"`
	Prescriber   string   `json:"prescriber"`
	Instructions []string `json:"instructions"`
}

// Translate produces an optional localized view of the record. It is
// requested per invocation and never mutates upstream fields.
type Translate struct {
	gw        Completer
	target    string
	maxTokens int64
}

// NewTranslate builds the translation stage. An empty target language marks
// the stage as not requested, reported as SKIPPED.
func NewTranslate(gw Completer, target string, maxTokens int64) *Translate {
	return &Translate{gw: gw, target: target, maxTokens: maxTokens}
}

func (s *Translate) Name() string { return NameTranslation }

func (s *Translate) HardDeps() []string { return []string{model.FieldRawExtraction} }

func (s *Translate) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	if s.target == "" {
		return model.StageResult{Status: model.StageSkipped, Detail: "translation not requested"}
	}

	tag, err := language.Parse(s.target)
	if err != nil {
		return model.StageResult{
			Status: model.StageFailedRecoverable,
			Detail: fmt.Sprintf("invalid target language %q", s.target),
		}
	}

	view, err := json.MarshalIndent(extractedFields(rec), "", "  ")
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:       s.Name(),
		RecordID:    rec.ID,
		System:      translateSystemPrompt,
		Prompt:      fmt.Sprintf(translatePromptTemplate, tag.String(), view),
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkTranslateAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var answer translateAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	rec.Translation = &model.Translation{
		Language:     tag.String(),
		PatientName:  answer.PatientName,
		Prescriber:   answer.Prescriber,
		Instructions: answer.Instructions,
	}

	return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
}

func checkTranslateAnswer(text string) error {
	var answer translateAnswer
	return decodeInto(text, &answer)
}
