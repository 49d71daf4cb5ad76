package stage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/model"
)

const patientSystemPrompt = `You extract structured patient demographics from prescription
transcriptions. Only report values present in the text. Use empty strings
for anything absent. Respond only with JSON.`

const patientPromptTemplate = `Prescription transcription:
---
%s
---

Extract the patient's details. Return JSON:
{
  "name": "patient full name or empty",
  "date_of_birth": "YYYY-MM-DD or empty",
  "identifiers": "MRN or other identifiers, comma separated, or empty",
  "confidence": 0.0-1.0
}`

var patientNameRe = regexp.MustCompile(`^[\p{L}][\p{L}\s.'-]*$`)

type patientAnswer struct {
	Name        string  `json:"name"`
	DateOfBirth string  `json:"date_of_birth"`
	Identifiers string  `json:"identifiers"`
	Confidence  float64 `json:"confidence"`
}

// PatientInfo extracts and validates patient fields. Validation failures
// annotate the record rather than aborting the pipeline.
type PatientInfo struct {
	gw        Completer
	maxTokens int64
	nowFunc   func() time.Time
}

// NewPatientInfo builds the patient info stage.
func NewPatientInfo(gw Completer, maxTokens int64) *PatientInfo {
	return &PatientInfo{gw: gw, maxTokens: maxTokens, nowFunc: time.Now}
}

func (s *PatientInfo) Name() string { return NamePatientInfo }

func (s *PatientInfo) HardDeps() []string { return []string{model.FieldRawExtraction} }

func (s *PatientInfo) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:       s.Name(),
		RecordID:    rec.ID,
		System:      patientSystemPrompt,
		Prompt:      fmt.Sprintf(patientPromptTemplate, rec.RawExtraction),
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkPatientAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var answer patientAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	patient := &model.Patient{
		Name:        answer.Name,
		DateOfBirth: answer.DateOfBirth,
		Identifiers: answer.Identifiers,
		Confidence:  answer.Confidence,
	}
	s.validate(patient)
	rec.Patient = patient

	if !patient.Validated {
		return model.StageResult{
			Status: model.StageSuccessWithWarnings,
			Model:  resp.Model,
			Detail: patient.Reason,
		}
	}
	return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
}

// validate applies field-level plausibility checks and derives age from a
// valid date of birth.
func (s *PatientInfo) validate(p *model.Patient) {
	if p.Name == "" {
		p.Reason = "patient name missing"
		return
	}
	if !patientNameRe.MatchString(p.Name) {
		p.Reason = "patient name contains invalid characters"
		return
	}

	if p.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", p.DateOfBirth)
		if err != nil {
			p.Reason = "date of birth not parseable"
			return
		}
		now := s.nowFunc()
		if dob.Year() < 1900 || dob.After(now) {
			p.Reason = "date of birth implausible"
			return
		}
		p.Age = ageAt(dob, now)
	}

	p.Validated = true
}

func ageAt(dob, now time.Time) int {
	age := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		age--
	}
	return age
}

func checkPatientAnswer(text string) error {
	var answer patientAnswer
	if err := decodeInto(text, &answer); err != nil {
		return err
	}
	if answer.Confidence < 0 || answer.Confidence > 1 {
		return eris.New("confidence out of range")
	}
	return nil
}
